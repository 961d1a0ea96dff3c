package spec

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"

	"github.com/aperture-cli/aperture/pkg/errs"
)

// allow31 gates the 3.1 -> 3.0 downgrade path. Enabled by the `openapi31`
// build tag; see version31.go.

// Parse loads an OpenAPI 3.x document from raw YAML or JSON bytes.
func Parse(ctx context.Context, data []byte) (*openapi3.T, error) {
	if err := checkVersion(data); err != nil {
		return nil, err
	}

	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, errs.Wrap(errs.KindSpecification, err, "failed to parse OpenAPI document").
			WithHint(errs.HintYAMLSyntax)
	}
	if err := doc.Validate(ctx, openapi3.DisableExamplesValidation(), openapi3.DisableSchemaDefaultsValidation()); err != nil {
		return nil, errs.Wrap(errs.KindSpecification, err, "OpenAPI document failed validation").
			WithHint(errs.HintOpenAPIFormat)
	}
	return doc, nil
}

// checkVersion enforces the supported version window before the heavier
// loader runs. YAML is a superset of JSON, so one decode covers both.
func checkVersion(data []byte) error {
	var head struct {
		OpenAPI string `yaml:"openapi" json:"openapi"`
		Swagger string `yaml:"swagger" json:"swagger"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		// Try strict JSON in case the YAML decoder balked on a JSON quirk.
		if jerr := json.Unmarshal(data, &head); jerr != nil {
			return errs.Wrap(errs.KindSpecification, err, "failed to read spec version field").
				WithHint(errs.HintYAMLSyntax)
		}
	}

	if head.Swagger != "" {
		return errs.New(errs.KindSpecification, "Swagger %s specifications are not supported; convert to OpenAPI 3.0 first", head.Swagger)
	}
	if head.OpenAPI == "" {
		return errs.New(errs.KindSpecification, "missing 'openapi' version field").
			WithHint(errs.HintOpenAPIFormat)
	}
	if strings.HasPrefix(head.OpenAPI, "3.0") {
		return nil
	}
	if strings.HasPrefix(head.OpenAPI, "3.1") {
		if allow31 {
			return nil
		}
		return errs.New(errs.KindSpecification, "OpenAPI %s is not supported by this build", head.OpenAPI).
			WithHint("Rebuild with the openapi31 tag or downgrade the specification to 3.0.")
	}
	return errs.New(errs.KindSpecification, "unsupported OpenAPI version %q", head.OpenAPI)
}
