package spec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/errs"
)

// maxRefDepth bounds parameter $ref chains; exceeding it (or a cycle) is a
// circular-reference error.
const maxRefDepth = 10

// EndpointKey identifies an endpoint by method and path.
type EndpointKey struct {
	Method string
	Path   string
}

func (k EndpointKey) String() string { return k.Method + " " + k.Path }

// ValidationResult is the non-strict validator output: per-endpoint skip
// reasons plus human-readable warnings.
type ValidationResult struct {
	Warnings []string
	Skip     map[EndpointKey]string
}

// Validate walks the parsed document and decides each endpoint's fate.
//
// Non-strict mode skips infeasible endpoints with a reason; strict mode
// rejects the document if any endpoint is infeasible. Hard errors (malformed
// x-aperture-secret, unresolvable command-name collisions) reject the
// document regardless of mode.
func Validate(doc *openapi3.T, mapping config.CommandMapping, strict bool) (*ValidationResult, error) {
	if err := validateSecretExtensions(doc); err != nil {
		return nil, err
	}

	res := &ValidationResult{Skip: make(map[EndpointKey]string)}

	for _, path := range sortedPaths(doc) {
		item := doc.Paths.Value(path)
		for _, method := range methodOrder {
			op := item.GetOperation(method)
			if op == nil {
				continue
			}
			key := EndpointKey{Method: method, Path: path}

			if _, err := ResolveParameters(doc, item, op); err != nil {
				return nil, err
			}

			if reason := bodyInfeasible(op); reason != "" {
				res.Skip[key] = reason
				continue
			}
			if reason := authInfeasible(doc, op); reason != "" {
				res.Skip[key] = reason
				continue
			}
		}
	}

	if err := checkNameCollisions(doc, mapping, res.Skip); err != nil {
		return nil, err
	}

	for _, key := range sortedSkipKeys(res.Skip) {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("skipping %s: %s", key, res.Skip[key]))
	}

	if strict && len(res.Skip) > 0 {
		e := errs.New(errs.KindSpecification, "specification contains %d unsupported endpoint(s)", len(res.Skip))
		for _, key := range sortedSkipKeys(res.Skip) {
			e.WithDetail(key.String(), res.Skip[key])
		}
		return nil, e.WithHint("Disable strict mode or remove the unsupported endpoints.")
	}

	return res, nil
}

// methodOrder fixes a deterministic walk order for a path item.
var methodOrder = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS", "TRACE"}

func sortedPaths(doc *openapi3.T) []string {
	if doc.Paths == nil {
		return nil
	}
	paths := make([]string, 0, doc.Paths.Len())
	for path := range doc.Paths.Map() {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func sortedSkipKeys(skip map[EndpointKey]string) []EndpointKey {
	keys := make([]EndpointKey, 0, len(skip))
	for k := range skip {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Method < keys[j].Method
	})
	return keys
}

// IsJSONContentType reports whether a media type is JSON for our purposes:
// case-insensitive, parameters stripped, application/json or any +json
// suffix.
func IsJSONContentType(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// bodyInfeasible returns a skip reason when the endpoint's request body has
// no JSON content, or "" when feasible.
func bodyInfeasible(op *openapi3.Operation) string {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return ""
	}
	content := op.RequestBody.Value.Content
	if len(content) == 0 {
		return ""
	}
	for mt := range content {
		if IsJSONContentType(mt) {
			return ""
		}
	}
	types := make([]string, 0, len(content))
	for mt := range content {
		types = append(types, mt)
	}
	sort.Strings(types)
	return fmt.Sprintf("request body has no JSON content (available: %s)", strings.Join(types, ", "))
}

// schemeUnsupported returns a reason when the scheme cannot be satisfied
// from environment-sourced secrets, or "".
func schemeUnsupported(scheme *openapi3.SecurityScheme) string {
	switch strings.ToLower(scheme.Type) {
	case "oauth2":
		return "OAuth2 flows are not supported"
	case "openidconnect":
		return "OpenID Connect is not supported"
	case "http":
		switch strings.ToLower(scheme.Scheme) {
		case "negotiate", "oauth":
			return fmt.Sprintf("HTTP %q authentication is not supported", scheme.Scheme)
		}
	}
	return ""
}

// effectiveSecurity returns the requirement sets governing an operation:
// the operation's own when declared, else the document's.
func effectiveSecurity(doc *openapi3.T, op *openapi3.Operation) openapi3.SecurityRequirements {
	if op.Security != nil {
		return *op.Security
	}
	return doc.Security
}

// authInfeasible returns a skip reason when no requirement set is fully
// supported, or "" when at least one is (or no auth is required).
func authInfeasible(doc *openapi3.T, op *openapi3.Operation) string {
	reqs := effectiveSecurity(doc, op)
	if len(reqs) == 0 {
		return ""
	}

	var reasons []string
	for _, req := range reqs {
		setOK := true
		for name := range req {
			ref := schemeRef(doc, name)
			if ref == nil || ref.Value == nil {
				setOK = false
				reasons = append(reasons, fmt.Sprintf("security scheme %q is not defined", name))
				break
			}
			if reason := schemeUnsupported(ref.Value); reason != "" {
				setOK = false
				reasons = append(reasons, fmt.Sprintf("scheme %q: %s", name, reason))
				break
			}
		}
		if setOK {
			return ""
		}
	}
	sort.Strings(reasons)
	return "no supported authentication scheme: " + strings.Join(reasons, "; ")
}

func schemeRef(doc *openapi3.T, name string) *openapi3.SecuritySchemeRef {
	if doc.Components == nil || doc.Components.SecuritySchemes == nil {
		return nil
	}
	return doc.Components.SecuritySchemes[name]
}

// validateSecretExtensions hard-rejects malformed x-aperture-secret blocks.
func validateSecretExtensions(doc *openapi3.T) error {
	if doc.Components == nil {
		return nil
	}
	names := make([]string, 0, len(doc.Components.SecuritySchemes))
	for name := range doc.Components.SecuritySchemes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ref := doc.Components.SecuritySchemes[name]
		if ref == nil || ref.Value == nil {
			continue
		}
		if _, err := parseSecretExtension(name, ref.Value); err != nil {
			return err
		}
	}
	return nil
}

// parseSecretExtension extracts a well-formed x-aperture-secret binding, nil
// when the extension is absent, or an error when present but malformed.
func parseSecretExtension(schemeName string, scheme *openapi3.SecurityScheme) (*SecretBinding, error) {
	raw, ok := scheme.Extensions["x-aperture-secret"]
	if !ok || raw == nil {
		return nil, nil
	}
	block, ok := raw.(map[string]any)
	if !ok {
		return nil, errs.New(errs.KindSpecification,
			"x-aperture-secret on scheme %q must be a mapping", schemeName)
	}
	source, _ := block["source"].(string)
	if source != "env" {
		return nil, errs.New(errs.KindSpecification,
			"x-aperture-secret on scheme %q has unsupported source %q (only \"env\" is supported)", schemeName, source)
	}
	name, _ := block["name"].(string)
	if name == "" {
		return nil, errs.New(errs.KindSpecification,
			"x-aperture-secret on scheme %q is missing the environment variable name", schemeName)
	}
	return &SecretBinding{Source: source, Name: name}, nil
}

// ResolveParameters flattens path-item and operation parameters, following
// $ref chains through components.parameters with a bounded depth.
func ResolveParameters(doc *openapi3.T, item *openapi3.PathItem, op *openapi3.Operation) ([]*openapi3.Parameter, error) {
	var out []*openapi3.Parameter
	seen := make(map[string]bool) // "in/name" already contributed by the operation level

	resolve := func(refs openapi3.Parameters, override bool) error {
		for _, pref := range refs {
			param, err := resolveParameterRef(doc, pref)
			if err != nil {
				return err
			}
			key := param.In + "/" + param.Name
			if override {
				seen[key] = true
				out = append(out, param)
				continue
			}
			if !seen[key] {
				out = append(out, param)
			}
		}
		return nil
	}

	// Operation-level parameters override path-item ones with the same
	// (in, name).
	if err := resolve(op.Parameters, true); err != nil {
		return nil, err
	}
	if item != nil {
		if err := resolve(item.Parameters, false); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// resolveParameterRef follows a parameter $ref chain to its definition.
func resolveParameterRef(doc *openapi3.T, pref *openapi3.ParameterRef) (*openapi3.Parameter, error) {
	const prefix = "#/components/parameters/"

	current := pref
	visited := make(map[string]bool)
	for depth := 0; depth <= maxRefDepth; depth++ {
		if current.Ref == "" {
			if current.Value == nil {
				return nil, errs.New(errs.KindSpecification, "parameter reference resolved to nothing")
			}
			return current.Value, nil
		}
		if visited[current.Ref] {
			return nil, errs.New(errs.KindSpecification,
				"circular parameter reference involving %q", current.Ref)
		}
		visited[current.Ref] = true

		name := strings.TrimPrefix(current.Ref, prefix)
		if name == current.Ref {
			return nil, errs.New(errs.KindSpecification,
				"unsupported parameter reference %q (only #/components/parameters/* is supported)", current.Ref)
		}
		if doc.Components == nil || doc.Components.Parameters == nil {
			return nil, errs.New(errs.KindSpecification, "parameter reference %q has no target", current.Ref)
		}
		next, ok := doc.Components.Parameters[name]
		if !ok {
			return nil, errs.New(errs.KindSpecification, "parameter reference %q has no target", current.Ref)
		}
		current = next
	}
	return nil, errs.New(errs.KindSpecification,
		"parameter reference chain exceeds %d hops (circular reference?)", maxRefDepth)
}

// checkNameCollisions derives every feasible endpoint's (group, name) pair,
// applies the command mapping, and hard-rejects duplicates.
func checkNameCollisions(doc *openapi3.T, mapping config.CommandMapping, skip map[EndpointKey]string) error {
	type claim struct {
		opID string
		key  EndpointKey
	}
	byIdentity := make(map[string]claim)
	aliasClaims := make(map[string]claim)

	for _, path := range sortedPaths(doc) {
		item := doc.Paths.Value(path)
		for _, method := range methodOrder {
			op := item.GetOperation(method)
			if op == nil {
				continue
			}
			key := EndpointKey{Method: method, Path: path}
			if _, skipped := skip[key]; skipped {
				continue
			}

			group, name, aliases, _ := applyMapping(op, method, mapping)
			identity := group + " " + name
			if prev, dup := byIdentity[identity]; dup {
				return errs.New(errs.KindValidation,
					"command name collision on %q between operations %q (%s) and %q (%s)",
					identity, prev.opID, prev.key, displayOpID(op), key).
					WithHint("Rename one of the operations with 'aperture config set-mapping'.")
			}
			byIdentity[identity] = claim{opID: displayOpID(op), key: key}

			for _, alias := range aliases {
				aliasKey := group + " " + alias
				if prev, dup := aliasClaims[aliasKey]; dup {
					return errs.New(errs.KindValidation,
						"alias collision on %q between operations %q and %q", aliasKey, prev.opID, displayOpID(op))
				}
				aliasClaims[aliasKey] = claim{opID: displayOpID(op), key: key}
			}
		}
	}

	// Aliases must not shadow a command name in the same group.
	for aliasKey, aclaim := range aliasClaims {
		if nclaim, dup := byIdentity[aliasKey]; dup && nclaim.opID != aclaim.opID {
			return errs.New(errs.KindValidation,
				"alias %q of operation %q collides with command %q", aliasKey, aclaim.opID, nclaim.opID)
		}
	}
	return nil
}

func displayOpID(op *openapi3.Operation) string {
	if op.OperationID != "" {
		return op.OperationID
	}
	return "(no operationId)"
}

// applyMapping resolves the effective (group, name, aliases, hidden) for an
// operation under the user's command mapping.
func applyMapping(op *openapi3.Operation, method string, mapping config.CommandMapping) (group, name string, aliases []string, hidden bool) {
	originalTag := ""
	if len(op.Tags) > 0 {
		originalTag = op.Tags[0]
	}
	group = GroupName(op.Tags)
	name = OperationName(op.OperationID, method)

	if renamed, ok := mapping.Groups[originalTag]; ok && renamed != "" {
		group = renamed
	}
	if op.OperationID != "" {
		if o, ok := mapping.Operations[op.OperationID]; ok {
			if o.Group != "" {
				group = o.Group
			}
			if o.Name != "" {
				name = o.Name
			}
			aliases = o.Aliases
			hidden = o.Hidden
		}
	}
	return group, name, aliases, hidden
}
