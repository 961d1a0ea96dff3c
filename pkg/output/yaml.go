package output

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/aperture-cli/aperture/pkg/errs"
)

// renderYAML writes the value as canonical YAML with two-space indent.
func renderYAML(w io.Writer, value any) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()
	enc.SetIndent(2)
	if err := enc.Encode(value); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to encode YAML output")
	}
	return nil
}
