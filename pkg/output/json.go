package output

import (
	"encoding/json"
	"io"

	"github.com/aperture-cli/aperture/pkg/errs"
)

// renderJSON writes the value as JSON: indented when interactive, compact
// otherwise. Output always ends with a newline.
func renderJSON(w io.Writer, value any, pretty bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(value); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to encode JSON output")
	}
	return nil
}
