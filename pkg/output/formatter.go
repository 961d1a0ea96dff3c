package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/spec"
)

// Format names accepted by --format.
const (
	FormatJSON  = "json"
	FormatYAML  = "yaml"
	FormatTable = "table"
)

// Options drive one render pass.
type Options struct {
	Format string // json (default), yaml, table
	JQ     string // optional filter expression
	Quiet  bool   // suppress informational stderr

	// Interactive selects pretty JSON; resolved from the stdout TTY when
	// the zero value is used via NewOptions.
	Interactive bool
}

// NewOptions fills defaults, detecting TTY-ness of stdout.
func NewOptions(format, jq string, quiet bool) Options {
	if format == "" {
		format = FormatJSON
	}
	return Options{
		Format:      format,
		JQ:          jq,
		Quiet:       quiet,
		Interactive: term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// Decode converts a raw response body to the pipeline's value domain. JSON
// content is parsed; anything else passes through as a JSON string.
func Decode(body []byte, contentType string) any {
	if spec.IsJSONContentType(contentType) || contentType == "" {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

// Render runs the full pipeline over a decoded value: jq filter, then the
// selected format, writing payload bytes to w and warnings to errW.
func Render(w io.Writer, errW io.Writer, value any, opts Options) error {
	filtered, err := ApplyFilter(value, opts.JQ)
	if err != nil {
		return err
	}

	switch opts.Format {
	case FormatJSON, "":
		return renderJSON(w, filtered, opts.Interactive)
	case FormatYAML:
		return renderYAML(w, filtered)
	case FormatTable:
		if !tableable(filtered) {
			if !opts.Quiet {
				fmt.Fprintln(errW, "Warning: result is not an array of objects; falling back to JSON")
			}
			return renderJSON(w, filtered, opts.Interactive)
		}
		return renderTable(w, filtered)
	default:
		return errs.New(errs.KindValidation, "unknown output format %q (expected json, yaml, or table)", opts.Format)
	}
}

// RenderBytes is Render over an undecoded body.
func RenderBytes(w io.Writer, errW io.Writer, body []byte, contentType string, opts Options) error {
	return Render(w, errW, Decode(body, contentType), opts)
}

func tableable(v any) bool {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return false
	}
	for _, item := range arr {
		if _, ok := item.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// cellString renders a table cell: scalars verbatim, structures as compact
// JSON.
func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return fmt.Sprintf("%v", t)
	case float64:
		s := fmt.Sprintf("%v", t)
		return s
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// truncateCell bounds very wide cells so tables stay readable.
func truncateCell(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max-3]) + "..."
}
