// Package batch executes a file of named operations: concurrently when the
// operations are independent, or sequentially in dependency order when any
// operation captures variables or declares dependencies.
package batch

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aperture-cli/aperture/pkg/errs"
)

// Operation is one entry of a batch file.
type Operation struct {
	ID            string            `yaml:"id,omitempty" json:"id,omitempty"`
	Args          []string          `yaml:"args" json:"args"`
	Description   string            `yaml:"description,omitempty" json:"description,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	UseCache      *bool             `yaml:"use_cache,omitempty" json:"use_cache,omitempty"`
	Retry         *int              `yaml:"retry,omitempty" json:"retry,omitempty"`
	Capture       map[string]string `yaml:"capture,omitempty" json:"capture,omitempty"`
	CaptureAppend map[string]string `yaml:"capture_append,omitempty" json:"capture_append,omitempty"`
	DependsOn     []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// File is the parsed batch file.
type File struct {
	Metadata   map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Operations []Operation    `yaml:"operations" json:"operations"`
}

// Load parses a batch file; YAML is a superset of JSON so one decoder
// covers both on-disk formats.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err, "failed to read batch file %s", path).
			WithHint(errs.HintFileNotFound)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "failed to parse batch file %s", path)
	}
	if len(f.Operations) == 0 {
		return nil, errs.New(errs.KindValidation, "batch file %s contains no operations", path)
	}
	return &f, nil
}

// Dependent reports whether the file requires dependent-mode execution:
// any capture, capture_append, or depends_on, or a {{var}} reference in
// args. Interpolation only runs in dependent mode, so literal "{{" in a
// concurrent batch body is left untouched.
func (f *File) Dependent() bool {
	for _, op := range f.Operations {
		if len(op.Capture) > 0 || len(op.CaptureAppend) > 0 || len(op.DependsOn) > 0 {
			return true
		}
		for _, arg := range op.Args {
			if strings.Contains(arg, "{{") {
				return true
			}
		}
	}
	return false
}

// Operation result statuses used in the batch summary.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusSkipped   = "Skipped due to prior failure"
	StatusCancelled = "Cancelled"
)

// OperationResult is one entry of the batch summary, in original file
// order.
type OperationResult struct {
	ID          string `json:"id,omitempty"`
	Index       int    `json:"index"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	Attempts    int    `json:"attempts,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Summary aggregates a batch run.
type Summary struct {
	Total     int               `json:"total"`
	Successes int               `json:"successes"`
	Failures  int               `json:"failures"`
	Results   []OperationResult `json:"operations"`
}

// Failed reports whether any operation failed (exit-code driver).
func (s *Summary) Failed() bool { return s.Failures > 0 }
