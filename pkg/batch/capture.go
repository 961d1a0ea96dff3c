package batch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/aperture-cli/aperture/pkg/errs"
)

// varStore holds captured variables: scalars from capture, lists from
// capture_append. A name defined in both resolves scalar-first at
// interpolation time.
type varStore struct {
	scalars map[string]string
	lists   map[string][]string
}

func newVarStore() *varStore {
	return &varStore{
		scalars: make(map[string]string),
		lists:   make(map[string][]string),
	}
}

// Lookup resolves a variable to its interpolation text: scalars verbatim,
// lists as a JSON array literal.
func (s *varStore) Lookup(name string) (string, bool) {
	if v, ok := s.scalars[name]; ok {
		return v, true
	}
	if list, ok := s.lists[name]; ok {
		data, err := json.Marshal(list)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
	return "", false
}

// capture applies an operation's capture and capture_append expressions to
// the parsed response value. A null, missing, or failed extraction is fatal
// for the operation.
func (s *varStore) capture(op *Operation, response any) error {
	for name, expr := range op.Capture {
		value, err := evalCapture(expr, response)
		if err != nil {
			return errs.Wrap(errs.KindCapture, err, "capture %q (%s) failed for operation %q", name, expr, op.ID)
		}
		s.scalars[name] = value
	}
	for name, expr := range op.CaptureAppend {
		value, err := evalCapture(expr, response)
		if err != nil {
			return errs.Wrap(errs.KindCapture, err, "capture_append %q (%s) failed for operation %q", name, expr, op.ID)
		}
		s.lists[name] = append(s.lists[name], value)
	}
	return nil
}

// evalCapture runs a jq expression and stringifies the first result.
func evalCapture(expr string, response any) (string, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return "", fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return "", fmt.Errorf("invalid jq expression: %w", err)
	}

	iter := code.Run(response)
	v, ok := iter.Next()
	if !ok {
		return "", fmt.Errorf("expression produced no result")
	}
	if evalErr, isErr := v.(error); isErr {
		return "", evalErr
	}
	if v == nil {
		return "", fmt.Errorf("expression produced null")
	}

	switch t := v.(type) {
	case string:
		if t == "" {
			return "", fmt.Errorf("expression produced an empty string")
		}
		return t, nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("result is not representable: %w", err)
		}
		return string(data), nil
	}
}

// interpolate substitutes every {{name}} reference in the operation's args.
// An unresolved reference is an error.
func (s *varStore) interpolate(op *Operation, index int) ([]string, error) {
	out := make([]string, len(op.Args))
	for i, arg := range op.Args {
		var missing string
		replaced := varRefRe.ReplaceAllStringFunc(arg, func(ref string) string {
			name := varRefRe.FindStringSubmatch(ref)[1]
			if value, ok := s.Lookup(name); ok {
				return value
			}
			if missing == "" {
				missing = name
			}
			return ref
		})
		if missing != "" {
			return nil, errs.New(errs.KindValidation,
				"operation %s references {{%s}}, which has not been captured", opLabel(op, index), missing)
		}
		out[i] = replaced
	}
	return out, nil
}

// ValidateCaptureExprs rejects malformed jq capture expressions up front so
// a batch never fails halfway on a typo.
func ValidateCaptureExprs(f *File) error {
	check := func(op *Operation, exprs map[string]string, field string) error {
		for name, expr := range exprs {
			if strings.TrimSpace(expr) == "" {
				return errs.New(errs.KindValidation,
					"operation %q has an empty %s expression for %q", op.ID, field, name)
			}
			if _, err := gojq.Parse(expr); err != nil {
				return errs.Wrap(errs.KindValidation, err,
					"operation %q has an invalid %s expression for %q", op.ID, field, name)
			}
		}
		return nil
	}
	for i := range f.Operations {
		op := &f.Operations[i]
		if err := check(op, op.Capture, "capture"); err != nil {
			return err
		}
		if err := check(op, op.CaptureAppend, "capture_append"); err != nil {
			return err
		}
	}
	return nil
}
