// Package output shapes response payloads for stdout: an optional jq
// filter stage followed by JSON, YAML, or table formatting.
package output

import (
	"github.com/itchyny/gojq"

	"github.com/aperture-cli/aperture/pkg/errs"
)

// ApplyFilter runs a jq expression over a decoded JSON value. Builds
// without the jqfull tag accept only the trivial path grammar (".", ".a",
// ".a.b", ".a[0]", and chains thereof); anything else is rejected before
// evaluation. Evaluation itself is always gojq.
func ApplyFilter(value any, expr string) (any, error) {
	if expr == "" {
		return value, nil
	}
	if !advancedFilters {
		if err := validateTrivialFilter(expr); err != nil {
			return nil, err
		}
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err, "failed to compile jq expression %q", expr)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, err, "failed to compile jq expression %q", expr)
	}

	iter := code.Run(value)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if evalErr, isErr := v.(error); isErr {
			return nil, errs.Wrap(errs.KindRuntime, evalErr, "jq evaluation failed for %q", expr)
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// validateTrivialFilter accepts the restricted path grammar. The scanner
// walks segments after the mandatory leading dot: identifiers and integer
// index brackets, chained.
func validateTrivialFilter(expr string) error {
	unsupported := func() error {
		return errs.New(errs.KindRuntime, "unsupported jq filter %q", expr).
			WithHint("Only simple path filters like '.', '.a.b', or '.items[0]' are available in this build.")
	}

	if expr == "" {
		return unsupported()
	}
	if expr == "." {
		return nil
	}
	i := 0
	n := len(expr)
	for i < n {
		switch {
		case expr[i] == '.':
			i++
			start := i
			for i < n && isIdentChar(expr[i]) {
				i++
			}
			if i == start {
				return unsupported()
			}
		case expr[i] == '[':
			i++
			start := i
			if i < n && expr[i] == '-' {
				i++
			}
			for i < n && expr[i] >= '0' && expr[i] <= '9' {
				i++
			}
			if i == start || i >= n || expr[i] != ']' {
				return unsupported()
			}
			i++
		default:
			return unsupported()
		}
	}
	return nil
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// MustTrivial exposes the grammar check for callers that validate early
// (e.g. batch pre-validation in restricted builds).
func MustTrivial(expr string) error {
	if advancedFilters {
		return nil
	}
	return validateTrivialFilter(expr)
}
