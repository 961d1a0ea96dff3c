package spec

import (
	"strings"
	"unicode"
)

// Kebab normalizes an identifier for CLI use: camelCase boundaries and runs
// of non-alphanumerics become single dashes, everything is lower-cased.
// "getUserById" -> "get-user-by-id", "User Management" -> "user-management".
func Kebab(s string) string {
	var b strings.Builder
	prevLower := false
	prevDash := true // suppress leading dash
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if prevLower && !prevDash {
				b.WriteRune('-')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
			prevDash = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteRune('-')
			}
			prevLower = false
			prevDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// GroupName derives the command group from an operation's tags: the first
// tag kebab-cased, or "default" when the tag list is empty.
func GroupName(tags []string) string {
	if len(tags) == 0 || strings.TrimSpace(tags[0]) == "" {
		return "default"
	}
	return Kebab(tags[0])
}

// OperationName derives the command name: operationId kebab-cased when
// present, otherwise the HTTP method lower-cased. Path segments are never
// used.
func OperationName(operationID, method string) string {
	if operationID != "" {
		return Kebab(operationID)
	}
	return strings.ToLower(method)
}
