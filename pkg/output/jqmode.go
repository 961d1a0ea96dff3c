//go:build !jqfull

package output

// advancedFilters gates the full jq grammar; the default build restricts
// --jq to trivial path expressions.
const advancedFilters = false
