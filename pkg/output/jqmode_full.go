//go:build jqfull

package output

const advancedFilters = true
