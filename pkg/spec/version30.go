//go:build !openapi31

package spec

const allow31 = false
