// Package cli implements the built-in (non-synthesized) commands: the
// config suite, list-commands, and the stub help verbs.
package cli

import (
	"io"

	"github.com/aperture-cli/aperture/pkg/cache"
	"github.com/aperture-cli/aperture/pkg/config"
)

// Deps carries the shared subsystems into the built-in commands.
type Deps struct {
	Paths     config.Paths
	ConfigMgr *config.Manager
	Specs     *cache.SpecStore
	Responses *cache.ResponseCache

	Stdout io.Writer
	Stderr io.Writer
	Quiet  func() bool
}
