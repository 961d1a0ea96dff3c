// Command aperture is a dynamic CLI for OpenAPI-described services: it
// synthesizes a command surface from registered specifications at each
// invocation and executes operations with caching, retries, and batch
// support.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/aperture-cli/aperture/internal/runtime"
	"github.com/aperture-cli/aperture/pkg/logging"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	closeLog, err := logging.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Runtime: failed to initialize logging: %v\n", err)
		return 1
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rt, err := runtime.New(version, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return rt.Execute(ctx)
}
