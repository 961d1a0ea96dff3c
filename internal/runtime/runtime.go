// Package runtime wires the aperture CLI together: it loads global
// configuration, synthesizes the per-invocation command tree for the
// requested API context, and owns top-level error rendering and exit codes.
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aperture-cli/aperture/internal/cli"
	"github.com/aperture-cli/aperture/internal/synth"
	"github.com/aperture-cli/aperture/pkg/cache"
	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/logging"
)

// Flags are the global flags propagated into every operation.
type Flags struct {
	JSONErrors     bool
	DryRun         bool
	DescribeJSON   bool
	IdempotencyKey string

	Cache    bool
	NoCache  bool
	CacheTTL int64

	Format  string
	JQ      string
	Quiet   bool
	Verbose int

	Retry         int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	ForceRetry    bool

	BatchFile        string
	BatchConcurrency int
	BatchRateLimit   float64

	PositionalArgs bool
	BaseURL        string
	ServerVars     []string
	Headers        []string
}

// Runtime is the per-invocation environment.
type Runtime struct {
	Version string

	Paths     config.Paths
	ConfigMgr *config.Manager
	Global    config.GlobalConfig
	Specs     *cache.SpecStore
	Responses *cache.ResponseCache

	Flags Flags

	Stdout io.Writer
	Stderr io.Writer

	rootCmd *cobra.Command
}

// New initializes the runtime and builds the command tree for this
// invocation's arguments.
func New(version string, argv []string) (*Runtime, error) {
	paths := config.DefaultPaths()
	mgr := config.NewManager(paths)
	global, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Version:   version,
		Paths:     paths,
		ConfigMgr: mgr,
		Global:    global,
		Specs:     cache.NewSpecStore(paths),
		Responses: cache.NewResponseCache(paths),
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}

	if err := rt.buildCommandTree(argv); err != nil {
		return nil, err
	}
	return rt, nil
}

// buildCommandTree creates the root command, global flags, built-in
// commands, and — when the invocation targets an API context — the
// synthesized subtree for that context.
func (rt *Runtime) buildCommandTree(argv []string) error {
	rt.rootCmd = &cobra.Command{
		Use:           "aperture",
		Short:         "A dynamic CLI for OpenAPI-described services",
		Long:          "Aperture synthesizes a command-line surface from registered OpenAPI specifications:\none subcommand per operation, flags per parameter, with caching, retries, and batch execution.",
		Version:       rt.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// -v raises log verbosity above the APERTURE_LOG baseline.
			switch {
			case rt.Flags.Verbose >= 2:
				logging.SetLevel(slog.LevelDebug)
			case rt.Flags.Verbose == 1:
				logging.SetLevel(slog.LevelInfo)
			}
		},
	}
	rt.addGlobalFlags()

	deps := &cli.Deps{
		Paths:     rt.Paths,
		ConfigMgr: rt.ConfigMgr,
		Specs:     rt.Specs,
		Responses: rt.Responses,
		Stdout:    rt.Stdout,
		Stderr:    rt.Stderr,
		Quiet:     func() bool { return rt.Flags.Quiet },
	}
	rt.rootCmd.AddCommand(cli.NewConfigCommand(deps))
	rt.rootCmd.AddCommand(cli.NewListCommandsCommand(deps))
	rt.rootCmd.AddCommand(cli.NewStubCommands(deps)...)

	apiCmd, err := rt.newAPICommand(argv, false)
	if err != nil {
		return err
	}
	rt.rootCmd.AddCommand(apiCmd)

	execCmd, err := rt.newAPICommand(argv, true)
	if err != nil {
		return err
	}
	execCmd.Use = "exec <context> <group> <operation> [args]"
	execCmd.Short = "Execute an operation with legacy positional path arguments"
	rt.rootCmd.AddCommand(execCmd)

	rt.rootCmd.SetArgs(argv)
	return nil
}

// newAPICommand builds the `api` (or legacy `exec`) verb. The context
// subtree is synthesized only when this invocation names that verb, keeping
// startup cheap for everything else.
func (rt *Runtime) newAPICommand(argv []string, legacyPositional bool) (*cobra.Command, error) {
	verb := "api"
	if legacyPositional {
		verb = "exec"
	}

	apiCmd := &cobra.Command{
		Use:   "api <context> <group> <operation> [flags]",
		Short: "Invoke operations of a registered API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errs.New(errs.KindValidation, "missing API context name").
					WithHint(errs.HintConfigList)
			}
			// A context named here but not synthesized means it failed to
			// load during tree construction; Load reports why.
			_, err := rt.Specs.Load(args[0])
			if err != nil {
				return err
			}
			return errs.New(errs.KindValidation, "specify a command group and operation").
				WithHint(fmt.Sprintf("Run 'aperture %s %s --help' to see available commands.", verb, args[0]))
		},
	}

	contextName := contextArg(argv, verb)
	if contextName == "" {
		return apiCmd, nil
	}
	if err := config.ValidateContextName(contextName); err != nil {
		return apiCmd, nil // reported by RunE as an unknown context
	}

	cached, err := rt.Specs.Load(contextName)
	if err != nil {
		// Leave the bare verb in place; invoking it surfaces the load
		// error with its hint.
		return apiCmd, nil
	}

	positional := legacyPositional || hasFlag(argv, "--positional-args")
	builder := &synth.Builder{
		Spec:           cached,
		Handler:        rt.operationHandler(contextName, cached, positional),
		PositionalArgs: positional,
	}
	contextCmd, err := builder.Build(contextName)
	if err != nil {
		return nil, err
	}
	contextCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rt.contextRoot(cmd.Context(), contextName, cached)
	}
	apiCmd.AddCommand(contextCmd)
	return apiCmd, nil
}

// contextArg finds the context name following the verb in raw argv,
// skipping flag tokens.
func contextArg(argv []string, verb string) string {
	seenVerb := false
	skipValue := false
	for _, arg := range argv {
		if skipValue {
			skipValue = false
			continue
		}
		if len(arg) > 0 && arg[0] == '-' {
			if flagTakesValue(arg) {
				skipValue = true
			}
			continue
		}
		if !seenVerb {
			if arg == verb {
				seenVerb = true
			}
			continue
		}
		return arg
	}
	return ""
}

// flagTakesValue lists global flags whose value follows as a separate
// token, so the context scan does not mistake the value for the context.
func flagTakesValue(arg string) bool {
	if len(arg) > 2 && arg[1] == '-' {
		for i := 2; i < len(arg); i++ {
			if arg[i] == '=' {
				return false
			}
		}
	}
	switch arg {
	case "--format", "--jq", "--idempotency-key", "--cache-ttl", "--retry",
		"--retry-delay", "--retry-max-delay", "--batch-file",
		"--batch-concurrency", "--batch-rate-limit", "--base-url",
		"--server-var", "--header", "-H":
		return true
	}
	return false
}

func hasFlag(argv []string, flag string) bool {
	for _, arg := range argv {
		if arg == flag {
			return true
		}
	}
	return false
}

func (rt *Runtime) addGlobalFlags() {
	f := rt.rootCmd.PersistentFlags()
	flags := &rt.Flags

	f.BoolVar(&flags.JSONErrors, "json-errors", false, "Emit errors as structured JSON on stderr")
	f.BoolVar(&flags.DryRun, "dry-run", false, "Describe the request without sending it")
	f.BoolVar(&flags.DescribeJSON, "describe-json", false, "Emit the capability manifest and exit")
	f.StringVar(&flags.IdempotencyKey, "idempotency-key", "", "Idempotency-Key header value")

	f.BoolVar(&flags.Cache, "cache", false, "Enable the response cache for this invocation")
	f.BoolVar(&flags.NoCache, "no-cache", false, "Disable the response cache for this invocation")
	f.Int64Var(&flags.CacheTTL, "cache-ttl", 0, "Response cache TTL in seconds")

	f.StringVar(&flags.Format, "format", "json", "Output format: json, yaml, or table")
	f.StringVar(&flags.JQ, "jq", "", "Filter the output through a jq expression")
	f.BoolVarP(&flags.Quiet, "quiet", "q", false, "Suppress informational messages")
	f.CountVarP(&flags.Verbose, "verbose", "v", "Increase log verbosity (repeatable)")

	f.IntVar(&flags.Retry, "retry", 0, "Maximum retry attempts")
	f.DurationVar(&flags.RetryDelay, "retry-delay", 0, "Initial retry delay (e.g. 500ms, 2s)")
	f.DurationVar(&flags.RetryMaxDelay, "retry-max-delay", 0, "Maximum retry delay")
	f.BoolVar(&flags.ForceRetry, "force-retry", false, "Allow retries for non-idempotent methods")

	f.StringVar(&flags.BatchFile, "batch-file", "", "Execute operations from a batch file")
	f.IntVar(&flags.BatchConcurrency, "batch-concurrency", 5, "Concurrent batch operation bound")
	f.Float64Var(&flags.BatchRateLimit, "batch-rate-limit", 0, "Batch requests per second (0 disables)")

	f.BoolVar(&flags.PositionalArgs, "positional-args", false, "Accept path parameters as positional arguments")
	f.StringVar(&flags.BaseURL, "base-url", "", "Override the API base URL")
	f.StringArrayVar(&flags.ServerVars, "server-var", nil, "Server variable as name=value (repeatable)")
	f.StringArrayVarP(&flags.Headers, "header", "H", nil, "Extra header as \"Name: Value\" (repeatable)")
}

// Execute runs the CLI and returns the process exit code, rendering any
// error according to the agent-mode setting.
func (rt *Runtime) Execute(ctx context.Context) int {
	err := rt.rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	ae := errs.From(err)
	if rt.Flags.JSONErrors || rt.Global.AgentDefaults.JSONErrors {
		_ = ae.WriteJSON(rt.Stderr)
	} else {
		ae.WriteHuman(rt.Stderr)
	}
	return 1
}
