package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aperture-cli/aperture/internal/synth"
	"github.com/aperture-cli/aperture/pkg/batch"
	"github.com/aperture-cli/aperture/pkg/config"
	"github.com/aperture-cli/aperture/pkg/engine"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/manifest"
	"github.com/aperture-cli/aperture/pkg/output"
	"github.com/aperture-cli/aperture/pkg/spec"
)

// operationHandler is the RunE body for every synthesized operation
// command. positionalMode mirrors how the tree was built (legacy exec verb
// or --positional-args).
func (rt *Runtime) operationHandler(contextName string, cached *spec.CachedSpec, positionalMode bool) synth.Handler {
	return func(cmd *cobra.Command, op *spec.CachedOperation, invokedAs string, positional []string) error {
		if rt.Flags.DescribeJSON {
			return rt.emitManifest(contextName, cached)
		}

		res, err := rt.runOperation(cmd.Context(), contextName, cached, op, cmd, positionalMode, positional, nil)
		if err != nil {
			return err
		}
		return rt.renderResult(res)
	}
}

// contextRoot handles `aperture api <context>` with no operation:
// --describe-json and --batch-file short-circuit here.
func (rt *Runtime) contextRoot(ctx context.Context, contextName string, cached *spec.CachedSpec) error {
	if rt.Flags.DescribeJSON {
		return rt.emitManifest(contextName, cached)
	}
	if rt.Flags.BatchFile != "" {
		return rt.runBatch(ctx, contextName, cached)
	}
	return errs.New(errs.KindValidation, "specify a command group and operation").
		WithHint(fmt.Sprintf("Run 'aperture api %s --help' to see available commands.", contextName))
}

// emitManifest projects the cached spec and applies --jq.
func (rt *Runtime) emitManifest(contextName string, cached *spec.CachedSpec) error {
	api := rt.Global.API(contextName)
	serverURL := ""
	if len(cached.Servers) > 0 {
		serverURL = cached.Servers[0].URLTemplate
	}
	baseURL := config.ResolveBaseURL(config.BaseURLInput{
		FlagBaseURL: rt.Flags.BaseURL,
		API:         api,
		ServerURL:   serverURL,
	})

	m := manifest.Project(cached, baseURL)
	data, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to serialize capability manifest")
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to decode capability manifest")
	}
	opts := output.NewOptions(output.FormatJSON, rt.Flags.JQ, rt.Flags.Quiet)
	return output.Render(rt.Stdout, rt.Stderr, value, opts)
}

// runOperation drives one operation through the request pipeline. batchOp
// carries per-operation batch overrides (headers, use_cache, retry), nil
// outside batch mode.
func (rt *Runtime) runOperation(ctx context.Context, contextName string, cached *spec.CachedSpec, op *spec.CachedOperation, cmd *cobra.Command, positionalMode bool, positional []string, batchOp *batch.Operation) (*engine.Result, error) {
	params, err := synth.FlagValues(cmd, op, positionalMode, positional)
	if err != nil {
		return nil, err
	}
	body, err := synth.Body(cmd, op)
	if err != nil {
		return nil, err
	}

	serverVars, err := parseServerVars(rt.Flags.ServerVars)
	if err != nil {
		return nil, err
	}

	api := rt.Global.API(contextName)

	rawHeaders := append([]string(nil), rt.Flags.Headers...)
	if batchOp != nil {
		for name, value := range batchOp.Headers {
			rawHeaders = append(rawHeaders, name+": "+value)
		}
	}

	inv := &engine.Invocation{
		Build: engine.BuildInput{
			Context:        contextName,
			Spec:           cached,
			Op:             op,
			API:            api,
			Params:         params,
			Body:           body,
			RawHeaders:     rawHeaders,
			BaseURLFlag:    rt.Flags.BaseURL,
			ServerVars:     serverVars,
			IdempotencyKey: rt.Flags.IdempotencyKey,
			SecretBindings: api.Secrets,
		},
		DryRun:             rt.Flags.DryRun,
		CacheEnabled:       rt.cacheEnabled(batchOp),
		CacheTTLSecs:       rt.cacheTTL(),
		AllowAuthenticated: rt.Global.Cache.AllowAuthenticated,
		Retry:              rt.retryPolicy(batchOp),
		Timeout:            time.Duration(rt.Global.DefaultTimeoutSecs) * time.Second,
	}

	executor := &engine.Executor{ResponseCache: rt.Responses}
	return executor.Execute(ctx, inv)
}

func (rt *Runtime) cacheEnabled(batchOp *batch.Operation) bool {
	if batchOp != nil && batchOp.UseCache != nil {
		return *batchOp.UseCache && !rt.Flags.NoCache
	}
	return (rt.Flags.Cache || rt.Global.Cache.Enabled) && !rt.Flags.NoCache
}

func (rt *Runtime) cacheTTL() int64 {
	if rt.Flags.CacheTTL > 0 {
		return rt.Flags.CacheTTL
	}
	return rt.Global.Cache.DefaultTTLSecs
}

func (rt *Runtime) retryPolicy(batchOp *batch.Operation) engine.RetryPolicy {
	attempts := rt.Flags.Retry
	if attempts == 0 {
		attempts = rt.Global.RetryDefaults.MaxAttempts
	}
	if batchOp != nil && batchOp.Retry != nil {
		attempts = *batchOp.Retry
	}

	initial := rt.Flags.RetryDelay
	if initial == 0 {
		initial = time.Duration(rt.Global.RetryDefaults.InitialDelayMS) * time.Millisecond
	}
	max := rt.Flags.RetryMaxDelay
	if max == 0 {
		max = time.Duration(rt.Global.RetryDefaults.MaxDelayMS) * time.Millisecond
	}

	return engine.RetryPolicy{
		MaxAttempts:       attempts,
		InitialDelay:      initial,
		MaxDelay:          max,
		ForceRetry:        rt.Flags.ForceRetry,
		HasIdempotencyKey: rt.Flags.IdempotencyKey != "",
	}
}

// renderResult sends the pipeline result through the output stage.
func (rt *Runtime) renderResult(res *engine.Result) error {
	opts := output.NewOptions(rt.Flags.Format, rt.Flags.JQ, rt.Flags.Quiet)
	if res.FromCache && !rt.Flags.Quiet {
		fmt.Fprintln(rt.Stderr, "(served from response cache)")
	}
	return output.RenderBytes(rt.Stdout, rt.Stderr, res.Body, res.ContentType, opts)
}

// runBatch executes a batch file against the context.
func (rt *Runtime) runBatch(ctx context.Context, contextName string, cached *spec.CachedSpec) error {
	file, err := batch.Load(rt.Flags.BatchFile)
	if err != nil {
		return err
	}

	runner := &batch.Runner{
		Run: rt.batchRunFunc(contextName, cached),
		Opts: batch.Options{
			Concurrency: rt.Flags.BatchConcurrency,
			RateLimit:   rt.Flags.BatchRateLimit,
		},
	}
	summary, err := runner.Execute(ctx, file)
	if err != nil {
		return err
	}

	opts := output.NewOptions(rt.Flags.Format, "", rt.Flags.Quiet)
	data, err := json.Marshal(summary)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to serialize batch summary")
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to decode batch summary")
	}
	if err := output.Render(rt.Stdout, rt.Stderr, value, opts); err != nil {
		return err
	}
	return batch.SummaryError(summary)
}

// batchRunFunc routes one batch operation's args through a fresh context
// tree so flag parsing and matching behave exactly as on the command line.
func (rt *Runtime) batchRunFunc(contextName string, cached *spec.CachedSpec) batch.RunFunc {
	return func(ctx context.Context, bop *batch.Operation, args []string) (*engine.Result, error) {
		var result *engine.Result

		positionalMode := rt.Flags.PositionalArgs
		builder := &synth.Builder{
			Spec:           cached,
			PositionalArgs: positionalMode,
			Handler: func(cmd *cobra.Command, op *spec.CachedOperation, invokedAs string, positional []string) error {
				res, err := rt.runOperation(cmd.Context(), contextName, cached, op, cmd, positionalMode, positional, bop)
				if err != nil {
					return err
				}
				result = res
				return nil
			},
		}
		tree, err := builder.Build(contextName)
		if err != nil {
			return nil, err
		}
		tree.SilenceUsage = true
		tree.SilenceErrors = true
		tree.SetArgs(args)
		if err := tree.ExecuteContext(ctx); err != nil {
			return nil, err
		}
		if result == nil {
			return nil, errs.New(errs.KindValidation,
				"batch operation %s did not match a command (args: %s)", batchLabel(bop), strings.Join(args, " "))
		}
		return result, nil
	}
}

func batchLabel(op *batch.Operation) string {
	if op.ID != "" {
		return fmt.Sprintf("%q", op.ID)
	}
	return "(unnamed)"
}

func parseServerVars(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(raw))
	for _, entry := range raw {
		name, value, found := strings.Cut(entry, "=")
		if !found || name == "" {
			return nil, errs.New(errs.KindValidation, "--server-var %q is not in name=value form", entry)
		}
		vars[name] = value
	}
	return vars, nil
}
