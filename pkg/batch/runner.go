package batch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/aperture-cli/aperture/pkg/engine"
	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/output"
)

// RunFunc executes one operation's (possibly interpolated) args through the
// request pipeline. The operation is passed for its per-op overrides
// (headers, use_cache, retry).
type RunFunc func(ctx context.Context, op *Operation, args []string) (*engine.Result, error)

// Options configure a batch run.
type Options struct {
	Concurrency int     // concurrent mode bound; default 5
	RateLimit   float64 // requests per second; 0 disables
}

// Runner drives a batch file through either execution mode.
type Runner struct {
	Run  RunFunc
	Opts Options
}

// Execute dispatches on the file's mode and returns the summary. The error
// is non-nil only for pre-validation failures; operation failures are
// reflected in the summary.
func (r *Runner) Execute(ctx context.Context, f *File) (*Summary, error) {
	if f.Dependent() {
		return r.runDependent(ctx, f)
	}
	return r.runConcurrent(ctx, f)
}

// runConcurrent executes independent operations under a counting semaphore
// and an optional token-bucket rate limiter. Failures do not stop peers;
// the summary preserves original file order.
func (r *Runner) runConcurrent(ctx context.Context, f *File) (*Summary, error) {
	concurrency := r.Opts.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	var limiter *rate.Limiter
	if r.Opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.Opts.RateLimit), 1)
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	results := make([]OperationResult, len(f.Operations))

	var wg sync.WaitGroup
	for i := range f.Operations {
		op := &f.Operations[i]
		results[i] = OperationResult{ID: op.ID, Index: i, Description: op.Description}

		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Status = StatusCancelled
			continue
		}
		wg.Add(1)
		go func(i int, op *Operation) {
			defer wg.Done()
			defer sem.Release(1)

			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					results[i].Status = StatusCancelled
					return
				}
			}

			start := time.Now()
			res, err := r.Run(ctx, op, op.Args)
			results[i].DurationMS = time.Since(start).Milliseconds()
			if err != nil {
				results[i].Status = StatusFailed
				results[i].Error = err.Error()
				return
			}
			results[i].Status = StatusSuccess
			results[i].HTTPStatus = res.Status
			results[i].Attempts = res.Retry.Attempts
		}(i, op)
	}
	wg.Wait()

	return summarize(results), nil
}

// runDependent executes operations sequentially in topological order with
// variable capture and interpolation. The first failure halts the batch;
// remaining operations are recorded as skipped, or cancelled when the
// context was cancelled.
func (r *Runner) runDependent(ctx context.Context, f *File) (*Summary, error) {
	if err := ValidateCaptureExprs(f); err != nil {
		return nil, err
	}
	g, err := buildGraph(f)
	if err != nil {
		return nil, err
	}

	results := make([]OperationResult, len(f.Operations))
	for i := range f.Operations {
		results[i] = OperationResult{ID: f.Operations[i].ID, Index: i, Description: f.Operations[i].Description}
	}

	store := newVarStore()
	halted := false
	cancelled := false

	for _, idx := range g.order {
		op := &f.Operations[idx]

		if cancelled {
			results[idx].Status = StatusCancelled
			continue
		}
		if halted {
			results[idx].Status = StatusSkipped
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			results[idx].Status = StatusCancelled
			continue
		}

		args, err := store.interpolate(op, idx)
		if err != nil {
			results[idx].Status = StatusFailed
			results[idx].Error = err.Error()
			halted = true
			continue
		}

		start := time.Now()
		res, err := r.Run(ctx, op, args)
		results[idx].DurationMS = time.Since(start).Milliseconds()
		if err != nil {
			results[idx].Status = StatusFailed
			results[idx].Error = err.Error()
			if ctx.Err() != nil {
				cancelled = true
				results[idx].Status = StatusCancelled
			}
			halted = true
			continue
		}
		results[idx].HTTPStatus = res.Status
		results[idx].Attempts = res.Retry.Attempts

		if len(op.Capture) > 0 || len(op.CaptureAppend) > 0 {
			value := output.Decode(res.Body, res.ContentType)
			if err := store.capture(op, value); err != nil {
				results[idx].Status = StatusFailed
				results[idx].Error = err.Error()
				halted = true
				continue
			}
		}
		results[idx].Status = StatusSuccess
	}

	return summarize(results), nil
}

func summarize(results []OperationResult) *Summary {
	s := &Summary{Total: len(results), Results: results}
	for i := range results {
		switch results[i].Status {
		case StatusSuccess:
			s.Successes++
		default:
			s.Failures++
		}
	}
	return s
}

// SummaryError converts a failed summary into the process-level error used
// for the exit code.
func SummaryError(s *Summary) error {
	if !s.Failed() {
		return nil
	}
	return errs.New(errs.KindValidation, "batch completed with %d failed operation(s) out of %d", s.Failures, s.Total)
}
