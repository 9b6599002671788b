package result

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Op transforms a value into a new Result. Ops are the unit of composition
// for all combinators.
type Op[T any] func(ctx context.Context, input T) Result[T]

type (
	// SequenceOptions configures Sequence.
	SequenceOptions struct {
		// CorrelationID is propagated into every step and the final result.
		CorrelationID string
		// FailFast returns the first failure immediately.
		FailFast bool
		// CollectErrors continues after failures and aggregates them into a
		// single failure at the end. Ignored when FailFast is set.
		CollectErrors bool
	}

	// ParallelOptions configures Parallel.
	ParallelOptions struct {
		// CorrelationID is propagated into every op and the final result.
		CorrelationID string
		// MaxConcurrency bounds concurrent ops. Zero or negative means unbounded.
		MaxConcurrency int
		// FailFast cancels pending work on the first failure.
		FailFast bool
		// Timeout bounds the whole parallel composition. Zero means none.
		Timeout time.Duration
	}

	// RetryOptions configures Retry.
	RetryOptions struct {
		// CorrelationID is propagated into every attempt.
		CorrelationID string
		// MaxAttempts is the total number of attempts including the first.
		MaxAttempts int
		// Backoff selects the delay schedule between attempts.
		Backoff Backoff
		// BaseDelay is the schedule's base delay.
		BaseDelay time.Duration
		// MaxDelay caps the computed delay for any attempt.
		MaxDelay time.Duration
		// Predicate decides whether a failure is retried. Defaults to the
		// error's Retryable flag.
		Predicate func(*Error) bool
	}

	// PipelineOptions configures Pipeline.
	PipelineOptions struct {
		// CorrelationID is propagated into every step.
		CorrelationID string
		// CheckpointEvery snapshots the current value every N steps. Zero
		// disables checkpointing.
		CheckpointEvery int
		// RollbackOnFailure attaches the most recent checkpoint to the
		// failure's metadata so callers can restore it.
		RollbackOnFailure bool
	}
)

// Sequence threads initial through ops in order. With FailFast the first
// failure is returned immediately. With CollectErrors execution continues
// after failures (feeding the last successful value forward) and the result
// aggregates all errors; the success value is the list of step outputs. The
// trust score of the whole is the minimum of the step trust scores.
func Sequence[T any](ctx context.Context, ops []Op[T], initial T, opts SequenceOptions) Result[[]T] {
	var (
		successes []T
		errs      []*Error
		current   = initial
		minTrust  = 1.0
	)
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			errs = append(errs, contextError(err, opts.CorrelationID))
			break
		}
		r := runOp(ctx, op, current, opts.CorrelationID)
		if !r.IsSuccess() {
			if opts.FailFast || !opts.CollectErrors {
				return Fail[[]T](r.Err())
			}
			errs = append(errs, r.Err())
			continue
		}
		current = r.Value()
		successes = append(successes, current)
		if ts := r.Context().TrustScore; ts < minTrust {
			minTrust = ts
		}
	}
	if len(errs) > 0 {
		return Fail[[]T](aggregateErrors(errs, opts.CorrelationID))
	}
	out := Ok(successes, opts.CorrelationID).WithTrust(minTrust)
	return out.WithStep("sequence")
}

// Parallel executes ops[i](inputs[i]) concurrently, bounded by
// MaxConcurrency. Results are ordered by original index and the overall
// trust score is fixed at 0.9 to reflect parallel-composition uncertainty.
// With FailFast a failure cancels pending work and the error is returned.
// When Timeout fires, in-flight work is cancelled and a retryable timeout
// error (exponential backoff, 3 attempts) is returned.
func Parallel[T any](ctx context.Context, ops []Op[T], inputs []T, opts ParallelOptions) Result[[]T] {
	if len(ops) != len(inputs) {
		return Fail[[]T](NewError(KindValidation,
			fmt.Sprintf("parallel: %d ops but %d inputs", len(ops), len(inputs)),
			opts.CorrelationID))
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	results := make([]Result[T], len(ops))
	g, gctx := errgroup.WithContext(runCtx)
	if opts.MaxConcurrency > 0 {
		g.SetLimit(opts.MaxConcurrency)
	}
	for i := range ops {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Fail[T](contextError(err, opts.CorrelationID))
				return nil
			}
			r := runOp(gctx, ops[i], inputs[i], opts.CorrelationID)
			results[i] = r
			if !r.IsSuccess() && opts.FailFast {
				return r.Err()
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Fail[[]T](NewError(KindTimeout,
				fmt.Sprintf("parallel composition timed out after %s", opts.Timeout),
				opts.CorrelationID))
		}
		return Fail[[]T](contextError(ctx.Err(), opts.CorrelationID))
	case err := <-done:
		if err != nil {
			var re *Error
			if errors.As(err, &re) {
				return Fail[[]T](re)
			}
			return Fail[[]T](NewError(KindPermanent, err.Error(), opts.CorrelationID))
		}
	}

	values := make([]T, len(results))
	var errs []*Error
	for i, r := range results {
		if !r.IsSuccess() {
			errs = append(errs, r.Err())
			continue
		}
		values[i] = r.Value()
	}
	if len(errs) > 0 {
		return Fail[[]T](aggregateErrors(errs, opts.CorrelationID))
	}
	return Ok(values, opts.CorrelationID).WithTrust(0.9).WithStep("parallel")
}

// Retry invokes op and, when it fails with an error accepted by the
// predicate, waits out the backoff schedule and tries again, up to
// MaxAttempts. A success carries the attempt count in metadata under
// "attempts".
func Retry[T any](ctx context.Context, op Op[T], input T, opts RetryOptions) Result[T] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	pred := opts.Predicate
	if pred == nil {
		pred = func(e *Error) bool { return e.Retryable }
	}

	var last Result[T]
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		last = runOp(ctx, op, input, opts.CorrelationID)
		if last.IsSuccess() {
			return last.WithMeta("attempts", attempt).WithStep("retry")
		}
		if !pred(last.Err()) || attempt == opts.MaxAttempts {
			break
		}
		delay := backoffDelay(opts.Backoff, attempt, opts.BaseDelay, opts.MaxDelay)
		select {
		case <-ctx.Done():
			return Fail[T](contextError(ctx.Err(), opts.CorrelationID))
		case <-time.After(delay):
		}
	}
	return last
}

// Conditional evaluates predicate(input) and runs the corresponding branch.
// When onFalse is nil and the predicate is false the input is passed through
// as a success. The branch taken is recorded in provenance.
func Conditional[T any](ctx context.Context, predicate func(T) bool, onTrue, onFalse Op[T], input T, correlationID string) Result[T] {
	if predicate == nil {
		return Fail[T](NewError(KindValidation, "conditional: predicate is required", correlationID))
	}
	if predicate(input) {
		return runOp(ctx, onTrue, input, correlationID).WithStep("conditional:true")
	}
	if onFalse == nil {
		return Ok(input, correlationID).WithStep("conditional:passthrough")
	}
	return runOp(ctx, onFalse, input, correlationID).WithStep("conditional:false")
}

// Pipeline runs ops sequentially, snapshotting the current value every
// CheckpointEvery steps. On failure with RollbackOnFailure set, the most
// recent checkpoint and its index are attached to the error metadata under
// "checkpoint" and "checkpoint_step".
func Pipeline[T any](ctx context.Context, ops []Op[T], input T, opts PipelineOptions) Result[T] {
	var (
		current        = input
		checkpoint     T
		checkpointStep = -1
	)
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return Fail[T](contextError(err, opts.CorrelationID))
		}
		if opts.CheckpointEvery > 0 && i%opts.CheckpointEvery == 0 {
			checkpoint = current
			checkpointStep = i
		}
		r := runOp(ctx, op, current, opts.CorrelationID)
		if !r.IsSuccess() {
			err := r.Err()
			if opts.RollbackOnFailure && checkpointStep >= 0 {
				if err.Meta == nil {
					err.Meta = make(map[string]any)
				}
				err.Meta["checkpoint"] = checkpoint
				err.Meta["checkpoint_step"] = checkpointStep
			}
			return Fail[T](err)
		}
		current = r.Value()
	}
	return Ok(current, opts.CorrelationID).WithStep("pipeline")
}

// runOp invokes op, converting nil ops and panics into permanent failures so
// combinators never raise.
func runOp[T any](ctx context.Context, op Op[T], input T, correlationID string) (out Result[T]) {
	if op == nil {
		return Fail[T](NewError(KindValidation, "operation is nil", correlationID))
	}
	defer func() {
		if rec := recover(); rec != nil {
			e := NewError(KindPermanent, fmt.Sprintf("operation panicked: %v", rec), correlationID)
			e.Trace = string(debug.Stack())
			out = Fail[T](e)
		}
	}()
	return op(ctx, input)
}

// backoffDelay computes the wait before the next attempt, capped at max.
// Schedules: fixed=base, linear=base*attempt, exponential=base*2^(attempt-1).
func backoffDelay(strategy Backoff, attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	var d time.Duration
	switch strategy {
	case BackoffLinear:
		d = base * time.Duration(attempt)
	case BackoffExponential:
		d = base << uint(attempt-1)
	default:
		d = base
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// aggregateErrors folds multiple step errors into one failure. The aggregate
// is retryable only if every sub-error is.
func aggregateErrors(errs []*Error, correlationID string) *Error {
	if len(errs) == 1 {
		return errs[0]
	}
	msgs := make([]string, len(errs))
	retryable := true
	for i, e := range errs {
		msgs[i] = e.Error()
		retryable = retryable && e.Retryable
	}
	agg := NewError(KindPermanent, fmt.Sprintf("%d operations failed: %s", len(errs), strings.Join(msgs, "; ")), correlationID)
	agg.Retryable = retryable
	agg.Meta = map[string]any{"errors": errs}
	return agg
}

// contextError converts a context cancellation or deadline into an Error.
func contextError(err error, correlationID string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "deadline exceeded", correlationID)
	}
	e := NewError(KindPermanent, "context canceled", correlationID)
	if err != nil {
		e.Message = err.Error()
	}
	return e
}
