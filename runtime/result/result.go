// Package result provides a typed success/failure value carrying provenance,
// trust scoring, and emitted events, plus combinators for composing
// operations (sequence, parallel, retry, conditional, pipeline).
//
// Combinators never panic and never raise: panics inside operations are
// recovered and converted into permanent failures, so callers always receive
// a Result.
package result

import (
	"fmt"
	"time"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	// KindValidation indicates input constraints were violated.
	KindValidation Kind = "validation"
	// KindPermanent indicates a failure not expected to succeed on retry.
	KindPermanent Kind = "permanent"
	// KindTransient indicates a recoverable failure.
	KindTransient Kind = "transient"
	// KindTimeout indicates a deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindRegistryResolution indicates the service registry could not resolve
	// a registration.
	KindRegistryResolution Kind = "registry_resolution_failed"
	// KindNotImplemented flags a capability gap (factories, transient
	// lifecycle) that is deliberately unsupported.
	KindNotImplemented Kind = "not_implemented"
	// KindSignature indicates fingerprint or ed25519 verification failed.
	KindSignature Kind = "signature"
	// KindVersionMismatch indicates a catalog CLI version mismatch.
	KindVersionMismatch Kind = "version_mismatch"
	// KindLoad indicates a missing or corrupt cache.
	KindLoad Kind = "load"
)

// Backoff selects the delay schedule used when retrying an operation.
type Backoff string

const (
	// BackoffFixed waits the base delay between every attempt.
	BackoffFixed Backoff = "fixed"
	// BackoffLinear waits base*attempt between attempts.
	BackoffLinear Backoff = "linear"
	// BackoffExponential waits base*2^(attempt-1) between attempts.
	BackoffExponential Backoff = "exponential"
)

type (
	// Error describes a failed operation. It implements the error interface
	// and carries enough structure for combinators to decide whether and how
	// to retry.
	Error struct {
		// Kind classifies the failure.
		Kind Kind
		// Message is the human-readable summary.
		Message string
		// Trace optionally carries a stack trace or diagnostic detail.
		Trace string
		// CorrelationID threads the failure back to the originating request.
		CorrelationID string
		// Retryable reports whether retrying may succeed.
		Retryable bool
		// Backoff is the suggested delay schedule for retries.
		Backoff Backoff
		// MaxAttempts bounds retries when Retryable is true.
		MaxAttempts int
		// Meta holds combinator-attached diagnostics such as pipeline
		// checkpoints or aggregated sub-errors.
		Meta map[string]any
	}

	// Step records one named provenance entry.
	Step struct {
		// Name identifies the step.
		Name string
		// At is when the step was recorded.
		At time.Time
	}

	// LogEntry is a structured log line attached to a result context.
	LogEntry struct {
		Level     string
		Message   string
		Timestamp time.Time
	}

	// Event is a domain event emitted while producing a result.
	Event struct {
		// Type names the event.
		Type string
		// Payload carries the event body.
		Payload map[string]any
	}

	// Context accumulates provenance, logging, trust, and emitted events for
	// a successful result.
	Context struct {
		// Provenance is the ordered list of named steps that produced the value.
		Provenance []Step
		// Logs holds structured log entries recorded along the way.
		Logs []LogEntry
		// TrustScore is in [0, 1]; composition takes the minimum across steps.
		TrustScore float64
		// Timestamp is when the context was created.
		Timestamp time.Time
		// Metadata is free-form composition metadata (attempt counts, branch
		// taken, checkpoint indices).
		Metadata map[string]any
		// CorrelationID threads the result back to the originating request.
		CorrelationID string
		// Events are domain events emitted while producing the value.
		Events []Event
	}

	// Result is a sum of Success{value, context} and Failure{error}.
	Result[T any] struct {
		ok    bool
		value T
		ctx   Context
		err   *Error
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError constructs an Error with the given kind and message. Transient and
// timeout kinds default to retryable.
func NewError(kind Kind, message, correlationID string) *Error {
	e := &Error{
		Kind:          kind,
		Message:       message,
		CorrelationID: correlationID,
		Backoff:       BackoffFixed,
		MaxAttempts:   1,
	}
	switch kind {
	case KindTransient:
		e.Retryable = true
	case KindTimeout:
		e.Retryable = true
		e.Backoff = BackoffExponential
		e.MaxAttempts = 3
	}
	return e
}

// Errorf constructs a permanent Error from a format string.
func Errorf(correlationID, format string, args ...any) *Error {
	return NewError(KindPermanent, fmt.Sprintf(format, args...), correlationID)
}

// Ok constructs a successful result with a fresh context carrying full trust.
func Ok[T any](value T, correlationID string) Result[T] {
	return Result[T]{
		ok:    true,
		value: value,
		ctx: Context{
			TrustScore:    1.0,
			Timestamp:     time.Now(),
			CorrelationID: correlationID,
		},
	}
}

// OkWith constructs a successful result with an explicit context.
func OkWith[T any](value T, ctx Context) Result[T] {
	return Result[T]{ok: true, value: value, ctx: ctx}
}

// Fail constructs a failed result.
func Fail[T any](err *Error) Result[T] {
	if err == nil {
		err = NewError(KindPermanent, "unknown failure", "")
	}
	return Result[T]{err: err}
}

// IsSuccess reports whether the result holds a value.
func (r Result[T]) IsSuccess() bool { return r.ok }

// Value returns the success value; the zero value when failed.
func (r Result[T]) Value() T { return r.value }

// Err returns the failure error; nil when successful.
func (r Result[T]) Err() *Error { return r.err }

// Context returns the success context; the zero Context when failed.
func (r Result[T]) Context() Context { return r.ctx }

// WithStep appends a named provenance step and returns the updated result.
func (r Result[T]) WithStep(name string) Result[T] {
	if !r.ok {
		return r
	}
	r.ctx.Provenance = append(r.ctx.Provenance, Step{Name: name, At: time.Now()})
	return r
}

// WithTrust sets the trust score, clamped to [0, 1].
func (r Result[T]) WithTrust(score float64) Result[T] {
	if !r.ok {
		return r
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	r.ctx.TrustScore = score
	return r
}

// WithMeta sets a metadata key and returns the updated result.
func (r Result[T]) WithMeta(key string, value any) Result[T] {
	if !r.ok {
		return r
	}
	if r.ctx.Metadata == nil {
		r.ctx.Metadata = make(map[string]any)
	}
	r.ctx.Metadata[key] = value
	return r
}

// WithEvent appends an emitted event to the context.
func (r Result[T]) WithEvent(typ string, payload map[string]any) Result[T] {
	if !r.ok {
		return r
	}
	r.ctx.Events = append(r.ctx.Events, Event{Type: typ, Payload: payload})
	return r
}

// WithLog appends a structured log entry to the context.
func (r Result[T]) WithLog(level, message string) Result[T] {
	if !r.ok {
		return r
	}
	r.ctx.Logs = append(r.ctx.Logs, LogEntry{Level: level, Message: message, Timestamp: time.Now()})
	return r
}
