// Package effect executes side-effecting operations for Effect nodes:
// pluggable per-type handlers wrapped in retries, circuit breakers, and
// transactions, with a semaphore bounding per-node concurrency.
package effect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"goa.design/nodekit/runtime/breaker"
	"goa.design/nodekit/runtime/telemetry"
	"goa.design/nodekit/runtime/txn"
)

// Type enumerates the built-in effect categories.
type Type string

const (
	TypeFile      Type = "file_operation"
	TypeDatabase  Type = "database_operation"
	TypeAPI       Type = "api_call"
	TypeEvent     Type = "event_emission"
	TypeDirectory Type = "directory_operation"
	TypeTicket    Type = "ticket_operation"
	TypeMetrics   Type = "metrics_operation"
)

// ErrCircuitOpen is returned when the effect type's circuit breaker refuses
// execution.
var ErrCircuitOpen = errors.New("circuit breaker open")

type (
	// Handler performs one effect. The transaction is nil when the input
	// disabled transactional execution; handlers that support rollback
	// register thunks on it.
	Handler func(ctx context.Context, op map[string]any, tx *txn.Transaction) (map[string]any, error)

	// Input describes one effect execution.
	Input struct {
		// EffectType selects the handler.
		EffectType Type
		// Operation is the handler-specific operation data.
		Operation map[string]any
		// OperationID identifies the execution; generated when empty.
		OperationID string
		// TransactionEnabled wraps the handler in a transaction.
		TransactionEnabled bool
		// RetryEnabled retries the handler on error.
		RetryEnabled bool
		// MaxRetries bounds retries when enabled. Defaults to 3.
		MaxRetries int
		// RetryDelay is the base delay; attempt n waits delay*2^(n-1).
		RetryDelay time.Duration
		// CircuitBreakerEnabled gates execution on the type's breaker.
		CircuitBreakerEnabled bool
		// Timeout bounds the handler invocation. Zero means none.
		Timeout time.Duration
		// Metadata is carried through to the output.
		Metadata map[string]any
	}

	// Output describes the outcome of one effect execution.
	Output struct {
		// Result is the handler's result map.
		Result map[string]any
		// OperationID echoes the input operation id.
		OperationID string
		// EffectType echoes the input effect type.
		EffectType Type
		// TransactionState is the final transaction state, empty when
		// transactions were disabled.
		TransactionState txn.State
		// ProcessingTime is the wall-clock execution time.
		ProcessingTime time.Duration
		// RetryCount is how many retries ran (zero when the first attempt
		// succeeded).
		RetryCount int
		// SideEffectsApplied reports whether the handler committed changes.
		SideEffectsApplied bool
		// Metadata echoes the input metadata.
		Metadata map[string]any
	}

	// OperationError wraps a handler failure with its effect context.
	OperationError struct {
		// EffectType is the failed effect's type.
		EffectType Type
		// OperationID identifies the failed execution.
		OperationID string
		// Err is the underlying failure.
		Err error
	}

	// TypeStats aggregates per-effect-type execution counters.
	TypeStats struct {
		Executions int64
		Failures   int64
		TotalTime  time.Duration
	}

	// Executor routes effect inputs to registered handlers. All methods are
	// safe for concurrent use.
	Executor struct {
		mu       sync.Mutex
		handlers map[Type]Handler
		active   map[string]*txn.Transaction
		stats    map[Type]*TypeStats

		breakers *breaker.Manager
		sem      *semaphore.Weighted
		limiter  *rate.Limiter

		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
		sleep   func(ctx context.Context, d time.Duration) error
	}

	// Option configures an Executor.
	Option func(*Executor)
)

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("operation_failed: %s %s: %v", e.EffectType, e.OperationID, e.Err)
}

// Unwrap returns the underlying failure.
func (e *OperationError) Unwrap() error { return e.Err }

// WithMaxConcurrent bounds concurrent effect executions. Defaults to 10.
func WithMaxConcurrent(n int64) Option {
	return func(e *Executor) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithBreakerManager shares a breaker manager with the executor. Defaults to
// a manager with default settings.
func WithBreakerManager(m *breaker.Manager) Option {
	return func(e *Executor) { e.breakers = m }
}

// WithRateLimit throttles effect executions with a token bucket. Disabled by
// default.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Executor) { e.limiter = rate.NewLimiter(limit, burst) }
}

// WithLogger sets the executor logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the executor metrics recorder. Defaults to noop.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleeper overrides the retry sleep. Used by tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// New constructs an Executor with no handlers registered.
func New(opts ...Option) *Executor {
	e := &Executor{
		handlers: make(map[Type]Handler),
		active:   make(map[string]*txn.Transaction),
		stats:    make(map[Type]*TypeStats),
		breakers: breaker.NewManager(),
		sem:      semaphore.NewWeighted(10),
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		now:      time.Now,
	}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// RegisterHandler installs the handler for an effect type, replacing any
// previous registration.
func (e *Executor) RegisterHandler(t Type, h Handler) {
	e.mu.Lock()
	e.handlers[t] = h
	e.mu.Unlock()
}

// Breaker returns the circuit breaker guarding the effect type.
func (e *Executor) Breaker(t Type) *breaker.Breaker {
	return e.breakers.For(string(t))
}

// Stats returns a snapshot of per-type execution counters.
func (e *Executor) Stats() map[Type]TypeStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Type]TypeStats, len(e.stats))
	for t, s := range e.stats {
		out[t] = *s
	}
	return out
}

// ActiveTransactions returns the ids of transactions currently active.
func (e *Executor) ActiveTransactions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// RollbackActive rolls back every transaction still registered as active.
// Used by node shutdown. Returns the number of transactions rolled back.
func (e *Executor) RollbackActive(ctx context.Context) int {
	e.mu.Lock()
	pending := make([]*txn.Transaction, 0, len(e.active))
	for id, tx := range e.active {
		pending = append(pending, tx)
		delete(e.active, id)
	}
	e.mu.Unlock()

	count := 0
	for _, tx := range pending {
		if tx.State() != txn.Active {
			continue
		}
		if err := tx.Rollback(ctx); err != nil {
			e.logger.Warn(ctx, "shutdown rollback failed", "transaction", tx.ID(), "err", err.Error())
			continue
		}
		count++
	}
	return count
}

// Execute validates the input, gates it on the effect type's breaker,
// optionally opens a transaction, bounds concurrency with the executor
// semaphore, and invokes the registered handler with retries. On success the
// transaction commits and breaker success is recorded; on failure the
// transaction rolls back, breaker failure is recorded, and an
// OperationError is returned.
func (e *Executor) Execute(ctx context.Context, in *Input) (*Output, error) {
	if err := e.validate(in); err != nil {
		return nil, err
	}
	if in.OperationID == "" {
		in.OperationID = fmt.Sprintf("%s-%d", in.EffectType, e.now().UnixNano())
	}

	brk := e.breakers.For(string(in.EffectType))
	if in.CircuitBreakerEnabled && !brk.CanExecute() {
		e.recordFailure(in.EffectType, 0)
		return nil, &OperationError{EffectType: in.EffectType, OperationID: in.OperationID, Err: ErrCircuitOpen}
	}

	var tx *txn.Transaction
	if in.TransactionEnabled {
		tx = txn.Begin(txn.WithLogger(e.logger))
		e.mu.Lock()
		e.active[in.OperationID] = tx
		e.mu.Unlock()
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.finishTransaction(ctx, in.OperationID, tx, false)
		return nil, &OperationError{EffectType: in.EffectType, OperationID: in.OperationID, Err: err}
	}
	defer e.sem.Release(1)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.finishTransaction(ctx, in.OperationID, tx, false)
			return nil, &OperationError{EffectType: in.EffectType, OperationID: in.OperationID, Err: err}
		}
	}

	start := e.now()
	result, retries, err := e.invokeWithRetry(ctx, in, tx)
	elapsed := e.now().Sub(start)

	if err != nil {
		e.finishTransaction(ctx, in.OperationID, tx, false)
		if in.CircuitBreakerEnabled {
			brk.RecordFailure()
		}
		e.recordFailure(in.EffectType, elapsed)
		e.logger.Error(ctx, "effect failed", "type", string(in.EffectType), "operation", in.OperationID, "err", err.Error())
		return nil, &OperationError{EffectType: in.EffectType, OperationID: in.OperationID, Err: err}
	}

	txState := e.finishTransaction(ctx, in.OperationID, tx, true)
	if in.CircuitBreakerEnabled {
		brk.RecordSuccess()
	}
	e.recordSuccess(in.EffectType, elapsed)

	return &Output{
		Result:             result,
		OperationID:        in.OperationID,
		EffectType:         in.EffectType,
		TransactionState:   txState,
		ProcessingTime:     elapsed,
		RetryCount:         retries,
		SideEffectsApplied: true,
		Metadata:           in.Metadata,
	}, nil
}

func (e *Executor) validate(in *Input) error {
	if in == nil {
		return errors.New("effect input is required")
	}
	if in.EffectType == "" {
		return errors.New("effect type is required")
	}
	e.mu.Lock()
	_, ok := e.handlers[in.EffectType]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler registered for effect type %q", in.EffectType)
	}
	return nil
}

// invokeWithRetry runs the handler, honoring the per-invocation timeout and
// the exponential retry schedule. Returns the result and the retry count.
func (e *Executor) invokeWithRetry(ctx context.Context, in *Input, tx *txn.Transaction) (map[string]any, int, error) {
	e.mu.Lock()
	handler := e.handlers[in.EffectType]
	e.mu.Unlock()

	maxAttempts := 1
	if in.RetryEnabled {
		maxAttempts = in.MaxRetries
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		maxAttempts++ // retries are in addition to the first attempt
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		invokeCtx := ctx
		var cancel context.CancelFunc
		if in.Timeout > 0 {
			invokeCtx, cancel = context.WithTimeout(ctx, in.Timeout)
		}
		result, err := handler(invokeCtx, in.Operation, tx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, attempt - 1, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		delay := in.RetryDelay << uint(attempt-1)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, attempt - 1, err
		}
	}
	return nil, maxAttempts - 1, lastErr
}

// finishTransaction commits or rolls back the transaction and removes it
// from the active map. Returns the final state, or "" when tx is nil.
func (e *Executor) finishTransaction(ctx context.Context, operationID string, tx *txn.Transaction, success bool) txn.State {
	if tx == nil {
		return ""
	}
	e.mu.Lock()
	delete(e.active, operationID)
	e.mu.Unlock()

	if success {
		if err := tx.Commit(); err != nil {
			e.logger.Warn(ctx, "commit failed", "transaction", tx.ID(), "err", err.Error())
		}
	} else {
		if err := tx.Rollback(ctx); err != nil {
			e.logger.Warn(ctx, "rollback failed", "transaction", tx.ID(), "err", err.Error())
		}
	}
	return tx.State()
}

func (e *Executor) recordSuccess(t Type, d time.Duration) {
	e.mu.Lock()
	s := e.statsFor(t)
	s.Executions++
	s.TotalTime += d
	e.mu.Unlock()
	e.metrics.IncCounter("effect.executions", 1, "type", string(t))
	e.metrics.RecordTimer("effect.duration", d, "type", string(t))
}

func (e *Executor) recordFailure(t Type, d time.Duration) {
	e.mu.Lock()
	s := e.statsFor(t)
	s.Executions++
	s.Failures++
	s.TotalTime += d
	e.mu.Unlock()
	e.metrics.IncCounter("effect.failures", 1, "type", string(t))
}

// statsFor returns the stats bucket for the type. Caller holds the lock.
func (e *Executor) statsFor(t Type) *TypeStats {
	s, ok := e.stats[t]
	if !ok {
		s = &TypeStats{}
		e.stats[t] = s
	}
	return s
}
