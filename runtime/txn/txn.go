// Package txn provides transactional grouping of side-effect operations with
// reverse-order rollback. A transaction is single-owner: only the task that
// began it may mutate it, but state reads are safe from any goroutine.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/nodekit/runtime/telemetry"
)

// State is the transaction lifecycle state.
type State string

const (
	// Pending means the transaction is created but not yet active.
	Pending State = "pending"
	// Active means operations may be added.
	Active State = "active"
	// Committed means the transaction completed successfully.
	Committed State = "committed"
	// RolledBack means the rollback chain has run.
	RolledBack State = "rolled_back"
	// Failed marks a transaction abandoned without commit or rollback.
	Failed State = "failed"
)

type (
	// RollbackFunc undoes one operation. Errors are logged and counted but
	// never interrupt the rollback chain.
	RollbackFunc func(ctx context.Context) error

	// Operation is one recorded side effect.
	Operation struct {
		// Name identifies the operation.
		Name string
		// Data is a snapshot of the operation parameters.
		Data map[string]any
		// AddedAt is when the operation was recorded.
		AddedAt time.Time

		rollback RollbackFunc
	}

	// Transaction groups operations so they can be undone together. Rollback
	// thunks run in strict reverse insertion order.
	Transaction struct {
		mu sync.Mutex

		id          string
		state       State
		ops         []Operation
		beganAt     time.Time
		committedAt time.Time

		rollbackErrors int

		logger telemetry.Logger
		now    func() time.Time
	}

	// Option configures a Transaction.
	Option func(*Transaction)
)

// WithLogger sets the transaction logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(t *Transaction) { t.logger = l }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Transaction) { t.now = now }
}

// Begin creates an active transaction.
func Begin(opts ...Option) *Transaction {
	t := &Transaction{
		id:     uuid.NewString(),
		state:  Active,
		logger: telemetry.NewNoopLogger(),
		now:    time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	t.beganAt = t.now()
	return t
}

// ID returns the transaction identifier.
func (t *Transaction) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Operations returns a copy of the recorded operations, in insertion order.
func (t *Transaction) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, len(t.ops))
	copy(out, t.ops)
	return out
}

// RollbackErrors returns how many rollback thunks failed.
func (t *Transaction) RollbackErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackErrors
}

// AddOperation appends an operation with an optional rollback thunk. Only an
// active transaction accepts operations.
func (t *Transaction) AddOperation(name string, data map[string]any, rollback RollbackFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return fmt.Errorf("transaction %s is %s, not active", t.id, t.state)
	}
	t.ops = append(t.ops, Operation{
		Name:     name,
		Data:     data,
		AddedAt:  t.now(),
		rollback: rollback,
	})
	return nil
}

// Commit marks the transaction committed and records the commit time.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return fmt.Errorf("transaction %s is %s, not active", t.id, t.state)
	}
	t.state = Committed
	t.committedAt = t.now()
	return nil
}

// Rollback transitions the transaction to rolled_back and runs the rollback
// thunks in strict reverse insertion order. A thunk that errors is logged
// and counted but never stops subsequent thunks. Rollback is best-effort and
// returns an error only when the transaction was not active.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Active {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("transaction %s is %s, not active", t.id, state)
	}
	t.state = RolledBack
	ops := make([]Operation, len(t.ops))
	copy(ops, t.ops)
	t.mu.Unlock()

	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.rollback == nil {
			continue
		}
		if err := op.rollback(ctx); err != nil {
			t.mu.Lock()
			t.rollbackErrors++
			t.mu.Unlock()
			t.logger.Warn(ctx, "rollback thunk failed", "transaction", t.id, "operation", op.Name, "err", err.Error())
		}
	}
	return nil
}

// Fail marks an active transaction failed without running rollbacks.
func (t *Transaction) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Active {
		t.state = Failed
	}
}
