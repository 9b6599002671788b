package effect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/nodekit/runtime/breaker"
	"goa.design/nodekit/runtime/bus"
	"goa.design/nodekit/runtime/txn"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestExecuteSuccess(t *testing.T) {
	e := New()
	e.RegisterHandler(TypeAPI, func(_ context.Context, op map[string]any, _ *txn.Transaction) (map[string]any, error) {
		return map[string]any{"echo": op["msg"]}, nil
	})

	out, err := e.Execute(context.Background(), &Input{
		EffectType: TypeAPI,
		Operation:  map[string]any{"msg": "hi"},
		Metadata:   map[string]any{"origin": "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Result["echo"])
	assert.Equal(t, TypeAPI, out.EffectType)
	assert.NotEmpty(t, out.OperationID)
	assert.Zero(t, out.RetryCount)
	assert.True(t, out.SideEffectsApplied)
	assert.Equal(t, txn.State(""), out.TransactionState, "no transaction requested")
	assert.Equal(t, "test", out.Metadata["origin"])
}

func TestExecuteUnregisteredType(t *testing.T) {
	e := New()
	_, err := e.Execute(context.Background(), &Input{EffectType: TypeDatabase})
	assert.Error(t, err)
}

func TestExecuteRetrySchedule(t *testing.T) {
	var delays []time.Duration
	e := New(WithSleeper(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))
	attempts := 0
	e.RegisterHandler(TypeAPI, func(context.Context, map[string]any, *txn.Transaction) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("flaky")
		}
		return map[string]any{"ok": true}, nil
	})

	out, err := e.Execute(context.Background(), &Input{
		EffectType:   TypeAPI,
		RetryEnabled: true,
		MaxRetries:   3,
		RetryDelay:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.RetryCount)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays, "delay doubles per attempt")
}

func TestExecuteRetriesExhausted(t *testing.T) {
	e := New(WithSleeper(noSleep))
	attempts := 0
	e.RegisterHandler(TypeAPI, func(context.Context, map[string]any, *txn.Transaction) (map[string]any, error) {
		attempts++
		return nil, errors.New("always fails")
	})

	_, err := e.Execute(context.Background(), &Input{
		EffectType:   TypeAPI,
		RetryEnabled: true,
		MaxRetries:   2,
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, TypeAPI, opErr.EffectType)
}

func TestExecuteNoRetryWhenDisabled(t *testing.T) {
	e := New(WithSleeper(noSleep))
	attempts := 0
	e.RegisterHandler(TypeAPI, func(context.Context, map[string]any, *txn.Transaction) (map[string]any, error) {
		attempts++
		return nil, errors.New("boom")
	})

	_, err := e.Execute(context.Background(), &Input{EffectType: TypeAPI})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecuteTimeoutCancelsHandler(t *testing.T) {
	e := New()
	e.RegisterHandler(TypeAPI, func(ctx context.Context, _ map[string]any, _ *txn.Transaction) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		}
	})

	start := time.Now()
	_, err := e.Execute(context.Background(), &Input{
		EffectType: TypeAPI,
		Timeout:    20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCircuitBreakerOpensAndRefuses(t *testing.T) {
	mgr := breaker.NewManager(breaker.WithSettings(breaker.Settings{
		FailureThreshold:    2,
		RecoveryTimeout:     time.Hour,
		HalfOpenMaxAttempts: 1,
	}))
	e := New(WithBreakerManager(mgr), WithSleeper(noSleep))
	e.RegisterHandler(TypeAPI, func(context.Context, map[string]any, *txn.Transaction) (map[string]any, error) {
		return nil, errors.New("down")
	})

	in := &Input{EffectType: TypeAPI, CircuitBreakerEnabled: true}
	for i := 0; i < 2; i++ {
		_, err := e.Execute(context.Background(), in)
		require.Error(t, err)
	}
	require.Equal(t, breaker.Open, e.Breaker(TypeAPI).State())

	_, err := e.Execute(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestTransactionCommitsOnSuccess(t *testing.T) {
	e := New()
	e.RegisterHandler(TypeAPI, func(_ context.Context, _ map[string]any, tx *txn.Transaction) (map[string]any, error) {
		require.NotNil(t, tx)
		return map[string]any{}, tx.AddOperation("step", nil, nil)
	})

	out, err := e.Execute(context.Background(), &Input{
		EffectType:         TypeAPI,
		TransactionEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, out.TransactionState)
	assert.Empty(t, e.ActiveTransactions())
}

func TestTransactionRollsBackOnFailure(t *testing.T) {
	e := New(WithSleeper(noSleep))
	rolledBack := false
	e.RegisterHandler(TypeAPI, func(_ context.Context, _ map[string]any, tx *txn.Transaction) (map[string]any, error) {
		_ = tx.AddOperation("step", nil, func(context.Context) error {
			rolledBack = true
			return nil
		})
		return nil, errors.New("handler failed")
	})

	_, err := e.Execute(context.Background(), &Input{
		EffectType:         TypeAPI,
		TransactionEnabled: true,
	})
	require.Error(t, err)
	assert.True(t, rolledBack)
	assert.Empty(t, e.ActiveTransactions())
}

func TestRollbackActive(t *testing.T) {
	e := New()
	started := make(chan struct{})
	release := make(chan struct{})
	var rolledBack atomic.Bool
	e.RegisterHandler(TypeAPI, func(ctx context.Context, _ map[string]any, tx *txn.Transaction) (map[string]any, error) {
		_ = tx.AddOperation("step", nil, func(context.Context) error {
			rolledBack.Store(true)
			return nil
		})
		close(started)
		<-release
		return nil, ctx.Err()
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = e.Execute(context.Background(), &Input{
			EffectType:         TypeAPI,
			TransactionEnabled: true,
			OperationID:        "op-1",
		})
	}()

	<-started
	require.Equal(t, []string{"op-1"}, e.ActiveTransactions())
	count := e.RollbackActive(context.Background())
	assert.Equal(t, 1, count)
	assert.True(t, rolledBack.Load())
	close(release)
	wg.Wait()
}

func TestConcurrencyBounded(t *testing.T) {
	e := New(WithMaxConcurrent(2))
	var inFlight, peak atomic.Int32
	e.RegisterHandler(TypeAPI, func(context.Context, map[string]any, *txn.Transaction) (map[string]any, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return map[string]any{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), &Input{EffectType: TypeAPI})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestStats(t *testing.T) {
	e := New(WithSleeper(noSleep))
	e.RegisterHandler(TypeAPI, func(_ context.Context, op map[string]any, _ *txn.Transaction) (map[string]any, error) {
		if op["fail"] == true {
			return nil, errors.New("boom")
		}
		return map[string]any{}, nil
	})

	_, err := e.Execute(context.Background(), &Input{EffectType: TypeAPI})
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), &Input{EffectType: TypeAPI, Operation: map[string]any{"fail": true}})
	require.Error(t, err)

	stats := e.Stats()
	require.Contains(t, stats, TypeAPI)
	assert.Equal(t, int64(2), stats[TypeAPI].Executions)
	assert.Equal(t, int64(1), stats[TypeAPI].Failures)
}

func TestFileHandlerWriteReadDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	e := New()
	e.RegisterHandler(TypeFile, NewFileHandler())

	out, err := e.Execute(context.Background(), &Input{
		EffectType: TypeFile,
		Operation:  map[string]any{"operation": "write", "path": path, "data": `{"v":1}`},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, out.Result["bytes_written"])

	out, err = e.Execute(context.Background(), &Input{
		EffectType: TypeFile,
		Operation:  map[string]any{"operation": "read", "path": path},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, out.Result["content"])

	_, err = e.Execute(context.Background(), &Input{
		EffectType: TypeFile,
		Operation:  map[string]any{"operation": "delete", "path": path},
	})
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileHandlerTransactionalWriteRollback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	e := New(WithSleeper(noSleep))
	e.RegisterHandler(TypeFile, func(ctx context.Context, op map[string]any, tx *txn.Transaction) (map[string]any, error) {
		if _, err := NewFileHandler()(ctx, op, tx); err != nil {
			return nil, err
		}
		return nil, errors.New("downstream step failed")
	})

	_, err := e.Execute(context.Background(), &Input{
		EffectType:         TypeFile,
		TransactionEnabled: true,
		Operation:          map[string]any{"operation": "write", "path": path, "data": "payload"},
	})
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "rollback removes the written file")
}

func TestFileHandlerDeleteRollbackRestoresContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o600))

	tx := txn.Begin()
	_, err := NewFileHandler()(context.Background(), map[string]any{"operation": "delete", "path": path}, tx)
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))

	require.NoError(t, tx.Rollback(context.Background()))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
}

func TestEventHandlerDelivers(t *testing.T) {
	b := bus.NewInMemory()
	var got bus.Envelope
	_, err := b.Subscribe(bus.Topic("audit.trail"), func(_ context.Context, env bus.Envelope) error {
		got = env
		return nil
	})
	require.NoError(t, err)

	e := New()
	e.RegisterHandler(TypeEvent, NewEventHandler(b))
	out, err := e.Execute(context.Background(), &Input{
		EffectType: TypeEvent,
		Operation:  map[string]any{"topic": "audit.trail", "payload": map[string]any{"action": "created"}},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out.Result["delivered"])
	require.NotNil(t, got.Payload)
	payload, ok := got.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "created", payload["action"])
}

func TestEventHandlerRequiresTopic(t *testing.T) {
	e := New()
	e.RegisterHandler(TypeEvent, NewEventHandler(bus.NewInMemory()))
	_, err := e.Execute(context.Background(), &Input{EffectType: TypeEvent})
	assert.Error(t, err)
}
