package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/nodekit/runtime/bus"
	"goa.design/nodekit/runtime/effect"
	"goa.design/nodekit/runtime/manifest"
	"goa.design/nodekit/runtime/registry"
	"goa.design/nodekit/runtime/txn"
)

// responseRecorder captures published tool responses.
type responseRecorder struct {
	mu        sync.Mutex
	responses []bus.ToolResponseEvent
}

func (r *responseRecorder) subscribe(t *testing.T, b bus.Bus) {
	t.Helper()
	_, err := b.Subscribe(bus.TopicToolResponse, func(_ context.Context, env bus.Envelope) error {
		resp, ok := env.Payload.(bus.ToolResponseEvent)
		if !ok {
			return nil
		}
		r.mu.Lock()
		r.responses = append(r.responses, resp)
		r.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
}

func (r *responseRecorder) all() []bus.ToolResponseEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.ToolResponseEvent(nil), r.responses...)
}

func newRunningNode(t *testing.T, h Handler, opts ...Option) (*Node, *bus.InMemory, *responseRecorder) {
	t.Helper()
	b := bus.NewInMemory()
	rec := &responseRecorder{}
	rec.subscribe(t, b)
	opts = append([]Option{WithBus(b), WithSignalHandling(false)}, opts...)
	n := New("node-u", "N", h, opts...)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n, b, rec
}

func invocation(correlation string) bus.ToolInvocationEvent {
	return bus.ToolInvocationEvent{
		CorrelationID:  correlation,
		TargetNodeID:   "node-u",
		TargetNodeName: "other",
		ToolName:       "t",
		Action:         "a",
		Parameters:     map[string]any{"x": 1},
	}
}

func TestBasicDispatch(t *testing.T) {
	n, b, rec := newRunningNode(t, HandlerFunc(func(_ context.Context, input map[string]any) (any, error) {
		assert.Equal(t, "a", input["action"])
		assert.Equal(t, 1, input["x"])
		return map[string]any{"y": 2}, nil
	}))

	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-1")))

	responses := rec.all()
	require.Len(t, responses, 1, "exactly one response")
	assert.Equal(t, "corr-1", responses[0].CorrelationID)
	assert.True(t, responses[0].Success)
	assert.Equal(t, map[string]any{"y": 2}, responses[0].Result)

	h := n.Health()
	assert.Equal(t, int64(1), h.TotalInvocations)
	assert.Equal(t, int64(1), h.SuccessfulInvocations)
	assert.Zero(t, h.FailedInvocations)
}

func TestWrongTargetIgnored(t *testing.T) {
	n, b, rec := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}))

	event := invocation("corr-2")
	event.TargetNodeID = "someone-else"
	event.TargetNodeName = "not-N"
	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, event))

	assert.Empty(t, rec.all(), "no response for another node's invocation")
	h := n.Health()
	assert.Equal(t, int64(1), h.TotalInvocations)
	assert.Zero(t, h.SuccessfulInvocations)
	assert.Zero(t, h.FailedInvocations)
}

func TestTargetMatchByName(t *testing.T) {
	_, b, rec := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	}))

	event := invocation("corr-3")
	event.TargetNodeID = "someone-else"
	event.TargetNodeName = "N"
	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, event))
	require.Len(t, rec.all(), 1)
	assert.True(t, rec.all()[0].Success)
}

func TestHandlerError(t *testing.T) {
	n, b, rec := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	}))

	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-4")))

	responses := rec.all()
	require.Len(t, responses, 1)
	assert.Equal(t, "corr-4", responses[0].CorrelationID)
	assert.False(t, responses[0].Success)
	assert.Contains(t, responses[0].Error, "boom")
	assert.Equal(t, "TOOL_EXECUTION_ERROR", responses[0].ErrorCode)
	assert.Equal(t, int64(1), n.Health().FailedInvocations)
}

func TestHandlerPanicConvertedToError(t *testing.T) {
	_, b, rec := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	}))

	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-5")))
	responses := rec.all()
	require.Len(t, responses, 1)
	assert.False(t, responses[0].Success)
	assert.Contains(t, responses[0].Error, "kaboom")
}

func TestNilResultIsError(t *testing.T) {
	_, b, rec := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) {
		return nil, nil
	}))

	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-6")))
	responses := rec.all()
	require.Len(t, responses, 1)
	assert.False(t, responses[0].Success)
	assert.Equal(t, "TOOL_EXECUTION_ERROR", responses[0].ErrorCode)
}

type dumpResult struct{ value string }

func (d dumpResult) Dump() map[string]any { return map[string]any{"value": d.value} }

func TestResultSerialization(t *testing.T) {
	cases := []struct {
		name   string
		result any
		want   map[string]any
	}{
		{"map passthrough", map[string]any{"k": "v"}, map[string]any{"k": "v"}},
		{"dumper", dumpResult{value: "dumped"}, map[string]any{"value": "dumped"}},
		{"primitive wrapped", 42, map[string]any{"result": 42}},
		{"string wrapped", "done", map[string]any{"result": "done"}},
		{"struct public fields", struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}{"x", 3}, map[string]any{"name": "x", "count": float64(3)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := serializeResult(tc.result)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestActiveInvocationWindow(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	n, b, rec := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) {
		close(started)
		<-release
		return map[string]any{"ok": true}, nil
	}))

	assert.Zero(t, n.Health().ActiveInvocations, "not active before dispatch")
	go func() {
		_ = b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-7"))
	}()
	<-started
	assert.Equal(t, 1, n.Health().ActiveInvocations, "active while handler runs")
	close(release)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, n.Health().ActiveInvocations, "not active after response")
}

func TestStartRequiresBus(t *testing.T) {
	n := New("node-u", "N", HandlerFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }),
		WithSignalHandling(false))
	assert.ErrorIs(t, n.Start(context.Background()), ErrBusNotAvailable)
	assert.Equal(t, Idle, n.State())
}

func TestStartIdempotent(t *testing.T) {
	n, _, _ := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }))
	require.NoError(t, n.Start(context.Background()), "second start is a no-op")
	assert.Equal(t, Running, n.State())
}

func TestStartPublishesIntrospection(t *testing.T) {
	b := bus.NewInMemory()
	var intro bus.IntrospectionEvent
	_, err := b.Subscribe(bus.TopicNodeIntrospection, func(_ context.Context, env bus.Envelope) error {
		intro = env.Payload.(bus.IntrospectionEvent)
		return nil
	})
	require.NoError(t, err)

	n := New("node-u", "N",
		HandlerFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }),
		WithBus(b),
		WithSignalHandling(false),
		WithTools(bus.ToolDescriptor{Name: "t", Actions: []string{"a"}}),
		WithCapabilities([]string{"in"}, []string{"out"}),
	)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop(context.Background())

	assert.Equal(t, "node-u", intro.NodeID)
	require.Len(t, intro.Tools, 1)
	assert.Equal(t, "t", intro.Tools[0].Name)
	assert.Equal(t, []string{"in"}, intro.Inputs)
	assert.Equal(t, []string{"out"}, intro.Outputs)
}

func TestStopPublishesShutdownAndUnsubscribes(t *testing.T) {
	n, b, rec := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	}))

	var shutdown *bus.ShutdownEvent
	_, err := b.Subscribe(bus.TopicNodeShutdown, func(_ context.Context, env bus.Envelope) error {
		evt := env.Payload.(bus.ShutdownEvent)
		shutdown = &evt
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, n.Stop(context.Background()))
	assert.Equal(t, Stopped, n.State())
	require.NotNil(t, shutdown)
	assert.Equal(t, "node-u", shutdown.NodeID)

	// Unsubscribed: further invocations are not handled.
	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-late")))
	assert.Empty(t, rec.all())
}

func TestStopRunsCallbacksInOrder(t *testing.T) {
	n, _, _ := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }))
	var order []string
	n.OnShutdown(func(context.Context) error {
		order = append(order, "first")
		return errors.New("callback error")
	})
	n.OnShutdown(func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, n.Stop(context.Background()))
	assert.Equal(t, []string{"first", "second"}, order, "errors do not stop later callbacks")
}

func TestStopRollsBackActiveTransactions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.txt")

	exec := effect.New()
	exec.RegisterHandler(effect.TypeFile, effect.NewFileHandler())

	started := make(chan struct{})
	release := make(chan struct{})
	rolledBack := false
	exec.RegisterHandler("blocking_operation", func(ctx context.Context, _ map[string]any, tx *txn.Transaction) (map[string]any, error) {
		_ = tx.AddOperation("cleanup", nil, func(context.Context) error {
			rolledBack = true
			return os.Remove(path)
		})
		assert.NoError(t, os.WriteFile(path, []byte("partial"), 0o600))
		close(started)
		<-release
		return nil, ctx.Err()
	})

	n, _, _ := newRunningNode(t,
		HandlerFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }),
		WithEffectExecutor(exec),
		WithDrainTimeout(50*time.Millisecond),
	)

	go func() {
		_, _ = exec.Execute(context.Background(), &effect.Input{
			EffectType:         "blocking_operation",
			TransactionEnabled: true,
			OperationID:        "op-stuck",
		})
	}()
	<-started

	require.NoError(t, n.Stop(context.Background()))
	assert.True(t, rolledBack, "stop rolls back transactions still active")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	close(release)
}

func TestTransactionalWriteRollback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	exec := effect.New()
	rollbacks := 0
	exec.RegisterHandler(effect.TypeFile, func(ctx context.Context, op map[string]any, tx *txn.Transaction) (map[string]any, error) {
		res, err := effect.NewFileHandler()(ctx, op, tx)
		if err != nil {
			return nil, err
		}
		_ = tx.AddOperation("count_rollbacks", nil, func(context.Context) error {
			rollbacks++
			return nil
		})
		_ = res
		return nil, errors.New("caller forced failure")
	})

	_, b, rec := newRunningNode(t,
		HandlerFunc(func(ctx context.Context, input map[string]any) (any, error) {
			out, err := exec.Execute(ctx, &effect.Input{
				EffectType:         effect.TypeFile,
				TransactionEnabled: true,
				Operation: map[string]any{
					"operation": "write",
					"path":      path,
					"data":      input["data"].(string),
				},
			})
			if err != nil {
				return nil, err
			}
			return out.Result, nil
		}),
		WithEffectExecutor(exec),
	)

	event := invocation("corr-txn")
	event.Parameters = map[string]any{"data": "payload"}
	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, event))

	responses := rec.all()
	require.Len(t, responses, 1)
	assert.False(t, responses[0].Success)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "rollback removed the written file")
	assert.Equal(t, 1, rollbacks, "rollback executed exactly once")
}

func TestRestartResetsShutdownRequested(t *testing.T) {
	n, _, _ := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }))
	require.NoError(t, n.Stop(context.Background()))
	assert.True(t, n.Health().ShutdownRequested)

	require.NoError(t, n.Start(context.Background()))
	h := n.Health()
	assert.False(t, h.ShutdownRequested)
	assert.Equal(t, "healthy", h.Status)
	require.NoError(t, n.Stop(context.Background()))
}

func TestDrainTimeout(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	n, b, _ := newRunningNode(t,
		HandlerFunc(func(context.Context, map[string]any) (any, error) {
			close(started)
			<-release
			return map[string]any{"ok": true}, nil
		}),
		WithDrainTimeout(30*time.Millisecond),
	)

	go func() {
		_ = b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-slow"))
	}()
	<-started

	begin := time.Now()
	require.NoError(t, n.Stop(context.Background()))
	assert.Less(t, time.Since(begin), 5*time.Second, "stop proceeds after the drain timeout")
	assert.Equal(t, Stopped, n.State())
	close(release)
}

func TestDrainDeadlineUsesClock(t *testing.T) {
	// Each clock read advances two hours, so the one-hour drain deadline is
	// already past on the first check and Stop proceeds without waiting for
	// the blocked handler.
	var (
		mu    sync.Mutex
		calls int
		base  = time.Now()
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return base.Add(time.Duration(calls) * 2 * time.Hour)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	n, b, _ := newRunningNode(t,
		HandlerFunc(func(context.Context, map[string]any) (any, error) {
			close(started)
			<-release
			return map[string]any{"ok": true}, nil
		}),
		WithDrainTimeout(time.Hour),
		WithClock(clock),
	)

	go func() {
		_ = b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-clock"))
	}()
	<-started

	begin := time.Now()
	require.NoError(t, n.Stop(context.Background()))
	assert.Less(t, time.Since(begin), 5*time.Second, "drain deadline follows the injected clock")
	assert.Equal(t, Stopped, n.State())
	close(release)
}

func TestStartResolvesBusFromRegistry(t *testing.T) {
	ctx := context.Background()
	b := bus.NewInMemory()
	rec := &responseRecorder{}
	rec.subscribe(t, b)

	reg := registry.New()
	_, err := reg.RegisterInstance(ctx, BusInterface, b, registry.ScopeGlobal, nil)
	require.NoError(t, err)

	n := New("node-u", "N",
		HandlerFunc(func(context.Context, map[string]any) (any, error) {
			return map[string]any{"ok": true}, nil
		}),
		WithRegistry(reg),
		WithSignalHandling(false),
	)
	require.NoError(t, n.Start(ctx), "bus resolved from the container")
	defer n.Stop(ctx)

	require.NoError(t, b.Publish(ctx, bus.TopicToolInvocation, invocation("corr-reg")))
	responses := rec.all()
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Success)
}

func TestManifestBuiltPerInvocation(t *testing.T) {
	var (
		mu    sync.Mutex
		built []*manifest.Manifest
	)
	factory := func(correlationID string) *manifest.Generator {
		gen := manifest.NewGenerator("node-u", manifest.WithCorrelationID(correlationID))
		gen.OnManifestBuilt(func(m *manifest.Manifest) error {
			mu.Lock()
			built = append(built, m)
			mu.Unlock()
			return nil
		})
		return gen
	}

	_, b, rec := newRunningNode(t,
		HandlerFunc(func(context.Context, map[string]any) (any, error) {
			return map[string]any{"ok": true}, nil
		}),
		WithManifests(factory),
	)

	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-man")))
	require.Len(t, rec.all(), 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, built, 1, "one manifest per handled invocation")
	m := built[0]
	assert.Equal(t, "corr-man", m.CorrelationID)
	assert.Equal(t, "node-u", m.NodeID)
	require.Len(t, m.Hooks, 1)
	assert.Equal(t, "corr-man", m.Hooks[0].HookID)
	assert.Equal(t, "t", m.Hooks[0].HandlerID)
	assert.Equal(t, "handle", m.Hooks[0].Phase)
	assert.Equal(t, manifest.HookSuccess, m.Hooks[0].Status)
	assert.Equal(t, 1, m.Emissions.EventCount, "response emission recorded")
	assert.Empty(t, m.Failures)
}

func TestManifestRecordsHandlerFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		built []*manifest.Manifest
	)
	factory := func(correlationID string) *manifest.Generator {
		gen := manifest.NewGenerator("node-u", manifest.WithCorrelationID(correlationID))
		gen.OnManifestBuilt(func(m *manifest.Manifest) error {
			mu.Lock()
			built = append(built, m)
			mu.Unlock()
			return nil
		})
		return gen
	}

	_, b, rec := newRunningNode(t,
		HandlerFunc(func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		}),
		WithManifests(factory),
	)

	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-fail")))
	require.Len(t, rec.all(), 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, built, 1)
	m := built[0]
	assert.Equal(t, "corr-fail", m.CorrelationID)
	require.Len(t, m.Hooks, 1)
	assert.Equal(t, manifest.HookFailed, m.Hooks[0].Status)
	assert.Contains(t, m.Hooks[0].ErrorMessage, "boom")
	assert.Equal(t, "TOOL_EXECUTION_ERROR", m.Hooks[0].ErrorCode)
	require.Len(t, m.Failures, 1)
	assert.Equal(t, "TOOL_EXECUTION_ERROR", m.Failures[0].Code)
	assert.Equal(t, "t", m.Failures[0].HandlerID)
	assert.False(t, m.Failures[0].Recoverable)
	assert.Equal(t, 1, m.Emissions.EventCount)
}

func TestHealthSnapshot(t *testing.T) {
	n, b, _ := newRunningNode(t, HandlerFunc(func(_ context.Context, input map[string]any) (any, error) {
		if input["fail"] == true {
			return nil, errors.New("down")
		}
		return map[string]any{"ok": true}, nil
	}))

	h := n.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1.0, h.SuccessRate, "no invocations yet")

	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, invocation("c1")))
	bad := invocation("c2")
	bad.Parameters = map[string]any{"fail": true}
	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, bad))

	h = n.Health()
	assert.Equal(t, int64(2), h.TotalInvocations)
	assert.Equal(t, int64(1), h.SuccessfulInvocations)
	assert.Equal(t, int64(1), h.FailedInvocations)
	assert.InDelta(t, 0.5, h.SuccessRate, 1e-9)
	assert.Equal(t, "node-u", h.NodeID)
	assert.Equal(t, "N", h.NodeName)
}

func TestConcurrentInvocations(t *testing.T) {
	var mu sync.Mutex
	count := 0
	_, b, rec := newRunningNode(t, HandlerFunc(func(context.Context, map[string]any) (any, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return map[string]any{"ok": true}, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := invocation("corr-" + string(rune('a'+i)))
			assert.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, event))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, count)
	assert.Len(t, rec.all(), 20)
}

func TestInputBuilder(t *testing.T) {
	_, b, rec := newRunningNode(t,
		HandlerFunc(func(_ context.Context, input map[string]any) (any, error) {
			return map[string]any{"echo": input["combined"]}, nil
		}),
		WithInputBuilder(func(action string, params map[string]any) (map[string]any, error) {
			return map[string]any{"combined": action + "-built"}, nil
		}),
	)

	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, invocation("corr-ib")))
	responses := rec.all()
	require.Len(t, responses, 1)
	assert.Equal(t, "a-built", responses[0].Result["echo"])
}

func TestMapPayloadDecoded(t *testing.T) {
	_, b, rec := newRunningNode(t, HandlerFunc(func(_ context.Context, input map[string]any) (any, error) {
		return map[string]any{"got": input["x"]}, nil
	}))

	raw := map[string]any{
		"correlation_id": "corr-raw",
		"target_node_id": "node-u",
		"tool_name":      "t",
		"action":         "a",
		"parameters":     map[string]any{"x": float64(7)},
	}
	require.NoError(t, b.Publish(context.Background(), bus.TopicToolInvocation, raw))
	responses := rec.all()
	require.Len(t, responses, 1)
	assert.Equal(t, "corr-raw", responses[0].CorrelationID)
	assert.Equal(t, float64(7), responses[0].Result["got"])
}
