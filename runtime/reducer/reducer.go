// Package reducer implements the reducer node core: a pure state-transition
// function producing intents, wrapped by a Core that appends caller-supplied
// projection intents. The package deliberately has no knowledge of any
// projector: projection intents are declared targets, never executed here.
package reducer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/nodekit/runtime/cache"
	"goa.design/nodekit/runtime/telemetry"
)

// IntentType discriminates reducer intent payloads.
type IntentType string

const (
	// IntentLogEvent requests a structured log record.
	IntentLogEvent IntentType = "log_event"
	// IntentEmitEvent requests an event publication.
	IntentEmitEvent IntentType = "emit_event"
	// IntentProjection requests a projector run. The reducer only declares
	// it; a downstream executor resolves the target.
	IntentProjection IntentType = "projection_intent"
)

type (
	// Intent is one declared side effect. Frozen once emitted: the Core
	// copies payloads so later mutation by the caller has no effect.
	Intent struct {
		// Type discriminates the payload.
		Type IntentType `json:"type"`
		// Target addresses the intent (logger name, event topic, projector
		// key).
		Target string `json:"target"`
		// Priority orders execution, 1 (highest) through 10. Defaults to 5.
		Priority int `json:"priority"`
		// LeaseID optionally pins the intent to a lease.
		LeaseID string `json:"lease_id,omitempty"`
		// Epoch optionally versions the intent against state epochs.
		Epoch int64 `json:"epoch,omitempty"`
		// Payload is the type-specific body.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// ProjectionIntent declares a projector invocation to be appended to a
	// reduction's output.
	ProjectionIntent struct {
		// ProjectorKey addresses the projector.
		ProjectorKey string `json:"projector_key"`
		// EventType is the projected event's type.
		EventType string `json:"event_type"`
		// Envelope is the event body handed to the projector.
		Envelope map[string]any `json:"envelope,omitempty"`
		// CorrelationID ties the projection to its originating invocation.
		CorrelationID string `json:"correlation_id,omitempty"`
	}

	// State is the reducer's accumulated state.
	State struct {
		// Phase is the FSM phase label.
		Phase string `json:"phase"`
		// Epoch increments on every applied transition.
		Epoch int64 `json:"epoch"`
		// Data is the reducer-owned state body.
		Data map[string]any `json:"data,omitempty"`
	}

	// Input is one batch handed to the reducer.
	Input struct {
		// Action labels the reduction.
		Action string `json:"action"`
		// Items are the records to reduce.
		Items []map[string]any `json:"items,omitempty"`
		// CorrelationID ties the reduction to its invocation.
		CorrelationID string `json:"correlation_id,omitempty"`
	}

	// Output is the result of one Process call.
	Output struct {
		// Result is the reduced result data.
		Result map[string]any `json:"result"`
		// ItemsProcessed counts the input items consumed.
		ItemsProcessed int `json:"items_processed"`
		// Intents lists all FSM intents followed by the wrapped projection
		// intents, in caller order.
		Intents []Intent `json:"intents"`
		// Metadata carries run bookkeeping (state phase, epoch, timing).
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Reducer is a pure state transition. Implementations must be
	// deterministic: equal state and input produce equal output.
	Reducer interface {
		Reduce(state State, in Input) (State, []Intent, error)
	}

	// Core owns a reducer's state and drives reductions, appending
	// projection intents after the reducer's own.
	Core struct {
		reducer Reducer
		state   State
		cache   *cache.Cache
		logger  telemetry.Logger
		now     func() time.Time
	}

	// reduction is one cached state transition.
	reduction struct {
		state   State
		intents []Intent
	}

	// Option configures a Core.
	Option func(*Core)
)

// WithInitialState seeds the core's state.
func WithInitialState(s State) Option {
	return func(c *Core) { c.state = s }
}

// WithLogger sets the core logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithCache installs a fingerprint cache over the reducer. Reductions of
// equal state and input reuse the cached transition, which is sound because
// Reducer implementations are deterministic. Any transition that changes the
// phase or epoch clears the cache: entries were computed against a state
// that no longer holds.
func WithCache(fc *cache.Cache) Option {
	return func(c *Core) { c.cache = fc }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// NewCore constructs a Core around the reducer.
func NewCore(r Reducer, opts ...Option) *Core {
	c := &Core{
		reducer: r,
		state:   State{Phase: "initial"},
		logger:  telemetry.NewNoopLogger(),
		now:     time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// State returns a copy of the current state.
func (c *Core) State() State {
	return copyState(c.state)
}

// Process runs one reduction. The output intent list holds the reducer's own
// intents first, in emission order, then one wrapped projection intent per
// caller-supplied projection, in caller order. Process never invokes a
// projector.
func (c *Core) Process(ctx context.Context, in Input, projections ...ProjectionIntent) (*Output, error) {
	start := c.now()
	next, intents, err := c.reduce(ctx, in)
	if err != nil {
		c.logger.Error(ctx, "reduction failed", "action", in.Action, "err", err.Error())
		return nil, fmt.Errorf("reduce %s: %w", in.Action, err)
	}
	prev := c.state
	c.state = next
	if c.cache != nil && (next.Phase != prev.Phase || next.Epoch != prev.Epoch) {
		c.cache.Clear()
	}

	out := make([]Intent, 0, len(intents)+len(projections))
	for _, intent := range intents {
		out = append(out, normalizeIntent(intent))
	}
	for _, p := range projections {
		out = append(out, wrapProjection(p))
	}

	return &Output{
		Result: map[string]any{
			"phase": next.Phase,
			"epoch": next.Epoch,
			"data":  copyMap(next.Data),
		},
		ItemsProcessed: len(in.Items),
		Intents:        out,
		Metadata: map[string]any{
			"run_id":         uuid.NewString(),
			"action":         in.Action,
			"correlation_id": in.CorrelationID,
			"prev_phase":     prev.Phase,
			"duration_ms":    float64(c.now().Sub(start)) / float64(time.Millisecond),
		},
	}, nil
}

// reduce runs the state transition, through the fingerprint cache when one
// is installed. Cached transitions are returned as copies so callers cannot
// alias the stored state or intent payloads. A fingerprint failure bypasses
// the cache rather than failing the reduction.
func (c *Core) reduce(ctx context.Context, in Input) (State, []Intent, error) {
	if c.cache == nil {
		return c.reducer.Reduce(copyState(c.state), in)
	}
	key, err := cache.Key(map[string]any{"state": c.state, "input": in})
	if err != nil {
		c.logger.Warn(ctx, "fingerprint failed, bypassing cache", "action", in.Action, "err", err.Error())
		return c.reducer.Reduce(copyState(c.state), in)
	}
	v, err := c.cache.GetOrCompute(ctx, key, func(context.Context) (any, error) {
		next, intents, err := c.reducer.Reduce(copyState(c.state), in)
		if err != nil {
			return nil, err
		}
		return reduction{state: next, intents: intents}, nil
	})
	if err != nil {
		return State{}, nil, err
	}
	red := v.(reduction)
	intents := make([]Intent, len(red.intents))
	for i, intent := range red.intents {
		intent.Payload = copyMap(intent.Payload)
		intents[i] = intent
	}
	return copyState(red.state), intents, nil
}

// wrapProjection converts a projection declaration into a projection_intent
// whose target is the projector key and whose payload preserves the original
// key, event type, envelope, and correlation id.
func wrapProjection(p ProjectionIntent) Intent {
	return Intent{
		Type:     IntentProjection,
		Target:   p.ProjectorKey,
		Priority: 5,
		Payload: map[string]any{
			"projector_key":  p.ProjectorKey,
			"event_type":     p.EventType,
			"envelope":       copyMap(p.Envelope),
			"correlation_id": p.CorrelationID,
		},
	}
}

// normalizeIntent clamps priority into [1,10] (default 5) and snapshots the
// payload so emitted intents are effectively frozen.
func normalizeIntent(in Intent) Intent {
	if in.Priority == 0 {
		in.Priority = 5
	} else if in.Priority < 1 {
		in.Priority = 1
	} else if in.Priority > 10 {
		in.Priority = 10
	}
	in.Payload = copyMap(in.Payload)
	return in
}

func copyState(s State) State {
	s.Data = copyMap(s.Data)
	return s
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
