// Package manifest builds an execution trace for one node execution:
// capability activations, phase ordering, hook traces, emission summaries,
// and failures, finalized into an immutable snapshot with derived metrics.
package manifest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/nodekit/runtime/telemetry"
)

// HookStatus is the lifecycle status of one hook trace.
type HookStatus string

const (
	// HookRunning means the hook started and has not completed.
	HookRunning HookStatus = "running"
	// HookSuccess means the hook completed successfully.
	HookSuccess HookStatus = "success"
	// HookFailed means the hook completed with an error.
	HookFailed HookStatus = "failed"
	// HookCancelled marks hooks still pending when the manifest was built.
	HookCancelled HookStatus = "cancelled"
)

type (
	// CapabilityActivation records one capability gate decision.
	CapabilityActivation struct {
		Name                string `json:"name"`
		Activated           bool   `json:"activated"`
		Reason              string `json:"reason,omitempty"`
		PredicateExpression string `json:"predicate_expression,omitempty"`
		PredicateResult     *bool  `json:"predicate_result,omitempty"`
	}

	// Ordering records how execution phases were sequenced.
	Ordering struct {
		Phases        []string `json:"phases"`
		ResolvedOrder []string `json:"resolved_order"`
		Policy        string   `json:"policy,omitempty"`
	}

	// DependencyEdge records one resolved ordering dependency.
	DependencyEdge struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Type      string `json:"type,omitempty"`
		Satisfied bool   `json:"satisfied"`
	}

	// HookTrace records one handler hook execution. Traces preserve start
	// order in the built manifest.
	HookTrace struct {
		HookID       string     `json:"hook_id"`
		HandlerID    string     `json:"handler_id"`
		Phase        string     `json:"phase,omitempty"`
		Status       HookStatus `json:"status"`
		StartedAt    time.Time  `json:"started_at"`
		CompletedAt  time.Time  `json:"completed_at,omitzero"`
		DurationMs   float64    `json:"duration_ms"`
		ErrorMessage string     `json:"error_message,omitempty"`
		ErrorCode    string     `json:"error_code,omitempty"`
	}

	// Failure records one execution failure.
	Failure struct {
		Code        string `json:"code"`
		Message     string `json:"message"`
		Phase       string `json:"phase,omitempty"`
		HandlerID   string `json:"handler_id,omitempty"`
		Recoverable bool   `json:"recoverable"`
	}

	// Emissions summarizes what the execution emitted. Counts sum
	// occurrences; type lists are deduplicated and sorted.
	Emissions struct {
		EventCount      int      `json:"event_count"`
		IntentCount     int      `json:"intent_count"`
		ProjectionCount int      `json:"projection_count"`
		ActionCount     int      `json:"action_count"`
		EventTypes      []string `json:"event_types"`
		IntentTypes     []string `json:"intent_types"`
		ProjectionTypes []string `json:"projection_types"`
		ActionTypes     []string `json:"action_types"`
	}

	// Metrics derives summary numbers from the trace buffers.
	Metrics struct {
		DurationMs float64 `json:"duration_ms"`
		HookCount  int     `json:"hook_count"`
		// HandlerDurationsMs sums every hook duration per handler, across
		// all phases the handler appeared in.
		HandlerDurationsMs map[string]float64 `json:"handler_durations_ms"`
		FailureCount       int                `json:"failure_count"`
	}

	// Manifest is the built execution trace.
	Manifest struct {
		ManifestID       string                 `json:"manifest_id"`
		ParentManifestID string                 `json:"parent_manifest_id,omitempty"`
		CorrelationID    string                 `json:"correlation_id,omitempty"`
		NodeID           string                 `json:"node_id"`
		ContractID       string                 `json:"contract_id,omitempty"`
		StartedAt        time.Time              `json:"started_at"`
		EndedAt          time.Time              `json:"ended_at"`
		Activations      []CapabilityActivation `json:"activations,omitempty"`
		Ordering         *Ordering              `json:"ordering,omitempty"`
		DependencyEdges  []DependencyEdge       `json:"dependency_edges,omitempty"`
		Hooks            []HookTrace            `json:"hooks,omitempty"`
		Emissions        Emissions              `json:"emissions"`
		Failures         []Failure              `json:"failures,omitempty"`
		Metrics          Metrics                `json:"metrics"`
	}

	// Callback observes each built manifest. A callback that errors or
	// panics is logged and does not stop subsequent callbacks.
	Callback func(*Manifest) error

	// Generator accumulates trace records for one node execution. All
	// methods are safe for concurrent use.
	Generator struct {
		mu sync.Mutex

		manifestID    string
		parentID      string
		correlationID string
		nodeID        string
		contractID    string
		startedAt     time.Time

		activations []CapabilityActivation
		ordering    *Ordering
		edges       []DependencyEdge
		hooks       []*HookTrace
		hookIndex   map[string]*HookTrace
		failures    []Failure

		eventCounts      map[string]int
		intentCounts     map[string]int
		projectionCounts map[string]int
		actionCounts     map[string]int

		callbacks []Callback
		logger    telemetry.Logger
		now       func() time.Time
	}

	// Option configures a Generator.
	Option func(*Generator)
)

// WithParentManifest links this manifest under a parent for nesting.
func WithParentManifest(id string) Option {
	return func(g *Generator) { g.parentID = id }
}

// WithCorrelationID attaches the caller-supplied correlation identifier.
func WithCorrelationID(id string) Option {
	return func(g *Generator) { g.correlationID = id }
}

// WithContract records the contract identity the node executed under.
func WithContract(id string) Option {
	return func(g *Generator) { g.contractID = id }
}

// WithLogger sets the generator logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// NewGenerator constructs a Generator for one execution of the node.
func NewGenerator(nodeID string, opts ...Option) *Generator {
	g := &Generator{
		manifestID:       uuid.NewString(),
		nodeID:           nodeID,
		hookIndex:        make(map[string]*HookTrace),
		eventCounts:      make(map[string]int),
		intentCounts:     make(map[string]int),
		projectionCounts: make(map[string]int),
		actionCounts:     make(map[string]int),
		logger:           telemetry.NewNoopLogger(),
		now:              time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	g.startedAt = g.now()
	return g
}

// ManifestID returns the stable manifest identifier.
func (g *Generator) ManifestID() string { return g.manifestID }

// RecordCapabilityActivation records one capability gate decision.
func (g *Generator) RecordCapabilityActivation(name string, activated bool, reason string, predicateExpr string, predicateResult *bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activations = append(g.activations, CapabilityActivation{
		Name:                name,
		Activated:           activated,
		Reason:              reason,
		PredicateExpression: predicateExpr,
		PredicateResult:     predicateResult,
	})
}

// RecordOrdering records the phase ordering decision, replacing any earlier
// record.
func (g *Generator) RecordOrdering(phases, resolvedOrder []string, policy string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ordering = &Ordering{Phases: phases, ResolvedOrder: resolvedOrder, Policy: policy}
}

// AddDependencyEdge records one resolved dependency edge.
func (g *Generator) AddDependencyEdge(from, to, edgeType string, satisfied bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = append(g.edges, DependencyEdge{From: from, To: to, Type: edgeType, Satisfied: satisfied})
}

// StartHook opens a hook trace. Traces appear in the built manifest in start
// order.
func (g *Generator) StartHook(hookID, handlerID, phase string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := &HookTrace{
		HookID:    hookID,
		HandlerID: handlerID,
		Phase:     phase,
		Status:    HookRunning,
		StartedAt: g.now(),
	}
	g.hooks = append(g.hooks, h)
	g.hookIndex[hookID] = h
}

// CompleteHook closes a hook trace. Completing an unknown hook id logs a
// warning and inserts a synthetic trace attributed to an unknown handler.
func (g *Generator) CompleteHook(hookID string, status HookStatus, errorMessage, errorCode string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	h, ok := g.hookIndex[hookID]
	if !ok || h.Status != HookRunning {
		g.logger.Warn(context.Background(), "completing unknown hook", "hook_id", hookID, "manifest_id", g.manifestID)
		synthetic := &HookTrace{
			HookID:    hookID,
			HandlerID: "unknown",
			Status:    status,
			StartedAt: now,
		}
		g.hooks = append(g.hooks, synthetic)
		h = synthetic
	}
	h.Status = status
	h.CompletedAt = now
	h.DurationMs = float64(now.Sub(h.StartedAt)) / float64(time.Millisecond)
	h.ErrorMessage = errorMessage
	h.ErrorCode = errorCode
}

// RecordEvent counts one emitted event of the type.
func (g *Generator) RecordEvent(eventType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.eventCounts[eventType]++
}

// RecordIntent counts one emitted intent of the type.
func (g *Generator) RecordIntent(intentType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intentCounts[intentType]++
}

// RecordProjection counts one emitted projection of the type.
func (g *Generator) RecordProjection(projectionType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.projectionCounts[projectionType]++
}

// RecordAction counts one emitted action of the type.
func (g *Generator) RecordAction(actionType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actionCounts[actionType]++
}

// RecordFailure records one execution failure.
func (g *Generator) RecordFailure(code, message, phase, handlerID string, recoverable bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, Failure{
		Code:        code,
		Message:     message,
		Phase:       phase,
		HandlerID:   handlerID,
		Recoverable: recoverable,
	})
}

// OnManifestBuilt registers a callback invoked after each Build, in
// registration order.
func (g *Generator) OnManifestBuilt(cb Callback) {
	if cb == nil {
		return
	}
	g.mu.Lock()
	g.callbacks = append(g.callbacks, cb)
	g.mu.Unlock()
}

// Build finalizes the current state into a manifest snapshot and invokes the
// registered callbacks. Hooks still running are completed as cancelled.
// Build may be called repeatedly; the manifest id is stable and counts
// reflect state at call time.
func (g *Generator) Build() *Manifest {
	g.mu.Lock()
	now := g.now()
	for _, h := range g.hooks {
		if h.Status == HookRunning {
			h.Status = HookCancelled
			h.CompletedAt = now
			h.DurationMs = float64(now.Sub(h.StartedAt)) / float64(time.Millisecond)
		}
	}

	hooks := make([]HookTrace, len(g.hooks))
	handlerDurations := make(map[string]float64)
	for i, h := range g.hooks {
		hooks[i] = *h
		handlerDurations[h.HandlerID] += h.DurationMs
	}

	m := &Manifest{
		ManifestID:       g.manifestID,
		ParentManifestID: g.parentID,
		CorrelationID:    g.correlationID,
		NodeID:           g.nodeID,
		ContractID:       g.contractID,
		StartedAt:        g.startedAt,
		EndedAt:          now,
		Activations:      append([]CapabilityActivation(nil), g.activations...),
		Ordering:         g.ordering,
		DependencyEdges:  append([]DependencyEdge(nil), g.edges...),
		Hooks:            hooks,
		Failures:         append([]Failure(nil), g.failures...),
		Emissions: Emissions{
			EventCount:      total(g.eventCounts),
			IntentCount:     total(g.intentCounts),
			ProjectionCount: total(g.projectionCounts),
			ActionCount:     total(g.actionCounts),
			EventTypes:      sortedKeys(g.eventCounts),
			IntentTypes:     sortedKeys(g.intentCounts),
			ProjectionTypes: sortedKeys(g.projectionCounts),
			ActionTypes:     sortedKeys(g.actionCounts),
		},
		Metrics: Metrics{
			DurationMs:         float64(now.Sub(g.startedAt)) / float64(time.Millisecond),
			HookCount:          len(hooks),
			HandlerDurationsMs: handlerDurations,
			FailureCount:       len(g.failures),
		},
	}
	callbacks := append([]Callback(nil), g.callbacks...)
	g.mu.Unlock()

	for i, cb := range callbacks {
		g.invokeCallback(i, cb, m)
	}
	return m
}

// EstimateJSONSizeBytes estimates the serialized manifest size. The estimate
// is monotone in the buffer contents: recording more data never shrinks it.
func (g *Generator) EstimateJSONSizeBytes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	size := 512 // envelope, identity, timestamps
	size += len(g.activations) * 96
	size += len(g.edges) * 64
	size += len(g.failures) * 128
	for _, h := range g.hooks {
		size += 160 + len(h.HookID) + len(h.HandlerID) + len(h.ErrorMessage)
	}
	if g.ordering != nil {
		size += 32 * (len(g.ordering.Phases) + len(g.ordering.ResolvedOrder))
	}
	for _, counts := range []map[string]int{g.eventCounts, g.intentCounts, g.projectionCounts, g.actionCounts} {
		for k := range counts {
			size += 16 + len(k)
		}
	}
	return size
}

func (g *Generator) invokeCallback(i int, cb Callback, m *Manifest) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn(context.Background(), "manifest callback panicked",
				"manifest_id", g.manifestID, "callback", fmt.Sprintf("%d", i), "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := cb(m); err != nil {
		g.logger.Warn(context.Background(), "manifest callback failed",
			"manifest_id", g.manifestID, "callback", fmt.Sprintf("%d", i), "err", err.Error())
	}
}

func total(counts map[string]int) int {
	sum := 0
	for _, n := range counts {
		sum += n
	}
	return sum
}

func sortedKeys(counts map[string]int) []string {
	out := make([]string, 0, len(counts))
	for k := range counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
