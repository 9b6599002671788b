// Package node implements the service node runtime: a state machine that
// attaches a handler to the event bus, dispatches tool invocations to it,
// tracks in-flight work, and drains cleanly on shutdown.
package node

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/nodekit/runtime/bus"
	"goa.design/nodekit/runtime/effect"
	"goa.design/nodekit/runtime/manifest"
	"goa.design/nodekit/runtime/registry"
	"goa.design/nodekit/runtime/telemetry"
)

// BusInterface is the registry interface name the node resolves its event
// bus under when none was injected at construction.
const BusInterface = "event_bus"

// State is the node lifecycle state.
type State string

const (
	// Idle means the node is constructed but not started.
	Idle State = "idle"
	// Starting means the node is wiring itself to the bus.
	Starting State = "starting"
	// Running means the node accepts invocations.
	Running State = "running"
	// Draining means shutdown was requested and in-flight work is finishing.
	Draining State = "draining"
	// Stopped means the node detached from the bus.
	Stopped State = "stopped"
)

// ErrBusNotAvailable is returned by Start when no event bus was injected.
var ErrBusNotAvailable = errors.New("event bus not available")

type (
	// Handler executes one tool invocation. The input map holds the
	// invocation action under "action" merged over the event parameters,
	// unless an input builder replaced it.
	Handler interface {
		Run(ctx context.Context, input map[string]any) (any, error)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, input map[string]any) (any, error)

	// InputBuilder optionally converts the raw action and parameters into
	// the node's declared input model.
	InputBuilder func(action string, params map[string]any) (map[string]any, error)

	// ManifestFactory opens a manifest generator for one invocation. The
	// dispatcher passes the invocation's correlation id; the factory
	// attaches it (and any observers) to the generator it returns.
	ManifestFactory func(correlationID string) *manifest.Generator

	// Dumper is implemented by results that carry their own canonical map
	// representation.
	Dumper interface {
		Dump() map[string]any
	}

	// Health is a point-in-time node health snapshot.
	Health struct {
		Status                string  `json:"status"`
		UptimeSeconds         float64 `json:"uptime_seconds"`
		ActiveInvocations     int     `json:"active_invocations"`
		TotalInvocations      int64   `json:"total_invocations"`
		SuccessfulInvocations int64   `json:"successful_invocations"`
		FailedInvocations     int64   `json:"failed_invocations"`
		SuccessRate           float64 `json:"success_rate"`
		NodeID                string  `json:"node_id"`
		NodeName              string  `json:"node_name"`
		ShutdownRequested     bool    `json:"shutdown_requested"`
	}

	// Node is one service node. All methods are safe for concurrent use.
	Node struct {
		mu sync.Mutex

		id      string
		name    string
		state   State
		bus     bus.Bus
		handler Handler

		tools   []bus.ToolDescriptor
		inputs  []string
		outputs []string

		inputBuilder InputBuilder
		executor     *effect.Executor
		manifests    ManifestFactory
		container    *registry.Registry

		active            map[string]struct{}
		drained           *sync.Cond
		total             int64
		successful        int64
		failed            int64
		shutdownRequested bool
		startTime         time.Time
		callbacks         []func(ctx context.Context) error

		sub          bus.Subscription
		healthCancel context.CancelFunc
		healthDone   chan struct{}
		signalCh     chan os.Signal
		signalDone   chan struct{}

		drainTimeout   time.Duration
		healthInterval time.Duration
		handleSignals  bool

		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
	}

	// Option configures a Node.
	Option func(*Node)
)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// WithBus injects the event bus.
func WithBus(b bus.Bus) Option {
	return func(n *Node) { n.bus = b }
}

// WithTools declares the tools this node serves, announced at start.
func WithTools(tools ...bus.ToolDescriptor) Option {
	return func(n *Node) { n.tools = tools }
}

// WithCapabilities declares the node's capability inputs and outputs.
func WithCapabilities(inputs, outputs []string) Option {
	return func(n *Node) {
		n.inputs = inputs
		n.outputs = outputs
	}
}

// WithInputBuilder installs the node's declared input model constructor.
func WithInputBuilder(b InputBuilder) Option {
	return func(n *Node) { n.inputBuilder = b }
}

// WithEffectExecutor attaches the effect executor whose active transactions
// are rolled back on shutdown.
func WithEffectExecutor(e *effect.Executor) Option {
	return func(n *Node) { n.executor = e }
}

// WithManifests installs a per-invocation manifest generator factory. When
// set, the dispatcher opens a generator for every handled invocation,
// records the handler hook and any failure, and builds the manifest as the
// response is emitted.
func WithManifests(f ManifestFactory) Option {
	return func(n *Node) { n.manifests = f }
}

// WithRegistry attaches the service container. Start falls back to
// resolving the event bus from it under BusInterface when no bus was
// injected with WithBus.
func WithRegistry(r *registry.Registry) Option {
	return func(n *Node) { n.container = r }
}

// WithDrainTimeout bounds how long Stop waits for in-flight invocations.
// Defaults to 30 seconds.
func WithDrainTimeout(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.drainTimeout = d
		}
	}
}

// WithHealthInterval sets the health monitor period. Defaults to 30 seconds.
func WithHealthInterval(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.healthInterval = d
		}
	}
}

// WithSignalHandling controls whether Start installs SIGTERM/SIGINT
// handlers. Enabled by default; tests disable it.
func WithSignalHandling(enabled bool) Option {
	return func(n *Node) { n.handleSignals = enabled }
}

// WithLogger sets the node logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics sets the node metrics recorder. Defaults to noop.
func WithMetrics(m telemetry.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// New constructs an idle Node with the given identity and handler.
func New(id, name string, h Handler, opts ...Option) *Node {
	n := &Node{
		id:             id,
		name:           name,
		state:          Idle,
		handler:        h,
		active:         make(map[string]struct{}),
		drainTimeout:   30 * time.Second,
		healthInterval: 30 * time.Second,
		handleSignals:  true,
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		now:            time.Now,
	}
	n.drained = sync.NewCond(&n.mu)
	for _, o := range opts {
		if o != nil {
			o(n)
		}
	}
	return n
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.id }

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// State returns the current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// OnShutdown registers a callback run during Stop, after draining. Callbacks
// run in registration order; errors are logged and do not stop later ones.
func (n *Node) OnShutdown(cb func(ctx context.Context) error) {
	if cb == nil {
		return
	}
	n.mu.Lock()
	n.callbacks = append(n.callbacks, cb)
	n.mu.Unlock()
}

// Start enters service mode: announce the node, subscribe the dispatcher,
// install signal handlers, and start the health monitor. Calling Start on a
// running node warns and returns nil.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state == Running {
		n.mu.Unlock()
		n.logger.Warn(ctx, "node already running", "node", n.id)
		return nil
	}
	if n.bus == nil && n.container != nil {
		if v, ok := n.container.TryResolve(ctx, BusInterface); ok {
			if b, ok := v.(bus.Bus); ok {
				n.bus = b
			}
		}
	}
	if n.bus == nil {
		n.mu.Unlock()
		return ErrBusNotAvailable
	}
	n.state = Starting
	n.shutdownRequested = false
	n.mu.Unlock()

	intro := bus.IntrospectionEvent{
		NodeID:   n.id,
		NodeName: n.name,
		Tools:    n.tools,
		Inputs:   n.inputs,
		Outputs:  n.outputs,
	}
	if err := n.bus.Publish(ctx, bus.TopicNodeIntrospection, intro); err != nil {
		n.setState(Idle)
		return err
	}

	sub, err := n.bus.Subscribe(bus.TopicToolInvocation, n.HandleToolInvocation)
	if err != nil {
		n.setState(Idle)
		return err
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go n.monitorHealth(healthCtx, done)

	n.mu.Lock()
	n.sub = sub
	n.healthCancel = cancel
	n.healthDone = done
	n.startTime = n.now()
	n.state = Running
	n.mu.Unlock()

	if n.handleSignals {
		n.installSignalHandler()
	}

	n.logger.Info(ctx, "node started", "node", n.id, "name", n.name, "tools", len(n.tools))
	return nil
}

// Stop leaves service mode: publish the shutdown notice, drain in-flight
// invocations up to the drain timeout, run shutdown callbacks, roll back
// active effect transactions, and unsubscribe. Stopping a node that is not
// running is a no-op.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state != Running {
		n.mu.Unlock()
		return nil
	}
	n.shutdownRequested = true
	n.state = Draining
	sub := n.sub
	cancel := n.healthCancel
	done := n.healthDone
	callbacks := append([]func(context.Context) error(nil), n.callbacks...)
	n.mu.Unlock()

	if err := n.bus.Publish(ctx, bus.TopicNodeShutdown, bus.ShutdownEvent{
		NodeID:   n.id,
		NodeName: n.name,
		Reason:   "shutdown requested",
	}); err != nil {
		n.logger.Warn(ctx, "shutdown notice failed", "node", n.id, "err", err.Error())
	}

	if cancel != nil {
		cancel()
		<-done
	}

	if !n.drain() {
		n.logger.Warn(ctx, "drain timeout, proceeding with shutdown", "node", n.id, "active", n.Health().ActiveInvocations)
	}

	for i, cb := range callbacks {
		if err := cb(ctx); err != nil {
			n.logger.Warn(ctx, "shutdown callback failed", "node", n.id, "callback", i, "err", err.Error())
		}
	}

	if n.executor != nil {
		if count := n.executor.RollbackActive(ctx); count > 0 {
			n.logger.Info(ctx, "rolled back active transactions", "node", n.id, "count", count)
		}
	}

	if sub != nil {
		if err := sub.Close(); err != nil {
			n.logger.Warn(ctx, "unsubscribe failed", "node", n.id, "err", err.Error())
		}
	}
	n.removeSignalHandler()

	n.mu.Lock()
	n.sub = nil
	n.state = Stopped
	n.mu.Unlock()
	n.logger.Info(ctx, "node stopped", "node", n.id)
	return nil
}

// Health returns the current health snapshot. Healthy means running and not
// shutting down.
func (n *Node) Health() Health {
	n.mu.Lock()
	defer n.mu.Unlock()
	status := "unhealthy"
	if n.state == Running && !n.shutdownRequested {
		status = "healthy"
	}
	var uptime float64
	if !n.startTime.IsZero() {
		uptime = n.now().Sub(n.startTime).Seconds()
	}
	rate := 1.0
	if n.total > 0 {
		rate = float64(n.successful) / float64(n.total)
	}
	return Health{
		Status:                status,
		UptimeSeconds:         uptime,
		ActiveInvocations:     len(n.active),
		TotalInvocations:      n.total,
		SuccessfulInvocations: n.successful,
		FailedInvocations:     n.failed,
		SuccessRate:           rate,
		NodeID:                n.id,
		NodeName:              n.name,
		ShutdownRequested:     n.shutdownRequested,
	}
}

// drain blocks until no invocations are active or the drain timeout expires.
// Reports whether the node drained fully.
func (n *Node) drain() bool {
	deadline := n.now().Add(n.drainTimeout)
	timer := time.AfterFunc(n.drainTimeout, func() {
		n.mu.Lock()
		n.drained.Broadcast()
		n.mu.Unlock()
	})
	defer timer.Stop()

	n.mu.Lock()
	defer n.mu.Unlock()
	for len(n.active) > 0 && n.now().Before(deadline) {
		n.drained.Wait()
	}
	return len(n.active) == 0
}

func (n *Node) monitorHealth(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(n.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := n.Health()
			n.metrics.RecordGauge("node.active_invocations", float64(h.ActiveInvocations), "node", n.id)
			n.logger.Debug(ctx, "node health", "node", n.id, "status", h.Status, "active", h.ActiveInvocations)
		}
	}
}

func (n *Node) installSignalHandler() {
	ch := make(chan os.Signal, 1)
	stopped := make(chan struct{})
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	n.mu.Lock()
	n.signalCh = ch
	n.signalDone = stopped
	n.mu.Unlock()
	go func() {
		defer close(stopped)
		sig, ok := <-ch
		if !ok {
			return
		}
		ctx := context.Background()
		n.logger.Info(ctx, "signal received, stopping node", "node", n.id, "signal", sig.String())
		if err := n.Stop(ctx); err != nil {
			n.logger.Error(ctx, "signal-triggered stop failed", "node", n.id, "err", err.Error())
		}
	}()
}

func (n *Node) removeSignalHandler() {
	n.mu.Lock()
	ch := n.signalCh
	n.signalCh = nil
	n.mu.Unlock()
	if ch != nil {
		signal.Stop(ch)
		close(ch)
	}
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}
