// Package registry implements the service registry: registration of node
// services behind stable interface names, resolution by interface or service
// name, lifecycle bookkeeping, and status reporting.
//
// The registry owns both registrations and their live instances; instances
// refer back to their registration by id only, never by pointer.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/nodekit/runtime/result"
	"goa.design/nodekit/runtime/telemetry"
)

// Lifecycle controls how instances are created and shared.
type Lifecycle string

const (
	// Singleton shares at most one live instance per scope.
	Singleton Lifecycle = "singleton"
	// Transient creates a fresh instance per resolution and caches none.
	// Unsupported in v1: resolving a transient registration returns a
	// not_implemented error.
	Transient Lifecycle = "transient"
	// Scoped shares one instance per injection scope.
	Scoped Lifecycle = "scoped"
)

// Scope identifies the injection scope an instance belongs to.
type Scope string

const (
	// ScopeGlobal is the process-wide scope.
	ScopeGlobal Scope = "global"
	// ScopeRequest scopes instances to a single request.
	ScopeRequest Scope = "request"
)

type (
	// Constructor builds a service instance. It is invoked at registration
	// time when eager instantiation is enabled.
	Constructor func(ctx context.Context) (any, error)

	// Disposable is implemented by instances that need teardown when their
	// registration is unregistered or their scope is disposed.
	Disposable interface {
		Dispose(ctx context.Context) error
	}

	// Registration describes a registered service.
	Registration struct {
		// ID is the stable registration identifier, unique per registry.
		ID string
		// Interface is the stable interface name the service is resolved by.
		Interface string
		// ServiceName is the human-readable name, unique per registry.
		ServiceName string
		// Lifecycle controls instance sharing.
		Lifecycle Lifecycle
		// Scope is the injection scope.
		Scope Scope
		// Tags are free-form discovery tags.
		Tags []string
		// Config is the free-form configuration map.
		Config map[string]any
		// CreatedAt is when the registration was created.
		CreatedAt time.Time
		// LastAccessedAt is updated on every resolution.
		LastAccessedAt time.Time
		// LastModifiedAt is updated when configuration changes.
		LastModifiedAt time.Time
		// AccessCount is the number of resolutions.
		AccessCount int64

		constructor Constructor
		instances   []*Instance
	}

	// Instance is a live service value owned by its registration.
	Instance struct {
		registrationID string
		value          any
		lifecycle      Lifecycle
		scope          Scope
		createdAt      time.Time
		lastAccessedAt time.Time
		disposed       bool
	}

	// ServiceOptions configures RegisterService.
	ServiceOptions struct {
		// Interface is the stable interface name. Required.
		Interface string
		// Name is the unique human-readable service name. Defaults to the
		// interface name when only one registration exists for it.
		Name string
		// Constructor builds the instance. Required for eager singletons.
		Constructor Constructor
		// Lifecycle defaults to Singleton.
		Lifecycle Lifecycle
		// Scope defaults to ScopeGlobal.
		Scope Scope
		// Config is stored on the registration.
		Config map[string]any
		// Tags are stored on the registration.
		Tags []string
	}

	// Registry stores registrations and resolves instances. All methods are
	// safe for concurrent use.
	Registry struct {
		mu sync.RWMutex

		id          string
		byID        map[string]*Registration
		byName      map[string]string   // service name -> registration id
		byInterface map[string][]string // interface -> registration ids, insertion order

		failedRegistrations int
		resolutionTotals    map[string]time.Duration
		resolutionCounts    map[string]int64
		lastUpdated         time.Time

		lazyLoading bool
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time
	}

	// Option configures a Registry.
	Option func(*Registry)
)

// WithLogger sets the registry logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the registry metrics recorder. Defaults to noop.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLazyLoading disables eager singleton instantiation at registration time.
func WithLazyLoading(lazy bool) Option {
	return func(r *Registry) { r.lazyLoading = lazy }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		id:               uuid.NewString(),
		byID:             make(map[string]*Registration),
		byName:           make(map[string]string),
		byInterface:      make(map[string][]string),
		resolutionTotals: make(map[string]time.Duration),
		resolutionCounts: make(map[string]int64),
		logger:           telemetry.NewNoopLogger(),
		metrics:          telemetry.NewNoopMetrics(),
		now:              time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	r.lastUpdated = r.now()
	return r
}

// ID returns the registry identifier.
func (r *Registry) ID() string { return r.id }

// RegisterService creates a registration for the given interface. When eager
// instantiation is enabled (the default) and the lifecycle is singleton, the
// constructor runs immediately and its instance is cached. Registration
// failures increment the failed-registration counter and are returned to the
// caller.
func (r *Registry) RegisterService(ctx context.Context, opts ServiceOptions) (string, error) {
	if opts.Interface == "" {
		return "", r.failRegistration(ctx, result.NewError(result.KindValidation, "interface name is required", ""))
	}
	if opts.Lifecycle == "" {
		opts.Lifecycle = Singleton
	}
	if opts.Scope == "" {
		opts.Scope = ScopeGlobal
	}
	name := opts.Name
	if name == "" {
		name = opts.Interface
	}

	r.mu.Lock()
	if _, dup := r.byName[name]; dup {
		r.mu.Unlock()
		return "", r.failRegistration(ctx, result.NewError(result.KindRegistryResolution,
			fmt.Sprintf("service name %q already registered", name), ""))
	}
	reg := &Registration{
		ID:             uuid.NewString(),
		Interface:      opts.Interface,
		ServiceName:    name,
		Lifecycle:      opts.Lifecycle,
		Scope:          opts.Scope,
		Tags:           opts.Tags,
		Config:         opts.Config,
		CreatedAt:      r.now(),
		LastModifiedAt: r.now(),
		constructor:    opts.Constructor,
	}
	r.byID[reg.ID] = reg
	r.byName[name] = reg.ID
	r.byInterface[opts.Interface] = append(r.byInterface[opts.Interface], reg.ID)
	r.lastUpdated = r.now()
	r.mu.Unlock()

	if !r.lazyLoading && opts.Lifecycle == Singleton && opts.Constructor != nil {
		value, err := opts.Constructor(ctx)
		if err != nil {
			// Roll the registration back so a failed eager construction does
			// not leave a dangling entry.
			r.removeRegistration(reg.ID)
			return "", r.failRegistration(ctx, result.NewError(result.KindRegistryResolution,
				fmt.Sprintf("construct %q: %v", name, err), ""))
		}
		r.attachInstance(reg.ID, value, opts.Scope)
	}

	r.logger.Debug(ctx, "service registered", "interface", opts.Interface, "name", name, "lifecycle", string(opts.Lifecycle))
	return reg.ID, nil
}

// RegisterInstance registers a pre-built instance. The registration is
// always a singleton and the instance is cached immediately.
func (r *Registry) RegisterInstance(ctx context.Context, iface string, instance any, scope Scope, metadata map[string]any) (string, error) {
	if iface == "" {
		return "", r.failRegistration(ctx, result.NewError(result.KindValidation, "interface name is required", ""))
	}
	if instance == nil {
		return "", r.failRegistration(ctx, result.NewError(result.KindValidation, "instance is required", ""))
	}
	if scope == "" {
		scope = ScopeGlobal
	}
	name := iface
	if n, ok := metadata["service_name"].(string); ok && n != "" {
		name = n
	}

	r.mu.Lock()
	if _, dup := r.byName[name]; dup {
		r.mu.Unlock()
		return "", r.failRegistration(ctx, result.NewError(result.KindRegistryResolution,
			fmt.Sprintf("service name %q already registered", name), ""))
	}
	now := r.now()
	reg := &Registration{
		ID:             uuid.NewString(),
		Interface:      iface,
		ServiceName:    name,
		Lifecycle:      Singleton,
		Scope:          scope,
		Config:         metadata,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	reg.instances = append(reg.instances, &Instance{
		registrationID: reg.ID,
		value:          instance,
		lifecycle:      Singleton,
		scope:          scope,
		createdAt:      now,
	})
	r.byID[reg.ID] = reg
	r.byName[name] = reg.ID
	r.byInterface[iface] = append(r.byInterface[iface], reg.ID)
	r.lastUpdated = now
	r.mu.Unlock()

	r.logger.Debug(ctx, "instance registered", "interface", iface, "name", name)
	return reg.ID, nil
}

// RegisterFactory is reserved for lazy construction support. It is not
// implemented in v1: the registry caches instances at registration time and
// Resolve never constructs.
func (r *Registry) RegisterFactory(context.Context, string, Constructor, Lifecycle, Scope) (string, error) {
	return "", result.NewError(result.KindNotImplemented, "factory registrations are not supported", "")
}

// Unregister disposes all instances of the registration and removes it from
// the interface and name indexes. It reports whether the registration existed.
func (r *Registry) Unregister(ctx context.Context, registrationID string) bool {
	r.mu.Lock()
	reg, ok := r.byID[registrationID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	instances := reg.instances
	reg.instances = nil
	r.mu.Unlock()

	for _, inst := range instances {
		r.disposeInstance(ctx, inst)
	}
	r.removeRegistration(registrationID)
	r.logger.Debug(ctx, "service unregistered", "name", reg.ServiceName)
	return true
}

// Resolve returns an instance for the first registration of the interface.
// Resolution marks access (timestamp and counter) and records the
// per-interface resolution time. Singletons return their cached instance;
// a singleton with no cached instance fails because lazy construction is not
// supported; transients fail with not_implemented.
func (r *Registry) Resolve(ctx context.Context, iface string) (any, error) {
	start := r.now()
	r.mu.Lock()
	ids := r.byInterface[iface]
	if len(ids) == 0 {
		r.mu.Unlock()
		return nil, result.NewError(result.KindRegistryResolution,
			fmt.Sprintf("no registrations for interface %q", iface), "")
	}
	reg := r.byID[ids[0]]
	value, err := r.resolveLocked(reg)
	r.recordResolutionLocked(iface, r.now().Sub(start))
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r.metrics.RecordTimer("registry.resolve", r.now().Sub(start), "interface", iface)
	return value, nil
}

// ResolveNamed resolves a specific registration of the interface by service
// name.
func (r *Registry) ResolveNamed(ctx context.Context, iface, name string) (any, error) {
	start := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, result.NewError(result.KindRegistryResolution,
			fmt.Sprintf("no registration named %q", name), "")
	}
	reg := r.byID[id]
	if reg.Interface != iface {
		return nil, result.NewError(result.KindRegistryResolution,
			fmt.Sprintf("registration %q implements %q, not %q", name, reg.Interface, iface), "")
	}
	value, err := r.resolveLocked(reg)
	r.recordResolutionLocked(iface, r.now().Sub(start))
	return value, err
}

// ResolveAll resolves every registration of the interface, in insertion
// order. Registrations that cannot be resolved are skipped.
func (r *Registry) ResolveAll(ctx context.Context, iface string) ([]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byInterface[iface]
	if len(ids) == 0 {
		return nil, result.NewError(result.KindRegistryResolution,
			fmt.Sprintf("no registrations for interface %q", iface), "")
	}
	var out []any
	for _, id := range ids {
		value, err := r.resolveLocked(r.byID[id])
		if err != nil {
			continue
		}
		out = append(out, value)
	}
	return out, nil
}

// TryResolve resolves the interface, reporting false instead of an error
// when resolution fails.
func (r *Registry) TryResolve(ctx context.Context, iface string) (any, bool) {
	value, err := r.Resolve(ctx, iface)
	if err != nil {
		return nil, false
	}
	return value, true
}

// UpdateConfig replaces the configuration of a registration and bumps its
// last-modified timestamp.
func (r *Registry) UpdateConfig(registrationID string, config map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[registrationID]
	if !ok {
		return result.NewError(result.KindRegistryResolution,
			fmt.Sprintf("unknown registration %q", registrationID), "")
	}
	reg.Config = config
	reg.LastModifiedAt = r.now()
	r.lastUpdated = reg.LastModifiedAt
	return nil
}

// DisposeInstances calls Dispose on every instance of the registration that
// matches the scope (all instances when scope is empty), drops them from the
// instance list, and returns the number disposed.
func (r *Registry) DisposeInstances(ctx context.Context, registrationID string, scope Scope) int {
	r.mu.Lock()
	reg, ok := r.byID[registrationID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	var keep, drop []*Instance
	for _, inst := range reg.instances {
		if scope == "" || inst.scope == scope {
			drop = append(drop, inst)
		} else {
			keep = append(keep, inst)
		}
	}
	reg.instances = keep
	r.lastUpdated = r.now()
	r.mu.Unlock()

	for _, inst := range drop {
		r.disposeInstance(ctx, inst)
	}
	return len(drop)
}

// Registration returns a copy of the registration metadata, if present.
func (r *Registry) Registration(registrationID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[registrationID]
	if !ok {
		return Registration{}, false
	}
	cp := *reg
	cp.constructor = nil
	cp.instances = nil
	return cp, true
}

// resolveLocked returns an instance value for the registration. Caller holds
// the write lock.
func (r *Registry) resolveLocked(reg *Registration) (any, error) {
	reg.LastAccessedAt = r.now()
	reg.AccessCount++

	switch reg.Lifecycle {
	case Transient:
		return nil, result.NewError(result.KindNotImplemented,
			"transient lifecycle requires factory support", "")
	case Singleton, Scoped:
		for _, inst := range reg.instances {
			if inst.disposed {
				continue
			}
			inst.lastAccessedAt = reg.LastAccessedAt
			return inst.value, nil
		}
		return nil, result.NewError(result.KindRegistryResolution,
			fmt.Sprintf("no live instance for %q and lazy construction is not supported", reg.ServiceName), "")
	default:
		return nil, result.NewError(result.KindRegistryResolution,
			fmt.Sprintf("unknown lifecycle %q", reg.Lifecycle), "")
	}
}

func (r *Registry) attachInstance(registrationID string, value any, scope Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[registrationID]
	if !ok {
		return
	}
	reg.instances = append(reg.instances, &Instance{
		registrationID: registrationID,
		value:          value,
		lifecycle:      reg.Lifecycle,
		scope:          scope,
		createdAt:      r.now(),
	})
}

func (r *Registry) removeRegistration(registrationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[registrationID]
	if !ok {
		return
	}
	delete(r.byID, registrationID)
	delete(r.byName, reg.ServiceName)
	ids := r.byInterface[reg.Interface]
	for i, id := range ids {
		if id == registrationID {
			r.byInterface[reg.Interface] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byInterface[reg.Interface]) == 0 {
		delete(r.byInterface, reg.Interface)
	}
	r.lastUpdated = r.now()
}

func (r *Registry) disposeInstance(ctx context.Context, inst *Instance) {
	r.mu.Lock()
	if inst.disposed {
		r.mu.Unlock()
		return
	}
	inst.disposed = true
	value := inst.value
	r.mu.Unlock()

	if d, ok := value.(Disposable); ok {
		if err := d.Dispose(ctx); err != nil {
			r.logger.Warn(ctx, "instance dispose failed", "registration", inst.registrationID, "err", err.Error())
		}
	}
}

func (r *Registry) failRegistration(ctx context.Context, err *result.Error) error {
	r.mu.Lock()
	r.failedRegistrations++
	r.lastUpdated = r.now()
	r.mu.Unlock()
	r.metrics.IncCounter("registry.registration_failures", 1)
	r.logger.Error(ctx, "registration failed", "err", err.Error())
	return err
}

func (r *Registry) recordResolutionLocked(iface string, d time.Duration) {
	r.resolutionTotals[iface] += d
	r.resolutionCounts[iface]++
}
