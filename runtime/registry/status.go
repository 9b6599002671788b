package registry

import "time"

type (
	// Status is a point-in-time snapshot of registry health and bookkeeping.
	Status struct {
		// RegistryID identifies the registry.
		RegistryID string
		// State is "pending" before any registration, "failed" when any
		// registration has failed, and "success" otherwise.
		State string
		// RegistrationCount is the number of live registrations.
		RegistrationCount int
		// ActiveInstances counts non-disposed instances across registrations.
		ActiveInstances int
		// FailedRegistrations counts registration attempts that errored.
		FailedRegistrations int
		// LifecycleDistribution counts registrations per lifecycle.
		LifecycleDistribution map[Lifecycle]int
		// ScopeDistribution counts registrations per scope.
		ScopeDistribution map[Scope]int
		// HealthDistribution counts registrations by instance health:
		// "active" when the registration has a live instance, "empty" otherwise.
		HealthDistribution map[string]int
		// AvgResolutionTimeMs averages resolution times across interfaces.
		AvgResolutionTimeMs float64
		// LastUpdated is when the registry state last changed.
		LastUpdated time.Time
	}
)

// Status returns a snapshot of the registry. The state policy: "pending"
// when the registry has no registrations and no failures, "failed" when any
// registration attempt has failed, "success" otherwise.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Status{
		RegistryID:            r.id,
		RegistrationCount:     len(r.byID),
		FailedRegistrations:   r.failedRegistrations,
		LifecycleDistribution: make(map[Lifecycle]int),
		ScopeDistribution:     make(map[Scope]int),
		HealthDistribution:    make(map[string]int),
		LastUpdated:           r.lastUpdated,
	}

	for _, reg := range r.byID {
		s.LifecycleDistribution[reg.Lifecycle]++
		s.ScopeDistribution[reg.Scope]++
		live := 0
		for _, inst := range reg.instances {
			if !inst.disposed {
				live++
			}
		}
		s.ActiveInstances += live
		if live > 0 {
			s.HealthDistribution["active"]++
		} else {
			s.HealthDistribution["empty"]++
		}
	}

	var total time.Duration
	var count int64
	for iface, d := range r.resolutionTotals {
		total += d
		count += r.resolutionCounts[iface]
	}
	if count > 0 {
		s.AvgResolutionTimeMs = float64(total.Microseconds()) / float64(count) / 1000.0
	}

	switch {
	case r.failedRegistrations > 0:
		s.State = "failed"
	case len(r.byID) == 0:
		s.State = "pending"
	default:
		s.State = "success"
	}
	return s
}
