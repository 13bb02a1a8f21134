package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cortexhub/cortex/pkg/models"
)

// ErrNoHealthyUpstream is returned by Resolve when no entry for the
// requested served name (and task) is currently usable.
var ErrNoHealthyUpstream = errors.New("no healthy upstream")

// entry is the registry's internal record for one upstream. Mutable
// probe and selection state is guarded by the registry mutex; published
// snapshots are copies.
type entry struct {
	models.RegistryEntry
	breaker      *gobreaker.CircuitBreaker
	lastSelected time.Time
}

func entryKey(servedName, url string) string { return servedName + "|" + url }

// Registry maps served model names to upstream URLs and tracks health.
// Snapshot serves reads from an immutable published slice so the status
// endpoints never contend with the poller.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	snapshot atomic.Value // []models.RegistryEntry

	breakerThreshold uint32
	breakerCooldown  time.Duration
	freshnessTTL     time.Duration

	rr    map[string]uint64 // per served-name round-robin cursor
	nowFn func() time.Time
}

func New(breakerThreshold int, breakerCooldown, freshnessTTL time.Duration) *Registry {
	r := &Registry{
		entries:          make(map[string]*entry),
		breakerThreshold: uint32(breakerThreshold),
		breakerCooldown:  breakerCooldown,
		freshnessTTL:     freshnessTTL,
		rr:               make(map[string]uint64),
		nowFn:            time.Now,
	}
	r.snapshot.Store([]models.RegistryEntry{})
	return r
}

func (r *Registry) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: r.breakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= r.breakerThreshold
		},
	})
}

// Register adds or replaces the entry for (served name, URL) and
// republishes. Re-registering the same URL keeps its breaker history.
func (r *Registry) Register(e models.RegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := entryKey(e.ServedName, e.UpstreamURL)
	ent := &entry{RegistryEntry: e}
	if prev, ok := r.entries[k]; ok {
		ent.breaker = prev.breaker
		ent.lastSelected = prev.lastSelected
	} else {
		ent.breaker = r.newBreaker(k)
	}
	r.entries[k] = ent
	r.publishLocked()
}

// Deregister removes all entries belonging to the managed model id.
func (r *Registry) Deregister(modelID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		if e.ModelID == modelID {
			delete(r.entries, k)
		}
	}
	r.publishLocked()
}

// HasName reports whether any entry, healthy or not, carries the served
// name. Distinguishes "unknown model" from "known but unavailable".
func (r *Registry) HasName(servedName string) bool {
	for _, e := range r.Snapshot() {
		if e.ServedName == servedName {
			return true
		}
	}
	return false
}

// Snapshot returns the published entry list. The slice is shared and
// must not be mutated by callers.
func (r *Registry) Snapshot() []models.RegistryEntry {
	return r.snapshot.Load().([]models.RegistryEntry)
}

// Resolve picks a usable upstream for the served name. Among candidates
// it prefers the least recently selected; ties break round-robin. The
// task hint, when non-empty, restricts the pool.
func (r *Registry) Resolve(servedName string, task models.Task) (models.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	var candidates []*entry
	for _, e := range r.entries {
		if e.ServedName != servedName {
			continue
		}
		if task != "" && e.Task != task {
			continue
		}
		if !r.usableLocked(e, now) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return models.RegistryEntry{}, ErrNoHealthyUpstream
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].lastSelected.Equal(candidates[j].lastSelected) {
			return candidates[i].UpstreamURL < candidates[j].UpstreamURL
		}
		return candidates[i].lastSelected.Before(candidates[j].lastSelected)
	})

	picked := candidates[0]
	ties := 1
	for ties < len(candidates) && candidates[ties].lastSelected.Equal(picked.lastSelected) {
		ties++
	}
	if ties > 1 {
		n := r.rr[servedName]
		r.rr[servedName] = n + 1
		picked = candidates[int(n%uint64(ties))]
	}

	picked.lastSelected = now
	return picked.RegistryEntry, nil
}

func (r *Registry) usableLocked(e *entry, now time.Time) bool {
	switch e.breaker.State() {
	case gobreaker.StateOpen:
		return false
	case gobreaker.StateHalfOpen:
		// The next probe decides; keep the entry out of rotation.
		return false
	}
	if !e.Health.OK {
		return false
	}
	if r.freshnessTTL > 0 && now.Sub(e.Health.LastCheckAt) > r.freshnessTTL {
		return false
	}
	return true
}

// ReportProbe records a probe outcome for the upstream and republishes.
func (r *Registry) ReportProbe(servedName, url string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, found := r.entries[entryKey(servedName, url)]
	if !found {
		return
	}
	// The breaker is driven by probe results so that cooldown and
	// half-open transitions follow its clock, not ours.
	_, _ = ent.breaker.Execute(func() (interface{}, error) {
		if ok {
			return nil, nil
		}
		return nil, errors.New("probe failed")
	})

	ent.Health.LastCheckAt = r.nowFn()
	if ok {
		ent.Health.OK = true
		ent.Health.ConsecutiveFailures = 0
	} else {
		ent.Health.ConsecutiveFailures++
		if ent.Health.ConsecutiveFailures >= int(r.breakerThreshold) {
			ent.Health.OK = false
		}
	}
	ent.Health.BreakerState = breakerState(ent.breaker.State())
	r.publishLocked()
}

// BreakerAllows reports whether the upstream's breaker currently permits
// a probe. Open breakers block probing until the cooldown elapses, at
// which point gobreaker moves to half-open and one probe is let through.
func (r *Registry) BreakerAllows(servedName, url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.entries[entryKey(servedName, url)]
	if !ok {
		return false
	}
	return ent.breaker.State() != gobreaker.StateOpen
}

func breakerState(s gobreaker.State) models.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return models.BreakerOpen
	case gobreaker.StateHalfOpen:
		return models.BreakerHalfOpen
	default:
		return models.BreakerClosed
	}
}

func (r *Registry) publishLocked() {
	out := make([]models.RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		re := e.RegistryEntry
		re.Health.BreakerState = breakerState(e.breaker.State())
		out = append(out, re)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServedName == out[j].ServedName {
			return out[i].UpstreamURL < out[j].UpstreamURL
		}
		return out[i].ServedName < out[j].ServedName
	})
	r.snapshot.Store(out)
}
