package keypool

import (
	"sync"
	"time"

	"github.com/relaymesh/llmgate/types"
)

// Aggregate fans a single logical key-pool surface out across one Pool per
// upstream service, dispatching on the model family's fixed service
// mapping. Keys are split along the service boundary since a key
// belongs to exactly one Service and is never shared across providers.
type Aggregate struct {
	mu    sync.RWMutex
	pools map[types.Service]*Pool
}

// NewAggregate builds an empty aggregate; pools are registered with
// Register as each service's keys are loaded at startup.
func NewAggregate() *Aggregate {
	return &Aggregate{pools: make(map[types.Service]*Pool)}
}

// Register attaches a fully-loaded per-service Pool.
func (a *Aggregate) Register(p *Pool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[p.Service()] = p
}

// Pool returns the per-service pool, or false if none is registered.
func (a *Aggregate) Pool(service types.Service) (*Pool, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.pools[service]
	return p, ok
}

// Get resolves model to a family, routes to that family's service pool,
// and returns a key from it.
func (a *Aggregate) Get(model string) (*types.Key, error) {
	family, ok := types.ResolveModelFamily(model)
	if !ok {
		return nil, errUnresolvedModel(model)
	}
	return a.GetFamily(family)
}

// GetFamily routes directly on an already-resolved family.
func (a *Aggregate) GetFamily(family types.ModelFamily) (*types.Key, error) {
	service, ok := types.ServiceForFamily(family)
	if !ok {
		return nil, types.NoKeysAvailable(string(service))
	}
	a.mu.RLock()
	p, ok := a.pools[service]
	a.mu.RUnlock()
	if !ok {
		return nil, types.NoKeysAvailable(string(service))
	}
	return p.GetFamily(family)
}

// GetLockoutPeriod routes to the owning service's pool.
func (a *Aggregate) GetLockoutPeriod(model string) (time.Duration, error) {
	family, ok := types.ResolveModelFamily(model)
	if !ok {
		return 0, errUnresolvedModel(model)
	}
	service, ok := types.ServiceForFamily(family)
	if !ok {
		return 0, types.NoKeysAvailable(string(service))
	}
	a.mu.RLock()
	p, ok := a.pools[service]
	a.mu.RUnlock()
	if !ok {
		return 0, types.NoKeysAvailable(string(service))
	}
	return p.GetLockoutPeriodFamily(family)
}

// GetLockoutPeriodFamily is GetLockoutPeriod with an already-resolved
// family, used by the request queue's dispatch loop which only ever knows
// the partition (ModelFamily), never a representative model string.
func (a *Aggregate) GetLockoutPeriodFamily(family types.ModelFamily) (time.Duration, error) {
	service, ok := types.ServiceForFamily(family)
	if !ok {
		return 0, types.NoKeysAvailable(string(service))
	}
	a.mu.RLock()
	p, ok := a.pools[service]
	a.mu.RUnlock()
	if !ok {
		return 0, types.NoKeysAvailable(string(service))
	}
	return p.GetLockoutPeriodFamily(family)
}

// Services lists every service with a registered pool, for the key
// checker to iterate at startup.
func (a *Aggregate) Services() []types.Service {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.Service, 0, len(a.pools))
	for s := range a.pools {
		out = append(out, s)
	}
	return out
}

// ownerOf finds the pool owning the key identified by hash. Called off the
// hot path (error/rate-limit handling), so a linear scan across the small
// (≤6) set of per-service pools is cheap enough to avoid maintaining a
// second hash->service index.
func (a *Aggregate) ownerOf(hash string) (*Pool, bool) {
	a.mu.RLock()
	pools := make([]*Pool, 0, len(a.pools))
	for _, p := range a.pools {
		pools = append(pools, p)
	}
	a.mu.RUnlock()
	for _, p := range pools {
		if p.Has(hash) {
			return p, true
		}
	}
	return nil, false
}

// Disable routes to the owning pool's Disable.
func (a *Aggregate) Disable(hash string, reason types.DisableReason) error {
	p, ok := a.ownerOf(hash)
	if !ok {
		return ErrKeyNotFound
	}
	return p.Disable(hash, reason)
}

// MarkRateLimited routes to the owning pool's MarkRateLimited.
func (a *Aggregate) MarkRateLimited(hash string) error {
	p, ok := a.ownerOf(hash)
	if !ok {
		return ErrKeyNotFound
	}
	return p.MarkRateLimited(hash)
}

// UpdateRateLimits routes to the owning pool's UpdateRateLimits.
func (a *Aggregate) UpdateRateLimits(hash string, resetAt time.Time) error {
	p, ok := a.ownerOf(hash)
	if !ok {
		return ErrKeyNotFound
	}
	return p.UpdateRateLimits(hash, resetAt)
}

// IncrementUsage routes to the owning pool's IncrementUsage.
func (a *Aggregate) IncrementUsage(hash string, family types.ModelFamily, tokens int) error {
	p, ok := a.ownerOf(hash)
	if !ok {
		return ErrKeyNotFound
	}
	return p.IncrementUsage(hash, family, tokens)
}

// UpdateKey routes to the owning pool's UpdateKey.
func (a *Aggregate) UpdateKey(hash string, mutate func(*types.Key)) error {
	p, ok := a.ownerOf(hash)
	if !ok {
		return ErrKeyNotFound
	}
	return p.UpdateKey(hash, mutate)
}

// Available counts usable keys for model across whichever service owns it.
func (a *Aggregate) Available(model string) int {
	family, ok := types.ResolveModelFamily(model)
	if !ok {
		return 0
	}
	service, ok := types.ServiceForFamily(family)
	if !ok {
		return 0
	}
	a.mu.RLock()
	p, ok := a.pools[service]
	a.mu.RUnlock()
	if !ok {
		return 0
	}
	return p.Available(model)
}

// AvailableFamily counts usable keys for family across whichever service
// owns it.
func (a *Aggregate) AvailableFamily(family types.ModelFamily) int {
	service, ok := types.ServiceForFamily(family)
	if !ok {
		return 0
	}
	a.mu.RLock()
	p, ok := a.pools[service]
	a.mu.RUnlock()
	if !ok {
		return 0
	}
	return p.AvailableFamily(family)
}

// List returns redacted copies of every key across every registered pool.
func (a *Aggregate) List() []*types.Key {
	a.mu.RLock()
	pools := make([]*Pool, 0, len(a.pools))
	for _, p := range a.pools {
		pools = append(pools, p)
	}
	a.mu.RUnlock()
	var out []*types.Key
	for _, p := range pools {
		out = append(out, p.List()...)
	}
	return out
}

// AnyUnchecked reports whether any registered pool still has keys awaiting
// their first probe.
func (a *Aggregate) AnyUnchecked() bool {
	a.mu.RLock()
	pools := make([]*Pool, 0, len(a.pools))
	for _, p := range a.pools {
		pools = append(pools, p)
	}
	a.mu.RUnlock()
	for _, p := range pools {
		if p.AnyUnchecked() {
			return true
		}
	}
	return false
}

// Recheck resets lastChecked on every key of service so the checker
// re-probes it.
func (a *Aggregate) Recheck(service types.Service) {
	a.mu.RLock()
	p, ok := a.pools[service]
	a.mu.RUnlock()
	if ok {
		p.Recheck()
	}
}
