// Package keypool holds per-service credential pools: health checking,
// rotation, rate-limit lockout, and usage accounting for the upstream API
// keys fronted by the proxy.
//
// Selection generalizes a single-dimension strategy selector into a
// multi-criterion order: not-rate-limited, then least-recently-limited,
// then least-recently-used, with an OpenAI-only trial-key tiebreak.
// Keys are persisted asynchronously from a panic-recovering goroutine so a
// slow store never stalls the hot path.
package keypool

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/llmgate/types"
)

// KEY_REUSE_DELAY throttles immediate reuse of a just-returned key before
// the upstream call has had a chance to respond.
const KeyReuseDelay = 500 * time.Millisecond

// serviceLockout is the default lockout duration applied by MarkRateLimited
// when the upstream didn't supply a more precise reset time via
// UpdateRateLimits.
var serviceLockout = map[types.Service]time.Duration{
	types.ServiceAnthropic: 2 * time.Second,
	types.ServiceAWS:       2 * time.Second,
	types.ServiceOpenAI:    10 * time.Second,
	types.ServiceGoogleAI:  2 * time.Second,
	types.ServiceMistralAI: 2 * time.Second,
	types.ServiceAzure:     2 * time.Second,
}

// Persister is the narrow interface the pool uses to durably mirror
// in-memory key mutations. A nil Persister is valid — the pool then
// operates purely in memory, which is exactly what unit tests want.
type Persister interface {
	// SaveKey persists the full current state of k. Called from a
	// panic-recovering goroutine so a slow or failing store never stalls
	// the hot Get path.
	SaveKey(k *types.Key)
}

// Pool is a single service's key pool: the exclusive owner of Key
// mutation for that service. All other components must go through List
// for read access, which returns redacted copies.
type Pool struct {
	mu      sync.RWMutex
	service types.Service
	keys    []*types.Key
	persist Persister
	logger  *zap.Logger
	rng     *rand.Rand
}

// New constructs an empty Pool for service. Keys are added via LoadKeys or
// Add.
func New(service types.Service, persist Persister, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		service: service,
		persist: persist,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Add registers a key with the pool. Used both by LoadKeys (bulk, at
// startup) and by the credential-envelope parser for a single new key.
func (p *Pool) Add(k *types.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, k)
}

// Service returns the service this pool serves.
func (p *Pool) Service() types.Service {
	return p.service
}

// Get returns a usable key for model, or types.NoKeysAvailable if none
// qualifies. Selection algorithm:
//  1. filter to !IsDisabled keys supporting the resolved family
//  2. prefer keys not currently rate-limited; among rate-limited, the
//     least-recently limited
//  3. among remaining candidates, the least-recently used
//  4. for OpenAI only, prefer trial keys among equals
//
// The returned key has LastUsed set to now and RateLimitedUntil bumped by
// KeyReuseDelay to throttle a burst of requests all landing on the same
// key before the first response comes back.
func (p *Pool) Get(model string) (*types.Key, error) {
	family, ok := types.ResolveModelFamily(model)
	if !ok {
		return nil, types.NoKeysAvailable(string(p.service)).WithCause(errUnresolvedModel(model))
	}
	return p.GetFamily(family)
}

// GetFamily is Get with an already-resolved ModelFamily, used by the
// aggregate facade once it has dispatched on the family -> service map.
func (p *Pool) GetFamily(family types.ModelFamily) (*types.Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	candidates := make([]*types.Key, 0, len(p.keys))
	for _, k := range p.keys {
		if !k.IsHealthy() {
			continue
		}
		if !k.SupportsFamily(family) {
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 {
		return nil, types.NoKeysAvailable(string(p.service))
	}

	selected := selectBest(candidates, now, p.service)
	if selected == nil {
		return nil, types.NoKeysAvailable(string(p.service))
	}

	selected.LastUsed = now
	selected.RateLimitedUntil = maxTime(selected.RateLimitedUntil, now.Add(KeyReuseDelay))
	p.persistAsync(selected)
	return selected, nil
}

// selectBest implements the tiered selection order over an already
// family-filtered, healthy candidate list.
func selectBest(candidates []*types.Key, now time.Time, service types.Service) *types.Key {
	var notLimited, limited []*types.Key
	for _, k := range candidates {
		if k.IsRateLimited(now) {
			limited = append(limited, k)
		} else {
			notLimited = append(notLimited, k)
		}
	}

	pool := notLimited
	usingLimited := false
	if len(pool) == 0 {
		pool = limited
		usingLimited = true
	}
	if len(pool) == 0 {
		return nil
	}

	if usingLimited {
		sort.Slice(pool, func(i, j int) bool {
			return pool[i].RateLimitedAt.Before(pool[j].RateLimitedAt)
		})
		return pool[0]
	}

	sort.Slice(pool, func(i, j int) bool {
		return pool[i].LastUsed.Before(pool[j].LastUsed)
	})

	if service == types.ServiceOpenAI {
		// Among the least-recently-used tier, prefer trial keys: they carry
		// separate free quota, so spending them first conserves paid budget.
		leastUsed := pool[0].LastUsed
		var trial *types.Key
		for _, k := range pool {
			if !k.LastUsed.Equal(leastUsed) {
				break
			}
			if k.OpenAI.IsTrial {
				trial = k
				break
			}
		}
		if trial != nil {
			return trial
		}
	}

	return pool[0]
}

// Disable marks a key disabled for reason. Idempotent. For quota-disabled
// OpenAI keys, Usage is pinned to HardLimit so aggregate usage stats stay
// consistent with a key that can no longer accrue usage.
func (p *Pool) Disable(hash string, reason types.DisableReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		return ErrKeyNotFound
	}
	if k.IsDisabled && k.Reason == reason {
		return nil
	}
	k.IsDisabled = true
	k.Reason = reason
	if reason == types.DisableRevoked {
		k.IsRevoked = true
	}
	if reason == types.DisableQuota && p.service == types.ServiceOpenAI {
		k.OpenAI.Usage = k.OpenAI.HardLimit
	}
	p.logger.Info("key disabled", zap.String("hash", hash), zap.String("reason", string(reason)))
	p.persistAsync(k)
	return nil
}

// MarkRateLimited sets RateLimitedAt to now and RateLimitedUntil to
// now+lockout, where lockout is the service's default; a later reset time
// already set by a prior call to UpdateRateLimits is kept.
func (p *Pool) MarkRateLimited(hash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		return ErrKeyNotFound
	}
	now := time.Now()
	k.RateLimitedAt = now
	lockout := serviceLockout[p.service]
	if lockout == 0 {
		lockout = 2 * time.Second
	}
	if until := now.Add(lockout); until.After(k.RateLimitedUntil) {
		k.RateLimitedUntil = until
	}
	p.persistAsync(k)
	return nil
}

// UpdateRateLimits adjusts a key's lockout window from upstream rate-limit
// headers (e.g. OpenAI's X-RateLimit-Reset-Requests/-Tokens), overriding
// the service-default lockout MarkRateLimited would otherwise apply.
func (p *Pool) UpdateRateLimits(hash string, resetAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		return ErrKeyNotFound
	}
	now := time.Now()
	k.RateLimitedAt = now
	if resetAt.After(now) {
		k.RateLimitedUntil = resetAt
	} else {
		k.RateLimitedUntil = now
	}
	p.persistAsync(k)
	return nil
}

// IncrementUsage records tokens used for family against hash. For OpenAI
// keys that cross their hard limit as a result, the key is auto-disabled
// for quota.
func (p *Pool) IncrementUsage(hash string, family types.ModelFamily, tokens int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(hash)
	if k == nil {
		return ErrKeyNotFound
	}
	k.PromptCount++
	k.TokensUsed[family] += int64(tokens)

	if p.service == types.ServiceOpenAI {
		k.OpenAI.Usage += estimateCost(tokens)
		if k.OpenAI.HardLimit > 0 && k.OpenAI.Usage >= k.OpenAI.HardLimit {
			k.IsDisabled = true
			k.Reason = types.DisableQuota
		}
	}
	p.persistAsync(k)
	return nil
}

// estimateCost is a coarse per-token USD estimate used only to decide when
// an OpenAI key has crossed its own hard spending limit; actual billing is
// computed by OpenAI, not by the proxy.
func estimateCost(tokens int) float64 {
	return float64(tokens) / 1000 * 0.002
}

// GetLockoutPeriod returns 0 if a matching, non-rate-limited key exists for
// model right now; otherwise the minimum remaining lockout among matching
// keys. The queue sleeps on this value.
func (p *Pool) GetLockoutPeriod(model string) (time.Duration, error) {
	family, ok := types.ResolveModelFamily(model)
	if !ok {
		return 0, types.NoKeysAvailable(string(p.service))
	}
	return p.GetLockoutPeriodFamily(family)
}

// GetLockoutPeriodFamily is GetLockoutPeriod with an already-resolved family.
func (p *Pool) GetLockoutPeriodFamily(family types.ModelFamily) (time.Duration, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var minRemaining time.Duration = -1
	any := false
	for _, k := range p.keys {
		if !k.IsHealthy() || !k.SupportsFamily(family) {
			continue
		}
		any = true
		if !k.IsRateLimited(now) {
			return 0, nil
		}
		remaining := k.RateLimitedUntil.Sub(now)
		if minRemaining < 0 || remaining < minRemaining {
			minRemaining = remaining
		}
	}
	if !any {
		return 0, types.NoKeysAvailable(string(p.service))
	}
	if minRemaining < 0 {
		return 0, nil
	}
	return minRemaining, nil
}

// Available counts healthy, non-rate-limited keys supporting model.
func (p *Pool) Available(model string) int {
	family, ok := types.ResolveModelFamily(model)
	if !ok {
		return 0
	}
	return p.AvailableFamily(family)
}

// AvailableFamily is Available with an already-resolved family, used by the
// metrics collector's periodic poll which only ever has a ModelFamily, never
// a representative model string.
func (p *Pool) AvailableFamily(family types.ModelFamily) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, k := range p.keys {
		if k.IsHealthy() && k.SupportsFamily(family) && !k.IsRateLimited(now) {
			n++
		}
	}
	return n
}

// List returns redacted copies of every key in the pool.
func (p *Pool) List() []*types.Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.Key, len(p.keys))
	for i, k := range p.keys {
		out[i] = k.Redacted()
	}
	return out
}

// AnyUnchecked reports whether at least one key has never been probed.
func (p *Pool) AnyUnchecked() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, k := range p.keys {
		if k.LastChecked.IsZero() {
			return true
		}
	}
	return false
}

// Recheck resets LastChecked on every key so the checker re-probes them on
// its next scheduling pass.
func (p *Pool) Recheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		k.LastChecked = time.Time{}
	}
}

// Snapshot returns the live (non-redacted) key slice for the checker's use;
// callers must not retain the returned keys past their own probe cycle
// without locking, since Pool may mutate them concurrently.
func (p *Pool) Snapshot() []*types.Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.Key, len(p.keys))
	copy(out, p.keys)
	return out
}

// UpdateKey applies a mutation callback to the key identified by hash
// while holding the pool's write lock, then persists it — this is the
// update-callback indirection that lets the key checker mutate keys
// without holding a direct reference into the pool's internals.
func (p *Pool) UpdateKey(hash string, mutate func(*types.Key)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.find(hash)
	if k == nil {
		return ErrKeyNotFound
	}
	mutate(k)
	p.persistAsync(k)
	return nil
}

// Has reports whether hash identifies a key owned by this pool.
func (p *Pool) Has(hash string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.find(hash) != nil
}

func (p *Pool) find(hash string) *types.Key {
	for _, k := range p.keys {
		if k.Hash == hash {
			return k
		}
	}
	return nil
}

func (p *Pool) persistAsync(k *types.Key) {
	if p.persist == nil {
		return
	}
	snapshot := *k
	go func(s types.Key) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("panic persisting key", zap.String("hash", s.Hash), zap.Any("panic", r))
			}
		}()
		p.persist.SaveKey(&s)
	}(snapshot)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

type unresolvedModelErr struct{ model string }

func (e unresolvedModelErr) Error() string { return "unresolved model family: " + e.model }

func errUnresolvedModel(model string) error { return unresolvedModelErr{model: model} }
