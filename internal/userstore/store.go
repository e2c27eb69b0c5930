package userstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/llmgate/types"
)

// Persister is the narrow interface the store uses to durably mirror
// in-memory user mutations. A nil Persister is valid — the store then
// operates purely in memory, which is what unit tests want.
type Persister interface {
	// SaveUsers persists the full current state of every user in batch.
	// Called from the store's own flush loop, never from the request path.
	SaveUsers(users []*types.User)
}

// Store is the process-wide, exclusive owner of User mutation. All reads
// from other components (the preprocessor chain's applyQuotaLimits stage)
// go through Get, which returns the live pointer's frozen field values are
// safe to read under the store's lock discipline — callers must not mutate
// the returned *types.User directly.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*types.User // token -> user
	dirty   map[string]struct{}
	persist Persister
	logger  *zap.Logger

	maxIPsPerUser int
	maxIPsAutoBan bool

	stop chan struct{}
	done chan struct{}
}

// Config carries the gatekeeper tunables the store enforces on every
// authentication call.
type Config struct {
	MaxIPsPerUser int
	MaxIPsAutoBan bool
}

// New constructs an empty Store. Load users into it via Add or LoadUsers
// before serving traffic.
func New(cfg Config, persist Persister, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		users:         make(map[string]*types.User),
		dirty:         make(map[string]struct{}),
		persist:       persist,
		logger:        logger,
		maxIPsPerUser: cfg.MaxIPsPerUser,
		maxIPsAutoBan: cfg.MaxIPsAutoBan,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Add registers a user with the store. Used both by LoadUsers (bulk, at
// startup) and by admin-issued token creation.
func (s *Store) Add(u *types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Token] = u
}

// Get returns the user for token, implementing preprocessor.UserStore.
func (s *Store) Get(token string) (*types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[token]
	return u, ok
}

// Authenticate validates token against the gatekeeper rules: the user must
// exist, must not be disabled, must not have expired, and — unless it
// bypasses quota checks — the caller's IP must either already be recorded
// or fit within maxIPsPerUser. A user that exceeds its IP limit is
// auto-disabled when maxIPsAutoBan is set, matching MAX_IPS_AUTO_BAN.
func (s *Store) Authenticate(token, ip string, now time.Time) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[token]
	if !ok {
		return nil, types.Auth("unknown token")
	}
	if u.IsDisabled() {
		return nil, types.NewError(types.ErrAuth, u.DisabledReason).WithHTTPStatus(403)
	}
	if u.IsExpired(now) {
		return nil, types.NewError(types.ErrAuth, "token expired").WithHTTPStatus(403)
	}

	if u.BypassesQuota() || u.HasIP(ip) {
		u.LastUsedAt = now
		s.markDirty(token)
		return u, nil
	}

	limit := u.MaxIPs
	if limit <= 0 {
		limit = s.maxIPsPerUser
	}
	if limit > 0 && len(u.IPs) >= limit {
		if s.maxIPsAutoBan {
			disabledAt := now
			u.DisabledAt = &disabledAt
			u.DisabledReason = "ip limit exceeded"
			s.markDirty(token)
		}
		return nil, types.NewError(types.ErrAuth, "ip limit exceeded").WithHTTPStatus(403)
	}

	u.IPs = append(u.IPs, ip)
	u.LastUsedAt = now
	s.markDirty(token)
	return u, nil
}

// IncrementUsage records prompt/output token consumption against f after a
// response completes, mirroring llm/keypool.Pool.IncrementUsage's
// post-response accounting step.
func (s *Store) IncrementUsage(token string, f types.ModelFamily, promptTokens, outputTokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return
	}
	u.PromptCount++
	if u.TokenCounts == nil {
		u.TokenCounts = make(map[types.ModelFamily]int64)
	}
	u.TokenCounts[f] += promptTokens + outputTokens
	s.markDirty(token)
}

// CheckQuota reports whether requestedTokens would exceed u's per-family
// limit for f, without mutating any state (applyQuotaLimits calls this
// before the request is dispatched; IncrementUsage charges it afterward).
func CheckQuota(u *types.User, f types.ModelFamily, requestedTokens int64) error {
	if u.BypassesQuota() {
		return nil
	}
	remaining, unlimited := u.RemainingQuota(f)
	if unlimited {
		return nil
	}
	if requestedTokens > remaining {
		return types.QuotaExceeded("token quota exceeded").WithIssues(types.FieldIssue{
			Path:    "tokenCounts." + string(f),
			Message: "remaining quota is insufficient for this request",
		})
	}
	return nil
}

// Disable marks a user disabled, used by admin tooling outside the request
// path.
func (s *Store) Disable(token, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return
	}
	now := time.Now()
	u.DisabledAt = &now
	u.DisabledReason = reason
	s.markDirty(token)
}

func (s *Store) markDirty(token string) {
	s.dirty[token] = struct{}{}
}

// Run starts the 20s batch-flush loop ("writes are batched and flushed to
// external persistence every 20 s"). It blocks until ctx is canceled or
// Close is called, so callers run it in its own goroutine.
func (s *Store) Run(ctx context.Context, flushInterval time.Duration) {
	defer close(s.done)
	if flushInterval <= 0 {
		flushInterval = 20 * time.Second
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-s.stop:
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// Close stops the flush loop and waits for a final flush to complete.
func (s *Store) Close() {
	close(s.stop)
	<-s.done
}

func (s *Store) flush() {
	if s.persist == nil {
		return
	}

	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return
	}
	batch := make([]*types.User, 0, len(s.dirty))
	for token := range s.dirty {
		if u, ok := s.users[token]; ok {
			snapshot := *u
			batch = append(batch, &snapshot)
		}
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic flushing user batch", zap.Any("panic", r))
		}
	}()
	s.persist.SaveUsers(batch)
}
