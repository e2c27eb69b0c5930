package keychecker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/llmgate/internal/pool"
	"github.com/relaymesh/llmgate/types"
)

// MinCheckInterval is the minimum gap enforced between two successive
// probes issued by a single checker, regardless of how many keys are
// overdue — this rate-limits the checker itself, not just each key.
const MinCheckInterval = 3 * time.Second

// ProbeResult is what a Prober reports back for one key. The checker
// applies it uniformly across every provider: set LastChecked, optionally
// disable the key, optionally pull its next probe forward (a 429 of a
// known rate-limit shape should be re-tried soon rather than waiting a
// full KEY_CHECK_PERIOD), and apply any provider-specific field updates
// (quota figures, enabled models, the Anthropic "pozzed" canary flag...).
type ProbeResult struct {
	Disable     bool
	Reason      types.DisableReason
	RetryIn     time.Duration // >0: schedule LastChecked so the key is re-probed this soon
	Apply       func(*types.Key)
	ProbeErr    error // set when the probe itself failed (network, etc.); key is NOT disabled
}

// Prober performs one provider-specific health probe against a key. Each
// `llm/providers/<service>` package implements this against its own
// client (OpenAI /v1/models + billing endpoints, Anthropic's canary
// completion, AWS's InvokeModel + IAM logging-config check, Azure's
// /models) so the checker package itself stays provider-agnostic.
type Prober interface {
	Probe(ctx context.Context, key *types.Key) ProbeResult
}

// ProberFunc adapts a plain function to the Prober interface.
type ProberFunc func(ctx context.Context, key *types.Key) ProbeResult

func (f ProberFunc) Probe(ctx context.Context, key *types.Key) ProbeResult { return f(ctx, key) }

// UpdateFunc applies a mutation to the key identified by hash and
// persists the result — it is exactly keypool.Pool.UpdateKey's shape,
// passed in at construction time rather than the checker holding a
// *keypool.Pool, so the pool and its checker never reference each other
// directly.
type UpdateFunc func(hash string, mutate func(*types.Key)) error

// Config tunes one Checker's scheduling. Defaults (Options) supply
// per-service figures: Anthropic gets the narrower 6-wide startup batch
// and 1-hour steady period, OpenAI the wider 12-wide batch and 5-min
// period; see NewOpenAI/NewAnthropic/NewDefault below.
type Config struct {
	StartupBatchSize int
	StartupBatchGap  time.Duration
	CheckPeriod      time.Duration
	MinCheckInterval time.Duration
	RecheckTick      time.Duration
}

// Checker runs one service's serial health-check loop: a startup phase
// that batch-probes every unchecked key, then a steady phase that always
// probes whichever key has gone longest without a check.
type Checker struct {
	service types.Service
	snap    func() []*types.Key
	unchkd  func() bool
	update  UpdateFunc
	prober  Prober
	cfg     Config
	logger  *zap.Logger

	workers *pool.GoroutinePool

	mu           sync.Mutex
	lastProbeAt  time.Time
	stopped      chan struct{}
	stopOnce     sync.Once
}

// New constructs a Checker for service. snapshot and anyUnchecked mirror
// keypool.Pool.Snapshot/AnyUnchecked; update mirrors Pool.UpdateKey.
func New(service types.Service, snapshot func() []*types.Key, anyUnchecked func() bool, update UpdateFunc, prober Prober, cfg Config, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinCheckInterval == 0 {
		cfg.MinCheckInterval = MinCheckInterval
	}
	if cfg.RecheckTick == 0 {
		cfg.RecheckTick = time.Second
	}
	if cfg.StartupBatchGap == 0 {
		cfg.StartupBatchGap = 250 * time.Millisecond
	}
	workerCfg := pool.DefaultGoroutinePoolConfig()
	workerCfg.MaxWorkers = cfg.StartupBatchSize
	if workerCfg.MaxWorkers <= 0 {
		workerCfg.MaxWorkers = 6
	}
	return &Checker{
		service: service,
		snap:    snapshot,
		unchkd:  anyUnchecked,
		update:  update,
		prober:  prober,
		cfg:     cfg,
		logger:  logger.With(zap.String("service", string(service))),
		workers: pool.NewGoroutinePool(workerCfg),
		stopped: make(chan struct{}),
	}
}

// NewAnthropic builds a Checker with Anthropic's documented figures: a
// 6-wide startup batch and a 1-hour steady check period.
func NewAnthropic(snapshot func() []*types.Key, anyUnchecked func() bool, update UpdateFunc, prober Prober, logger *zap.Logger) *Checker {
	return New(types.ServiceAnthropic, snapshot, anyUnchecked, update, prober, Config{
		StartupBatchSize: 6,
		CheckPeriod:      time.Hour,
	}, logger)
}

// NewOpenAI builds a Checker with OpenAI's documented figures: a 12-wide
// startup batch and a 5-minute steady check period.
func NewOpenAI(snapshot func() []*types.Key, anyUnchecked func() bool, update UpdateFunc, prober Prober, logger *zap.Logger) *Checker {
	return New(types.ServiceOpenAI, snapshot, anyUnchecked, update, prober, Config{
		StartupBatchSize: 12,
		CheckPeriod:      5 * time.Minute,
	}, logger)
}

// NewDefault builds a Checker for any other service with a conservative
// 6-wide batch and a 15-minute steady period; AWS, Azure, Google AI, and
// Mistral have no provider-documented figures, so this is a reasoned
// default rather than a guess at a specific number.
func NewDefault(service types.Service, snapshot func() []*types.Key, anyUnchecked func() bool, update UpdateFunc, prober Prober, logger *zap.Logger) *Checker {
	return New(service, snapshot, anyUnchecked, update, prober, Config{
		StartupBatchSize: 6,
		CheckPeriod:      15 * time.Minute,
	}, logger)
}

// Run blocks, executing the startup phase once and then the steady phase
// until ctx is cancelled or Stop is called.
func (c *Checker) Run(ctx context.Context) {
	defer c.workers.Close()
	c.runStartupPhase(ctx)
	c.runSteadyPhase(ctx)
}

// Stop signals Run to return promptly; safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// runStartupPhase batch-probes unchecked keys StartupBatchSize at a time,
// sleeping StartupBatchGap between batches, until none remain.
func (c *Checker) runStartupPhase(ctx context.Context) {
	for c.unchkd() {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}

		batch := c.nextUncheckedBatch()
		if len(batch) == 0 {
			return
		}

		var wg sync.WaitGroup
		for _, k := range batch {
			k := k
			wg.Add(1)
			_ = c.workers.Submit(ctx, func(ctx context.Context) error {
				defer wg.Done()
				c.probeOne(ctx, k)
				return nil
			})
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case <-time.After(c.cfg.StartupBatchGap):
		}
	}
}

// nextUncheckedBatch returns up to StartupBatchSize keys whose LastChecked
// is still zero.
func (c *Checker) nextUncheckedBatch() []*types.Key {
	keys := c.snap()
	out := make([]*types.Key, 0, c.cfg.StartupBatchSize)
	for _, k := range keys {
		if !k.LastChecked.IsZero() {
			continue
		}
		out = append(out, k)
		if len(out) >= c.cfg.StartupBatchSize {
			break
		}
	}
	return out
}

// runSteadyPhase repeatedly selects the key with the smallest LastChecked
// and probes it once it's due, per the max(lastChecked+CheckPeriod,
// checkerLastProbe+MinCheckInterval) schedule.
func (c *Checker) runSteadyPhase(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RecheckTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case <-ticker.C:
		}

		k := c.oldestChecked()
		if k == nil {
			continue
		}
		now := time.Now()
		c.mu.Lock()
		due := maxTime(k.LastChecked.Add(c.cfg.CheckPeriod), c.lastProbeAt.Add(c.cfg.MinCheckInterval))
		c.mu.Unlock()
		if now.Before(due) {
			continue
		}
		c.probeOne(ctx, k)
	}
}

// oldestChecked returns the key with the smallest LastChecked, or nil if
// the pool is empty. Disabled/revoked keys are still probed — a revoked
// key stays revoked either way, and a quota-disabled key may have had its
// quota reset upstream — and neither this phase nor the initial
// unchecked-batch phase filters on health.
func (c *Checker) oldestChecked() *types.Key {
	keys := c.snap()
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].LastChecked.Before(keys[j].LastChecked) })
	return keys[0]
}

// probeOne runs the provider-specific probe and applies its outcome.
// LastChecked is always updated (to now, or pulled back for a RetryIn
// re-probe) so a failing key never starves the scheduler.
func (c *Checker) probeOne(ctx context.Context, k *types.Key) {
	c.mu.Lock()
	c.lastProbeAt = time.Now()
	c.mu.Unlock()

	result := c.prober.Probe(ctx, k)
	now := time.Now()

	hash := k.Hash
	_ = c.update(hash, func(key *types.Key) {
		switch {
		case result.Disable:
			key.IsDisabled = true
			key.Reason = result.Reason
			if result.Reason == types.DisableRevoked {
				key.IsRevoked = true
			}
			key.LastChecked = now
		case result.RetryIn > 0:
			// Pull LastChecked back so (LastChecked + CheckPeriod) lands
			// RetryIn from now, causing a prompt re-probe (e.g. a 429 of
			// a known rate-limit shape during the probe itself).
			key.LastChecked = now.Add(result.RetryIn).Add(-c.cfg.CheckPeriod)
		default:
			key.LastChecked = now
		}
		if result.Apply != nil {
			result.Apply(key)
		}
	})

	if result.ProbeErr != nil {
		c.logger.Debug("key probe error", zap.String("hash", hash), zap.Error(result.ProbeErr))
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
