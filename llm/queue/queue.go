package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/llmgate/types"
)

// LockoutChecker reports how long a ModelFamily's key pool remains locked
// out (all matching keys rate-limited); the dispatch loop only drains a
// partition once this returns 0. It is exactly
// llm/keypool.Aggregate.GetLockoutPeriodFamily's shape, passed in as an
// interface so the queue never imports llm/keypool directly.
type LockoutChecker interface {
	GetLockoutPeriodFamily(family types.ModelFamily) (time.Duration, error)
}

// EnqueueOptions carries the HTTP-layer callbacks a streaming request needs
// while it waits: OnHeartbeat is invoked roughly every Config.Heartbeat
// with the partition's current length and estimated average wait, so the
// caller can write an SSE comment (and optionally a synthetic data event)
// without the queue package knowing anything about HTTP. OnStale is
// invoked once, instead of ever dispatching, if the request is killed by
// the stale sweep.
type EnqueueOptions struct {
	OnHeartbeat func(queueLength int, avgWait time.Duration)
	OnStale     func(err error)
}

// item is one request waiting in a partition.
type item struct {
	rc           *types.RequestContext
	opts         EnqueueOptions
	heartbeatStop chan struct{}
}

type partition struct {
	mu      sync.Mutex
	items   []*item
	samples []waitSample
}

type waitSample struct {
	at   time.Time
	wait time.Duration
}

// Queue is the partitioned, in-memory request queue.
type Queue struct {
	cfg     Config
	lockout LockoutChecker
	logger  *zap.Logger
	rng     *rand.Rand

	mu         sync.Mutex
	partitions map[types.ModelFamily]*partition
	inFlight   map[string]int // identifier -> queued count

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Queue. lockout is consulted once per dispatch tick per
// partition; a nil logger falls back to zap.NewNop.
func New(cfg Config, lockout LockoutChecker, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:        cfg.withDefaults(),
		lockout:    lockout,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		partitions: make(map[types.ModelFamily]*partition),
		inFlight:   make(map[string]int),
		stopped:    make(chan struct{}),
	}
}

// Run starts the dispatch and stale-sweep loops; blocks until ctx is
// cancelled or Stop is called.
func (q *Queue) Run(ctx context.Context) {
	dispatch := time.NewTicker(q.cfg.DispatchTick)
	stale := time.NewTicker(q.cfg.StaleTick)
	defer dispatch.Stop()
	defer stale.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopped:
			return
		case <-dispatch.C:
			q.dispatchOnce()
		case <-stale.C:
			q.sweepStale()
		}
	}
}

// Stop signals Run to return promptly; safe to call multiple times.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopped) })
}

func (q *Queue) capFor(identifier string) int {
	if q.cfg.SharedIP != "" && identifier == q.cfg.SharedIP {
		return q.cfg.MaxPerSharedIP
	}
	return q.cfg.MaxPerIdentifier
}

// Enqueue admits rc into its ModelFamily partition, enforcing the
// per-identifier concurrency cap. rc.SetProceed must already have
// been called by the pipeline with the closure to resume once dequeued.
func (q *Queue) Enqueue(rc *types.RequestContext, opts EnqueueOptions) error {
	identifier := rc.Identifier()

	q.mu.Lock()
	limit := q.capFor(identifier)
	if q.inFlight[identifier] >= limit {
		q.mu.Unlock()
		return types.TooManyQueued(identifier)
	}
	q.inFlight[identifier]++
	p, ok := q.partitions[rc.ModelFamily]
	if !ok {
		p = &partition{}
		q.partitions[rc.ModelFamily] = p
	}
	q.mu.Unlock()

	rc.QueueInTime = time.Now()
	it := &item{rc: rc, opts: opts}

	p.mu.Lock()
	p.items = append(p.items, it)
	p.mu.Unlock()

	if rc.IsStreaming && opts.OnHeartbeat != nil {
		it.heartbeatStop = make(chan struct{})
		interval := rc.HeartbeatInterval
		if interval == 0 {
			interval = q.cfg.Heartbeat
		}
		go q.runHeartbeat(it, p, rc.ModelFamily, interval)
	}

	rc.OnAborted(func() {
		if q.removeFromPartition(p, it) {
			q.release(identifier)
		}
	})

	return nil
}

func (q *Queue) runHeartbeat(it *item, p *partition, family types.ModelFamily, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-it.heartbeatStop:
			return
		case <-ticker.C:
			p.mu.Lock()
			n := len(p.items)
			p.mu.Unlock()
			it.opts.OnHeartbeat(n, q.EstimatedWaitTime(family))
		}
	}
}

func stopHeartbeat(it *item) {
	if it.heartbeatStop != nil {
		close(it.heartbeatStop)
		it.heartbeatStop = nil
	}
}

// removeFromPartition deletes it from p.items if still present, returning
// whether it was found (i.e. hadn't already been dispatched).
func (q *Queue) removeFromPartition(p *partition, it *item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.items {
		if cur == it {
			p.items = append(p.items[:i], p.items[i+1:]...)
			stopHeartbeat(it)
			return true
		}
	}
	return false
}

func (q *Queue) release(identifier string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight[identifier] > 0 {
		q.inFlight[identifier]--
	}
	if q.inFlight[identifier] == 0 {
		delete(q.inFlight, identifier)
	}
}

// dispatchOnce drains one request from every unlocked partition.
func (q *Queue) dispatchOnce() {
	q.mu.Lock()
	families := make([]types.ModelFamily, 0, len(q.partitions))
	parts := make([]*partition, 0, len(q.partitions))
	for f, p := range q.partitions {
		families = append(families, f)
		parts = append(parts, p)
	}
	q.mu.Unlock()

	for i, family := range families {
		p := parts[i]
		if q.lockout != nil {
			lockout, err := q.lockout.GetLockoutPeriodFamily(family)
			if err != nil || lockout > 0 {
				continue
			}
		}
		it := q.popOne(p)
		if it == nil {
			continue
		}
		q.dispatch(p, family, it)
	}
}

// popOne removes and returns the next item per the configured dequeue
// mode, or nil if the partition is empty.
func (q *Queue) popOne(p *partition) *item {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return nil
	}
	idx := 0
	switch q.cfg.Mode {
	case DequeueRandom:
		idx = q.rng.Intn(len(p.items))
	default:
		for i := range p.items {
			if p.items[i].rc.StartTime.Before(p.items[idx].rc.StartTime) {
				idx = i
			}
		}
	}
	it := p.items[idx]
	p.items = append(p.items[:idx], p.items[idx+1:]...)
	stopHeartbeat(it)
	return it
}

func (q *Queue) dispatch(p *partition, family types.ModelFamily, it *item) {
	now := time.Now()
	it.rc.QueueOutTime = now
	wait := now.Sub(it.rc.StartTime)

	p.mu.Lock()
	p.samples = append(p.samples, waitSample{at: now, wait: wait})
	p.mu.Unlock()

	q.release(it.rc.Identifier())
	it.rc.Proceed()
}

// sweepStale kills requests older than Config.StaleAge and prunes wait
// samples older than Config.WaitWindow.
func (q *Queue) sweepStale() {
	q.mu.Lock()
	parts := make([]*partition, 0, len(q.partitions))
	for _, p := range q.partitions {
		parts = append(parts, p)
	}
	q.mu.Unlock()

	now := time.Now()
	for _, p := range parts {
		p.mu.Lock()
		kept := p.items[:0]
		var stale []*item
		for _, it := range p.items {
			if now.Sub(it.rc.StartTime) > q.cfg.StaleAge {
				stale = append(stale, it)
				continue
			}
			kept = append(kept, it)
		}
		p.items = kept

		keptSamples := p.samples[:0]
		for _, s := range p.samples {
			if now.Sub(s.at) <= q.cfg.WaitWindow {
				keptSamples = append(keptSamples, s)
			}
		}
		p.samples = keptSamples
		p.mu.Unlock()

		for _, it := range stale {
			stopHeartbeat(it)
			q.release(it.rc.Identifier())
			if it.opts.OnStale != nil {
				it.opts.OnStale(types.NewError(types.ErrRetryable, "request timed out waiting in queue").WithHTTPStatus(504))
			}
			it.rc.Abort()
		}
	}
}

// EstimatedWaitTime returns the arithmetic mean of (queueOutTime -
// startTime) over the last WaitWindow for family, or 0 if no request has
// been dispatched from that partition recently.
func (q *Queue) EstimatedWaitTime(family types.ModelFamily) time.Duration {
	q.mu.Lock()
	p, ok := q.partitions[family]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range p.samples {
		total += s.wait
	}
	return total / time.Duration(len(p.samples))
}

// Len returns the current number of requests waiting in family's
// partition.
func (q *Queue) Len(family types.ModelFamily) int {
	q.mu.Lock()
	p, ok := q.partitions[family]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
