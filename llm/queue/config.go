package queue

import "time"

// DequeueMode selects how the dispatch loop picks which waiting request in
// an unlocked partition goes next.
type DequeueMode string

const (
	// DequeueFair always dequeues the request with the smallest StartTime
	// (oldest first).
	DequeueFair DequeueMode = "fair"
	// DequeueRandom dequeues a uniformly random waiting request.
	DequeueRandom DequeueMode = "random"
)

// Config tunes one Queue's scheduling. Zero-value fields fall back to the
// spec-documented defaults via New.
type Config struct {
	DispatchTick time.Duration
	StaleTick    time.Duration
	StaleAge     time.Duration
	WaitWindow   time.Duration
	Heartbeat    time.Duration

	Mode DequeueMode

	// MaxPerIdentifier is the default concurrency cap for an authenticated
	// (userToken-bearing) or risu-token-bearing request (spec: limit 1).
	MaxPerIdentifier int
	// SharedIP is the well-known shared Agnai proxy IP that is exempted up
	// to MaxPerSharedIP concurrent queued requests instead of 1, since many
	// distinct end users legitimately share it.
	SharedIP         string
	MaxPerSharedIP   int
}

// DefaultConfig returns the default operating figures: a 50ms dispatch
// tick, 20s stale sweep, 5-minute stale age and wait-sample window, 10s
// heartbeat, fair dequeue, cap 1 per identifier / 15 for the shared IP.
func DefaultConfig() Config {
	return Config{
		DispatchTick:     50 * time.Millisecond,
		StaleTick:        20 * time.Second,
		StaleAge:         5 * time.Minute,
		WaitWindow:       5 * time.Minute,
		Heartbeat:        10 * time.Second,
		Mode:             DequeueFair,
		MaxPerIdentifier: 1,
		MaxPerSharedIP:   15,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DispatchTick == 0 {
		c.DispatchTick = d.DispatchTick
	}
	if c.StaleTick == 0 {
		c.StaleTick = d.StaleTick
	}
	if c.StaleAge == 0 {
		c.StaleAge = d.StaleAge
	}
	if c.WaitWindow == 0 {
		c.WaitWindow = d.WaitWindow
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.MaxPerIdentifier == 0 {
		c.MaxPerIdentifier = d.MaxPerIdentifier
	}
	if c.MaxPerSharedIP == 0 {
		c.MaxPerSharedIP = d.MaxPerSharedIP
	}
	return c
}
