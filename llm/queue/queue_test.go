package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

type fakeLockout struct {
	mu      sync.Mutex
	periods map[types.ModelFamily]time.Duration
}

func (f *fakeLockout) GetLockoutPeriodFamily(family types.ModelFamily) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.periods[family], nil
}

func newTestRC(id string, family types.ModelFamily, userToken string) *types.RequestContext {
	rc := types.NewRequestContext(id)
	rc.ModelFamily = family
	rc.UserToken = userToken
	return rc
}

func TestQueue_EnqueueRejectsOverCapIdentifier(t *testing.T) {
	q := New(Config{MaxPerIdentifier: 1}, &fakeLockout{}, nil)

	rc1 := newTestRC("a", types.FamilyGPT4, "user-1")
	rc1.SetProceed(func() {})
	require.NoError(t, q.Enqueue(rc1, EnqueueOptions{}))

	rc2 := newTestRC("b", types.FamilyGPT4, "user-1")
	rc2.SetProceed(func() {})
	err := q.Enqueue(rc2, EnqueueOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrTooManyQueued, types.GetErrorCode(err))
}

func TestQueue_SharedIPGetsHigherCap(t *testing.T) {
	q := New(Config{MaxPerIdentifier: 1, MaxPerSharedIP: 2, SharedIP: "1.2.3.4"}, &fakeLockout{}, nil)

	for i := 0; i < 2; i++ {
		rc := types.NewRequestContext("r")
		rc.ModelFamily = types.FamilyGPT4
		rc.ClientIP = "1.2.3.4"
		rc.SetProceed(func() {})
		require.NoError(t, q.Enqueue(rc, EnqueueOptions{}))
	}

	rc3 := types.NewRequestContext("r3")
	rc3.ModelFamily = types.FamilyGPT4
	rc3.ClientIP = "1.2.3.4"
	rc3.SetProceed(func() {})
	err := q.Enqueue(rc3, EnqueueOptions{})
	require.Error(t, err)
}

func TestQueue_DispatchOnceCallsProceedFairOrder(t *testing.T) {
	lockout := &fakeLockout{periods: map[types.ModelFamily]time.Duration{}}
	q := New(Config{Mode: DequeueFair}, lockout, nil)

	var proceeded []string
	mk := func(id string, start time.Time) *types.RequestContext {
		rc := types.NewRequestContext(id)
		rc.ModelFamily = types.FamilyGPT4
		rc.UserToken = id
		rc.StartTime = start
		rc.SetProceed(func() { proceeded = append(proceeded, id) })
		return rc
	}

	now := time.Now()
	rcLate := mk("late", now)
	rcEarly := mk("early", now.Add(-time.Minute))

	require.NoError(t, q.Enqueue(rcLate, EnqueueOptions{}))
	require.NoError(t, q.Enqueue(rcEarly, EnqueueOptions{}))

	q.dispatchOnce()
	require.Len(t, proceeded, 1)
	assert.Equal(t, "early", proceeded[0])

	q.dispatchOnce()
	require.Len(t, proceeded, 2)
	assert.Equal(t, "late", proceeded[1])
}

func TestQueue_DispatchSkipsLockedPartition(t *testing.T) {
	lockout := &fakeLockout{periods: map[types.ModelFamily]time.Duration{types.FamilyClaude: time.Minute}}
	q := New(Config{}, lockout, nil)

	var proceeded bool
	rc := newTestRC("x", types.FamilyClaude, "u")
	rc.SetProceed(func() { proceeded = true })
	require.NoError(t, q.Enqueue(rc, EnqueueOptions{}))

	q.dispatchOnce()
	assert.False(t, proceeded)
	assert.Equal(t, 1, q.Len(types.FamilyClaude))
}

func TestQueue_AbortRemovesFromPartitionAndReleasesSlot(t *testing.T) {
	q := New(Config{MaxPerIdentifier: 1}, &fakeLockout{}, nil)

	rc := newTestRC("a", types.FamilyGPT4, "user-1")
	rc.SetProceed(func() {})
	require.NoError(t, q.Enqueue(rc, EnqueueOptions{}))
	assert.Equal(t, 1, q.Len(types.FamilyGPT4))

	rc.Abort()
	assert.Equal(t, 0, q.Len(types.FamilyGPT4))

	rc2 := newTestRC("b", types.FamilyGPT4, "user-1")
	rc2.SetProceed(func() {})
	require.NoError(t, q.Enqueue(rc2, EnqueueOptions{}))
}

func TestQueue_SweepStaleKillsOldRequests(t *testing.T) {
	q := New(Config{StaleAge: time.Millisecond}, &fakeLockout{}, nil)

	var staleErr error
	rc := newTestRC("a", types.FamilyGPT4, "user-1")
	rc.StartTime = time.Now().Add(-time.Hour)
	rc.SetProceed(func() {})
	require.NoError(t, q.Enqueue(rc, EnqueueOptions{OnStale: func(err error) { staleErr = err }}))

	q.sweepStale()

	assert.Equal(t, 0, q.Len(types.FamilyGPT4))
	require.Error(t, staleErr)
	assert.True(t, rc.IsAborted())
}

func TestQueue_EstimatedWaitTimeAveragesDispatchedSamples(t *testing.T) {
	lockout := &fakeLockout{periods: map[types.ModelFamily]time.Duration{}}
	q := New(Config{}, lockout, nil)

	assert.Equal(t, time.Duration(0), q.EstimatedWaitTime(types.FamilyGPT4))

	rc := newTestRC("a", types.FamilyGPT4, "user-1")
	rc.StartTime = time.Now().Add(-2 * time.Second)
	rc.SetProceed(func() {})
	require.NoError(t, q.Enqueue(rc, EnqueueOptions{}))

	q.dispatchOnce()
	assert.Greater(t, q.EstimatedWaitTime(types.FamilyGPT4), time.Duration(0))
}

func TestQueue_ReenqueueAfterRetryClearsHeartbeat(t *testing.T) {
	q := New(Config{}, &fakeLockout{}, nil)

	var heartbeats int
	rc := newTestRC("a", types.FamilyGPT4, "user-1")
	rc.IsStreaming = true
	rc.HeartbeatInterval = time.Millisecond
	rc.SetProceed(func() {})

	require.NoError(t, q.Enqueue(rc, EnqueueOptions{OnHeartbeat: func(int, time.Duration) { heartbeats++ }}))
	time.Sleep(5 * time.Millisecond)
	q.dispatchOnce()

	rc.ResetForRetry()
	rc.SetProceed(func() {})
	require.NoError(t, q.Enqueue(rc, EnqueueOptions{OnHeartbeat: func(int, time.Duration) { heartbeats++ }}))
	assert.Equal(t, 1, q.Len(types.FamilyGPT4))
}
