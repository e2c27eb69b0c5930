package keychecker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

type fakeStore struct {
	mu   sync.Mutex
	keys []*types.Key
}

func (s *fakeStore) snapshot() []*types.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Key, len(s.keys))
	copy(out, s.keys)
	return out
}

func (s *fakeStore) anyUnchecked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.LastChecked.IsZero() {
			return true
		}
	}
	return false
}

func (s *fakeStore) update(hash string, mutate func(*types.Key)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			mutate(k)
			return nil
		}
	}
	return nil
}

func TestChecker_StartupPhaseProbesAllUncheckedKeys(t *testing.T) {
	store := &fakeStore{keys: []*types.Key{
		types.NewKey(types.ServiceOpenAI, "a", "salt", types.FamilyGPT4),
		types.NewKey(types.ServiceOpenAI, "b", "salt", types.FamilyGPT4),
		types.NewKey(types.ServiceOpenAI, "c", "salt", types.FamilyGPT4),
	}}

	var probed sync.Map
	prober := ProberFunc(func(_ context.Context, k *types.Key) ProbeResult {
		probed.Store(k.Hash, true)
		return ProbeResult{}
	})

	c := New(types.ServiceOpenAI, store.snapshot, store.anyUnchecked, store.update, prober, Config{
		StartupBatchSize: 2,
		StartupBatchGap:  10 * time.Millisecond,
		CheckPeriod:      time.Hour,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.runStartupPhase(ctx)

	for _, k := range store.snapshot() {
		_, ok := probed.Load(k.Hash)
		assert.True(t, ok, "key %s should have been probed", k.Hash)
		assert.False(t, k.LastChecked.IsZero())
	}
}

func TestChecker_ProbeOne_DisablesOnRevoked(t *testing.T) {
	store := &fakeStore{keys: []*types.Key{
		types.NewKey(types.ServiceAnthropic, "secret", "salt", types.FamilyClaude),
	}}
	prober := ProberFunc(func(_ context.Context, k *types.Key) ProbeResult {
		return ProbeResult{Disable: true, Reason: types.DisableRevoked}
	})
	c := New(types.ServiceAnthropic, store.snapshot, store.anyUnchecked, store.update, prober, Config{
		StartupBatchSize: 1,
		CheckPeriod:      time.Hour,
	}, nil)

	c.probeOne(context.Background(), store.keys[0])

	k := store.snapshot()[0]
	assert.True(t, k.IsDisabled)
	assert.True(t, k.IsRevoked)
	assert.Equal(t, types.DisableRevoked, k.Reason)
	assert.False(t, k.LastChecked.IsZero())
}

func TestChecker_ProbeOne_RetryInPullsLastCheckedBack(t *testing.T) {
	store := &fakeStore{keys: []*types.Key{
		types.NewKey(types.ServiceOpenAI, "secret", "salt", types.FamilyGPT4),
	}}
	prober := ProberFunc(func(_ context.Context, k *types.Key) ProbeResult {
		return ProbeResult{RetryIn: 10 * time.Second}
	})
	c := New(types.ServiceOpenAI, store.snapshot, store.anyUnchecked, store.update, prober, Config{
		StartupBatchSize: 1,
		CheckPeriod:      5 * time.Minute,
	}, nil)

	c.probeOne(context.Background(), store.keys[0])

	k := store.snapshot()[0]
	due := k.LastChecked.Add(5 * time.Minute)
	assert.WithinDuration(t, time.Now().Add(10*time.Second), due, 2*time.Second)
}

func TestChecker_ProbeOne_AppliesProviderFields(t *testing.T) {
	store := &fakeStore{keys: []*types.Key{
		types.NewKey(types.ServiceAnthropic, "secret", "salt", types.FamilyClaude),
	}}
	prober := ProberFunc(func(_ context.Context, k *types.Key) ProbeResult {
		return ProbeResult{Apply: func(key *types.Key) { key.Anthropic.IsPozzed = true }}
	})
	c := New(types.ServiceAnthropic, store.snapshot, store.anyUnchecked, store.update, prober, Config{CheckPeriod: time.Hour}, nil)
	c.probeOne(context.Background(), store.keys[0])
	assert.True(t, store.snapshot()[0].Anthropic.IsPozzed)
}

func TestNewAnthropicAndOpenAI_CarryDocumentedDefaults(t *testing.T) {
	c1 := NewAnthropic(nil, nil, nil, nil, nil)
	require.Equal(t, 6, c1.cfg.StartupBatchSize)
	require.Equal(t, time.Hour, c1.cfg.CheckPeriod)

	c2 := NewOpenAI(nil, nil, nil, nil, nil)
	require.Equal(t, 12, c2.cfg.StartupBatchSize)
	require.Equal(t, 5*time.Minute, c2.cfg.CheckPeriod)
}
