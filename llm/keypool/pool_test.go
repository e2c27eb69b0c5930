package keypool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

type fakePersister struct {
	mu    sync.Mutex
	saved []types.Key
}

func (f *fakePersister) SaveKey(k *types.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *k)
}

func (f *fakePersister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func TestPool_GetSkipsDisabledKeys(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	disabled := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	disabled.IsDisabled = true
	p.Add(disabled)
	healthy := types.NewKey(types.ServiceOpenAI, "sk-b", "salt", types.FamilyGPT4)
	p.Add(healthy)

	got, err := p.Get("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, healthy.Hash, got.Hash)
}

func TestPool_GetErrorsWhenNoKeySupportsFamily(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	p.Add(types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyTurbo))

	_, err := p.Get("gpt-4")
	require.Error(t, err)
	assert.Equal(t, types.ErrNoKeysAvailable, types.GetErrorCode(err))
}

func TestPool_GetPrefersNotRateLimitedOverRateLimited(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	limited := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	limited.RateLimitedUntil = time.Now().Add(time.Hour)
	p.Add(limited)
	free := types.NewKey(types.ServiceOpenAI, "sk-b", "salt", types.FamilyGPT4)
	p.Add(free)

	got, err := p.Get("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, free.Hash, got.Hash)
}

func TestPool_GetFallsBackToLeastRecentlyLimitedWhenAllLimited(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	now := time.Now()
	older := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	older.RateLimitedAt = now.Add(-time.Minute)
	older.RateLimitedUntil = now.Add(time.Hour)
	p.Add(older)
	newer := types.NewKey(types.ServiceOpenAI, "sk-b", "salt", types.FamilyGPT4)
	newer.RateLimitedAt = now
	newer.RateLimitedUntil = now.Add(time.Hour)
	p.Add(newer)

	got, err := p.Get("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, older.Hash, got.Hash, "least-recently-limited key is preferred")
}

func TestPool_GetPrefersLeastRecentlyUsed(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	now := time.Now()
	recentlyUsed := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	recentlyUsed.LastUsed = now
	p.Add(recentlyUsed)
	staleUsed := types.NewKey(types.ServiceOpenAI, "sk-b", "salt", types.FamilyGPT4)
	staleUsed.LastUsed = now.Add(-time.Hour)
	p.Add(staleUsed)

	got, err := p.Get("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, staleUsed.Hash, got.Hash)
}

func TestPool_GetPrefersTrialKeysAmongLeastUsedForOpenAI(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	paid := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	trial := types.NewKey(types.ServiceOpenAI, "sk-b", "salt", types.FamilyGPT4)
	trial.OpenAI.IsTrial = true
	p.Add(paid)
	p.Add(trial)

	got, err := p.Get("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, trial.Hash, got.Hash)
}

func TestPool_GetThrottlesImmediateReuse(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	p.Add(types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4))

	before := time.Now()
	got, err := p.Get("gpt-4")
	require.NoError(t, err)
	assert.True(t, got.RateLimitedUntil.After(before))
}

func TestPool_DisableIsIdempotent(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	k := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	p.Add(k)

	require.NoError(t, p.Disable(k.Hash, types.DisableRevoked))
	require.NoError(t, p.Disable(k.Hash, types.DisableRevoked))
	assert.True(t, k.IsDisabled)
	assert.True(t, k.IsRevoked)
}

func TestPool_DisableForQuotaPinsOpenAIUsageToHardLimit(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	k := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	k.OpenAI.HardLimit = 100
	k.OpenAI.Usage = 40
	p.Add(k)

	require.NoError(t, p.Disable(k.Hash, types.DisableQuota))
	assert.Equal(t, 100.0, k.OpenAI.Usage)
	assert.False(t, k.IsRevoked, "quota disable is not a revocation")
}

func TestPool_DisableUnknownHashReturnsErrKeyNotFound(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	err := p.Disable("missing", types.DisableRevoked)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPool_DisabledKeyNeverReturnedByGet(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	k := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	p.Add(k)
	require.NoError(t, p.Disable(k.Hash, types.DisableRevoked))

	_, err := p.Get("gpt-4")
	require.Error(t, err)
}

func TestPool_MarkRateLimitedUsesServiceDefaultLockout(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	k := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	p.Add(k)

	require.NoError(t, p.MarkRateLimited(k.Hash))
	assert.True(t, k.RateLimitedUntil.After(k.RateLimitedAt))
	assert.False(t, k.RateLimitedUntil.Before(k.RateLimitedAt), "RateLimitedUntil >= RateLimitedAt invariant")
}

func TestPool_UpdateRateLimitsOverridesDefaultLockout(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	k := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	p.Add(k)

	resetAt := time.Now().Add(5 * time.Minute)
	require.NoError(t, p.UpdateRateLimits(k.Hash, resetAt))
	assert.WithinDuration(t, resetAt, k.RateLimitedUntil, time.Second)
}

func TestPool_IncrementUsageDisablesOpenAIKeyAtHardLimit(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	k := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	k.OpenAI.HardLimit = 0.001 // tiny, so a handful of tokens crosses it
	p.Add(k)

	require.NoError(t, p.IncrementUsage(k.Hash, types.FamilyGPT4, 1000))
	assert.True(t, k.IsDisabled)
	assert.Equal(t, types.DisableQuota, k.Reason)
	assert.EqualValues(t, 1000, k.TokensUsed[types.FamilyGPT4])
}

func TestPool_GetLockoutPeriodFamilyZeroWhenAnyKeyIsFree(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	limited := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	limited.RateLimitedUntil = time.Now().Add(time.Minute)
	p.Add(limited)
	p.Add(types.NewKey(types.ServiceOpenAI, "sk-b", "salt", types.FamilyGPT4))

	d, err := p.GetLockoutPeriodFamily(types.FamilyGPT4)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestPool_GetLockoutPeriodFamilyReturnsMinimumRemaining(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	now := time.Now()
	soon := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	soon.RateLimitedUntil = now.Add(10 * time.Second)
	p.Add(soon)
	later := types.NewKey(types.ServiceOpenAI, "sk-b", "salt", types.FamilyGPT4)
	later.RateLimitedUntil = now.Add(time.Minute)
	p.Add(later)

	d, err := p.GetLockoutPeriodFamily(types.FamilyGPT4)
	require.NoError(t, err)
	assert.LessOrEqual(t, d, 10*time.Second)
}

func TestPool_GetLockoutPeriodFamilyErrorsWhenNoKeySupportsFamily(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	p.Add(types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyTurbo))

	_, err := p.GetLockoutPeriodFamily(types.FamilyGPT4)
	require.Error(t, err)
}

func TestPool_ListRedactsSecrets(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	p.Add(types.NewKey(types.ServiceOpenAI, "sk-super-secret-value", "salt", types.FamilyGPT4))

	list := p.List()
	require.Len(t, list, 1)
	assert.NotContains(t, list[0].Secret, "super-secret")
}

func TestPool_AnyUncheckedAndRecheck(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	k := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	k.LastChecked = time.Now()
	p.Add(k)
	assert.False(t, p.AnyUnchecked())

	p.Recheck()
	assert.True(t, p.AnyUnchecked())
}

func TestPool_PersistAsyncSavesMutationsWithoutBlockingCaller(t *testing.T) {
	persist := &fakePersister{}
	p := New(types.ServiceOpenAI, persist, nil)
	k := types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4)
	p.Add(k)

	require.NoError(t, p.Disable(k.Hash, types.DisableRevoked))

	require.Eventually(t, func() bool {
		return persist.count() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestPool_AvailableCountsOnlyHealthyUnlimitedKeys(t *testing.T) {
	p := New(types.ServiceOpenAI, nil, nil)
	p.Add(types.NewKey(types.ServiceOpenAI, "sk-a", "salt", types.FamilyGPT4))
	disabled := types.NewKey(types.ServiceOpenAI, "sk-b", "salt", types.FamilyGPT4)
	disabled.IsDisabled = true
	p.Add(disabled)
	limited := types.NewKey(types.ServiceOpenAI, "sk-c", "salt", types.FamilyGPT4)
	limited.RateLimitedUntil = time.Now().Add(time.Minute)
	p.Add(limited)

	assert.Equal(t, 1, p.Available("gpt-4"))
}
