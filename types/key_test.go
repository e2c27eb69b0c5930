package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey_HashIsStableAndRedacted(t *testing.T) {
	k := NewKey(ServiceOpenAI, "sk-abcdefghijklmnop", "salt", FamilyGPT4, FamilyTurbo)
	require.Len(t, k.Hash, 12)

	again := NewKey(ServiceOpenAI, "sk-abcdefghijklmnop", "salt", FamilyGPT4, FamilyTurbo)
	assert.Equal(t, k.Hash, again.Hash, "hash must be deterministic for the same secret+salt")

	diffSalt := NewKey(ServiceOpenAI, "sk-abcdefghijklmnop", "other-salt", FamilyGPT4)
	assert.NotEqual(t, k.Hash, diffSalt.Hash)

	assert.True(t, k.SupportsFamily(FamilyGPT4))
	assert.False(t, k.SupportsFamily(FamilyClaude))

	red := k.Redacted()
	assert.NotEqual(t, k.Secret, red.Secret)
	assert.Contains(t, red.Secret, "…")
}

func TestKey_RateLimitInvariant(t *testing.T) {
	k := NewKey(ServiceAnthropic, "secret", "salt", FamilyClaude)
	now := time.Now()
	k.RateLimitedAt = now
	k.RateLimitedUntil = now.Add(2 * time.Second)

	assert.True(t, k.RateLimitedUntil.After(k.RateLimitedAt) || k.RateLimitedUntil.Equal(k.RateLimitedAt))
	assert.True(t, k.IsRateLimited(now.Add(time.Second)))
	assert.False(t, k.IsRateLimited(now.Add(3*time.Second)))
}

func TestKey_DisabledNeverHealthy(t *testing.T) {
	k := NewKey(ServiceOpenAI, "secret", "salt", FamilyGPT4)
	assert.True(t, k.IsHealthy())
	k.IsDisabled = true
	k.Reason = DisableQuota
	assert.False(t, k.IsHealthy())
}

func TestUser_BypassAndQuota(t *testing.T) {
	special := NewUser("tok-1", UserSpecial)
	assert.True(t, special.BypassesQuota())

	normal := NewUser("tok-2", UserNormal)
	normal.TokenLimits[FamilyGPT4] = 100
	normal.TokenCounts[FamilyGPT4] = 90
	remaining, unlimited := normal.RemainingQuota(FamilyGPT4)
	assert.False(t, unlimited)
	assert.Equal(t, int64(10), remaining)

	normal.TokenCounts[FamilyGPT4] = 100
	remaining, unlimited = normal.RemainingQuota(FamilyGPT4)
	assert.False(t, unlimited)
	assert.Equal(t, int64(0), remaining)
}

func TestUser_DisabledNeverAuthenticates(t *testing.T) {
	u := NewUser("tok-3", UserNormal)
	assert.False(t, u.IsDisabled())
	now := time.Now()
	u.DisabledAt = &now
	assert.True(t, u.IsDisabled())
}

func TestModelFamily_Resolution(t *testing.T) {
	cases := map[string]ModelFamily{
		"gpt-4-32k-0613":     FamilyGPT4_32k,
		"gpt-4-turbo":        FamilyGPT4Turbo,
		"gpt-4":              FamilyGPT4,
		"gpt-3.5-turbo":      FamilyTurbo,
		"claude-3-opus":      FamilyClaude,
		"claude-3-haiku":     FamilyAWSClaude,
		"gemini-pro":         FamilyGeminiPro,
		"mistral-small-2402": FamilyMistralSm,
	}
	for model, want := range cases {
		got, ok := ResolveModelFamily(model)
		require.True(t, ok, model)
		assert.Equal(t, want, got, model)
	}
}

func TestRequestContext_ProceedInvokedExactlyOnce(t *testing.T) {
	rc := NewRequestContext("req-1")
	calls := 0
	rc.SetProceed(func() { calls++ })
	rc.Proceed()
	rc.Proceed()
	assert.Equal(t, 1, calls)

	rc.SetProceed(func() { calls++ })
	rc.Proceed()
	assert.Equal(t, 2, calls)
}

func TestRequestContext_Identifier(t *testing.T) {
	rc := NewRequestContext("req-2")
	rc.ClientIP = "1.2.3.4"
	assert.Equal(t, "1.2.3.4", rc.Identifier())
	rc.RisuToken = "risu-1"
	assert.Equal(t, "risu-1", rc.Identifier())
	rc.UserToken = "user-1"
	assert.Equal(t, "user-1", rc.Identifier())
}

func TestRequestContext_AbortFiresCallbacksOnce(t *testing.T) {
	rc := NewRequestContext("req-3")
	fired := 0
	rc.OnAborted(func() { fired++ })
	rc.Abort()
	rc.Abort()
	assert.Equal(t, 1, fired)

	rc2 := NewRequestContext("req-4")
	rc2.Abort()
	fired2 := 0
	rc2.OnAborted(func() { fired2++ })
	assert.Equal(t, 1, fired2, "OnAborted after Abort should run immediately")
}

func TestErrorTaxonomy(t *testing.T) {
	err := QuotaExceeded("over limit")
	assert.Equal(t, ErrQuotaExceeded, GetErrorCode(err))
	assert.Equal(t, 429, err.HTTPStatus)
	assert.False(t, IsRetryable(err))

	retryable := RetryableSentinel()
	assert.True(t, IsRetryable(retryable))
}
