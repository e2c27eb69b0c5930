package userstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

type fakePersister struct {
	mu    sync.Mutex
	saved []*types.User
}

func (p *fakePersister) SaveUsers(users []*types.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, users...)
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

func TestStore_GetReturnsAddedUser(t *testing.T) {
	s := New(Config{}, nil, nil)
	u := types.NewUser("tok-1", types.UserNormal)
	s.Add(u)

	got, ok := s.Get("tok-1")
	require.True(t, ok)
	assert.Equal(t, "tok-1", got.Token)
}

func TestStore_GetUnknownTokenReturnsFalse(t *testing.T) {
	s := New(Config{}, nil, nil)
	_, ok := s.Get("missing")
	assert.False(t, ok)
}

func TestStore_AuthenticateRejectsUnknownToken(t *testing.T) {
	s := New(Config{}, nil, nil)
	_, err := s.Authenticate("missing", "1.2.3.4", time.Now())
	require.Error(t, err)
	assert.Equal(t, types.ErrAuth, types.GetErrorCode(err))
}

func TestStore_AuthenticateRejectsDisabledUser(t *testing.T) {
	s := New(Config{}, nil, nil)
	u := types.NewUser("tok-1", types.UserNormal)
	disabledAt := time.Now()
	u.DisabledAt = &disabledAt
	u.DisabledReason = "revoked"
	s.Add(u)

	_, err := s.Authenticate("tok-1", "1.2.3.4", time.Now())
	require.Error(t, err)
	var apiErr *types.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.HTTPStatus)
}

func TestStore_AuthenticateRejectsExpiredToken(t *testing.T) {
	s := New(Config{}, nil, nil)
	u := types.NewUser("tok-1", types.UserNormal)
	past := time.Now().Add(-time.Hour)
	u.ExpiresAt = &past
	s.Add(u)

	_, err := s.Authenticate("tok-1", "1.2.3.4", time.Now())
	require.Error(t, err)
}

func TestStore_AuthenticateRecordsNewIPUnderLimit(t *testing.T) {
	s := New(Config{MaxIPsPerUser: 2}, nil, nil)
	u := types.NewUser("tok-1", types.UserNormal)
	s.Add(u)

	_, err := s.Authenticate("tok-1", "1.1.1.1", time.Now())
	require.NoError(t, err)
	_, err = s.Authenticate("tok-1", "2.2.2.2", time.Now())
	require.NoError(t, err)

	got, _ := s.Get("tok-1")
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, got.IPs)
}

func TestStore_AuthenticateRejectsIPOverLimit(t *testing.T) {
	s := New(Config{MaxIPsPerUser: 1}, nil, nil)
	u := types.NewUser("tok-1", types.UserNormal)
	s.Add(u)

	_, err := s.Authenticate("tok-1", "1.1.1.1", time.Now())
	require.NoError(t, err)

	_, err = s.Authenticate("tok-1", "2.2.2.2", time.Now())
	require.Error(t, err)

	got, _ := s.Get("tok-1")
	assert.False(t, got.IsDisabled())
}

func TestStore_AuthenticateAutoBansOnIPLimitWhenConfigured(t *testing.T) {
	s := New(Config{MaxIPsPerUser: 1, MaxIPsAutoBan: true}, nil, nil)
	u := types.NewUser("tok-1", types.UserNormal)
	s.Add(u)

	_, err := s.Authenticate("tok-1", "1.1.1.1", time.Now())
	require.NoError(t, err)
	_, err = s.Authenticate("tok-1", "2.2.2.2", time.Now())
	require.Error(t, err)

	got, _ := s.Get("tok-1")
	assert.True(t, got.IsDisabled())
}

func TestStore_AuthenticateBypassesIPLimitForSpecialUsers(t *testing.T) {
	s := New(Config{MaxIPsPerUser: 1}, nil, nil)
	u := types.NewUser("tok-1", types.UserSpecial)
	s.Add(u)

	_, err := s.Authenticate("tok-1", "1.1.1.1", time.Now())
	require.NoError(t, err)
	_, err = s.Authenticate("tok-1", "2.2.2.2", time.Now())
	require.NoError(t, err)

	got, _ := s.Get("tok-1")
	assert.Empty(t, got.IPs, "special users are never added to the IP list")
}

func TestStore_IncrementUsageAccumulatesTokenCounts(t *testing.T) {
	s := New(Config{}, nil, nil)
	u := types.NewUser("tok-1", types.UserNormal)
	s.Add(u)

	s.IncrementUsage("tok-1", types.FamilyGPT4, 10, 5)
	s.IncrementUsage("tok-1", types.FamilyGPT4, 3, 2)

	got, _ := s.Get("tok-1")
	assert.EqualValues(t, 20, got.TokenCounts[types.FamilyGPT4])
	assert.EqualValues(t, 2, got.PromptCount)
}

func TestCheckQuota_RejectsWhenRequestExceedsRemaining(t *testing.T) {
	u := types.NewUser("tok-1", types.UserNormal)
	u.TokenLimits[types.FamilyGPT4] = 100
	u.TokenCounts[types.FamilyGPT4] = 90

	err := CheckQuota(u, types.FamilyGPT4, 11)
	require.Error(t, err)
	assert.Equal(t, types.ErrQuotaExceeded, types.GetErrorCode(err))
	assert.EqualValues(t, 90, u.TokenCounts[types.FamilyGPT4], "CheckQuota never mutates state")
}

func TestCheckQuota_AllowsWithinRemaining(t *testing.T) {
	u := types.NewUser("tok-1", types.UserNormal)
	u.TokenLimits[types.FamilyGPT4] = 100
	u.TokenCounts[types.FamilyGPT4] = 50

	assert.NoError(t, CheckQuota(u, types.FamilyGPT4, 10))
}

func TestCheckQuota_BypassesForSpecialUsers(t *testing.T) {
	u := types.NewUser("tok-1", types.UserSpecial)
	u.TokenLimits[types.FamilyGPT4] = 1

	assert.NoError(t, CheckQuota(u, types.FamilyGPT4, 1_000_000))
}

func TestStore_RunFlushesDirtyUsersOnInterval(t *testing.T) {
	persist := &fakePersister{}
	s := New(Config{}, persist, nil)
	u := types.NewUser("tok-1", types.UserNormal)
	s.Add(u)
	s.IncrementUsage("tok-1", types.FamilyGPT4, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return persist.count() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestStore_CloseFlushesRemainingDirtyUsers(t *testing.T) {
	persist := &fakePersister{}
	s := New(Config{}, persist, nil)
	u := types.NewUser("tok-1", types.UserNormal)
	s.Add(u)
	s.IncrementUsage("tok-1", types.FamilyGPT4, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, time.Hour)

	s.Close()
	assert.Equal(t, 1, persist.count())
}
