package keypool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

func buildAggregate() (*Aggregate, *Pool, *Pool) {
	openai := New(types.ServiceOpenAI, nil, nil)
	anthropic := New(types.ServiceAnthropic, nil, nil)
	agg := NewAggregate()
	agg.Register(openai)
	agg.Register(anthropic)
	return agg, openai, anthropic
}

func TestAggregate_GetRoutesToOwningServicePool(t *testing.T) {
	agg, openaiPool, anthropicPool := buildAggregate()
	openaiPool.Add(types.NewKey(types.ServiceOpenAI, "sk-openai", "salt", types.FamilyGPT4))
	anthropicPool.Add(types.NewKey(types.ServiceAnthropic, "sk-anthropic", "salt", types.FamilyClaude))

	got, err := agg.Get("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, types.ServiceOpenAI, got.Service)
}

func TestAggregate_GetErrorsWhenServiceHasNoPool(t *testing.T) {
	agg := NewAggregate()
	_, err := agg.Get("gpt-4")
	require.Error(t, err)
}

func TestAggregate_DisableRoutesToOwningPool(t *testing.T) {
	agg, openaiPool, _ := buildAggregate()
	k := types.NewKey(types.ServiceOpenAI, "sk-openai", "salt", types.FamilyGPT4)
	openaiPool.Add(k)

	require.NoError(t, agg.Disable(k.Hash, types.DisableRevoked))
	assert.True(t, k.IsDisabled)
}

func TestAggregate_DisableUnknownHashReturnsErrKeyNotFound(t *testing.T) {
	agg, _, _ := buildAggregate()
	err := agg.Disable("missing", types.DisableRevoked)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAggregate_ListAggregatesAcrossAllPools(t *testing.T) {
	agg, openaiPool, anthropicPool := buildAggregate()
	openaiPool.Add(types.NewKey(types.ServiceOpenAI, "sk-openai", "salt", types.FamilyGPT4))
	anthropicPool.Add(types.NewKey(types.ServiceAnthropic, "sk-anthropic", "salt", types.FamilyClaude))

	assert.Len(t, agg.List(), 2)
}

func TestAggregate_ServicesListsEveryRegisteredPool(t *testing.T) {
	agg, _, _ := buildAggregate()
	services := agg.Services()
	assert.ElementsMatch(t, []types.Service{types.ServiceOpenAI, types.ServiceAnthropic}, services)
}

func TestAggregate_AnyUncheckedTrueWhenAnyPoolHasUnprobedKeys(t *testing.T) {
	agg, openaiPool, anthropicPool := buildAggregate()
	probed := types.NewKey(types.ServiceOpenAI, "sk-openai", "salt", types.FamilyGPT4)
	probed.LastChecked = time.Now()
	openaiPool.Add(probed)
	anthropicPool.Add(types.NewKey(types.ServiceAnthropic, "sk-anthropic", "salt", types.FamilyClaude))

	assert.True(t, agg.AnyUnchecked())
}

func TestAggregate_GetLockoutPeriodFamilyRoutesToOwningPool(t *testing.T) {
	agg, openaiPool, _ := buildAggregate()
	openaiPool.Add(types.NewKey(types.ServiceOpenAI, "sk-openai", "salt", types.FamilyGPT4))

	d, err := agg.GetLockoutPeriodFamily(types.FamilyGPT4)
	require.NoError(t, err)
	assert.Zero(t, d)
}
