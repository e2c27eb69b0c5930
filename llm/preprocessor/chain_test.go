package preprocessor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/llmgate/llm/budget"
	"github.com/relaymesh/llmgate/types"
)

type fakeUserStore struct {
	users map[string]*types.User
}

func (s *fakeUserStore) Get(token string) (*types.User, bool) {
	u, ok := s.users[token]
	return u, ok
}

func newRC(inbound types.APIFormat) *types.RequestContext {
	rc := types.NewRequestContext("req-1")
	rc.InboundAPI = inbound
	return rc
}

func TestChain_SetsModelFamilyAndService(t *testing.T) {
	c := New(Config{})
	rc := newRC(types.FormatOpenAI)
	req := &types.ChatRequest{Model: "gpt-4", Messages: []types.Message{types.NewUserMessage("hi")}, MaxTokens: 64}

	err := c.RunPreQueue(context.Background(), rc, req)
	require.NoError(t, err)
	assert.Equal(t, types.FamilyGPT4, rc.ModelFamily)
	assert.Equal(t, types.ServiceOpenAI, rc.Service)
	assert.Greater(t, rc.PromptTokens, 0)
}

func TestChain_RejectsUnrecognizedModel(t *testing.T) {
	c := New(Config{})
	rc := newRC(types.FormatOpenAI)
	req := &types.ChatRequest{Model: "nonsense-model-xyz", Messages: []types.Message{types.NewUserMessage("hi")}}

	err := c.RunPreQueue(context.Background(), rc, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestChain_TransformsOutboundOnDialectMismatch(t *testing.T) {
	c := New(Config{})
	rc := newRC(types.FormatOpenAI)
	rc.OutboundAPI = types.FormatAnthropicText
	req := &types.ChatRequest{Model: "claude-2.1", Messages: []types.Message{types.NewUserMessage("hi")}, MaxTokens: 32}

	err := c.RunPreQueue(context.Background(), rc, req)
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, "Human: hi")
}

func TestChain_SkipsTransformOnRetry(t *testing.T) {
	c := New(Config{})
	rc := newRC(types.FormatOpenAI)
	rc.OutboundAPI = types.FormatAnthropicText
	rc.RetryCount = 1
	req := &types.ChatRequest{Model: "claude-2.1", Messages: []types.Message{types.NewUserMessage("hi")}, MaxTokens: 32}

	err := c.RunPreQueue(context.Background(), rc, req)
	require.NoError(t, err)
	assert.Empty(t, req.Prompt)
}

func TestChain_ValidateContextSize_RejectsOversizedRequest(t *testing.T) {
	c := New(Config{MaxContextTokens: map[types.Service]int{types.ServiceOpenAI: 100}})
	rc := newRC(types.FormatOpenAI)
	req := &types.ChatRequest{
		Model:     "gpt-4",
		Messages:  []types.Message{types.NewUserMessage("hi")},
		MaxTokens: 1000,
	}

	err := c.RunPreQueue(context.Background(), rc, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrContextTooLarge, types.GetErrorCode(err))
}

func TestChain_ValidateContextSize_AppliesClaudeSafetyFactor(t *testing.T) {
	cfg := Config{}
	rc := newRC(types.FormatAnthropicText)
	rc.ModelFamily = types.FamilyClaude
	rc.PromptTokens = int(float64(modelContextLimits[types.FamilyClaude]) * claudeSafetyFactor)
	req := &types.ChatRequest{Model: "claude-2.1", MaxTokens: 1}

	err := validateContextSizeStage(cfg)(context.Background(), rc, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrContextTooLarge, types.GetErrorCode(err))
}

func TestChain_ApplyQuotaLimits_RejectsOverLimitUser(t *testing.T) {
	user := types.NewUser("user-1", types.UserNormal)
	user.TokenLimits[types.FamilyGPT4] = 100
	user.TokenCounts[types.FamilyGPT4] = 90
	store := &fakeUserStore{users: map[string]*types.User{"user-1": user}}

	cfg := Config{Users: store}
	rc := newRC(types.FormatOpenAI)
	rc.UserToken = "user-1"
	rc.ModelFamily = types.FamilyGPT4
	rc.PromptTokens = 5
	rc.OutputTokens = 20
	req := &types.ChatRequest{Model: "gpt-4"}

	err := applyQuotaLimitsStage(cfg)(context.Background(), rc, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrQuotaExceeded, types.GetErrorCode(err))
	assert.EqualValues(t, 90, user.TokenCounts[types.FamilyGPT4], "applyQuotaLimits must not mutate tokenCounts")
}

func TestChain_ApplyQuotaLimits_SpecialUserBypasses(t *testing.T) {
	user := types.NewUser("user-2", types.UserSpecial)
	user.TokenLimits[types.FamilyGPT4] = 1
	store := &fakeUserStore{users: map[string]*types.User{"user-2": user}}

	cfg := Config{Users: store}
	rc := newRC(types.FormatOpenAI)
	rc.UserToken = "user-2"
	rc.ModelFamily = types.FamilyGPT4
	rc.PromptTokens = 10000
	req := &types.ChatRequest{Model: "gpt-4"}

	err := applyQuotaLimitsStage(cfg)(context.Background(), rc, req)
	require.NoError(t, err)
}

func TestChain_ValidateVision_RejectsImageOnDisallowedService(t *testing.T) {
	cfg := Config{AllowedVisionServices: map[types.Service]bool{types.ServiceOpenAI: true}}
	rc := newRC(types.FormatAnthropicText)
	rc.Service = types.ServiceAnthropic
	req := &types.ChatRequest{Messages: []types.Message{
		{Role: types.RoleUser, Content: "look", Images: []types.ImageContent{{Type: "base64", Data: "Zm9v"}}},
	}}

	err := validateVisionStage(cfg)(context.Background(), rc, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestChain_ValidateVision_AllowsSpecialUserAnywhere(t *testing.T) {
	user := types.NewUser("user-3", types.UserSpecial)
	store := &fakeUserStore{users: map[string]*types.User{"user-3": user}}
	cfg := Config{Users: store}
	rc := newRC(types.FormatAnthropicText)
	rc.Service = types.ServiceAnthropic
	rc.UserToken = "user-3"
	req := &types.ChatRequest{Messages: []types.Message{
		{Role: types.RoleUser, Content: "look", Images: []types.ImageContent{{Type: "base64", Data: "Zm9v"}}},
	}}

	err := validateVisionStage(cfg)(context.Background(), rc, req)
	require.NoError(t, err)
}

func TestChain_RunSigning_NoopWithoutKey(t *testing.T) {
	c := New(Config{})
	rc := newRC(types.FormatOpenAI)
	req := &types.ChatRequest{Model: "gpt-4"}

	err := c.RunSigning(context.Background(), rc, req)
	require.NoError(t, err)
	assert.Nil(t, rc.SignedRequest)
}

func TestChain_RunSigning_BuildsAzureSignedRequest(t *testing.T) {
	c := New(Config{})
	rc := newRC(types.FormatOpenAI)
	rc.Service = types.ServiceAzure
	rc.Key = types.NewKey(types.ServiceAzure, "secret-key", "salt", types.FamilyAzureGPT4)
	rc.Key.Azure.ResourceName = "my-resource"
	rc.Key.Azure.DeploymentID = "gpt4-deployment"
	req := &types.ChatRequest{Model: "gpt-4"}

	err := c.RunSigning(context.Background(), rc, req)
	require.NoError(t, err)
	require.NotNil(t, rc.SignedRequest)
	assert.Contains(t, rc.SignedRequest.Path, "/openai/deployments/gpt4-deployment/chat/completions")
	assert.Equal(t, "secret-key", rc.SignedRequest.Headers["api-key"])
}

func TestChain_RunSigning_BuildsGoogleAISignedRequest(t *testing.T) {
	c := New(Config{})
	rc := newRC(types.FormatOpenAI)
	rc.Service = types.ServiceGoogleAI
	rc.Key = types.NewKey(types.ServiceGoogleAI, "api-key-123", "salt", types.FamilyGeminiPro)
	req := &types.ChatRequest{Model: "gemini-pro", Messages: []types.Message{types.NewUserMessage("hi")}}

	err := c.RunSigning(context.Background(), rc, req)
	require.NoError(t, err)
	require.NotNil(t, rc.SignedRequest)
	assert.Contains(t, rc.SignedRequest.Path, "key=api-key-123")
}

func TestChain_RunSigning_InjectsAnthropicPreambleWhenFlagged(t *testing.T) {
	c := New(Config{})
	rc := newRC(types.FormatOpenAI)
	rc.Service = types.ServiceAnthropic
	rc.OutboundAPI = types.FormatAnthropicText
	rc.Key = types.NewKey(types.ServiceAnthropic, "secret", "salt", types.FamilyClaude)
	rc.Key.Anthropic.RequiresPreamble = true
	req := &types.ChatRequest{Model: "claude-2.1"}
	req.Prompt = "\n\nSystem: be terse\n\nAssistant:"

	err := c.RunSigning(context.Background(), rc, req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(req.Prompt, "\n\nHuman:"))
}

func TestChain_RunSigning_LeavesWellFormedPromptAlone(t *testing.T) {
	c := New(Config{})
	rc := newRC(types.FormatOpenAI)
	rc.Service = types.ServiceAnthropic
	rc.OutboundAPI = types.FormatAnthropicText
	rc.Key = types.NewKey(types.ServiceAnthropic, "secret", "salt", types.FamilyClaude)
	rc.Key.Anthropic.RequiresPreamble = true
	req := &types.ChatRequest{Model: "claude-2.1"}
	req.Prompt = "\n\nHuman: hi\n\nAssistant:"

	err := c.RunSigning(context.Background(), rc, req)
	require.NoError(t, err)
	assert.Equal(t, "\n\nHuman: hi\n\nAssistant:", req.Prompt)
}

func TestChain_BudgetGuard_RejectsOverPerRequestCeiling(t *testing.T) {
	mgr := budget.NewTokenBudgetManager(budget.BudgetConfig{
		MaxTokensPerRequest: 100,
		MaxTokensPerMinute:  1000,
		MaxTokensPerHour:    1000,
		MaxTokensPerDay:     1000,
		MaxCostPerRequest:   100,
		MaxCostPerDay:       100,
	}, zap.NewNop())
	cfg := Config{Budget: mgr}
	rc := newRC(types.FormatOpenAI)
	rc.PromptTokens = 500
	req := &types.ChatRequest{Model: "gpt-4"}

	err := budgetGuardStage(cfg)(context.Background(), rc, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrBudgetExceeded, types.GetErrorCode(err))
}

func TestChain_BudgetGuard_NoopWithoutBudget(t *testing.T) {
	rc := newRC(types.FormatOpenAI)
	rc.PromptTokens = 1_000_000
	req := &types.ChatRequest{Model: "gpt-4"}

	err := budgetGuardStage(Config{})(context.Background(), rc, req)
	require.NoError(t, err)
}

func TestChain_BeforeAfterTransformHooksRun(t *testing.T) {
	var beforeRan, afterRan bool
	cfg := Config{
		BeforeTransform: func(_ context.Context, _ *types.RequestContext, _ *types.ChatRequest) error {
			beforeRan = true
			return nil
		},
		AfterTransform: func(_ context.Context, _ *types.RequestContext, _ *types.ChatRequest) error {
			afterRan = true
			return nil
		},
	}
	c := New(cfg)
	rc := newRC(types.FormatOpenAI)
	req := &types.ChatRequest{Model: "gpt-4", Messages: []types.Message{types.NewUserMessage("hi")}, MaxTokens: 16}

	err := c.RunPreQueue(context.Background(), rc, req)
	require.NoError(t, err)
	assert.True(t, beforeRan)
	assert.True(t, afterRan)
}
