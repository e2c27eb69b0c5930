package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

func TestCountTokens_IdempotentForSameInput(t *testing.T) {
	req := CountRequest{
		Model:   "gpt-4",
		Service: types.ServiceOpenAI,
		Messages: []types.Message{
			types.NewUserMessage("What is the capital of France?"),
		},
	}
	first, err := CountTokens(req)
	require.NoError(t, err)
	second, err := CountTokens(req)
	require.NoError(t, err)
	assert.Equal(t, first.TokenCount, second.TokenCount)
}

func TestCountTokens_OpenAIPerMessageOverhead(t *testing.T) {
	req := CountRequest{
		Model:   "gpt-4",
		Service: types.ServiceOpenAI,
		Messages: []types.Message{
			types.NewUserMessage("Hi"),
		},
	}
	res, err := CountTokens(req)
	require.NoError(t, err)
	// 3 (per-message) + role/content tokens + 3 (priming) is always >= 6.
	assert.GreaterOrEqual(t, res.TokenCount, 6)
	assert.Equal(t, "cl100k_base", res.Tokenizer)
}

func TestCountTokens_AnthropicFramingDiffersFromOpenAI(t *testing.T) {
	msgs := []types.Message{types.NewUserMessage("Hi")}
	openai, err := CountTokens(CountRequest{Model: "gpt-4", Service: types.ServiceOpenAI, Messages: msgs})
	require.NoError(t, err)
	anthropic, err := CountTokens(CountRequest{Service: types.ServiceAnthropic, Messages: msgs})
	require.NoError(t, err)
	assert.NotEqual(t, openai.TokenCount, anthropic.TokenCount)
	assert.Equal(t, "claude-bpe-approx", anthropic.Tokenizer)
}

func TestCountTokens_RejectsOversizedContent(t *testing.T) {
	huge := strings.Repeat("a", contentCharLimit+1)
	_, err := CountTokens(CountRequest{
		Service:  types.ServiceOpenAI,
		Messages: []types.Message{types.NewUserMessage(huge)},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrContextTooLarge, types.GetErrorCode(err))
}

func TestCountTokens_RejectsRemoteImageURL(t *testing.T) {
	_, err := CountTokens(CountRequest{
		Service: types.ServiceOpenAI,
		Messages: []types.Message{
			{
				Role:    types.RoleUser,
				Content: "describe this",
				Images:  []types.ImageContent{{Type: "url", URL: "https://example.com/cat.png"}},
			},
		},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestResizeForVision_MatchesSpecArithmetic(t *testing.T) {
	// 1600x900 -> longer side clamped to a <=2048, shorter side -> 768.
	w, h := resizeForVision(1600, 900)
	assert.Equal(t, 768, h)
	assert.InDelta(t, 1365, w, 2) // 1600 * (768/900) ~= 1365.33
}

func TestImageTokenCost_KnownModel(t *testing.T) {
	tokens, cents, err := ImageTokenCost(ImageCostRequest{
		Model: "dall-e-3", Quality: "hd", Resolution: "1024x1024", N: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 16, cents)
	assert.Equal(t, 16*dalleTokensPerUSD/100, tokens)
}

func TestImageTokenCost_UnknownModel(t *testing.T) {
	_, _, err := ImageTokenCost(ImageCostRequest{Model: "nonexistent", Resolution: "1024x1024"})
	require.Error(t, err)
}
