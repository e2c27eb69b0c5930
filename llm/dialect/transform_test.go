package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

func TestValidateOpenAI_RejectsUnknownField(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"bogus":1}`)
	_, err := ValidateOpenAI(body, DefaultLimits())
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestValidateOpenAI_ClampsMaxTokensAndDefaults(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"max_tokens":999999}`)
	req, err := ValidateOpenAI(body, Limits{MaxTokensCeiling: 4096, DefaultTemp: 1, DefaultTopP: 1})
	require.NoError(t, err)
	assert.Equal(t, 4096, req.MaxTokens)
	assert.Equal(t, float32(1), req.Temperature)
	assert.Equal(t, 1, req.N)
}

func TestValidateOpenAI_RejectsMultipleCompletions(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"n":3}`)
	_, err := ValidateOpenAI(body, DefaultLimits())
	require.Error(t, err)
}

// TestScenario2_OpenAIToAnthropicText exercises the openai-to-anthropic-text
// conversion's flattened-prompt shape end to end.
func TestScenario2_OpenAIToAnthropicText(t *testing.T) {
	req := &types.ChatRequest{
		Model:     "gpt-4",
		Messages:  []types.Message{types.NewUserMessage("Hi")},
		MaxTokens: 256,
		Stream:    false,
	}
	out := ToAnthropicText(req, "claude-2.1")
	assert.Equal(t, "\n\nHuman: Hi\n\nAssistant:", out.Prompt)
	assert.Equal(t, 256, out.MaxTokensToSample)
	assert.ElementsMatch(t, []string{"\n\nHuman:", "\n\nSystem:"}, out.StopSequences)
}

func TestOpenAIToAnthropicChat_RoundTripPreservesRoleOrdering(t *testing.T) {
	original := &types.ChatRequest{
		Model: "gpt-4",
		Messages: []types.Message{
			types.NewSystemMessage("Be terse."),
			types.NewUserMessage("Hello"),
			types.NewAssistantMessage("Hi there"),
			types.NewUserMessage("How are you?"),
		},
		MaxTokens: 128,
	}

	anthropic := ToAnthropicChat(original, "claude-3-sonnet")
	assert.Equal(t, "Be terse.", anthropic.System)
	require.Len(t, anthropic.Messages, 3)
	assert.Equal(t, "user", anthropic.Messages[0].Role)
	assert.Equal(t, "assistant", anthropic.Messages[1].Role)
	assert.Equal(t, "user", anthropic.Messages[2].Role)

	back := FromAnthropicChatToOpenAI(anthropic)
	require.Len(t, back.Messages, 4)
	assert.Equal(t, types.RoleSystem, back.Messages[0].Role)
	assert.Equal(t, types.RoleUser, back.Messages[1].Role)
	assert.Equal(t, types.RoleAssistant, back.Messages[2].Role)
	assert.Equal(t, types.RoleUser, back.Messages[3].Role)
	assert.Equal(t, "Hello", back.Messages[1].Content)
	assert.Equal(t, "Hi there", back.Messages[2].Content)
}

func TestToAnthropicChat_TrimsTrailingWhitespaceOnFinalAssistantTurn(t *testing.T) {
	req := &types.ChatRequest{
		Messages: []types.Message{
			types.NewUserMessage("Hi"),
			types.NewAssistantMessage("Hello there  \n"),
		},
	}
	out := ToAnthropicChat(req, "claude-3-sonnet")
	assert.Equal(t, "Hello there", out.Messages[len(out.Messages)-1].Content)
}

func TestToGoogleAI_CollapsesAdjacentSameRoleAndMapsAssistantToModel(t *testing.T) {
	req := &types.ChatRequest{
		Messages: []types.Message{
			types.NewUserMessage("Part one."),
			types.NewUserMessage("Part two."),
			types.NewAssistantMessage("Reply."),
		},
	}
	out := ToGoogleAI(req)
	require.Len(t, out.Contents, 2)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Contains(t, out.Contents[0].Parts[0].Text, "Part one.")
	assert.Contains(t, out.Contents[0].Parts[0].Text, "Part two.")
	assert.Equal(t, "model", out.Contents[1].Role)
	for _, s := range out.SafetySettings {
		assert.Equal(t, "BLOCK_NONE", s.Threshold)
	}
}

func TestToMistral_EnsuresFinalMessageIsUser(t *testing.T) {
	req := &types.ChatRequest{
		Messages: []types.Message{
			types.NewUserMessage("Hi"),
			types.NewAssistantMessage("Hello"),
		},
	}
	out := ToMistral(req, "mistral-small")
	assert.Equal(t, "user", out.Messages[len(out.Messages)-1].Role)
}

func TestToOpenAIImage_RequiresImageMarker(t *testing.T) {
	req := &types.ChatRequest{Messages: []types.Message{types.NewUserMessage("a cat")}}
	_, err := ToOpenAIImage(req, "dall-e-3")
	require.Error(t, err)

	req2 := &types.ChatRequest{Messages: []types.Message{types.NewUserMessage("Image: a cat in a hat")}}
	out, err := ToOpenAIImage(req2, "dall-e-3")
	require.NoError(t, err)
	assert.Equal(t, "a cat in a hat", out.Prompt)
}

func TestReassignForAWS_FallsBackToSonnet(t *testing.T) {
	assert.Contains(t, ReassignForAWS("claude-3-haiku-20240307"), "haiku")
	assert.Equal(t, "anthropic.claude-3-sonnet-20240229-v1:0", ReassignForAWS("some-unknown-model"))
}
