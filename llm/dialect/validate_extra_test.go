package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/llmgate/types"
)

func TestValidateAnthropicText_RequiresPrompt(t *testing.T) {
	body := []byte(`{"model":"claude-2","max_tokens_to_sample":256}`)
	_, err := ValidateAnthropicText(body, DefaultLimits())
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestValidateAnthropicText_ClampsMaxTokens(t *testing.T) {
	body := []byte(`{"model":"claude-2","prompt":"\n\nHuman: hi\n\nAssistant:","max_tokens_to_sample":999999}`)
	req, err := ValidateAnthropicText(body, Limits{MaxTokensCeiling: 4096, DefaultTemp: 1, DefaultTopP: 1})
	require.NoError(t, err)
	assert.Equal(t, 4096, req.MaxTokens)
}

func TestValidateAnthropicChat_SplitsSystemIntoLeadingMessage(t *testing.T) {
	body := []byte(`{"model":"claude-3","system":"be terse","messages":[{"role":"user","content":"hi"}],"max_tokens":256}`)
	req, err := ValidateAnthropicChat(body, DefaultLimits())
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, types.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, types.RoleUser, req.Messages[1].Role)
}

func TestValidateAnthropicChat_RejectsUnknownField(t *testing.T) {
	body := []byte(`{"model":"claude-3","messages":[{"role":"user","content":"hi"}],"max_tokens":256,"bogus":1}`)
	_, err := ValidateAnthropicChat(body, DefaultLimits())
	require.Error(t, err)
}

func TestValidateGoogleAI_MapsModelRoleToAssistant(t *testing.T) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]},{"role":"model","parts":[{"text":"hello"}]}]}`)
	req, err := ValidateGoogleAI(body, DefaultLimits())
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, types.RoleUser, req.Messages[0].Role)
	assert.Equal(t, types.RoleAssistant, req.Messages[1].Role)
}

func TestValidateGoogleAI_RequiresContents(t *testing.T) {
	_, err := ValidateGoogleAI([]byte(`{}`), DefaultLimits())
	require.Error(t, err)
}

func TestValidateMistral_RequiresModelAndMessages(t *testing.T) {
	_, err := ValidateMistral([]byte(`{"messages":[{"role":"user","content":"hi"}]}`), DefaultLimits())
	require.Error(t, err)
}

func TestValidateMistral_Normalizes(t *testing.T) {
	body := []byte(`{"model":"mistral-small","messages":[{"role":"user","content":"hi"}]}`)
	req, err := ValidateMistral(body, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, 1, req.N)
	assert.Equal(t, float32(1), req.Temperature)
}
