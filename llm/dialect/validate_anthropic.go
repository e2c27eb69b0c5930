package dialect

import (
	"encoding/json"

	"github.com/relaymesh/llmgate/types"
)

// anthropicTextWire is the strict inbound shape for the anthropic-text
// (legacy /v1/complete) dialect.
type anthropicTextWire struct {
	Model             string      `json:"model"`
	Prompt            string      `json:"prompt"`
	MaxTokensToSample int         `json:"max_tokens_to_sample"`
	StopSequences     []string    `json:"stop_sequences,omitempty"`
	Temperature       json.Number `json:"temperature,omitempty"`
	TopP              json.Number `json:"top_p,omitempty"`
	TopK              json.Number `json:"top_k,omitempty"`
	Stream            bool        `json:"stream,omitempty"`
}

// ValidateAnthropicText decodes and normalizes an anthropic-text body
//: prompt is required, max_tokens_to_sample clamped to
// lim.MaxTokensCeiling, sampling parameters default per lim.
func ValidateAnthropicText(body []byte, lim Limits) (*types.ChatRequest, error) {
	var wire anthropicTextWire
	if err := strictDecode(body, &wire); err != nil {
		return nil, err
	}
	if wire.Model == "" {
		return nil, types.Validation("model is required", types.FieldIssue{Path: "model", Message: "required"})
	}
	if wire.Prompt == "" {
		return nil, types.Validation("prompt is required", types.FieldIssue{Path: "prompt", Message: "required"})
	}
	maxTokens := wire.MaxTokensToSample
	if maxTokens <= 0 || maxTokens > lim.MaxTokensCeiling {
		maxTokens = lim.MaxTokensCeiling
	}
	return &types.ChatRequest{
		Model:       wire.Model,
		Prompt:      wire.Prompt,
		MaxTokens:   maxTokens,
		Temperature: numberOr(wire.Temperature, lim.DefaultTemp),
		TopP:        numberOr(wire.TopP, lim.DefaultTopP),
		TopK:        intOr(wire.TopK, lim.DefaultTopK),
		Stop:        dedupStrings(wire.StopSequences),
		Stream:      wire.Stream,
		N:           1,
	}, nil
}

// anthropicChatWire is the strict inbound shape for the anthropic-chat
// (/v1/messages) dialect.
type anthropicChatWire struct {
	Model       string            `json:"model"`
	System      string            `json:"system,omitempty"`
	Messages    []wireMessage     `json:"messages"`
	MaxTokens   int               `json:"max_tokens"`
	StopSeqs    []string          `json:"stop_sequences,omitempty"`
	Temperature json.Number       `json:"temperature,omitempty"`
	TopP        json.Number       `json:"top_p,omitempty"`
	TopK        json.Number       `json:"top_k,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ValidateAnthropicChat decodes and normalizes an anthropic-chat body: the
// system field becomes a leading system message, messages are carried
// through verbatim, max_tokens defaults to lim's ceiling when absent or
// non-positive and is clamped to that ceiling.
func ValidateAnthropicChat(body []byte, lim Limits) (*types.ChatRequest, error) {
	var wire anthropicChatWire
	if err := strictDecode(body, &wire); err != nil {
		return nil, err
	}
	if wire.Model == "" {
		return nil, types.Validation("model is required", types.FieldIssue{Path: "model", Message: "required"})
	}
	if len(wire.Messages) == 0 {
		return nil, types.Validation("messages is required", types.FieldIssue{Path: "messages", Message: "required"})
	}

	msgs := make([]types.Message, 0, len(wire.Messages)+1)
	if wire.System != "" {
		msgs = append(msgs, types.NewSystemMessage(wire.System))
	}
	for _, m := range wire.Messages {
		if m.Role == "" || m.Content == "" {
			return nil, types.Validation("each message requires a role and content",
				types.FieldIssue{Path: "messages", Message: "role and content are required"})
		}
		msgs = append(msgs, types.Message{Role: types.Role(m.Role), Content: m.Content, Name: m.Name})
	}

	maxTokens := wire.MaxTokens
	if maxTokens <= 0 || maxTokens > lim.MaxTokensCeiling {
		maxTokens = lim.MaxTokensCeiling
	}

	return &types.ChatRequest{
		Model:       wire.Model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: numberOr(wire.Temperature, lim.DefaultTemp),
		TopP:        numberOr(wire.TopP, lim.DefaultTopP),
		TopK:        intOr(wire.TopK, lim.DefaultTopK),
		Stop:        dedupStrings(wire.StopSeqs),
		Stream:      wire.Stream,
		N:           1,
	}, nil
}
