package dialect

import (
	"encoding/json"

	"github.com/relaymesh/llmgate/types"
)

// mistralWire is the strict inbound shape for the mistral-ai dialect, the
// same {role, content} turn shape as openai-chat.
type mistralWire struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   json.Number   `json:"max_tokens,omitempty"`
	Temperature json.Number   `json:"temperature,omitempty"`
	TopP        json.Number   `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ValidateMistral decodes and normalizes a mistral-ai chat body.
func ValidateMistral(body []byte, lim Limits) (*types.ChatRequest, error) {
	var wire mistralWire
	if err := strictDecode(body, &wire); err != nil {
		return nil, err
	}
	if wire.Model == "" {
		return nil, types.Validation("model is required", types.FieldIssue{Path: "model", Message: "required"})
	}
	if len(wire.Messages) == 0 {
		return nil, types.Validation("messages is required", types.FieldIssue{Path: "messages", Message: "required"})
	}
	msgs := make([]types.Message, 0, len(wire.Messages))
	for _, m := range wire.Messages {
		if m.Role == "" || m.Content == "" {
			return nil, types.Validation("each message requires a role and content",
				types.FieldIssue{Path: "messages", Message: "role and content are required"})
		}
		msgs = append(msgs, types.Message{Role: types.Role(m.Role), Content: m.Content, Name: m.Name})
	}

	maxTokens := intOr(wire.MaxTokens, lim.MaxTokensCeiling)
	if maxTokens > lim.MaxTokensCeiling {
		maxTokens = lim.MaxTokensCeiling
	}

	return &types.ChatRequest{
		Model:       wire.Model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: numberOr(wire.Temperature, lim.DefaultTemp),
		TopP:        numberOr(wire.TopP, lim.DefaultTopP),
		Stream:      wire.Stream,
		N:           1,
	}, nil
}
