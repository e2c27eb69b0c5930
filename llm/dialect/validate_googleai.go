package dialect

import (
	"encoding/json"

	"github.com/relaymesh/llmgate/types"
)

type googleAIContentWire struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

// googleAIWire is the strict inbound shape for the google-ai
// (generateContent) dialect. Google AI carries the model in the URL path
// rather than the body, so this shape has no model field and
// ValidateGoogleAI returns a request whose Model is empty.
type googleAIWire struct {
	Contents         []googleAIContentWire `json:"contents"`
	GenerationConfig struct {
		Temperature     json.Number `json:"temperature,omitempty"`
		TopP            json.Number `json:"topP,omitempty"`
		TopK            json.Number `json:"topK,omitempty"`
		MaxOutputTokens json.Number `json:"maxOutputTokens,omitempty"`
		StopSequences   []string    `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
}

// ValidateGoogleAI decodes and normalizes a google-ai generateContent body:
// model/content turns map onto user/assistant, generationConfig sampling
// parameters default per lim, max output tokens is clamped to lim's
// ceiling.
func ValidateGoogleAI(body []byte, lim Limits) (*types.ChatRequest, error) {
	var wire googleAIWire
	if err := strictDecode(body, &wire); err != nil {
		return nil, err
	}
	if len(wire.Contents) == 0 {
		return nil, types.Validation("contents is required", types.FieldIssue{Path: "contents", Message: "required"})
	}

	msgs := make([]types.Message, 0, len(wire.Contents))
	for _, c := range wire.Contents {
		if len(c.Parts) == 0 || c.Parts[0].Text == "" {
			return nil, types.Validation("each content entry requires a text part",
				types.FieldIssue{Path: "contents", Message: "text part is required"})
		}
		role := types.RoleUser
		if c.Role == "model" {
			role = types.RoleAssistant
		}
		var text string
		for i, p := range c.Parts {
			if i > 0 {
				text += "\n"
			}
			text += p.Text
		}
		msgs = append(msgs, types.Message{Role: role, Content: text})
	}

	maxTokens := intOr(wire.GenerationConfig.MaxOutputTokens, lim.MaxTokensCeiling)
	if maxTokens > lim.MaxTokensCeiling {
		maxTokens = lim.MaxTokensCeiling
	}

	return &types.ChatRequest{
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: numberOr(wire.GenerationConfig.Temperature, lim.DefaultTemp),
		TopP:        numberOr(wire.GenerationConfig.TopP, lim.DefaultTopP),
		TopK:        intOr(wire.GenerationConfig.TopK, lim.DefaultTopK),
		Stop:        dedupStrings(wire.GenerationConfig.StopSequences),
		N:           1,
	}, nil
}
