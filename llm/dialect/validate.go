package dialect

import (
	"bytes"
	"encoding/json"

	"github.com/relaymesh/llmgate/types"
)

// Limits carries the per-service normalization bounds applied on decode:
// max_tokens is clamped to a configured per-service ceiling, and
// temperature/top_p/top_k get defaults when the client omits them.
type Limits struct {
	MaxTokensCeiling int
	DefaultTemp      float32
	DefaultTopP      float32
	DefaultTopK      int
}

// DefaultLimits returns the conventional defaults used when a service
// hasn't overridden them via configuration.
func DefaultLimits() Limits {
	return Limits{MaxTokensCeiling: 4096, DefaultTemp: 1.0, DefaultTopP: 1.0, DefaultTopK: 0}
}

// openAIWire is the strict inbound shape for the openai/openai-text
// dialects. Unknown fields are rejected outright (strict validation);
// known-but-unused fields are simply not carried onto types.ChatRequest
// (pass-through stripping).
type openAIWire struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
	MaxTokens   json.Number     `json:"max_tokens,omitempty"`
	Temperature json.Number     `json:"temperature,omitempty"`
	TopP        json.Number     `json:"top_p,omitempty"`
	TopK        json.Number     `json:"top_k,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Stream      json.RawMessage `json:"stream,omitempty"`
	N           json.Number     `json:"n,omitempty"`
	Quality     string          `json:"quality,omitempty"`
	Size        string          `json:"size,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// strictDecode rejects any field the target struct doesn't declare,
// surfacing a ValidationError rather than silently ignoring typos in
// client-supplied bodies.
func strictDecode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.Validation("malformed request body", types.FieldIssue{Path: "$", Message: err.Error()})
	}
	return nil
}

func coerceBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "true" || s == "1"
	}
	return false
}

func coerceStops(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

func numberOr(n json.Number, fallback float32) float32 {
	if n == "" {
		return fallback
	}
	f, err := n.Float64()
	if err != nil {
		return fallback
	}
	return float32(f)
}

func intOr(n json.Number, fallback int) int {
	if n == "" {
		return fallback
	}
	i, err := n.Int64()
	if err != nil {
		return fallback
	}
	return int(i)
}

// ValidateOpenAI decodes and normalizes an openai/openai-text/openai-image
// chat body: n must be 1, stream/temperature/top_p/top_k coerced
// with defaults, max_tokens clamped to lim.MaxTokensCeiling.
func ValidateOpenAI(body []byte, lim Limits) (*types.ChatRequest, error) {
	var wire openAIWire
	if err := strictDecode(body, &wire); err != nil {
		return nil, err
	}
	if wire.Model == "" {
		return nil, types.Validation("model is required", types.FieldIssue{Path: "model", Message: "required"})
	}
	n := intOr(wire.N, 1)
	if n != 1 {
		return nil, types.Validation("only a single completion (n=1) is supported",
			types.FieldIssue{Path: "n", Message: "must be 1"})
	}

	msgs := make([]types.Message, 0, len(wire.Messages))
	for _, m := range wire.Messages {
		if m.Role == "" || (m.Content == "" && m.Role != string(types.RoleTool)) {
			return nil, types.Validation("each message requires a role and content",
				types.FieldIssue{Path: "messages", Message: "role and content are required"})
		}
		msgs = append(msgs, types.Message{Role: types.Role(m.Role), Content: m.Content, Name: m.Name})
	}
	if len(msgs) == 0 && wire.Prompt == "" {
		return nil, types.Validation("messages or prompt is required",
			types.FieldIssue{Path: "messages", Message: "required"})
	}

	maxTokens := intOr(wire.MaxTokens, lim.MaxTokensCeiling)
	if maxTokens > lim.MaxTokensCeiling {
		maxTokens = lim.MaxTokensCeiling
	}

	return &types.ChatRequest{
		Model:       wire.Model,
		Messages:    msgs,
		Prompt:      wire.Prompt,
		MaxTokens:   maxTokens,
		Temperature: numberOr(wire.Temperature, lim.DefaultTemp),
		TopP:        numberOr(wire.TopP, lim.DefaultTopP),
		TopK:        intOr(wire.TopK, lim.DefaultTopK),
		Stop:        coerceStops(wire.Stop),
		Stream:      coerceBool(wire.Stream),
		N:           1,
		Quality:     wire.Quality,
		Resolution:  wire.Size,
	}, nil
}

// ValidateOpenAIImage is ValidateOpenAI plus the openai-image-specific
// rule: streaming is rejected outright for image generation.
func ValidateOpenAIImage(body []byte, lim Limits) (*types.ChatRequest, error) {
	req, err := ValidateOpenAI(body, lim)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		return nil, types.Validation("image generation does not support streaming",
			types.FieldIssue{Path: "stream", Message: "must be false"})
	}
	return req, nil
}
