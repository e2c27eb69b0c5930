package dialect

import (
	"sort"
	"strings"

	"github.com/relaymesh/llmgate/types"
)

// AnthropicTextRequest is the anthropic-text wire body this package produces:
// a single flattened prompt string plus stop sequences.
type AnthropicTextRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	MaxTokensToSample int      `json:"max_tokens_to_sample"`
	StopSequences     []string `json:"stop_sequences,omitempty"`
	Temperature       float32  `json:"temperature,omitempty"`
	TopP              float32  `json:"top_p,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	Stream            bool     `json:"stream,omitempty"`
}

// AnthropicChatRequest is the anthropic-chat wire body: alternating
// user/assistant turns with the system prompt split out separately.
type AnthropicChatRequest struct {
	Model       string            `json:"model"`
	System      string            `json:"system,omitempty"`
	Messages    []AnthropicTurn   `json:"messages"`
	MaxTokens   int               `json:"max_tokens"`
	StopSeqs    []string          `json:"stop_sequences,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	TopP        float32           `json:"top_p,omitempty"`
	TopK        int               `json:"top_k,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AnthropicTurn is one {role, content} entry of an anthropic-chat body.
type AnthropicTurn struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// GoogleAIContent is one Gemini-dialect content turn.
type GoogleAIContent struct {
	Role  string           `json:"role"` // "user" | "model"
	Parts []GoogleAITextPart `json:"parts"`
}

// GoogleAITextPart is a single text part of a GoogleAIContent turn.
type GoogleAITextPart struct {
	Text string `json:"text"`
}

// GoogleAIRequest is the google-ai wire body.
type GoogleAIRequest struct {
	Contents         []GoogleAIContent          `json:"contents"`
	GenerationConfig GoogleAIGenerationConfig   `json:"generationConfig"`
	SafetySettings   []GoogleAISafetySetting    `json:"safetySettings"`
}

// GoogleAIGenerationConfig carries the sampling parameters and the
// character-name-derived stop sequences (at most 5).
type GoogleAIGenerationConfig struct {
	Temperature     float32  `json:"temperature,omitempty"`
	TopP            float32  `json:"topP,omitempty"`
	TopK            int      `json:"topK,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GoogleAISafetySetting is one entry of the always-BLOCK_NONE safety
// category list applied to every request.
type GoogleAISafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

var googleAISafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// MistralRequest is the mistral-ai wire body: system optional first
// message, strictly alternating user/assistant turns, final message user.
type MistralRequest struct {
	Model       string          `json:"model"`
	Messages    []AnthropicTurn `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
	TopP        float32         `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// OpenAITextRequest is the openai-text (legacy completions) wire body.
type OpenAITextRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float32  `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// OpenAIImageRequest is the openai-image (DALL-E) wire body.
type OpenAIImageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
}

func roleLabel(r types.Role) string {
	switch r {
	case types.RoleAssistant:
		return "Assistant"
	case types.RoleSystem:
		return "System"
	default:
		return "Human"
	}
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ToAnthropicText flattens req's messages into "\n\nRole: content" turns
// ending with "\n\nAssistant:". Stops are augmented with the
// Human/System turn markers and deduplicated.
func ToAnthropicText(req *types.ChatRequest, model string) *AnthropicTextRequest {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString("\n\n")
		b.WriteString(roleLabel(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	b.WriteString("\n\nAssistant:")

	stops := dedupStrings(append(append([]string{}, req.Stop...), "\n\nHuman:", "\n\nSystem:"))

	return &AnthropicTextRequest{
		Model:             model,
		Prompt:            b.String(),
		MaxTokensToSample: req.MaxTokens,
		StopSequences:     stops,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		TopK:              req.TopK,
		Stream:            req.Stream,
	}
}

// ToAnthropicChat maps req's messages directly onto {role, content} turns
// without flattening them to a text prompt first: every system message is
// appended to System (joined by a blank line), assistant messages become
// assistant turns and all other roles user turns, adjacent same-role turns
// are merged, and trailing whitespace is trimmed off a final assistant
// turn. A system message that appears after other messages is moved into
// System as well; it does not keep its position in the conversation.
// FromAnthropicChatToOpenAI is the reverse mapping.
func ToAnthropicChat(req *types.ChatRequest, model string) *AnthropicChatRequest {
	var system string
	var turns []AnthropicTurn

	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case types.RoleAssistant:
			turns = appendTurn(turns, "assistant", m.Content)
		default:
			turns = appendTurn(turns, "user", m.Content)
		}
	}

	// Guarantee alternation: if two same-role turns ended up adjacent
	// (e.g. two consecutive user messages after the system was split
	// out), merge them rather than emitting an invalid back-to-back pair.
	turns = mergeAdjacentSameRole(turns)

	if len(turns) > 0 {
		last := &turns[len(turns)-1]
		if last.Role == "assistant" {
			last.Content = strings.TrimRight(last.Content, " \t\n")
		}
	}

	return &AnthropicChatRequest{
		Model:       model,
		System:      system,
		Messages:    turns,
		MaxTokens:   req.MaxTokens,
		StopSeqs:    dedupStrings(req.Stop),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stream:      req.Stream,
	}
}

func appendTurn(turns []AnthropicTurn, role, content string) []AnthropicTurn {
	return append(turns, AnthropicTurn{Role: role, Content: content})
}

func mergeAdjacentSameRole(turns []AnthropicTurn) []AnthropicTurn {
	if len(turns) == 0 {
		return turns
	}
	out := make([]AnthropicTurn, 0, len(turns))
	out = append(out, turns[0])
	for _, t := range turns[1:] {
		last := &out[len(out)-1]
		if last.Role == t.Role {
			last.Content += "\n\n" + t.Content
			continue
		}
		out = append(out, t)
	}
	return out
}

// FromAnthropicChatToOpenAI is the inverse of ToAnthropicChat, used both
// by the response handler's dialect-back translation and by round-trip
// tests verifying the openai-chat -> anthropic-chat -> openai-chat
// invariant.
func FromAnthropicChatToOpenAI(a *AnthropicChatRequest) *types.ChatRequest {
	msgs := make([]types.Message, 0, len(a.Messages)+1)
	if a.System != "" {
		msgs = append(msgs, types.NewSystemMessage(a.System))
	}
	for _, t := range a.Messages {
		role := types.RoleUser
		if t.Role == "assistant" {
			role = types.RoleAssistant
		}
		msgs = append(msgs, types.Message{Role: role, Content: t.Content})
	}
	return &types.ChatRequest{
		Model:       a.Model,
		Messages:    msgs,
		MaxTokens:   a.MaxTokens,
		Temperature: a.Temperature,
		TopP:        a.TopP,
		TopK:        a.TopK,
		Stop:        a.StopSeqs,
		Stream:      a.Stream,
		N:           1,
	}
}

// characterNamePrefix detects a leading "Name:" label in plain text, used
// by ToGoogleAI to derive stop sequences that prevent the model from
// impersonating a second speaker.
func characterNamePrefix(content string) (string, bool) {
	i := strings.Index(content, ":")
	if i <= 0 || i > 40 {
		return "", false
	}
	name := content[:i]
	if strings.ContainsAny(name, "\n.!?") {
		return "", false
	}
	return name + ":", true
}

// ToGoogleAI collapses adjacent same-role messages, maps assistant->model,
// derives up to 5 character-name stop sequences, and forces every safety
// category to BLOCK_NONE.
func ToGoogleAI(req *types.ChatRequest) *GoogleAIRequest {
	var contents []GoogleAIContent
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			// Google AI has no first-class system turn in the legacy
			// generateContent shape; fold it into the leading user turn.
			contents = append(contents, GoogleAIContent{Role: "user", Parts: []GoogleAITextPart{{Text: m.Content}}})
			continue
		}
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		if len(contents) > 0 && contents[len(contents)-1].Role == role {
			last := &contents[len(contents)-1]
			last.Parts[0].Text += "\n" + m.Content
			continue
		}
		contents = append(contents, GoogleAIContent{Role: role, Parts: []GoogleAITextPart{{Text: m.Content}}})
	}

	stopSet := map[string]struct{}{}
	var names []string
	for _, m := range req.Messages {
		if name, ok := characterNamePrefix(m.Content); ok {
			if _, seen := stopSet[name]; !seen {
				stopSet[name] = struct{}{}
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	if len(names) > 5 {
		names = names[:5]
	}
	stops := dedupStrings(append(append([]string{}, req.Stop...), names...))

	safety := make([]GoogleAISafetySetting, 0, len(googleAISafetyCategories))
	for _, c := range googleAISafetyCategories {
		safety = append(safety, GoogleAISafetySetting{Category: c, Threshold: "BLOCK_NONE"})
	}

	return &GoogleAIRequest{
		Contents: contents,
		GenerationConfig: GoogleAIGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   stops,
		},
		SafetySettings: safety,
	}
}

// ToMistral ensures the first message may be system, enforces alternating
// user/assistant turns with a trailing user message, and coalesces
// consecutive same-role messages.
func ToMistral(req *types.ChatRequest, model string) *MistralRequest {
	var turns []AnthropicTurn
	for i, m := range req.Messages {
		role := "user"
		switch {
		case m.Role == types.RoleSystem && i == 0:
			turns = append(turns, AnthropicTurn{Role: "system", Content: m.Content})
			continue
		case m.Role == types.RoleSystem:
			role = "user" // a mid-conversation system turn has no Mistral equivalent
		case m.Role == types.RoleAssistant:
			role = "assistant"
		}
		turns = appendTurn(turns, role, m.Content)
	}
	turns = mergeAdjacentSameRole(turns)
	if len(turns) > 0 && turns[len(turns)-1].Role == "assistant" {
		turns = append(turns, AnthropicTurn{Role: "user", Content: ""})
	}
	return &MistralRequest{
		Model:       model,
		Messages:    turns,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
}

// ToOpenAIImage uses the last user message as the image prompt, requiring
// the "Image:" marker prefix, and rejects streaming.
func ToOpenAIImage(req *types.ChatRequest, model string) (*OpenAIImageRequest, error) {
	if req.Stream {
		return nil, types.Validation("image generation does not support streaming",
			types.FieldIssue{Path: "stream", Message: "must be false"})
	}
	var last *types.Message
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == types.RoleUser {
			last = &req.Messages[i]
			break
		}
	}
	if last == nil {
		return nil, types.Validation("an image generation request requires a user message",
			types.FieldIssue{Path: "messages", Message: "required"})
	}
	const marker = "Image:"
	if !strings.HasPrefix(strings.TrimSpace(last.Content), marker) {
		return nil, types.Validation(`image prompts must be prefixed with "Image:"`,
			types.FieldIssue{Path: "messages", Message: "missing Image: marker"})
	}
	prompt := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(last.Content), marker))
	return &OpenAIImageRequest{
		Model:   model,
		Prompt:  prompt,
		N:       1,
		Size:    req.Resolution,
		Quality: req.Quality,
	}, nil
}

// ToOpenAIText flattens req to a single prompt string with a "\n\nUser:"
// stop appended.
func ToOpenAIText(req *types.ChatRequest, model string) *OpenAITextRequest {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(roleLabel(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return &OpenAITextRequest{
		Model:       model,
		Prompt:      b.String(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        dedupStrings(append(append([]string{}, req.Stop...), "\n\nUser:")),
		Stream:      req.Stream,
	}
}
