package tokenizer

import (
	"math"
	"strings"
	"time"

	"github.com/relaymesh/llmgate/types"
)

// contentCharLimit and estimatedTokenGate are the two independent
// ContentTooLarge trip wires. The character limit is checked before any
// BPE encoding runs, since encoding an 800k-character prompt just to
// reject it would waste the CPU budget the limit exists to protect; the
// token gate is checked against the encoder's own count.
const (
	contentCharLimit   = 800_000
	estimatedTokenGate = 200_000
	// charsPerTokenGate is a coarse pre-encode estimate (~4 chars/token for
	// English text) used only to decide whether full encoding is even
	// attempted; the real count always comes from the BPE encoder.
	charsPerTokenGate = 4.0
)

// perMessageOverhead returns the per-message token tax for OpenAI chat
// framing. Legacy turbo-0301 pays 4 instead of 3, and a present `name`
// field costs +1 (-1 for legacy).
func perMessageOverhead(model string, hasName bool) int {
	legacy := strings.Contains(model, "-0301")
	overhead := 3
	if legacy {
		overhead = 4
	}
	if hasName {
		if legacy {
			overhead--
		} else {
			overhead++
		}
	}
	return overhead
}

// CountRequest carries the inputs to CountTokens: either a chat message
// list (prompt counting) or a single completion string (output counting),
// scoped to one provider dialect.
type CountRequest struct {
	Model      string
	Service    types.Service
	Messages   []types.Message
	Completion string
}

// CountResult is what countTokens({...}) returns.
type CountResult struct {
	TokenCount int
	Tokenizer  string
	DurationMs float64
}

// CountTokens is the single entry point every preprocessor/response stage
// calls to count a prompt or completion under the service's dialect. It
// is deterministic and pure except for the wall-clock DurationMs it
// reports, matching the "idempotent for the same (prompt, model) input"
// testable property.
func CountTokens(req CountRequest) (CountResult, error) {
	start := time.Now()

	totalChars := 0
	for _, m := range req.Messages {
		totalChars += len(m.Content)
	}
	totalChars += len(req.Completion)
	if totalChars > contentCharLimit {
		return CountResult{}, types.NewError(types.ErrContextTooLarge,
			"content exceeds 800,000 character limit").WithHTTPStatus(400)
	}
	if float64(totalChars)/charsPerTokenGate > estimatedTokenGate*1.5 {
		// Only a coarse pre-screen; real encoders below may still come in
		// under the 200k gate for content with many short tokens, but a
		// value this far over the character-based estimate is caught
		// before paying for full encoding.
		return CountResult{}, types.NewError(types.ErrContextTooLarge,
			"content exceeds estimated 200,000 token limit").WithHTTPStatus(400)
	}

	var (
		count int
		name  string
		err   error
	)
	switch req.Service {
	case types.ServiceOpenAI, types.ServiceAzure:
		count, err = countOpenAI(req.Model, req.Messages, req.Completion)
		name = "cl100k_base"
	case types.ServiceAnthropic, types.ServiceAWS:
		count, err = countAnthropic(req.Messages, req.Completion)
		name = "claude-bpe-approx"
	case types.ServiceMistralAI:
		count, err = countMistral(req.Messages, req.Completion)
		name = "mistral-bpe-approx"
	case types.ServiceGoogleAI:
		count, err = countGoogleAI(req.Messages, req.Completion)
		name = "google-ai-heuristic"
	default:
		count, err = countOpenAI(req.Model, req.Messages, req.Completion)
		name = "cl100k_base"
	}
	if err != nil {
		return CountResult{}, err
	}
	if count > estimatedTokenGate {
		return CountResult{}, types.NewError(types.ErrContextTooLarge,
			"content exceeds estimated 200,000 token limit").WithHTTPStatus(400)
	}

	return CountResult{
		TokenCount: count,
		Tokenizer:  name,
		DurationMs: float64(time.Since(start)) / float64(time.Millisecond),
	}, nil
}

func bpeEncoder() (*TiktokenTokenizer, error) {
	return NewTiktokenTokenizer("gpt-4")
}

// countOpenAI implements the cl100k_base message-framing contract: per
// message {3 or 4} + name adjustment, +3 priming tokens for the reply.
func countOpenAI(model string, messages []types.Message, completion string) (int, error) {
	enc, err := bpeEncoder()
	if err != nil {
		return 0, err
	}
	if err := enc.init(); err != nil {
		return 0, err
	}
	if completion != "" {
		toks := enc.enc.Encode(completion, nil, nil)
		return len(toks), nil
	}
	total := 0
	for _, m := range messages {
		total += perMessageOverhead(model, m.Name != "")
		total += len(enc.enc.Encode(m.Content, nil, nil))
		total += len(enc.enc.Encode(string(m.Role), nil, nil))
		for _, img := range m.Images {
			cost, err := visionImageTokens(img)
			if err != nil {
				return 0, err
			}
			total += cost
		}
	}
	total += 3 // priming tokens for the assistant reply
	return total, nil
}

// countAnthropic applies "\n\nHuman: "/"\n\nAssistant: " framing between
// messages before handing the concatenated string to the BPE encoder as
// an approximation of Claude's own tokenizer, adding priming tokens when
// the conversation doesn't already end on an assistant turn.
func countAnthropic(messages []types.Message, completion string) (int, error) {
	enc, err := bpeEncoder()
	if err != nil {
		return 0, err
	}
	if err := enc.init(); err != nil {
		return 0, err
	}
	if completion != "" {
		return len(enc.enc.Encode(completion, nil, nil)), nil
	}
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case types.RoleAssistant:
			b.WriteString("\n\nAssistant: ")
		case types.RoleSystem:
			b.WriteString("\n\nSystem: ")
		default:
			b.WriteString("\n\nHuman: ")
		}
		b.WriteString(m.Content)
	}
	if len(messages) == 0 || messages[len(messages)-1].Role != types.RoleAssistant {
		b.WriteString("\n\nAssistant:")
	}
	return len(enc.enc.Encode(b.String(), nil, nil)), nil
}

// countMistral applies the <s>[INST] user [/INST] assistant</s> framing.
func countMistral(messages []types.Message, completion string) (int, error) {
	enc, err := bpeEncoder()
	if err != nil {
		return 0, err
	}
	if err := enc.init(); err != nil {
		return 0, err
	}
	if completion != "" {
		return len(enc.enc.Encode(completion, nil, nil)), nil
	}
	var b strings.Builder
	b.WriteString("<s>")
	for _, m := range messages {
		switch m.Role {
		case types.RoleAssistant:
			b.WriteString(m.Content)
			b.WriteString("</s>")
		default:
			b.WriteString("[INST] ")
			b.WriteString(m.Content)
			b.WriteString(" [/INST]")
		}
	}
	return len(enc.enc.Encode(b.String(), nil, nil)), nil
}

// countGoogleAI is explicitly a heuristic: the OpenAI BPE encoder
// plus 3 tokens per message, documented as an approximation rather than
// Google's own (unavailable in this pack) tokenizer.
func countGoogleAI(messages []types.Message, completion string) (int, error) {
	enc, err := bpeEncoder()
	if err != nil {
		return 0, err
	}
	if err := enc.init(); err != nil {
		return 0, err
	}
	if completion != "" {
		return len(enc.enc.Encode(completion, nil, nil)), nil
	}
	total := 0
	for _, m := range messages {
		total += 3
		total += len(enc.enc.Encode(m.Content, nil, nil))
	}
	return total, nil
}

// visionImageTokens computes the vision token cost for an inline image:
// a fixed low-detail cost, or
// 170*tiles+85 where tiles = ceil(w/512)*ceil(h/512) after resizing so the
// longer side is <=2048 and the shorter side is 768. Remote URLs are
// rejected — only inline base64 is accepted.
func visionImageTokens(img types.ImageContent) (int, error) {
	if img.Type == "url" || (img.URL != "" && img.Data == "") {
		return 0, types.Validation("remote image URLs are not accepted; use inline base64",
			types.FieldIssue{Path: "images", Message: "only base64-encoded images are supported"})
	}
	if img.Detail == "low" {
		return 85, nil
	}
	w, h, ok := decodedImageDims(img.Data)
	if !ok {
		// Dimensions unavailable (e.g. a fixture with raw placeholder
		// bytes): fall back to the low-detail cost rather than failing
		// the request outright.
		return 85, nil
	}
	rw, rh := resizeForVision(w, h)
	tilesW := int(math.Ceil(float64(rw) / 512.0))
	tilesH := int(math.Ceil(float64(rh) / 512.0))
	return 170*tilesW*tilesH + 85, nil
}

// resizeForVision scales (w,h) so the longer side is at most 2048 and the
// shorter side is exactly 768, matching OpenAI's documented preprocessing
// before tiling.
func resizeForVision(w, h int) (int, int) {
	longer, shorter := w, h
	swapped := false
	if h > w {
		longer, shorter = h, w
		swapped = true
	}
	if longer > 2048 {
		scale := 2048.0 / float64(longer)
		longer = 2048
		shorter = int(float64(shorter) * scale)
	}
	if shorter != 768 {
		scale := 768.0 / float64(shorter)
		shorter = 768
		longer = int(float64(longer) * scale)
	}
	if swapped {
		return shorter, longer
	}
	return longer, shorter
}
