package response

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/relaymesh/llmgate/types"
)

type openAICompletionBody struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type anthropicChatBody struct {
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	// Legacy text-completion shape.
	Completion string `json:"completion"`
}

type googleAIBody struct {
	Candidates []struct {
		FinishReason string `json:"finishReason"`
		Content      struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// omittedContentMarker stands in for a non-text Anthropic content block
// (tool_use, image, ...) when flattening a multi-part response down to a
// single string.
const omittedContentMarker = "[non-text content omitted]"

// extractCompletionText pulls the plain-text completion out of a
// provider's raw response body, flattening multi-part Anthropic content
// arrays by joining text parts with newlines.
func extractCompletionText(service types.Service, body []byte) (string, error) {
	switch service {
	case types.ServiceOpenAI, types.ServiceAzure, types.ServiceMistralAI:
		var b openAICompletionBody
		if err := json.Unmarshal(body, &b); err != nil {
			return "", types.Internal("failed to decode upstream response", err)
		}
		if len(b.Choices) == 0 {
			return "", nil
		}
		return b.Choices[0].Message.Content, nil

	case types.ServiceAnthropic, types.ServiceAWS:
		var b anthropicChatBody
		if err := json.Unmarshal(body, &b); err != nil {
			return "", types.Internal("failed to decode upstream response", err)
		}
		if b.Completion != "" {
			return b.Completion, nil
		}
		return flattenAnthropicContent(b.Content), nil

	case types.ServiceGoogleAI:
		var b googleAIBody
		if err := json.Unmarshal(body, &b); err != nil {
			return "", types.Internal("failed to decode upstream response", err)
		}
		if len(b.Candidates) == 0 || len(b.Candidates[0].Content.Parts) == 0 {
			return "", nil
		}
		var sb strings.Builder
		for i, p := range b.Candidates[0].Content.Parts {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		}
		return sb.String(), nil

	default:
		return "", types.Internal("unsupported service for response decoding", nil)
	}
}

func flattenAnthropicContent(blocks []struct {
	Type string `json:"type"`
	Text string `json:"text"`
}) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "" {
			parts = append(parts, b.Text)
		} else {
			parts = append(parts, omittedContentMarker)
		}
	}
	return strings.Join(parts, "\n")
}

func finishReason(service types.Service, body []byte) string {
	switch service {
	case types.ServiceOpenAI, types.ServiceAzure, types.ServiceMistralAI:
		var b openAICompletionBody
		if json.Unmarshal(body, &b) == nil && len(b.Choices) > 0 {
			return b.Choices[0].FinishReason
		}
	case types.ServiceAnthropic, types.ServiceAWS:
		var b anthropicChatBody
		if json.Unmarshal(body, &b) == nil {
			return b.StopReason
		}
	case types.ServiceGoogleAI:
		var b googleAIBody
		if json.Unmarshal(body, &b) == nil && len(b.Candidates) > 0 {
			return b.Candidates[0].FinishReason
		}
	}
	return ""
}

// organizationIDPattern matches an OpenAI organization ID anywhere in a
// response body so it can be scrubbed before the body reaches the client.
var organizationIDPattern = regexp.MustCompile(`org-[A-Za-z0-9]+`)

const organizationIDMask = "org-xxxxxxxxxxxxxxxxxxx"

func scrubOrganizationIDs(s string) string {
	return organizationIDPattern.ReplaceAllString(s, organizationIDMask)
}

// BuildChatResponse translates one provider's raw, already-successful
// reply into the normalized envelope written back to the client (it is
// not re-rendered into the client's inbound dialect): a synthetic
// id/created, usage derived from the
// RequestContext's own accounting (not re-parsed from the provider, which
// may omit it entirely for some dialects), and a single flattened
// assistant message.
func BuildChatResponse(u *UpstreamResponse) (*types.ChatResponse, error) {
	text, err := u.CompletionText()
	if err != nil {
		return nil, err
	}
	text = scrubOrganizationIDs(text)

	return &types.ChatResponse{
		ID:        "chatcmpl-" + u.RC.ID,
		Model:     string(u.RC.ModelFamily),
		CreatedAt: time.Now(),
		Choices: []types.ChatChoice{{
			Index:        0,
			FinishReason: finishReason(u.RC.Service, u.Body),
			Message:      types.NewAssistantMessage(text),
		}},
		Usage: types.ChatUsage{
			PromptTokens:     u.RC.PromptTokens,
			CompletionTokens: u.RC.OutputTokens,
			TotalTokens:      u.RC.PromptTokens + u.RC.OutputTokens,
		},
	}, nil
}
