// Package anthropic implements the Anthropic upstream client: health
// probing via a minimal Messages call, and raw-byte request forwarding for
// /v1/messages and the legacy /v1/complete dialect.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaymesh/llmgate/internal/tlsutil"
	"github.com/relaymesh/llmgate/llm/dialect"
	"github.com/relaymesh/llmgate/llm/keychecker"
	"github.com/relaymesh/llmgate/llm/providers"
	"github.com/relaymesh/llmgate/types"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Client is the Anthropic upstream client.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New builds a Client with a 120s-timeout default HTTP client.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{BaseURL: baseURL, HTTP: tlsutil.SecureHTTPClient(120 * time.Second)}
}

// probeModel is a cheap, low-token canary completion used purely to
// confirm the key is accepted; the exact model is not billed as part of
// any tenant's traffic, so Haiku is used regardless of which families the
// key is configured for.
const probeModel = "claude-3-haiku-20240307"

// Probe issues a 1-token canary completion. A 401 revokes the key, a 429
// schedules a re-probe in 30s, and any other failure is a probe error.
// Probe never sets RequiresPreamble; that flag is set by the response
// pipeline when a real request is rejected for a missing Human turn.
func (c *Client) Probe(ctx context.Context, key *types.Key) keychecker.ProbeResult {
	client := anthropic.NewClient(option.WithAPIKey(key.Secret), option.WithBaseURL(c.BaseURL))
	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     probeModel,
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("hi")),
		},
	})
	if err == nil {
		return keychecker.ProbeResult{}
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			return keychecker.ProbeResult{Disable: true, Reason: types.DisableRevoked}
		case http.StatusTooManyRequests:
			return keychecker.ProbeResult{RetryIn: 30 * time.Second}
		}
	}
	return keychecker.ProbeResult{ProbeErr: err}
}

// Invoke builds the provider-native wire body (req never carries it
// pre-built, since the preprocessor's transformOutboundStage only rewrites
// req's own fields for the *-text formats) and posts it to whichever of
// /v1/messages or /v1/complete rc.OutboundAPI names. For /v1/complete,
// req.Prompt is sent as the prompt whenever it is set.
func (c *Client) Invoke(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) (int, http.Header, []byte, error) {
	path := "/v1/messages"
	var body []byte
	var err error
	if rc.OutboundAPI == types.FormatAnthropicText {
		path = "/v1/complete"
		out := dialect.ToAnthropicText(req, req.Model)
		if req.Prompt != "" {
			out.Prompt = req.Prompt
		}
		body, err = json.Marshal(out)
	} else {
		body, err = json.Marshal(dialect.ToAnthropicChat(req, req.Model))
	}
	if err != nil {
		return 0, nil, nil, types.Internal("encode anthropic request body", err)
	}

	headers := map[string]string{
		"x-api-key":         rc.Key.Secret,
		"anthropic-version": apiVersion,
		"Content-Type":      "application/json",
	}
	return providers.Do(ctx, c.HTTP, http.MethodPost, c.BaseURL+path, headers, body)
}
