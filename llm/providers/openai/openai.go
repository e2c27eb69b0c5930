// Package openai implements the OpenAI upstream client: health probing via
// the official SDK's model listing, and raw-byte request forwarding so
// llm/response's decoder sees exactly what OpenAI sent.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	oai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/relaymesh/llmgate/internal/tlsutil"
	"github.com/relaymesh/llmgate/llm/keychecker"
	"github.com/relaymesh/llmgate/llm/providers"
	"github.com/relaymesh/llmgate/types"
)

const defaultBaseURL = "https://api.openai.com"

// Client is the OpenAI upstream client bound to one configured base URL
// (overridable for OpenAI-compatible self-hosted gateways).
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

// Probe lists models with the key's credential: a 401/403 revokes the key,
// any other failure is reported as a probe error without disabling it.
func (c *Client) Probe(ctx context.Context, key *types.Key) keychecker.ProbeResult {
	client := oai.NewClient(option.WithAPIKey(key.Secret), option.WithBaseURL(c.BaseURL))
	_, err := client.Models.List(ctx)
	if err == nil {
		return keychecker.ProbeResult{}
	}
	if isAuthError(err) {
		return keychecker.ProbeResult{Disable: true, Reason: types.DisableRevoked}
	}
	return keychecker.ProbeResult{ProbeErr: err}
}

func isAuthError(err error) bool {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// Invoke forwards req's already-normalized wire body (types.ChatRequest's
// JSON tags already match OpenAI's chat-completions shape) to whichever
// endpoint rc.OutboundAPI names, returning the upstream's raw reply for
// llm/response to decode.
func (c *Client) Invoke(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) (int, http.Header, []byte, error) {
	path := "/v1/chat/completions"
	switch rc.OutboundAPI {
	case types.FormatOpenAIText:
		path = "/v1/completions"
	case types.FormatOpenAIImage:
		path = "/v1/images/generations"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return 0, nil, nil, types.Internal("encode openai request body", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + rc.Key.Secret,
		"Content-Type":  "application/json",
	}
	if rc.Key.OpenAI.OrganizationID != "" {
		headers["OpenAI-Organization"] = rc.Key.OpenAI.OrganizationID
	}
	return providers.Do(ctx, c.HTTP, http.MethodPost, c.BaseURL+path, headers, body)
}
