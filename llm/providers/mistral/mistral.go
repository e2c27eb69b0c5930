// Package mistral implements the Mistral AI upstream client. There is no
// official Mistral Go SDK, so both the probe and the invoke path are built
// directly on net/http.
package mistral

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/relaymesh/llmgate/internal/tlsutil"
	"github.com/relaymesh/llmgate/llm/dialect"
	"github.com/relaymesh/llmgate/llm/keychecker"
	"github.com/relaymesh/llmgate/llm/providers"
	"github.com/relaymesh/llmgate/types"
)

const defaultBaseURL = "https://api.mistral.ai"

// Client is the Mistral AI upstream client.
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

// Probe lists models with the key's credential.
func (c *Client) Probe(ctx context.Context, key *types.Key) keychecker.ProbeResult {
	status, _, body, err := providers.Do(ctx, c.HTTP, http.MethodGet, c.BaseURL+"/v1/models", map[string]string{
		"Authorization": "Bearer " + key.Secret,
	}, nil)
	if err != nil {
		return keychecker.ProbeResult{ProbeErr: err}
	}
	switch status {
	case http.StatusOK:
		return keychecker.ProbeResult{}
	case http.StatusUnauthorized, http.StatusForbidden:
		return keychecker.ProbeResult{Disable: true, Reason: types.DisableRevoked}
	case http.StatusTooManyRequests:
		return keychecker.ProbeResult{RetryIn: 30 * time.Second}
	default:
		return keychecker.ProbeResult{ProbeErr: errors.New("mistral probe returned " + http.StatusText(status) + ": " + string(body))}
	}
}

// Invoke builds the mistral-ai wire body via dialect.ToMistral and posts it
// to the chat-completions endpoint.
func (c *Client) Invoke(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) (int, http.Header, []byte, error) {
	body, err := json.Marshal(dialect.ToMistral(req, req.Model))
	if err != nil {
		return 0, nil, nil, types.Internal("encode mistral request body", err)
	}
	headers := map[string]string{
		"Authorization": "Bearer " + rc.Key.Secret,
		"Content-Type":  "application/json",
	}
	return providers.Do(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/v1/chat/completions", headers, body)
}
