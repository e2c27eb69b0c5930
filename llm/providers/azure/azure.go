// Package azure implements the Azure OpenAI upstream client. Azure's
// deployment-scoped REST surface has no dedicated SDK available here
// (openai-go targets OpenAI's own endpoints, not Azure's deployment-path
// convention), so both probe and forwarding go through net/http directly.
package azure

import (
	"context"
	"net/http"
	"time"

	"github.com/relaymesh/llmgate/internal/tlsutil"
	"github.com/relaymesh/llmgate/llm/keychecker"
	"github.com/relaymesh/llmgate/llm/providers"
	"github.com/relaymesh/llmgate/types"
)

// Client is the Azure OpenAI upstream client.
type Client struct {
	HTTP *http.Client
}

// New builds a Client with a 120s-timeout default HTTP client.
func New() *Client {
	return &Client{HTTP: tlsutil.SecureHTTPClient(120 * time.Second)}
}

// Probe lists the deployment's available models via the same
// deployment-scoped host the signing stage addresses chat completions to.
func (c *Client) Probe(ctx context.Context, key *types.Key) keychecker.ProbeResult {
	apiVersion := "2024-06-01"
	url := "https://" + key.Azure.ResourceName + ".openai.azure.com/openai/models?api-version=" + apiVersion
	status, _, body, err := providers.Do(ctx, c.HTTP, http.MethodGet, url, map[string]string{
		"api-key": key.Secret,
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
		return keychecker.ProbeResult{ProbeErr: errFromBody(status, body)}
	}
}

func errFromBody(status int, body []byte) error {
	return types.NetworkErr("azure_probe_"+http.StatusText(status), nil).WithCause(&bodyError{body})
}

type bodyError struct{ body []byte }

func (e *bodyError) Error() string { return string(e.body) }

// Invoke executes rc.SignedRequest as-is: llm/signing.SignAzure already
// rewrote the path to the deployment-scoped endpoint and stripped
// logprobs.
func (c *Client) Invoke(ctx context.Context, rc *types.RequestContext, _ *types.ChatRequest) (int, http.Header, []byte, error) {
	if rc.SignedRequest == nil {
		return 0, nil, nil, types.Internal("azure request was not signed", nil)
	}
	return providers.DoSigned(ctx, c.HTTP, rc.SignedRequest)
}
