// Package googleai implements the Google AI Studio upstream client: health
// probing via the official genai SDK, and forwarding of the
// already-signed request the preprocessor's signGoogleAIStage built (the
// API key travels as a query parameter, not a header, so there is nothing
// left for Invoke to attach).
package googleai

import (
	"context"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/relaymesh/llmgate/internal/tlsutil"
	"github.com/relaymesh/llmgate/llm/keychecker"
	"github.com/relaymesh/llmgate/llm/providers"
	"github.com/relaymesh/llmgate/types"
)

const probeModel = "gemini-1.5-flash"

// Client is the Google AI Studio upstream client.
type Client struct {
	HTTP *http.Client
}

// New builds a Client with a 120s-timeout default HTTP client.
func New() *Client {
	return &Client{HTTP: tlsutil.SecureHTTPClient(120 * time.Second)}
}

// Probe issues a minimal generateContent call through the genai SDK. An
// invalid-argument/permission-denied response revokes the key.
func (c *Client) Probe(ctx context.Context, key *types.Key) keychecker.ProbeResult {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key.Secret,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return keychecker.ProbeResult{ProbeErr: err}
	}
	_, err = client.Models.GenerateContent(ctx, probeModel, genai.Text("hi"), nil)
	if err == nil {
		return keychecker.ProbeResult{}
	}
	if isAuthError(err) {
		return keychecker.ProbeResult{Disable: true, Reason: types.DisableRevoked}
	}
	return keychecker.ProbeResult{ProbeErr: err}
}

func isAuthError(err error) bool {
	var apiErr genai.APIError
	if ok := asGenaiError(err, &apiErr); ok {
		return apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusBadRequest
	}
	return false
}

func asGenaiError(err error, target *genai.APIError) bool {
	apiErr, ok := err.(genai.APIError)
	if ok {
		*target = apiErr
	}
	return ok
}

// Invoke executes rc.SignedRequest as-is: llm/signing.SignGoogleAI already
// built the body and appended the API key to the path.
func (c *Client) Invoke(ctx context.Context, rc *types.RequestContext, _ *types.ChatRequest) (int, http.Header, []byte, error) {
	if rc.SignedRequest == nil {
		return 0, nil, nil, types.Internal("google ai request was not signed", nil)
	}
	return providers.DoSigned(ctx, c.HTTP, rc.SignedRequest)
}
