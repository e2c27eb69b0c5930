package signing

import (
	"encoding/json"
	"fmt"

	"github.com/relaymesh/llmgate/types"
)

// AzureRequest describes an Azure OpenAI chat-completions call.
type AzureRequest struct {
	ResourceName string
	DeploymentID string
	APIKey       string
	APIVersion   string
	Body         []byte
}

// stripLogprobs removes the `logprobs` field from an outbound body:
// Azure's chat-completions deployment endpoint rejects it.
func stripLogprobs(body []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return body, nil // not a JSON object; pass through unchanged
	}
	if _, ok := m["logprobs"]; !ok {
		return body, nil
	}
	delete(m, "logprobs")
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("signing: re-marshal azure body: %w", err)
	}
	return out, nil
}

// SignAzure rewrites the outbound path to Azure's deployment-scoped
// endpoint and attaches the api-key header, stripping `logprobs` first.
func SignAzure(req AzureRequest) (*types.SignedRequest, error) {
	apiVersion := req.APIVersion
	if apiVersion == "" {
		apiVersion = "2024-06-01"
	}
	body, err := stripLogprobs(req.Body)
	if err != nil {
		return nil, err
	}
	host := fmt.Sprintf("%s.openai.azure.com", req.ResourceName)
	path := fmt.Sprintf("/openai/deployments/%s/chat/completions?api-version=%s", req.DeploymentID, apiVersion)

	return &types.SignedRequest{
		Method:   "POST",
		Protocol: "https",
		Hostname: host,
		Path:     path,
		Headers: map[string]string{
			"api-key":      req.APIKey,
			"Content-Type": "application/json",
		},
		Body: body,
	}, nil
}
