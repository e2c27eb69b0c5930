package signing

import (
	"fmt"

	"github.com/relaymesh/llmgate/types"
)

// GoogleAIRequest describes a Google AI Studio generateContent call.
type GoogleAIRequest struct {
	Model  string
	APIKey string
	Body   []byte
}

// SignGoogleAI appends the API key as a query parameter rather than an
// Authorization header, matching Google AI Studio's REST convention.
func SignGoogleAI(req GoogleAIRequest) (*types.SignedRequest, error) {
	if req.APIKey == "" {
		return nil, types.Auth("google-ai: missing API key")
	}
	path := fmt.Sprintf("/v1beta/models/%s:generateContent?key=%s", req.Model, req.APIKey)

	return &types.SignedRequest{
		Method:   "POST",
		Protocol: "https",
		Hostname: "generativelanguage.googleapis.com",
		Path:     path,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: req.Body,
	}, nil
}
