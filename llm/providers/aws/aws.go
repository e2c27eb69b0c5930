// Package aws implements the AWS Bedrock upstream client: health probing
// via the bedrockruntime SDK's InvokeModel call, and forwarding of the
// SigV4-signed request the preprocessor's signAWSStage already built.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/relaymesh/llmgate/internal/tlsutil"
	"github.com/relaymesh/llmgate/llm/dialect"
	"github.com/relaymesh/llmgate/llm/keychecker"
	"github.com/relaymesh/llmgate/llm/providers"
	"github.com/relaymesh/llmgate/types"
)

const probeModelID = "anthropic.claude-3-haiku-20240307-v1:0"

// Client is the AWS Bedrock upstream client.
type Client struct {
	HTTP *http.Client
}

// New builds a Client with a 120s-timeout default HTTP client.
func New() *Client {
	return &Client{HTTP: tlsutil.SecureHTTPClient(120 * time.Second)}
}

// Probe issues a 1-token canary InvokeModel call through the SDK, which
// signs and dispatches the request itself. AccessDenied/Unrecognized
// responses revoke the key; a ThrottlingException schedules a quick
// recheck instead.
func (c *Client) Probe(ctx context.Context, key *types.Key) keychecker.ProbeResult {
	client := bedrockruntime.New(bedrockruntime.Options{
		Region:      key.AWS.Region,
		Credentials: credentials.NewStaticCredentialsProvider(key.Secret, key.AWS.SecretKey, ""),
	})

	body, err := dialectProbeBody()
	if err != nil {
		return keychecker.ProbeResult{ProbeErr: err}
	}

	_, err = client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(probeModelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err == nil {
		return keychecker.ProbeResult{}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusForbidden:
			return keychecker.ProbeResult{Disable: true, Reason: types.DisableRevoked}
		case http.StatusTooManyRequests:
			return keychecker.ProbeResult{RetryIn: 30 * time.Second}
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException":
			return keychecker.ProbeResult{Disable: true, Reason: types.DisableRevoked}
		case "ThrottlingException":
			return keychecker.ProbeResult{RetryIn: 30 * time.Second}
		}
	}
	return keychecker.ProbeResult{ProbeErr: err}
}

func dialectProbeBody() ([]byte, error) {
	req := &types.ChatRequest{
		Model:     probeModelID,
		Messages:  []types.Message{types.NewUserMessage("hi")},
		MaxTokens: 1,
	}
	out := dialect.ToAnthropicChat(req, probeModelID)
	return json.Marshal(out)
}

// Invoke executes rc.SignedRequest as-is: llm/signing.SignAWS already
// performed SigV4 signing over the anthropic-chat wire body.
func (c *Client) Invoke(ctx context.Context, rc *types.RequestContext, _ *types.ChatRequest) (int, http.Header, []byte, error) {
	if rc.SignedRequest == nil {
		return 0, nil, nil, types.Internal("aws request was not signed", nil)
	}
	return providers.DoSigned(ctx, c.HTTP, rc.SignedRequest)
}
