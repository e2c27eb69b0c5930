package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/relaymesh/llmgate/types"
)

// AWSRequest describes the Bedrock InvokeModel (or
// InvokeModelWithResponseStream) call to sign.
type AWSRequest struct {
	Region    string
	AccessKey string
	SecretKey string
	ModelID   string
	Body      []byte
	Streaming bool
}

// SignAWS builds a SignedRequest for Bedrock's InvokeModel endpoint using
// SigV4, with the service name "bedrock" per AWS's request-signing
// convention for the runtime API.
func SignAWS(ctx context.Context, req AWSRequest) (*types.SignedRequest, error) {
	op := "invoke"
	if req.Streaming {
		op = "invoke-with-response-stream"
	}
	host := fmt.Sprintf("bedrock-runtime.%s.amazonaws.com", req.Region)
	path := fmt.Sprintf("/model/%s/%s", req.ModelID, op)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+host+path, nil)
	if err != nil {
		return nil, fmt.Errorf("signing: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Streaming {
		httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	}

	sum := sha256.Sum256(req.Body)
	payloadHash := hex.EncodeToString(sum[:])

	creds := credentials.NewStaticCredentialsProvider(req.AccessKey, req.SecretKey, "")
	awsCreds, err := creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("signing: retrieve credentials: %w", err)
	}

	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, awsCreds, httpReq, payloadHash, "bedrock", req.Region, time.Now()); err != nil {
		return nil, fmt.Errorf("signing: sigv4: %w", err)
	}

	headers := make(map[string]string, len(httpReq.Header))
	for k := range httpReq.Header {
		headers[k] = httpReq.Header.Get(k)
	}

	return &types.SignedRequest{
		Method:   http.MethodPost,
		Protocol: "https",
		Hostname: host,
		Path:     path,
		Headers:  headers,
		Body:     req.Body,
	}, nil
}
