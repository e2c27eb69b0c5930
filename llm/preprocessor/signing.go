package preprocessor

import (
	"context"
	"encoding/json"

	"github.com/relaymesh/llmgate/llm/dialect"
	"github.com/relaymesh/llmgate/llm/signing"
	"github.com/relaymesh/llmgate/types"
)

// signAWSStage reassigns the model to its Bedrock vendor ID, builds the
// anthropic-chat wire body, and signs it with SigV4 using the bound key's
// AWS credentials.
func signAWSStage(ctx context.Context, cfg Config, rc *types.RequestContext, req *types.ChatRequest) error {
	modelID := dialect.ReassignForAWS(req.Model)
	body, err := json.Marshal(dialect.ToAnthropicChat(req, modelID))
	if err != nil {
		return types.Internal("encode bedrock request body", err)
	}
	signed, err := signing.SignAWS(ctx, signing.AWSRequest{
		Region:    rc.Key.AWS.Region,
		AccessKey: rc.Key.Secret,
		SecretKey: rc.Key.AWS.SecretKey,
		ModelID:   modelID,
		Body:      body,
		Streaming: rc.IsStreaming,
	})
	if err != nil {
		return types.NetworkErr("aws_sign_failed", err).WithProvider(string(types.ServiceAWS))
	}
	rc.SignedRequest = signed
	return nil
}

// signAzureStage rewrites the request to Azure's deployment-scoped
// endpoint, stripping logprobs (handled inside signing.SignAzure).
func signAzureStage(cfg Config, rc *types.RequestContext, req *types.ChatRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return types.Internal("encode azure request body", err)
	}
	signed, err := signing.SignAzure(signing.AzureRequest{
		ResourceName: rc.Key.Azure.ResourceName,
		DeploymentID: rc.Key.Azure.DeploymentID,
		APIKey:       rc.Key.Secret,
		Body:         body,
	})
	if err != nil {
		return types.NetworkErr("azure_sign_failed", err).WithProvider(string(types.ServiceAzure))
	}
	rc.SignedRequest = signed
	return nil
}

// signGoogleAIStage builds the Gemini-dialect body and appends the API key
// to the path as a query parameter.
func signGoogleAIStage(cfg Config, rc *types.RequestContext, req *types.ChatRequest) error {
	body, err := json.Marshal(dialect.ToGoogleAI(req))
	if err != nil {
		return types.Internal("encode google ai request body", err)
	}
	signed, err := signing.SignGoogleAI(signing.GoogleAIRequest{
		Model:  req.Model,
		APIKey: rc.Key.Secret,
		Body:   body,
	})
	if err != nil {
		return err
	}
	rc.SignedRequest = signed
	return nil
}
