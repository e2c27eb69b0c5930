package preprocessor

import (
	"context"
	"strings"

	"github.com/relaymesh/llmgate/llm/dialect"
	"github.com/relaymesh/llmgate/llm/tokenizer"
	"github.com/relaymesh/llmgate/types"
)

// setAPIFormatStage fills rc.InboundAPI/OutboundAPI/Service from req.Model
// and whatever the ingress adapter already resolved onto rc (step 1). It
// never overwrites fields the adapter has already set — it only fills what
// is still zero, since the ingress endpoint (openai-chat, anthropic-text,
// ...) is what actually determines InboundAPI.
func setAPIFormatStage(cfg Config) Stage {
	return func(_ context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
		if rc.OutboundAPI == "" {
			rc.OutboundAPI = rc.InboundAPI
		}
		family, ok := types.ResolveModelFamily(req.Model)
		if !ok {
			return types.Validation("unrecognized model",
				types.FieldIssue{Path: "model", Message: "no known model family matches " + req.Model})
		}
		rc.ModelFamily = family
		if rc.Service == "" {
			service, ok := types.ServiceForFamily(family)
			if !ok {
				return types.Validation("model family has no resolvable service",
					types.FieldIssue{Path: "model", Message: string(family)})
			}
			rc.Service = service
		}
		return nil
	}
}

// transformOutboundStage applies the inbound->outbound transform if the
// two formats differ; the inbound body has already been decoded and
// validated by the ingress handler. It is skipped on a retry (the body was already
// transformed once and retryCount > 0) and for non-completion requests
// (image generation carries its own transform inside the provider client,
// since it never round-trips through a ChatRequest the same way).
func transformOutboundStage(cfg Config) Stage {
	return func(_ context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
		if rc.RetryCount > 0 {
			return nil
		}
		if rc.InboundAPI == types.FormatOpenAIImage {
			return nil
		}
		if rc.OutboundAPI == rc.InboundAPI || rc.OutboundAPI == "" {
			return nil
		}
		switch rc.OutboundAPI {
		case types.FormatAnthropicText:
			out := dialect.ToAnthropicText(req, req.Model)
			req.Prompt = out.Prompt
			req.Stop = out.StopSequences
			req.MaxTokens = out.MaxTokensToSample
		case types.FormatAnthropicChat:
			dialect.ToAnthropicChat(req, req.Model)
		case types.FormatGoogleAI:
			dialect.ToGoogleAI(req)
		case types.FormatMistralAI:
			dialect.ToMistral(req, req.Model)
		case types.FormatOpenAIText:
			out := dialect.ToOpenAIText(req, req.Model)
			req.Prompt = out.Prompt
			req.Stop = out.Stop
		}
		return nil
	}
}

// countPromptTokensStage fills rc.PromptTokens via tokenizer.CountTokens.
func countPromptTokensStage(cfg Config) Stage {
	return func(_ context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
		result, err := tokenizer.CountTokens(tokenizer.CountRequest{
			Model:    req.Model,
			Service:  rc.Service,
			Messages: req.Messages,
		})
		if err != nil {
			return err
		}
		rc.PromptTokens = result.TokenCount
		return nil
	}
}

// modelContextLimits is the static per-family context-window table step 6
// derives its "model max" from. Families absent from this table fall back
// to a conservative 4096, a safe
// default over a panic on an unrecognized model.
var modelContextLimits = map[types.ModelFamily]int{
	types.FamilyTurbo:       16385,
	types.FamilyGPT4:        8192,
	types.FamilyGPT4_32k:    32768,
	types.FamilyGPT4Turbo:   128000,
	types.FamilyClaude:      200000,
	types.FamilyAWSClaude:   200000,
	types.FamilyGeminiPro:   32768,
	types.FamilyMistralTiny: 32768,
	types.FamilyMistralSm:   32768,
	types.FamilyMistralMed:  32768,
	types.FamilyAzureTurbo:  16385,
	types.FamilyAzureGPT4:   8192,
	types.FamilyAzureGPT432: 32768,
	types.FamilyAzureGPT4T:  128000,
}

// claudeSafetyFactor scales the Claude model-max down before comparing
// against promptTokens+outputTokens: Claude degrades in quality rather
// than erroring when pushed over its nominal limit, so the proxy leaves
// itself 5% of headroom.
const claudeSafetyFactor = 0.95

func isClaudeFamily(f types.ModelFamily) bool {
	return f == types.FamilyClaude || f == types.FamilyAWSClaude
}

// validateContextSizeStage enforces min(configured proxy max, model max)
// against promptTokens+outputTokens, applying the Claude safety factor.
func validateContextSizeStage(cfg Config) Stage {
	return func(_ context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
		modelMax, ok := modelContextLimits[rc.ModelFamily]
		if !ok {
			modelMax = 4096
		}
		if isClaudeFamily(rc.ModelFamily) {
			modelMax = int(float64(modelMax) * claudeSafetyFactor)
		}

		limit := modelMax
		if configured, ok := cfg.MaxContextTokens[rc.Service]; ok && configured > 0 && configured < limit {
			limit = configured
		}

		outputTokens := req.MaxTokens
		if maxOut, ok := cfg.MaxOutputTokens[rc.Service]; ok && maxOut > 0 && outputTokens > maxOut {
			outputTokens = maxOut
			req.MaxTokens = maxOut
		}

		if rc.PromptTokens+outputTokens > limit {
			return types.ContextTooLarge("prompt and requested output exceed the model's context window")
		}
		rc.OutputTokens = outputTokens
		return nil
	}
}

// applyQuotaLimitsStage fails with QuotaExceeded when the request's
// estimated tokens would push a user's per-family usage over their
// configured limit. tokenCounts itself is never mutated here — usage is
// only ever incremented once a response is actually received
// (incrementUsage) — this stage only checks.
func applyQuotaLimitsStage(cfg Config) Stage {
	return func(_ context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
		if rc.UserToken == "" || cfg.Users == nil {
			return nil
		}
		user, ok := cfg.Users.Get(rc.UserToken)
		if !ok || user == nil || user.BypassesQuota() {
			return nil
		}
		remaining, unlimited := user.RemainingQuota(rc.ModelFamily)
		if unlimited {
			return nil
		}
		requested := int64(rc.PromptTokens + rc.OutputTokens)
		if requested > remaining {
			return types.QuotaExceeded("per-family token limit would be exceeded by this request")
		}
		return nil
	}
}

// estimateRequestCost is the same coarse per-token USD estimate the key
// pool uses to decide when an OpenAI key has crossed its own hard
// spending limit; good enough to gate the proxy-wide budget too.
func estimateRequestCost(tokens int) float64 {
	return float64(tokens) / 1000 * 0.002
}

// budgetGuardStage enforces the proxy-wide token/cost ceiling, distinct
// from applyQuotaLimitsStage's per-user per-family accounting just
// before it.
func budgetGuardStage(cfg Config) Stage {
	return func(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
		if cfg.Budget == nil {
			return nil
		}
		estimatedTokens := rc.PromptTokens + rc.OutputTokens
		if err := cfg.Budget.CheckBudget(ctx, estimatedTokens, estimateRequestCost(estimatedTokens)); err != nil {
			return types.BudgetExceeded(err.Error())
		}
		return nil
	}
}

// anthropicPreambleMarker is the literal substring Anthropic's text
// completions API requires a prompt to start with.
const anthropicPreambleMarker = "\n\nHuman:"

// applyAnthropicPreamble prepends the marker when req.Prompt doesn't
// already start with it — the fix-up a key flagged
// AnthropicKeyFields.RequiresPreamble needs applied on every subsequent
// request it serves, not just the one that tripped the original 400.
func applyAnthropicPreamble(req *types.ChatRequest) {
	if strings.HasPrefix(req.Prompt, anthropicPreambleMarker) {
		return
	}
	req.Prompt = anthropicPreambleMarker + req.Prompt
}

// validateVisionStage rejects image-bearing prompts on services that
// aren't in AllowedVisionServices, unless the user is of type special.
func validateVisionStage(cfg Config) Stage {
	return func(_ context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
		if !hasImages(req) {
			return nil
		}
		if cfg.AllowedVisionServices[rc.Service] {
			return nil
		}
		if rc.UserToken != "" && cfg.Users != nil {
			if user, ok := cfg.Users.Get(rc.UserToken); ok && user != nil && user.Type == types.UserSpecial {
				return nil
			}
		}
		return types.Validation("this service does not accept image content",
			types.FieldIssue{Path: "messages", Message: "vision is not enabled for " + string(rc.Service)})
	}
}

func hasImages(req *types.ChatRequest) bool {
	for _, m := range req.Messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}

// signStage dispatches to the provider-specific signer once the queue has
// bound rc.Key (step 7); a no-op for services with no out-of-band signing
// requirement (OpenAI, Anthropic, Mistral use a bearer header the HTTP
// client attaches directly).
func signStage(cfg Config) Stage {
	return func(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
		if rc.Key == nil {
			return nil
		}
		if rc.Service == types.ServiceAnthropic && rc.OutboundAPI == types.FormatAnthropicText && rc.Key.Anthropic.RequiresPreamble {
			applyAnthropicPreamble(req)
		}
		switch rc.Service {
		case types.ServiceAWS:
			return signAWSStage(ctx, cfg, rc, req)
		case types.ServiceAzure:
			return signAzureStage(cfg, rc, req)
		case types.ServiceGoogleAI:
			return signGoogleAIStage(cfg, rc, req)
		default:
			return nil
		}
	}
}
