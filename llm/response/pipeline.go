package response

import (
	"context"
	"time"

	"github.com/relaymesh/llmgate/llm/budget"
	"github.com/relaymesh/llmgate/llm/middleware"
	"github.com/relaymesh/llmgate/llm/queue"
	"github.com/relaymesh/llmgate/llm/tokenizer"
	"github.com/relaymesh/llmgate/types"
)

// Stage is one step of the non-streaming response pipeline.
type Stage = middleware.Middleware[UpstreamResponse, types.ChatResponse]

// Handler runs the ordered, middleware-based non-streaming response
// pipeline.
type Handler struct {
	cfg   Config
	chain *middleware.Chain[UpstreamResponse, types.ChatResponse]
}

// New builds a Handler wiring trackRateLimit, handleUpstreamErrors,
// countResponseTokens, incrementUsage, copyHTTPHeaders, and logPrompt in
// that order, terminating in BuildChatResponse, which returns the
// normalized types.ChatResponse whatever the client's inbound dialect.
func New(cfg Config) *Handler {
	chain := middleware.NewChain[UpstreamResponse, types.ChatResponse](
		trackRateLimitStage(cfg),
		handleUpstreamErrorsStage(cfg),
		countResponseTokensStage(cfg),
		incrementUsageStage(cfg),
		copyHTTPHeadersStage(),
		logPromptStage(cfg),
	)
	return &Handler{cfg: cfg, chain: chain}
}

// Handle runs u through the pipeline and returns the client-facing
// response. A *types.Error with Code==ErrRetryable means the request has
// already been re-enqueued and the caller must not write anything to the
// client connection besides whatever keep-alive framing it already sent.
func (h *Handler) Handle(ctx context.Context, u *UpstreamResponse) (*types.ChatResponse, error) {
	return h.chain.Then(BuildChatResponse)(ctx, u)
}

// trackRateLimitStage updates a key's known rate-limit reset time from
// whatever provider-documented header carries it, on every reply
// (success or failure) — independent of handleUpstreamErrors, which only
// fires on non-2xx.
func trackRateLimitStage(cfg Config) Stage {
	return func(next middleware.Handler[UpstreamResponse, types.ChatResponse]) middleware.Handler[UpstreamResponse, types.ChatResponse] {
		return func(ctx context.Context, u *UpstreamResponse) (*types.ChatResponse, error) {
			if cfg.Keys != nil && u.RC.Key != nil {
				if resetAt, ok := rateLimitResetAt(u.RC.Service, u.Header); ok {
					_ = cfg.Keys.UpdateRateLimits(u.RC.Key.Hash, resetAt)
				}
			}
			return next(ctx, u)
		}
	}
}

// rateLimitResetAt reads whichever rate-limit-reset header the provider
// documents. OpenAI reports a duration string (e.g. "1.5s") in
// x-ratelimit-reset-requests; Anthropic reports an RFC3339 timestamp in
// anthropic-ratelimit-requests-reset.
func rateLimitResetAt(service types.Service, h map[string][]string) (time.Time, bool) {
	get := func(key string) string {
		if vs, ok := h[key]; ok && len(vs) > 0 {
			return vs[0]
		}
		return ""
	}
	switch service {
	case types.ServiceOpenAI, types.ServiceAzure:
		if v := get("X-Ratelimit-Reset-Requests"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return time.Now().Add(d), true
			}
		}
	case types.ServiceAnthropic, types.ServiceAWS:
		if v := get("Anthropic-Ratelimit-Requests-Reset"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// handleUpstreamErrorsStage applies the upstream-error classification table: acts
// on the key pool, and either re-enqueues the request (raising the
// Retryable sentinel to abort the rest of the chain) or surfaces a
// client-visible error.
func handleUpstreamErrorsStage(cfg Config) Stage {
	return func(next middleware.Handler[UpstreamResponse, types.ChatResponse]) middleware.Handler[UpstreamResponse, types.ChatResponse] {
		return func(ctx context.Context, u *UpstreamResponse) (*types.ChatResponse, error) {
			if u.StatusCode >= 200 && u.StatusCode < 300 {
				return next(ctx, u)
			}

			outcome := classifyUpstreamError(u)

			if cfg.Keys != nil && u.RC.Key != nil {
				switch {
				case outcome.disable:
					_ = cfg.Keys.Disable(u.RC.Key.Hash, outcome.reason)
				case outcome.markRateLimited:
					_ = cfg.Keys.MarkRateLimited(u.RC.Key.Hash)
				}
			}

			retryable := outcome.retryable
			if outcome.requiresPreamble && u.RC.CanRetryPreamble() {
				u.RC.PreambleRetries++
				retryable = true
				if cfg.Keys != nil && u.RC.Key != nil {
					_ = cfg.Keys.UpdateKey(u.RC.Key.Hash, func(k *types.Key) {
						k.Anthropic.RequiresPreamble = true
					})
				}
			}

			if retryable {
				u.RC.ResetForRetry()
				if cfg.Queue != nil {
					if err := cfg.Queue.Enqueue(u.RC, queue.EnqueueOptions{}); err != nil {
						if outcome.err.Code == types.ErrRetryable {
							// Not back in the queue: the client must get an
							// error, not the re-enqueued sentinel code.
							return nil, types.NewError(types.ErrUpstream, outcome.err.Message).
								WithHTTPStatus(outcome.err.HTTPStatus).WithProvider(outcome.err.Provider).WithCause(err)
						}
						return nil, outcome.err.WithCause(err)
					}
				}
				return nil, types.RetryableSentinel()
			}

			return nil, outcome.err
		}
	}
}

// countResponseTokensStage counts the completion text's tokens into
// RC.OutputTokens, mirroring the preprocessor's prompt-side accounting so
// incrementUsage and BuildChatResponse both see a final figure.
func countResponseTokensStage(cfg Config) Stage {
	return func(next middleware.Handler[UpstreamResponse, types.ChatResponse]) middleware.Handler[UpstreamResponse, types.ChatResponse] {
		return func(ctx context.Context, u *UpstreamResponse) (*types.ChatResponse, error) {
			text, err := u.CompletionText()
			if err != nil {
				return nil, err
			}
			result, err := tokenizer.CountTokens(tokenizer.CountRequest{
				Model:      u.Model,
				Service:    u.RC.Service,
				Completion: text,
			})
			if err == nil {
				u.RC.OutputTokens = result.TokenCount
			}
			return next(ctx, u)
		}
	}
}

// incrementUsageStage records the request's total token cost against the
// key that served it, once both PromptTokens and OutputTokens are final.
func incrementUsageStage(cfg Config) Stage {
	return func(next middleware.Handler[UpstreamResponse, types.ChatResponse]) middleware.Handler[UpstreamResponse, types.ChatResponse] {
		return func(ctx context.Context, u *UpstreamResponse) (*types.ChatResponse, error) {
			total := u.RC.PromptTokens + u.RC.OutputTokens
			if cfg.Keys != nil && u.RC.Key != nil {
				_ = cfg.Keys.IncrementUsage(u.RC.Key.Hash, u.RC.ModelFamily, total)
			}
			if cfg.Budget != nil {
				cfg.Budget.RecordUsage(budget.UsageRecord{
					Timestamp: time.Now(),
					Tokens:    total,
					Cost:      estimateCost(total),
					Model:     u.Model,
					RequestID: u.RC.ID,
					UserID:    u.RC.UserToken,
				})
			}
			return next(ctx, u)
		}
	}
}

// estimateCost is the same coarse per-token USD estimate the key pool and
// the preprocessor's budget guard use.
func estimateCost(tokens int) float64 {
	return float64(tokens) / 1000 * 0.002
}

// deniedResponseHeaders is excluded from copyHTTPHeadersStage since the
// body the client receives has already been fully decoded/re-encoded by
// this point, so a stale content-encoding or transfer-encoding header
// would describe bytes that no longer exist.
var deniedResponseHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Transfer-Encoding": true,
}

// copyHTTPHeadersStage mirrors every upstream header except the ones
// describing the now-stale wire encoding into the client-facing header
// set.
func copyHTTPHeadersStage() Stage {
	return func(next middleware.Handler[UpstreamResponse, types.ChatResponse]) middleware.Handler[UpstreamResponse, types.ChatResponse] {
		return func(ctx context.Context, u *UpstreamResponse) (*types.ChatResponse, error) {
			if u.ClientHeader != nil {
				for k, vs := range u.Header {
					if deniedResponseHeaders[k] {
						continue
					}
					for _, v := range vs {
						u.ClientHeader.Add(k, v)
					}
				}
			}
			return next(ctx, u)
		}
	}
}

// logPromptStage writes one structured log line per completed request.
func logPromptStage(cfg Config) Stage {
	return func(next middleware.Handler[UpstreamResponse, types.ChatResponse]) middleware.Handler[UpstreamResponse, types.ChatResponse] {
		return func(ctx context.Context, u *UpstreamResponse) (*types.ChatResponse, error) {
			if cfg.Logger != nil {
				cfg.Logger("request %s: service=%s family=%s prompt_tokens=%d output_tokens=%d status=%d",
					u.RC.ID, u.RC.Service, u.RC.ModelFamily, u.RC.PromptTokens, u.RC.OutputTokens, u.StatusCode)
			}
			return next(ctx, u)
		}
	}
}
