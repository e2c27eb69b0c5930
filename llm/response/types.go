package response

import (
	"net/http"
	"time"

	"github.com/relaymesh/llmgate/llm/budget"
	"github.com/relaymesh/llmgate/llm/queue"
	"github.com/relaymesh/llmgate/types"
)

// UpstreamResponse is the fully-buffered non-streaming reply the pipeline
// runs over: the upstream's raw status/headers/body plus the
// *types.RequestContext it answers and the client-facing header set to
// mirror approved headers into.
type UpstreamResponse struct {
	RC *types.RequestContext
	// Model is the wire model string the original request named (the
	// caller copies it off the outbound types.ChatRequest before issuing
	// the upstream call), used only for the tokenizer's legacy-model
	// overhead heuristics — the same field countPromptTokensStage reads on
	// the request side.
	Model      string
	StatusCode int
	Header     http.Header
	Body       []byte

	// ClientHeader is the outbound http.ResponseWriter's header map;
	// copyHTTPHeaders writes into it directly rather than returning a copy,
	// since the client connection's headers must be set before the body is
	// written.
	ClientHeader http.Header

	completion    string
	completionSet bool
}

// CompletionText extracts and caches the provider's completion text from
// Body, so countResponseTokens and the final format transformer — which
// both need it — only pay for one JSON decode.
func (u *UpstreamResponse) CompletionText() (string, error) {
	if u.completionSet {
		return u.completion, nil
	}
	text, err := extractCompletionText(u.RC.Service, u.Body)
	if err != nil {
		return "", err
	}
	u.completion = text
	u.completionSet = true
	return text, nil
}

// KeyActions is the narrow slice of llm/keypool.Aggregate the error
// classifier needs: disable a key, mark it rate-limited, and update its
// rate-limit reset time when a provider reports one. Passed in as an
// interface for the same reason llm/queue takes a LockoutChecker instead
// of a *keypool.Aggregate — the response handler never imports keypool
// directly.
type KeyActions interface {
	Disable(hash string, reason types.DisableReason) error
	MarkRateLimited(hash string) error
	UpdateRateLimits(hash string, resetAt time.Time) error
	IncrementUsage(hash string, family types.ModelFamily, tokens int) error
	UpdateKey(hash string, mutate func(*types.Key)) error
}

// Reenqueuer re-admits rc into the request queue for a retried attempt. It
// is llm/queue.Queue.Enqueue's shape, narrowed to an interface the same
// way llm/queue itself narrows *keypool.Aggregate to a LockoutChecker.
type Reenqueuer interface {
	Enqueue(rc *types.RequestContext, opts queue.EnqueueOptions) error
}

// Config wires every dependency the pipeline's stages need.
type Config struct {
	Keys   KeyActions
	Queue  Reenqueuer
	Logger func(format string, args ...any)

	// Budget records completed usage against the same proxy-wide
	// token/cost ceiling the preprocessor's budget-guard stage checks
	// before dispatch. Nil disables recording.
	Budget *budget.TokenBudgetManager
}
