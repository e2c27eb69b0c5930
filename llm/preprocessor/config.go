package preprocessor

import (
	"github.com/relaymesh/llmgate/llm/budget"
	"github.com/relaymesh/llmgate/llm/dialect"
	"github.com/relaymesh/llmgate/types"
)

// UserStore is the narrow read interface applyQuotaLimits needs. The real
// implementation (internal/userstore.Store) exclusively owns User
// mutation; the preprocessor only ever reads.
type UserStore interface {
	Get(token string) (*types.User, bool)
}

// Config wires every external dependency and tunable the chain's stages
// need. Every field has a useful zero value except Limits, so tests can
// build a minimal Config for a single stage under test.
type Config struct {
	// InboundValidators decodes+normalizes a raw body for a given
	// dialect; keyed by types.APIFormat.
	InboundValidators map[types.APIFormat]func([]byte, dialect.Limits) (*types.ChatRequest, error)
	Limits            dialect.Limits

	Users UserStore

	// MaxContextTokens/MaxOutputTokens are the MAX_CONTEXT_TOKENS_*/
	// MAX_OUTPUT_TOKENS_* env-configured ceilings, keyed by service.
	MaxContextTokens map[types.Service]int
	MaxOutputTokens  map[types.Service]int

	// AllowedVisionServices gates validateVision.
	AllowedVisionServices map[types.Service]bool

	// Budget enforces the proxy-wide token/cost ceiling ahead of every
	// request, independent of any single user's own quota. Nil disables
	// the check entirely.
	Budget *budget.TokenBudgetManager

	BeforeTransform Hook
	AfterTransform  Hook
}
