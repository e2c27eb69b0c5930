package preprocessor

import (
	"context"

	"github.com/relaymesh/llmgate/types"
)

// Stage is one step of the preprocessor chain. It receives the shared
// request context and the normalized chat request, and may mutate
// either. Returning a non-nil error stops the chain; the error is always
// an *types.Error (or wraps one) so the caller can translate it directly
// to an HTTP response.
type Stage func(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) error

// Hook is an optional endpoint-specific extension point run immediately
// before (beforeTransform) or after (afterTransform) the dialect
// transform stage. A nil Hook is a no-op.
type Hook func(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) error

// Chain runs PreQueue's fixed stage sequence, then — once the queue has
// bound rc.Key — RunSigning's single signing stage.
type Chain struct {
	BeforeTransform Hook
	AfterTransform  Hook

	preQueue []Stage
	sign     Stage
}

// New builds the fixed preprocessor chain from cfg: set-api-format,
// transform-outbound, count-prompt-tokens, validate-context-size,
// apply-quota-limits, budget-guard, validate-vision, in that order
// (transform-outbound is bracketed by the BeforeTransform/AfterTransform
// hooks, signing is deferred to RunSigning, and control then simply returns to
// the caller).
func New(cfg Config) *Chain {
	c := &Chain{
		BeforeTransform: cfg.BeforeTransform,
		AfterTransform:  cfg.AfterTransform,
	}
	c.preQueue = []Stage{
		setAPIFormatStage(cfg),
		c.runBeforeTransform,
		transformOutboundStage(cfg),
		countPromptTokensStage(cfg),
		c.runAfterTransform,
		validateContextSizeStage(cfg),
		applyQuotaLimitsStage(cfg),
		budgetGuardStage(cfg),
		validateVisionStage(cfg),
	}
	c.sign = signStage(cfg)
	return c
}

func (c *Chain) runBeforeTransform(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
	if c.BeforeTransform == nil {
		return nil
	}
	return c.BeforeTransform(ctx, rc, req)
}

func (c *Chain) runAfterTransform(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
	if c.AfterTransform == nil {
		return nil
	}
	return c.AfterTransform(ctx, rc, req)
}

// RunPreQueue executes every stage up to (but not including) signing,
// stopping at the first error. Skipped entirely is nothing — every stage
// here runs once per initial enqueue, and (per transformOutboundStage)
// again, minus the transform itself, on a retry.
func (c *Chain) RunPreQueue(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
	for _, stage := range c.preQueue {
		if err := ctx.Err(); err != nil {
			return types.Internal("request cancelled", err)
		}
		if err := stage(ctx, rc, req); err != nil {
			return err
		}
	}
	return nil
}

// RunSigning executes the deferred provider-signing stage once the queue
// has bound rc.Key; a no-op for services that don't require signing.
func (c *Chain) RunSigning(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
	if c.sign == nil {
		return nil
	}
	return c.sign(ctx, rc, req)
}
