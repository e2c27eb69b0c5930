// Package preprocessor implements the ordered, cancellation-aware Request
// Preprocessor Chain: set-api-format, transform-outbound,
// count-prompt-tokens, validate-context-size, apply-quota-limits,
// budget-guard, and validate-vision run once before a request is enqueued;
// the provider-specific signing step runs after the queue has bound a
// key to the request, since AWS SigV4 and Google AI's key-in-query
// scheme need the credential that isn't chosen until dequeue time.
//
// Stages stop the chain on first failure, exactly the way
// llm/middleware.Chain stops on the first middleware returning an error —
// but the ordering here is a fixed, named sequence rather than
// user-configurable middleware, so preprocessor defines its own small
// Stage/Chain pair instead of reusing the generic one (which is instead
// wired into the response handler's own ordered middleware list).
package preprocessor
