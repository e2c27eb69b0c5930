// Package providers is the parent of the per-service upstream clients:
// llm/providers/{openai,anthropic,googleai,mistral,aws,azure}. Each
// sub-package implements llm/keychecker.Prober for health checking and
// exposes an Invoke method the ingress dispatcher calls once the queue has
// bound a key, returning the upstream's raw status/header/body so
// llm/response can decode it without caring which client produced it.
package providers
