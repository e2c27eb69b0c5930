package providers

import (
	"context"
	"net/http"

	"github.com/relaymesh/llmgate/types"
)

// Invoker is the shape every per-service client
// (llm/providers/{openai,anthropic,googleai,mistral,aws,azure}) implements:
// issue the upstream call and return its raw reply for llm/response to
// decode.
type Invoker interface {
	Invoke(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) (statusCode int, header http.Header, body []byte, err error)
}

// Registry dispatches on rc.Service to the right Invoker, so cmd/proxy
// wires one Registry rather than switching on Service at every call site.
type Registry struct {
	invokers map[types.Service]Invoker
}

// NewRegistry builds an empty Registry; Register each service's client
// before serving traffic.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[types.Service]Invoker)}
}

// Register attaches inv as the Invoker for service.
func (r *Registry) Register(service types.Service, inv Invoker) {
	r.invokers[service] = inv
}

// Invoke routes to rc.Service's registered Invoker.
func (r *Registry) Invoke(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest) (int, http.Header, []byte, error) {
	inv, ok := r.invokers[rc.Service]
	if !ok {
		return 0, nil, nil, types.NoKeysAvailable(string(rc.Service))
	}
	return inv.Invoke(ctx, rc, req)
}
