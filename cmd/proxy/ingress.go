package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaymesh/llmgate/llm/queue"
	"github.com/relaymesh/llmgate/llm/response"
	"github.com/relaymesh/llmgate/types"
)

// modelsCacheTTL is how long a synthesized /v1/models listing is cached
// per service before handleModels recomputes it.
const modelsCacheTTL = 60 * time.Second

// modelsSingleflight collapses concurrent cache-miss regenerations of the
// same service's model listing into a single computation.
var modelsSingleflight singleflight.Group

// route 对应一个暴露给客户端的入口：解析方式（inboundFormat）决定用哪个
// dialect.Validate* 解码请求体，service/outboundFormat（非空时）预先钉死
// rc.Service/rc.OutboundAPI，其余交给预处理链自行解析。
type route struct {
	method         string
	path           string
	inboundFormat  types.APIFormat
	outboundFormat types.APIFormat
	service        types.Service // 非空时由路由钉死，setAPIFormatStage 不再覆盖
}

// registerIngress 挂载全部代理路由，以及 /proxy/{service}/v1/models
// 的合成模型列表端点。GCP 路由未注册：types.Service 没有对应常量，Vertex AI
// 未接入，只接入了 Google AI Studio。
func (s *Server) registerIngress(mux *http.ServeMux) {
	routes := []route{
		{http.MethodPost, "/proxy/openai/v1/chat/completions", types.FormatOpenAI, "", types.ServiceOpenAI},
		{http.MethodPost, "/proxy/openai/v1/completions", types.FormatOpenAIText, "", types.ServiceOpenAI},
		{http.MethodPost, "/proxy/openai/v1/images/generations", types.FormatOpenAIImage, "", types.ServiceOpenAI},
		{http.MethodPost, "/proxy/openai/v1/embeddings", types.FormatOpenAI, "", types.ServiceOpenAI},

		{http.MethodPost, "/proxy/anthropic/v1/messages", types.FormatAnthropicChat, "", types.ServiceAnthropic},
		{http.MethodPost, "/proxy/anthropic/v1/complete", types.FormatAnthropicText, "", types.ServiceAnthropic},
		{http.MethodPost, "/proxy/anthropic/v1/chat/completions", types.FormatOpenAI, types.FormatAnthropicChat, types.ServiceAnthropic},

		{http.MethodPost, "/proxy/aws/claude/v1/complete", types.FormatAnthropicText, "", types.ServiceAWS},
		{http.MethodPost, "/proxy/aws/claude/v1/messages", types.FormatAnthropicChat, "", types.ServiceAWS},
		{http.MethodPost, "/proxy/aws/claude/v1/chat/completions", types.FormatOpenAI, types.FormatAnthropicChat, types.ServiceAWS},
		{http.MethodPost, "/proxy/aws/claude/v1/claude-3/complete", types.FormatAnthropicText, types.FormatAnthropicChat, types.ServiceAWS},

		{http.MethodPost, "/proxy/google-ai/v1/chat/completions", types.FormatOpenAI, types.FormatGoogleAI, types.ServiceGoogleAI},

		{http.MethodPost, "/proxy/mistral-ai/v1/chat/completions", types.FormatOpenAI, types.FormatMistralAI, types.ServiceMistralAI},

		{http.MethodPost, "/proxy/azure/openai/v1/chat/completions", types.FormatOpenAI, "", types.ServiceAzure},
	}

	for _, rt := range routes {
		rt := rt
		mux.HandleFunc(rt.path, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != rt.method {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.handleChat(w, r, rt)
		})
	}

	mux.HandleFunc("/proxy/openai/v1/models", s.handleModels(types.ServiceOpenAI))
	mux.HandleFunc("/proxy/anthropic/v1/models", s.handleModels(types.ServiceAnthropic))
	mux.HandleFunc("/proxy/aws/v1/models", s.handleModels(types.ServiceAWS))
	mux.HandleFunc("/proxy/azure/v1/models", s.handleModels(types.ServiceAzure))
	mux.HandleFunc("/proxy/google-ai/v1/models", s.handleModels(types.ServiceGoogleAI))
	mux.HandleFunc("/proxy/mistral-ai/v1/models", s.handleModels(types.ServiceMistralAI))
}

type modelEntry struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Owner  string `json:"owned_by"`
}

type modelsListing struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels synthesizes the GET /proxy/{service}/v1/models listing from
// the fixed ModelFamily table, filtered to families actually routed to
// service, to LimitsConfig.AllowedModelFamilies (if configured), and to
// families that currently have at least one enabled, healthy key behind
// them — a family whose only keys are disabled or rate-limited is omitted
// rather than advertised as servable. The result is cached for
// modelsCacheTTL per service so a burst of client polling doesn't re-walk
// the key pool on every call.
func (s *Server) handleModels(service types.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		listing, err := s.modelsFor(r.Context(), service)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to build model listing")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(listing)
	}
}

// modelsFor returns the cached listing for service, populating the cache
// on a miss. Redis unavailability (s.cache == nil, or a transient error) is
// not fatal: the listing is simply recomputed against the live key pool on
// every call.
func (s *Server) modelsFor(ctx context.Context, service types.Service) (modelsListing, error) {
	cacheKey := fmt.Sprintf("llmgate:models:%s", service)

	if s.cache != nil {
		var cached modelsListing
		if err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil {
			s.metricsCollector.RecordCacheHit("models")
			return cached, nil
		}
		s.metricsCollector.RecordCacheMiss("models")
	}

	v, err, _ := modelsSingleflight.Do(string(service), func() (any, error) {
		return s.buildModelsListing(service), nil
	})
	if err != nil {
		return modelsListing{}, err
	}
	listing := v.(modelsListing)

	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, cacheKey, listing, modelsCacheTTL)
	}
	return listing, nil
}

func (s *Server) buildModelsListing(service types.Service) modelsListing {
	allowed := s.allowedFamilies
	var families []string
	for family, owner := range familyServiceTable {
		if owner != service {
			continue
		}
		if len(allowed) > 0 && !allowed[string(family)] {
			continue
		}
		if s.keys != nil && s.keys.AvailableFamily(family) == 0 {
			continue
		}
		families = append(families, string(family))
	}
	sort.Strings(families)

	entries := make([]modelEntry, 0, len(families))
	for _, f := range families {
		entries = append(entries, modelEntry{ID: f, Object: "model", Owner: string(service)})
	}
	return modelsListing{Object: "list", Data: entries}
}

// familyServiceTable mirrors types.ServiceForFamily for every known family,
// used only to build the /v1/models listing (the package has no exported
// "all families" iterator).
var familyServiceTable = map[types.ModelFamily]types.Service{
	types.FamilyTurbo:       types.ServiceOpenAI,
	types.FamilyGPT4:        types.ServiceOpenAI,
	types.FamilyGPT4_32k:    types.ServiceOpenAI,
	types.FamilyGPT4Turbo:   types.ServiceOpenAI,
	types.FamilyDallE:       types.ServiceOpenAI,
	types.FamilyClaude:      types.ServiceAnthropic,
	types.FamilyGeminiPro:   types.ServiceGoogleAI,
	types.FamilyMistralTiny: types.ServiceMistralAI,
	types.FamilyMistralSm:   types.ServiceMistralAI,
	types.FamilyMistralMed:  types.ServiceMistralAI,
	types.FamilyAWSClaude:   types.ServiceAWS,
	types.FamilyAzureTurbo:  types.ServiceAzure,
	types.FamilyAzureGPT4:   types.ServiceAzure,
	types.FamilyAzureGPT432: types.ServiceAzure,
	types.FamilyAzureGPT4T:  types.ServiceAzure,
}

// handleChat is the generic ingress adapter shared by every chat/completion
// route: decode -> RunPreQueue -> enqueue -> (on dequeue) sign+invoke+handle
// -> write response. It blocks the request goroutine on a completion
// channel the installed proceed closure signals once the queue has
// dispatched rc (possibly more than once, across retries).
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, rt route) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	validator, ok := s.validators[rt.inboundFormat]
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "no validator registered for this route")
		return
	}
	req, verr := validator(body, s.chainLimits)
	if verr != nil {
		writeClientError(w, verr)
		return
	}

	rc := types.NewRequestContext(generateRequestID())
	rc.InboundAPI = rt.inboundFormat
	rc.OutboundAPI = rt.outboundFormat
	rc.Service = rt.service
	rc.IsStreaming = req.Stream
	rc.ClientIP = clientIP(r)
	rc.RisuToken = s.risuToken(ctx, r)
	if userToken, ok := types.UserID(ctx); ok {
		rc.UserToken = userToken
	}

	if err := s.chain.RunPreQueue(ctx, rc, req); err != nil {
		writeClientError(w, err)
		return
	}

	done := make(chan struct{})
	var (
		once     sync.Once
		finalErr error
	)
	finish := func(err error) {
		once.Do(func() {
			finalErr = err
			close(done)
		})
	}

	rc.SetProceed(func() {
		s.proceedChat(ctx, rc, req, w, finish)
	})

	if err := s.queue.Enqueue(rc, queue.EnqueueOptions{
		OnStale: func(err error) { finish(err) },
	}); err != nil {
		writeClientError(w, err)
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
		rc.Abort()
		return
	}

	if finalErr != nil && types.GetErrorCode(finalErr) != types.ErrRetryable {
		writeClientError(w, finalErr)
	}
}

// proceedChat runs on the queue's own dispatch goroutine once rc has been
// bound to a key. It signs the outbound call, invokes the upstream
// provider, and either streams the reply verbatim or hands it to
// llm/response.Handler for the buffered JSON path. finish is called exactly
// once with the terminal error (nil on success, or the *types.Error the
// caller should translate to an HTTP response) — except on the
// ErrRetryable sentinel, where handleUpstreamErrorsStage has already
// re-enqueued rc and the same proceed closure will run again later, so
// finish must not be called yet.
func (s *Server) proceedChat(ctx context.Context, rc *types.RequestContext, req *types.ChatRequest, w http.ResponseWriter, finish func(error)) {
	if err := s.chain.RunSigning(ctx, rc, req); err != nil {
		finish(err)
		return
	}

	status, header, respBody, err := s.registry.Invoke(ctx, rc, req)
	if err != nil {
		finish(err)
		return
	}

	if rc.IsStreaming && status >= 200 && status < 300 {
		s.proceedStream(rc, status, header, respBody, w, finish)
		return
	}

	u := &response.UpstreamResponse{
		RC:           rc,
		Model:        req.Model,
		StatusCode:   status,
		Header:       header,
		Body:         respBody,
		ClientHeader: w.Header(),
	}

	resp, herr := s.respHandler.Handle(ctx, u)
	if herr != nil {
		if types.GetErrorCode(herr) == types.ErrRetryable {
			// Already re-enqueued by handleUpstreamErrorsStage; the same
			// proceed closure fires again on the next dispatch.
			return
		}
		finish(herr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
	finish(nil)
}

// proceedStream forwards a 2xx streaming reply byte-for-byte via
// response.StreamForwarder, then increments the key's usage by
// PromptTokens+OutputTokens directly against the key pool, since
// Handler's BuildChatResponse expects a single buffered JSON object and
// cannot parse an SSE body. Rate-limit headers of a streamed reply are
// not tracked, and the streamed completion's tokens are not counted.
func (s *Server) proceedStream(rc *types.RequestContext, status int, header http.Header, body []byte, w http.ResponseWriter, finish func(error)) {
	for k, vs := range header {
		if k == "Content-Encoding" || k == "Transfer-Encoding" {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	forwarder := response.NewStreamForwarder(0)
	streamCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	_ = forwarder.Forward(streamCtx, rc.Service, bytes.NewReader(body), w, flush)

	if rc.Key != nil {
		total := rc.PromptTokens + rc.OutputTokens
		_ = s.keys.IncrementUsage(rc.Key.Hash, rc.ModelFamily, total)
	}
	finish(nil)
}

// writeClientError translates err (expected to be a *types.Error, but
// handled defensively) into the client-facing JSON error envelope.
func writeClientError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := types.ErrorCode("INTERNAL")
	if e, ok := err.(*types.Error); ok {
		if e.HTTPStatus != 0 {
			status = e.HTTPStatus
		}
		code = e.Code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]any{
			"code":    code,
			"message": err.Error(),
		},
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// resolveUpstreamFamily is wired as preprocessor.Config.BeforeTransform: it
// runs immediately after setAPIFormatStage (before transformOutboundStage,
// countPromptTokensStage, or any other stage that reads rc.ModelFamily), and
// corrects the generic model-family resolution setAPIFormatStage always
// performs for the two routes that pre-pin rc.Service to a provider whose
// model-naming scheme aliases another provider's: AWS Bedrock's Claude
// model IDs otherwise resolve to the plain Anthropic family, and Azure's
// deployment-routed OpenAI names otherwise resolve to the plain OpenAI
// family. Folding this into setAPIFormatStage itself would make the
// generic stage provider-aware; keeping it as a separate hook lets the
// two routes override the resolution without touching the shared path.
func resolveUpstreamFamily(_ context.Context, rc *types.RequestContext, req *types.ChatRequest) error {
	switch rc.Service {
	case types.ServiceAWS:
		rc.ModelFamily = types.ResolveAWSFamily(req.Model)
	case types.ServiceAzure:
		if family, ok := types.ResolveAzureFamily(req.Model); ok {
			rc.ModelFamily = family
		}
	}
	return nil
}
