// Package response implements the Response Handler: the pipeline
// that turns one upstream HTTP reply (or SSE stream) into the client's
// response, deciding along the way whether an upstream failure should be
// surfaced to the client, silently retried by re-enqueuing the request, or
// turned into a key-pool state change (rate-limit lockout, disablement).
//
// Two paths exist. The non-streaming path (Handle) runs a
// middleware.Chain[UpstreamResponse, types.ChatResponse] — trackRateLimit,
// handleUpstreamErrors, countResponseTokens, incrementUsage,
// copyHTTPHeaders, logPrompt, then BuildChatResponse — over one
// fully-buffered upstream body. Its result is always the normalized
// types.ChatResponse; it is not rendered back into the client's inbound
// dialect. The streaming path (Forward) copies an upstream SSE stream
// byte-for-byte to the client while parsing each delta just far enough to
// accumulate the running completion text needed for token accounting; the
// parsed deltas also feed a llm/streaming.BackpressureStream (DropPolicy
// fixed to DropPolicyBlock) as a secondary token stream, which never slows
// or drops the bytes written to the client.
package response
