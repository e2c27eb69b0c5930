// Copyright (c) llmgate Authors.
// Licensed under the MIT License.

/*
Package types provides the shared data model for the proxy: it has zero
dependencies on any other internal package, so every other package can
import it without risking an import cycle.

# Core types

  - Key / KeyStats        — one upstream credential, owned exclusively by the key pool
  - User                  — one authenticated principal under the gatekeeper
  - ModelFamily / Service — the closed model-family enum and its fixed service mapping
  - APIFormat             — the wire dialect a request or response body is shaped as
  - RequestContext        — per-in-flight-request state threaded through the pipeline
  - ChatRequest/Response  — the normalized chat/completion shapes
  - Error / ErrorCode     — the structured error taxonomy returned to clients

# Context propagation

WithTraceID / TraceID and WithUserID / UserID attach request-scoped
identifiers to a context.Context for logging and tracing correlation.
*/
package types
