/*
Package middleware provides a generic Handler/Middleware chain for wrapping
cross-cutting concerns around a request/response call.

# Overview

The package is generic over the request and response types (Chain[Req,
Resp]) rather than fixed to one shape, since it backs two unrelated call
sites: llm/response's ordered upstream-reply pipeline (trackRateLimit,
handleUpstreamErrors, countResponseTokens, incrementUsage, copyHttpHeaders,
logPrompt) and any future chain that needs the same Use/UseFront/Then
composition over different types.

# Core types

  - Handler[Req, Resp]: func(ctx, *Req) (*Resp, error).
  - Middleware[Req, Resp]: func(Handler) Handler.
  - Chain[Req, Resp]: an ordered middleware list, composed with Use /
    UseFront and collapsed into a single Handler with Then.

# Built-in middleware

  - LoggingMiddleware logs a line before and after each call.
  - TimeoutMiddleware bounds a call with a context deadline.
  - RetryMiddleware retries a failing call with linear backoff.
  - RecoveryMiddleware turns a panic into a PanicError.
*/
package middleware
