// Package middleware provides a generic, composable Handler/Middleware
// chain used to wrap cross-cutting concerns (logging, timeouts, retries,
// panic recovery) around a request/response call without that call needing
// to know about any of them.
package middleware

import (
	"context"
	"sync"
	"time"
)

// Handler processes a request and returns a response. It is generic over
// Req/Resp so the same chain shape serves both the inbound preprocessing
// path and the Response Handler's upstream-reply path, which operate on
// entirely different concrete types.
type Handler[Req, Resp any] func(ctx context.Context, req *Req) (*Resp, error)

// Middleware wraps a Handler with additional behavior.
type Middleware[Req, Resp any] func(next Handler[Req, Resp]) Handler[Req, Resp]

// Chain is an ordered list of Middleware collapsed into a single Handler by
// Then. Middlewares run in registration order on the way in (the first
// registered is the outermost) and therefore in reverse order on the way
// out.
type Chain[Req, Resp any] struct {
	middlewares []Middleware[Req, Resp]
	mu          sync.RWMutex
}

// NewChain builds a Chain from an initial, ordered list of middleware.
func NewChain[Req, Resp any](middlewares ...Middleware[Req, Resp]) *Chain[Req, Resp] {
	return &Chain[Req, Resp]{middlewares: middlewares}
}

// Use appends m to the end of the chain.
func (c *Chain[Req, Resp]) Use(m Middleware[Req, Resp]) *Chain[Req, Resp] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, m)
	return c
}

// UseFront prepends m to the chain, making it the new outermost layer.
func (c *Chain[Req, Resp]) UseFront(m Middleware[Req, Resp]) *Chain[Req, Resp] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append([]Middleware[Req, Resp]{m}, c.middlewares...)
	return c
}

// Then wraps h with every middleware in the chain and returns the result.
func (c *Chain[Req, Resp]) Then(h Handler[Req, Resp]) Handler[Req, Resp] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Len returns the number of middleware currently registered.
func (c *Chain[Req, Resp]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.middlewares)
}

// TimeoutMiddleware bounds next's execution with a context deadline.
func TimeoutMiddleware[Req, Resp any](timeout time.Duration) Middleware[Req, Resp] {
	return func(next Handler[Req, Resp]) Handler[Req, Resp] {
		return func(ctx context.Context, req *Req) (*Resp, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// RetryMiddleware retries a failing call up to maxRetries times, waiting
// backoff*(attempt+1) between attempts. It stops early if ctx is done.
func RetryMiddleware[Req, Resp any](maxRetries int, backoff time.Duration) Middleware[Req, Resp] {
	return func(next Handler[Req, Resp]) Handler[Req, Resp] {
		return func(ctx context.Context, req *Req) (*Resp, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, req)
				if err == nil {
					return resp, nil
				}
				lastErr = err
				if attempt < maxRetries {
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(backoff * time.Duration(attempt+1)):
					}
				}
			}
			return nil, lastErr
		}
	}
}

// RecoveryMiddleware turns a panic inside next into a *PanicError instead
// of crashing the calling goroutine. onPanic, if set, is notified first
// (for logging/metrics) with the recovered value.
func RecoveryMiddleware[Req, Resp any](onPanic func(any)) Middleware[Req, Resp] {
	return func(next Handler[Req, Resp]) Handler[Req, Resp] {
		return func(ctx context.Context, req *Req) (resp *Resp, err error) {
			defer func() {
				if r := recover(); r != nil {
					if onPanic != nil {
						onPanic(r)
					}
					err = &PanicError{Value: r}
				}
			}()
			return next(ctx, req)
		}
	}
}

// PanicError wraps a recovered panic value as an error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return "panic recovered" }

// LoggingMiddleware logs one line before and one line after each call.
// describe renders req into whatever summary the caller wants logged
// (model name, token counts, key hash...) since Req carries no fixed shape
// here.
func LoggingMiddleware[Req, Resp any](log func(format string, args ...any), describe func(*Req) string) Middleware[Req, Resp] {
	return func(next Handler[Req, Resp]) Handler[Req, Resp] {
		return func(ctx context.Context, req *Req) (*Resp, error) {
			start := time.Now()
			if describe != nil {
				log("request: %s", describe(req))
			}
			resp, err := next(ctx, req)
			duration := time.Since(start)
			if err != nil {
				log("error: %v duration=%v", err, duration)
			} else {
				log("done: duration=%v", duration)
			}
			return resp, err
		}
	}
}
