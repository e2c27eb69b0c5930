package types

import (
	"sync"
	"time"
)

// SignedRequest is the pre-computed {method, hostname, path, headers, body}
// the preprocessor chain builds for providers that require out-of-band
// request signing (AWS SigV4, Azure deployment-path rewriting, Google AI
// query-key injection) before the proxy makes the upstream call.
type SignedRequest struct {
	Method   string
	Protocol string
	Hostname string
	Path     string
	Headers  map[string]string
	Body     []byte
}

// ProceedFunc resumes the proxy pipeline for a request once the queue has
// dequeued it and a key is bound. It is re-invokable: on a retryable
// upstream failure the response handler re-enqueues the same
// *RequestContext and the queue calls Proceed again when it is next
// dequeued ("re-implement as a small state object carrying the
// upstream call plan so it can be re-invoked on retry").
type ProceedFunc func()

// RequestContext is the per-in-flight-request state threaded through every
// pipeline stage: created on ingress, destroyed when the response is fully
// flushed or the client disconnects. Ownership: the dispatcher
// (cmd/proxy's ingress adapter) owns construction and destruction; every
// pipeline stage borrows and may mutate the fields relevant to it.
type RequestContext struct {
	ID        string
	StartTime time.Time
	RetryCount int

	InboundAPI  APIFormat
	OutboundAPI APIFormat
	Service     Service
	ModelFamily ModelFamily

	PromptTokens int
	OutputTokens int
	IsStreaming  bool

	// Identity used for concurrency-cap accounting: user token > risu
	// token > IP, in that preference order.
	UserToken string
	RisuToken string
	ClientIP  string

	Key           *Key
	SignedRequest *SignedRequest

	QueueInTime  time.Time
	QueueOutTime time.Time

	mu         sync.Mutex
	onAborted  []func()
	proceed    ProceedFunc
	aborted    bool
	proceeded  bool

	HeartbeatInterval time.Duration

	// PreambleRetries counts automatic retries triggered by Anthropic's
	// "prompt must start with …Human:" 400 response; capped
	// by maxPreambleRetries to preserve the
	// exactly-once-proceed-or-error invariant.
	PreambleRetries int
}

const maxPreambleRetries = 1

// CanRetryPreamble reports whether another automatic preamble retry is
// still allowed for this request.
func (r *RequestContext) CanRetryPreamble() bool {
	return r.PreambleRetries < maxPreambleRetries
}

// NewRequestContext creates a RequestContext for a freshly ingressed
// request.
func NewRequestContext(id string) *RequestContext {
	return &RequestContext{
		ID:        id,
		StartTime: time.Now(),
	}
}

// Identifier returns the concurrency-cap identity for this request:
// userToken if present, else risuToken, else the client IP.
func (r *RequestContext) Identifier() string {
	switch {
	case r.UserToken != "":
		return r.UserToken
	case r.RisuToken != "":
		return r.RisuToken
	default:
		return r.ClientIP
	}
}

// SetProceed installs the closure the queue invokes on dequeue. Any
// previously installed closure is discarded — this is what makes
// re-enqueue-with-the-same-context safe: the new attempt's proceed
// replaces the old one rather than stacking listeners.
func (r *RequestContext) SetProceed(fn ProceedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proceed = fn
	r.proceeded = false
}

// Proceed invokes the installed proceed closure exactly once per dequeue;
// calling it again without an intervening SetProceed is a no-op, which is
// what guarantees the "r.proceed is invoked once within r's partition
// order" testable property.
func (r *RequestContext) Proceed() {
	r.mu.Lock()
	fn := r.proceed
	already := r.proceeded
	r.proceeded = true
	r.mu.Unlock()
	if !already && fn != nil {
		fn()
	}
}

// OnAborted registers a callback invoked when the client disconnects. If
// the request has already been aborted, fn runs immediately.
func (r *RequestContext) OnAborted(fn func()) {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		fn()
		return
	}
	r.onAborted = append(r.onAborted, fn)
	r.mu.Unlock()
}

// Abort marks the request aborted and fires every registered OnAborted
// callback exactly once.
func (r *RequestContext) Abort() {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	callbacks := r.onAborted
	r.onAborted = nil
	r.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

// IsAborted reports whether the client has disconnected.
func (r *RequestContext) IsAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// ResetForRetry prepares the context for re-enqueue: bumps RetryCount,
// clears the dequeue-scoped fields (Key, SignedRequest, proceeded flag) so
// stale state from the previous attempt cannot leak into the next one.
func (r *RequestContext) ResetForRetry() {
	r.mu.Lock()
	r.RetryCount++
	r.proceeded = false
	r.mu.Unlock()
	r.Key = nil
	r.SignedRequest = nil
}
