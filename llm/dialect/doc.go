// Package dialect holds the per-APIFormat request validators and the pure
// functions that transform a normalized openai-shaped chat request into
// every other wire dialect the proxy forwards to. Validators are
// strict: inbound bodies are decoded with DisallowUnknownFields rather
// than a third-party JSON-schema library — a handful of fixed, known
// dialects doesn't warrant one.
package dialect
