// Package keychecker implements the per-service Key Checker: a
// single serial loop per provider that periodically probes each
// credential for validity, quota, enabled models, and provider-specific
// flags.
//
// The checker never holds a reference into the key pool's internals —
// per the cyclic-reference note in the Design Notes, it is
// constructed with an UpdateKey callback and mutates keys only through
// it, exactly the way llm/keypool.Pool.UpdateKey is meant to be driven.
// Startup batch-probing is bounded by internal/pool.GoroutinePool, the
// same bounded-concurrency primitive used elsewhere for controlled
// fan-out elsewhere in the codebase.
package keychecker
