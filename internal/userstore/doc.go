// Package userstore is the exclusive owner of types.User mutation: token
// authentication, per-IP accounting, and token-quota bookkeeping, mirroring
// how llm/keypool exclusively owns types.Key mutation.
//
// Writes are held in memory and flushed to persistence in a batch every 20s
// (not synchronously per mutation, unlike llm/keypool) — User mutations are
// far more frequent per request (every authenticated call touches
// promptCount/tokenCounts) and don't need the same latency guarantee a key's
// disable/rate-limit state does, so batching trades a few seconds of
// replay-on-crash exposure for far fewer round trips.
package userstore
