// Package stores provides the Redis-backed ephemeral credential store and the
// one-time-code challenge transactions built on top of it.
//
// # Design
//
// [Ephemeral] exposes TTL primitives (put, get, delete, increment,
// set-if-absent). [ChallengeStore] keeps three keys per identity: a versioned
// binary code record, an attempt counter, and a cooldown marker. Issuance is
// gated by SET NX on the cooldown marker; verification uses WATCH/MULTI
// optimistic transactions with automatic retry on contention. Code
// comparisons use constant-time compare over SHA-256 digests.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient
// challenge records. It does NOT generate codes, enforce rate limits, or touch
// the registration ledger.
//
// # What this package must NOT do
//
//   - Import regflow or any sibling internal package other than internal itself.
//   - Log or store plaintext codes.
//   - Use non-constant-time comparisons for code matching.
package stores
