// Package internal contains helpers that are private to regflow: code
// generation, issuance nonces, and code hashing.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - config: environment configuration for the server binary
//   - httpapi: HTTP transport over the Engine
//   - rate: Redis-backed windowed rate limit decisions
//   - stores: ephemeral credential store and challenge transactions
//   - telemetry: tracing and logger construction
//
// # What this package must NOT do
//
//   - Export types that appear in the public regflow API.
//   - Be imported by any package outside the regflow module.
package internal
