// Package rate provides windowed rate limit decisions keyed by (scope,
// identifier) pairs.
//
// # Window semantics
//
// Fixed-window counters: INCR with the expiry applied when a window starts.
// Keys have the shape {prefix}:rl:{policy}:{scope}:{identifier}.
//
// # Modes
//
//   - [Hard]: exceeding the limit rejects the request.
//   - [Soft]: exceeding the limit flags the request; the caller decides
//     whether to serve a degraded response.
//
// # What this package must NOT do
//
//   - Know which operation a policy protects.
//   - Be imported outside the regflow module.
package rate
