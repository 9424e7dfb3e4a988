// Package middleware adapts the engine to net/http.
//
//   - [RequireTicket] admits requests carrying a valid registration ticket
//     and rejects the rest with 401.
//   - [RequestContext] copies the client address and request id into the
//     context the engine reads for rate limits and audit records.
//
// Decisions are delegated to the engine; this package never parses tickets
// itself.
package middleware
