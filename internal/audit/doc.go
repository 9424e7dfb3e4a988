// Package audit dispatches registration audit events to a sink without
// blocking the request path.
//
// # Components
//
//   - [Sink] is implemented by the channel, JSON writer, zerolog and no-op sinks.
//   - [Dispatcher] is a buffered async relay that either drops or blocks when full.
//   - [Event] is the structured record: id, timestamp, type, identity, request id, IP, metadata.
//
// The package owns buffering and delivery only. Which events exist is decided
// by the engine.
package audit
