// Package transport implements the event-channel client.
//
// The transport:
//   - Maintains one WebSocket connection to the backend stream endpoint
//   - Surfaces raw inbound messages and connection errors on channels
//   - Answers server pings and detects stale connections via its own
//     keepalive ping loop
//
// Reconnection policy, tenancy, deduplication and persistence all live
// above this package, in internal/connection.
package transport
