// Package connection orchestrates the realtime notification session.
//
// A Manager owns one transport connection per tenant and drives it through a
// small state machine (Disconnected, Connecting, Connected, Reconnecting,
// Error). Faults from the transport or the heartbeat monitor trigger
// reconnection with jittered exponential backoff; once the attempt budget is
// spent the manager parks in Error until Initialize is called again or the
// network comes back online.
//
// Inbound events run through a fixed pipeline: tenant filter, dedup registry,
// handler fan-out, durable store. Command responses (subscribe, unsubscribe,
// update_subscription) are correlated back to their senders by numeric ID.
// On every reconnect the manager replays recorded subscriptions and
// reconciles notifications missed while disconnected through the same
// pipeline, so handlers observe at-least-once delivery with duplicates
// suppressed inside the dedup TTL window.
package connection
