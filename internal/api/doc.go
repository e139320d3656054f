// Package api implements the REST client for the backend notification
// endpoints: fetching unacknowledged notifications and acknowledging them.
//
// GET requests retry transient failures (5xx, 429) with jittered exponential
// backoff. POST /acknowledge does not retry here; acknowledgment retry policy
// is owned by the notification store so that per-id retry counts persist.
package api
