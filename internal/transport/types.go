package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/forkline/notifier/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from the channel
	ReceivedAt time.Time // Local timestamp when the read returned
}

// Command is an outbound command on the channel.
type Command struct {
	ID      int64                    `json:"id"`
	Action  string                   `json:"action"` // "subscribe", "unsubscribe", "update_subscription"
	Channel string                   `json:"channel,omitempty"`
	Params  model.SubscriptionParams `json:"params,omitempty"`
}

// Command actions.
const (
	ActionSubscribe          = "subscribe"
	ActionUnsubscribe        = "unsubscribe"
	ActionUpdateSubscription = "update_subscription"
)

// Response is a command response from the server, correlated by ID.
type Response struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"` // "subscribed", "unsubscribed", "updated", "error", "ok"
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// ErrorMsg is the message content for an "error" response.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseResponse attempts to parse an inbound message as a command response.
// Notification events carry string ids and never match the response types.
func ParseResponse(data []byte) (Response, bool) {
	// Quick check for response markers before a full parse
	if !bytes.Contains(data, []byte(`"id":`)) {
		return Response{}, false
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}

	switch resp.Type {
	case "subscribed", "unsubscribed", "updated", "error", "ok":
		return resp, true
	}

	return Response{}, false
}

// ClientConfig configures a WebSocket transport client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., wss://api.forkline.dev/v1/stream)
	APIKey       string        // Bearer token for the Authorization header
	PingInterval time.Duration // How often to send keepalive pings
	PingTimeout  time.Duration // Max time without pong before considering connection stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 30 * time.Second,
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}
