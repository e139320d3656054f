package connection

import (
	"errors"
	"log/slog"
	"time"

	"github.com/forkline/notifier/internal/model"
	"github.com/forkline/notifier/internal/transport"
)

// Errors
var (
	ErrNotInitialized      = errors.New("manager not initialized")
	ErrNetworkOffline      = errors.New("network reported offline")
	ErrLivenessFault       = errors.New("heartbeat liveness fault")
	ErrUnknownSubscription = errors.New("unknown subscription channel")
)

// Dialer constructs a transport client. Overridable in tests.
type Dialer func(cfg transport.ClientConfig, logger *slog.Logger) transport.Client

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	WSURL  string // WebSocket endpoint
	APIKey string // Bearer token forwarded to the transport

	ReconnectBaseDelay   time.Duration // first retry delay
	ReconnectMaxDelay    time.Duration // backoff ceiling
	MaxReconnectAttempts int           // retries before giving up

	HeartbeatInterval time.Duration // liveness check cadence
	SubscribeTimeout  time.Duration // max wait for a command response
	ResyncInterval    time.Duration // periodic store reconciliation cadence

	DedupTTL           time.Duration // dedup entry lifetime
	DedupSweepInterval time.Duration // dedup eviction cadence

	WriteTimeout      time.Duration
	PingInterval      time.Duration // transport keepalive ping cadence
	PingTimeout       time.Duration
	MessageBufferSize int

	// Dialer defaults to transport.NewClient when nil.
	Dialer Dialer
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    15 * time.Second,
		SubscribeTimeout:     10 * time.Second,
		ResyncInterval:       5 * time.Minute,
		DedupTTL:             time.Hour,
		DedupSweepInterval:   5 * time.Minute,
		WriteTimeout:         5 * time.Second,
		PingInterval:         30 * time.Second,
		PingTimeout:          60 * time.Second,
		MessageBufferSize:    1000,
	}
}

// Stats provides a point-in-time view of the manager.
type Stats struct {
	State             model.ConnectionState
	ReconnectAttempts int
	Subscriptions     int
	RestaurantID      int64
	DedupEntries      int
	PendingAcks       int
}
