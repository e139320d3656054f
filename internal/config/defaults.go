package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 5
	DefaultMinConns             = 1
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultSubscribeTimeout     = 10 * time.Second
	DefaultResyncInterval       = 5 * time.Minute
	DefaultWriteTimeout         = 5 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultMessageBufferSize    = 1000
	DefaultDedupTTL             = 1 * time.Hour
	DefaultDedupSweepInterval   = 5 * time.Minute
	DefaultStoreBackend         = "file"
	DefaultStoreDir             = "state"
	DefaultRetentionDays        = 7
	DefaultMaxAckRetries        = 3
	DefaultMissedLookback       = 24 * time.Hour
)

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Connection defaults
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connection.SubscribeTimeout == 0 {
		c.Connection.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Connection.ResyncInterval == 0 {
		c.Connection.ResyncInterval = DefaultResyncInterval
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.MessageBufferSize == 0 {
		c.Connection.MessageBufferSize = DefaultMessageBufferSize
	}

	// Dedup defaults
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = DefaultDedupTTL
	}
	if c.Dedup.SweepInterval == 0 {
		c.Dedup.SweepInterval = DefaultDedupSweepInterval
	}

	// Store defaults
	if c.Store.Backend == "" {
		c.Store.Backend = DefaultStoreBackend
	}
	if c.Store.Dir == "" {
		c.Store.Dir = DefaultStoreDir
	}
	if c.Store.RetentionDays == 0 {
		c.Store.RetentionDays = DefaultRetentionDays
	}
	if c.Store.MaxAckRetries == 0 {
		c.Store.MaxAckRetries = DefaultMaxAckRetries
	}
	if c.Store.MissedLookback == 0 {
		c.Store.MissedLookback = DefaultMissedLookback
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
