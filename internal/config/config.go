package config

import "time"

// Config is the root configuration for a notifier daemon instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	API        APIConfig        `yaml:"api"`
	Tenant     TenantConfig     `yaml:"tenant"`
	Connection ConnectionConfig `yaml:"connection"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Store      StoreConfig      `yaml:"store"`
	Database   DatabaseConfig   `yaml:"database"`
}

// InstanceConfig identifies this daemon.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds backend endpoint settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	WSURL      string        `yaml:"ws_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// TenantConfig scopes the session to a single restaurant.
type TenantConfig struct {
	RestaurantID int64 `yaml:"restaurant_id"`
	AdminContext bool  `yaml:"admin_context"`
}

// ConnectionConfig holds connection manager settings.
type ConnectionConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	ResyncInterval       time.Duration `yaml:"resync_interval"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	MessageBufferSize    int           `yaml:"message_buffer_size"`
}

// DedupConfig holds deduplication registry settings.
type DedupConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StoreConfig holds notification store settings.
type StoreConfig struct {
	Backend        string        `yaml:"backend"` // "file" or "postgres"
	Dir            string        `yaml:"dir"`     // file backend state directory
	RetentionDays  int           `yaml:"retention_days"`
	MaxAckRetries  int           `yaml:"max_ack_retries"`
	MissedLookback time.Duration `yaml:"missed_lookback"` // default window when never synced
}

// DatabaseConfig holds the Postgres connection used by the postgres store backend.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
