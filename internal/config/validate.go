package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.API.RestURL == "" {
		return errors.New("api.rest_url is required")
	}
	if c.API.WSURL == "" {
		return errors.New("api.ws_url is required")
	}
	if c.Tenant.RestaurantID < 1 {
		return errors.New("tenant.restaurant_id is required")
	}

	if c.Connection.MaxReconnectAttempts < 1 {
		return errors.New("connection.max_reconnect_attempts must be >= 1")
	}
	if c.Connection.ReconnectBaseDelay > c.Connection.ReconnectMaxDelay {
		return errors.New("connection.reconnect_base_delay must be <= reconnect_max_delay")
	}
	if c.Connection.PingInterval >= c.Connection.PingTimeout {
		return errors.New("connection.ping_interval must be < ping_timeout")
	}

	if c.Dedup.TTL < c.Dedup.SweepInterval {
		return errors.New("dedup.ttl must be >= dedup.sweep_interval")
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.Dir == "" {
			return errors.New("store.dir is required for the file backend")
		}
	case "postgres":
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.backend must be \"file\" or \"postgres\", got %q", c.Store.Backend)
	}

	if c.Store.RetentionDays < 1 {
		return errors.New("store.retention_days must be >= 1")
	}
	if c.Store.MaxAckRetries < 1 {
		return errors.New("store.max_ack_retries must be >= 1")
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.Port < 1 || db.Port > 65535 {
		return fmt.Errorf("%s.port must be between 1 and 65535, got %d", prefix, db.Port)
	}
	return nil
}
