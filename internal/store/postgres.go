package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forkline/notifier/internal/model"
)

// Blob keys in the notifier_state table.
const (
	keyNotifications = "notifications"
	keyPending       = "pending"
	keyLastSync      = "last_sync"
)

const createStateTable = `
CREATE TABLE IF NOT EXISTS notifier_state (
	key        text PRIMARY KEY,
	value      jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

const upsertStateBlob = `
INSERT INTO notifier_state (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

// PostgresBackend persists state as keyed JSON blobs in a single table,
// mirroring the file backend's layout.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresBackend ensures the state table exists.
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := pool.Exec(ctx, createStateTable); err != nil {
		return nil, fmt.Errorf("ensure state table: %w", err)
	}

	return &PostgresBackend{pool: pool, logger: logger}, nil
}

// Load reads the three blobs. A missing or unparsable blob resets to its
// empty value with a logged warning.
func (b *PostgresBackend) Load(ctx context.Context) (State, error) {
	var st State

	var notifications []model.Notification
	if err := b.loadBlob(ctx, keyNotifications, &notifications); err != nil {
		return State{}, err
	}
	st.Notifications = notifications

	var pending []string
	if err := b.loadBlob(ctx, keyPending, &pending); err != nil {
		return State{}, err
	}
	st.Pending = pending

	var lastSync time.Time
	if err := b.loadBlob(ctx, keyLastSync, &lastSync); err != nil {
		return State{}, err
	}
	st.LastSyncAt = lastSync

	return st, nil
}

func (b *PostgresBackend) loadBlob(ctx context.Context, key string, v any) error {
	var raw []byte
	err := b.pool.QueryRow(ctx, `SELECT value FROM notifier_state WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load state blob %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		b.logger.Warn("corrupt persisted state, resetting",
			"key", key,
			"error", err,
		)
	}
	return nil
}

// Save upserts all three blobs.
func (b *PostgresBackend) Save(ctx context.Context, st State) error {
	blobs := map[string]any{
		keyNotifications: st.Notifications,
		keyPending:       st.Pending,
		keyLastSync:      st.LastSyncAt,
	}

	for key, v := range blobs {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal state blob %s: %w", key, err)
		}
		if _, err := b.pool.Exec(ctx, upsertStateBlob, key, data); err != nil {
			return fmt.Errorf("save state blob %s: %w", key, err)
		}
	}

	return nil
}

// Close releases the pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
