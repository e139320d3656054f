package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/forkline/notifier/internal/model"
)

// File names for the three persisted blobs.
const (
	notificationsFile = "notifications.json"
	pendingFile       = "pending.json"
	lastSyncFile      = "last_sync.json"
)

// FileBackend persists state as three JSON blobs in a directory. Writes go
// through a temp file and rename so a crash mid-write never corrupts the
// previous blob.
type FileBackend struct {
	dir    string
	logger *slog.Logger
}

// NewFileBackend creates the state directory if needed.
func NewFileBackend(dir string, logger *slog.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileBackend{dir: dir, logger: logger}, nil
}

// Load reads the three blobs. A missing or unparsable blob resets to its
// empty value with a logged warning; only I/O failures are errors.
func (b *FileBackend) Load(ctx context.Context) (State, error) {
	var st State

	var notifications []model.Notification
	if b.loadBlob(notificationsFile, &notifications) {
		st.Notifications = notifications
	}

	var pending []string
	if b.loadBlob(pendingFile, &pending) {
		st.Pending = pending
	}

	var lastSync time.Time
	if b.loadBlob(lastSyncFile, &lastSync) {
		st.LastSyncAt = lastSync
	}

	return st, nil
}

// loadBlob reads one blob into v, returning false (and leaving v zero) when
// the blob is absent or corrupt.
func (b *FileBackend) loadBlob(name string, v any) bool {
	path := filepath.Join(b.dir, name)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("failed to read persisted state, resetting",
				"file", name,
				"error", err,
			)
		}
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		b.logger.Warn("corrupt persisted state, resetting",
			"file", name,
			"error", err,
		)
		return false
	}

	return true
}

// Save writes all three blobs.
func (b *FileBackend) Save(ctx context.Context, st State) error {
	if err := b.saveBlob(notificationsFile, st.Notifications); err != nil {
		return err
	}
	if err := b.saveBlob(pendingFile, st.Pending); err != nil {
		return err
	}
	return b.saveBlob(lastSyncFile, st.LastSyncAt)
}

func (b *FileBackend) saveBlob(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(b.dir, name)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() error {
	return nil
}
