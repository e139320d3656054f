package store

import (
	"context"
	"time"

	"github.com/forkline/notifier/internal/model"
)

// State is everything the store persists: the notification records, the ids
// acknowledged locally but not yet confirmed by the server, and the time of
// the last fully successful sync.
type State struct {
	Notifications []model.Notification `json:"notifications"`
	Pending       []string             `json:"pending"`
	LastSyncAt    time.Time            `json:"last_sync_at"`
}

// Backend persists store state across process restarts.
//
// Backends are corruption-tolerant by contract: a Load that finds unparsable
// state logs a warning and returns an empty State rather than an error. An
// error from Load means the backend itself is unusable (I/O, connectivity),
// not that the data was bad.
type Backend interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
	Close() error
}
