package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forkline/notifier/internal/model"
)

// Errors
var (
	ErrSyncInFlight = errors.New("sync already in progress")
	ErrNotFound     = errors.New("notification not found")
)

// AckClient is the REST collaborator the store synchronizes with.
type AckClient interface {
	Acknowledge(ctx context.Context, id string) error
	GetAllUnacknowledged(ctx context.Context, since time.Duration) ([]model.Notification, error)
}

// Config holds store settings.
type Config struct {
	MaxAckRetries  int           // Acknowledgments dropped from pending after this many failures
	RetentionDays  int           // Acknowledged notifications purged once older than this
	MissedLookback time.Duration // Fetch window when no successful sync has ever happened
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAckRetries:  3,
		RetentionDays:  7,
		MissedLookback: 24 * time.Hour,
	}
}

// Store is the durable local record of notifications and pending
// acknowledgments. It is a process-wide singleton shared across tenants,
// keyed by notification id (globally unique); its lifetime spans the whole
// process, not a single connection session.
type Store struct {
	cfg     Config
	backend Backend
	client  AckClient
	logger  *slog.Logger

	mu            sync.Mutex
	notifications map[string]model.Notification
	pending       map[string]struct{}
	lastSyncAt    time.Time

	syncing atomic.Bool
}

// New creates a store and rehydrates it from the backend.
func New(ctx context.Context, cfg Config, backend Backend, client AckClient, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("rehydrate store: %w", err)
	}

	s := &Store{
		cfg:           cfg,
		backend:       backend,
		client:        client,
		logger:        logger,
		notifications: make(map[string]model.Notification, len(st.Notifications)),
		pending:       make(map[string]struct{}, len(st.Pending)),
		lastSyncAt:    st.LastSyncAt,
	}

	for _, n := range st.Notifications {
		s.notifications[n.ID] = n
	}
	for _, id := range st.Pending {
		s.pending[id] = struct{}{}
	}

	logger.Info("notification store rehydrated",
		"notifications", len(s.notifications),
		"pending_acks", len(s.pending),
		"last_sync", s.lastSyncAt,
	)

	return s, nil
}

// Add upserts a notification by id, stamping a local display timestamp on
// first receipt. Local-only fields of an existing record are never clobbered
// by a redelivery or replay.
func (s *Store) Add(ctx context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(n)
	return s.persistLocked(ctx)
}

// upsertLocked merges n into the map and returns the stored record.
func (s *Store) upsertLocked(n model.Notification) model.Notification {
	if existing, ok := s.notifications[n.ID]; ok {
		// Keep local-only state
		n.DisplayTimestamp = existing.DisplayTimestamp
		n.AcknowledgedLocally = existing.AcknowledgedLocally
		n.SyncedWithServer = existing.SyncedWithServer
		n.RetryCount = existing.RetryCount
		// Server may have acknowledged since we last saw it
		n.AcknowledgedByServer = n.AcknowledgedByServer || existing.AcknowledgedByServer
	}
	if n.DisplayTimestamp.IsZero() {
		n.DisplayTimestamp = time.Now()
	}

	s.notifications[n.ID] = n
	return n
}

// Get returns a notification by id.
func (s *Store) Get(id string) (model.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	return n, ok
}

// Filter narrows a Notifications view.
type Filter struct {
	Unacknowledged bool                   // Only records acknowledged neither locally nor by the server
	Type           model.NotificationType // Zero value matches all types
	Since          time.Time              // Zero value matches any age
}

// Notifications returns a restartable view of stored notifications matching
// the filter, newest first. The view is a snapshot: it is finite and safe to
// range over more than once while the store keeps mutating.
func (s *Store) Notifications(f Filter) iter.Seq[model.Notification] {
	s.mu.Lock()
	snapshot := make([]model.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		if f.Unacknowledged && (n.AcknowledgedLocally || n.AcknowledgedByServer) {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && n.DisplayTimestamp.Before(f.Since) {
			continue
		}
		snapshot = append(snapshot, n)
	}
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].DisplayTimestamp.After(snapshot[j].DisplayTimestamp)
	})

	return func(yield func(model.Notification) bool) {
		for _, n := range snapshot {
			if !yield(n) {
				return
			}
		}
	}
}

// Acknowledge marks a notification as seen locally, records the pending
// server acknowledgment, persists, and kicks off a background sync.
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	s.mu.Lock()

	n, ok := s.notifications[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("acknowledge %s: %w", id, ErrNotFound)
	}

	n.AcknowledgedLocally = true
	s.notifications[id] = n
	s.pending[id] = struct{}{}

	err := s.persistLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	go func() {
		if err := s.SyncWithServer(context.Background()); err != nil && !errors.Is(err, ErrSyncInFlight) {
			s.logger.Warn("background acknowledgment sync failed", "error", err)
		}
	}()

	return nil
}

// PendingIDs returns the ids acknowledged locally but not yet confirmed by
// the server.
func (s *Store) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastSyncAt returns the time of the last fully successful sync.
func (s *Store) LastSyncAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncAt
}

// ClearOld purges notifications that are acknowledged AND older than the
// retention window. Returns the number removed.
func (s *Store) ClearOld(ctx context.Context) int {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, n := range s.notifications {
		if !n.AcknowledgedLocally && !n.AcknowledgedByServer {
			continue
		}
		age := n.CreatedAt
		if age.IsZero() {
			age = n.DisplayTimestamp
		}
		if age.After(cutoff) {
			continue
		}

		delete(s.notifications, id)
		delete(s.pending, id)
		removed++
	}

	if removed > 0 {
		s.logger.Info("purged old notifications", "removed", removed)
		if err := s.persistLocked(ctx); err != nil {
			s.logger.Warn("failed to persist after purge", "error", err)
		}
	}

	return removed
}

// Close persists current state and releases the backend.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	err := s.persistLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("failed to persist on close", "error", err)
	}
	return s.backend.Close()
}

// persistLocked saves a snapshot of current state. Caller holds s.mu; write
// volume is low enough that holding the lock across the save keeps the map
// write and the persistence write atomic with respect to concurrent acks.
func (s *Store) persistLocked(ctx context.Context) error {
	st := State{
		Notifications: make([]model.Notification, 0, len(s.notifications)),
		Pending:       make([]string, 0, len(s.pending)),
		LastSyncAt:    s.lastSyncAt,
	}
	for _, n := range s.notifications {
		st.Notifications = append(st.Notifications, n)
	}
	for id := range s.pending {
		st.Pending = append(st.Pending, id)
	}
	sort.Strings(st.Pending)

	if err := s.backend.Save(ctx, st); err != nil {
		return fmt.Errorf("persist store state: %w", err)
	}
	return nil
}
