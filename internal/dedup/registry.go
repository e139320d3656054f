// Package dedup implements the short-lived registry of already-dispatched
// notifications.
//
// The registry bounds memory with a TTL: entries older than the TTL are
// removed by a periodic sweep, and a redelivery after eviction is treated as
// a new event. Exactly-once dispatch therefore only holds within the TTL
// window; handler logic must stay idempotent.
package dedup

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/forkline/notifier/internal/model"
)

// Entry records one dispatched notification.
type Entry struct {
	ID           string
	Type         model.NotificationType
	DispatchedAt time.Time
	Payload      json.RawMessage // Snapshot of the payload at dispatch time
}

// Registry tracks dispatched notification keys with time-based eviction.
type Registry struct {
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
	sweep   *time.Ticker
	done    chan struct{}
}

// NewRegistry creates a registry and starts its background sweep.
func NewRegistry(ttl, sweepInterval time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]Entry),
		sweep:   time.NewTicker(sweepInterval),
		done:    make(chan struct{}),
	}

	go r.sweepLoop()

	return r
}

// ShouldDispatch reports whether the key has not been dispatched within the
// TTL window.
func (r *Registry) ShouldDispatch(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return true
	}
	// Entry may be expired but not yet swept.
	return time.Since(e.DispatchedAt) > r.ttl
}

// MarkDispatched records that the notification behind key was handed to
// handlers.
func (r *Registry) MarkDispatched(key string, typ model.NotificationType, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[key] = Entry{
		ID:           key,
		Type:         typ,
		DispatchedAt: time.Now(),
		Payload:      payload,
	}
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stop cancels the background sweep. Idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return
	default:
	}

	r.sweep.Stop()
	close(r.done)
}

func (r *Registry) sweepLoop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.sweep.C:
			r.evictExpired()
		}
	}
}

func (r *Registry) evictExpired() {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, e := range r.entries {
		if e.DispatchedAt.Before(cutoff) {
			delete(r.entries, key)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Debug("dedup sweep evicted entries",
			"removed", removed,
			"remaining", len(r.entries),
		)
	}
}
