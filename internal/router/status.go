package router

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/forkline/notifier/internal/model"
)

// StatusHandler receives connection-state transitions. err is non-nil only
// for transitions caused by a surfaced fault (transport error, heartbeat
// mismatch, max attempts exceeded).
type StatusHandler func(state model.ConnectionState, err error)

// StatusBroadcaster publishes connection-state transitions and replays the
// current state to late subscribers so they are never blind to it.
type StatusBroadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	current model.ConnectionState
	lastErr error
	subs    map[uuid.UUID]StatusHandler
}

// NewStatusBroadcaster creates a broadcaster starting in StateDisconnected.
func NewStatusBroadcaster(logger *slog.Logger) *StatusBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusBroadcaster{
		logger:  logger,
		current: model.StateDisconnected,
		subs:    make(map[uuid.UUID]StatusHandler),
	}
}

// Subscribe registers a status handler and synchronously replays the current
// state to it before returning.
func (b *StatusBroadcaster) Subscribe(h StatusHandler) Registration {
	reg := Registration{id: uuid.New()}

	b.mu.Lock()
	b.subs[reg.id] = h
	state, err := b.current, b.lastErr
	b.mu.Unlock()

	b.replay(h, state, err)

	return reg
}

// Unsubscribe removes a status handler. Idempotent.
func (b *StatusBroadcaster) Unsubscribe(reg Registration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, reg.id)
}

// Current returns the state last broadcast.
func (b *StatusBroadcaster) Current() model.ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Transition moves to the given state and notifies subscribers. Transitions
// to the current state are no-ops: subscribers never see duplicates. Returns
// whether the state changed.
func (b *StatusBroadcaster) Transition(state model.ConnectionState, err error) bool {
	b.mu.Lock()
	if state == b.current {
		b.mu.Unlock()
		return false
	}

	from := b.current
	b.current = state
	b.lastErr = err

	snapshot := make([]StatusHandler, 0, len(b.subs))
	for _, h := range b.subs {
		snapshot = append(snapshot, h)
	}
	b.mu.Unlock()

	b.logger.Debug("connection state changed",
		"from", from,
		"to", state,
		"error", err,
	)

	for _, h := range snapshot {
		b.replay(h, state, err)
	}

	return true
}

func (b *StatusBroadcaster) replay(h StatusHandler, state model.ConnectionState, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("status handler panicked",
				"state", state,
				"panic", rec,
			)
		}
	}()

	h(state, err)
}
