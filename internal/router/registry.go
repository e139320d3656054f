package router

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/forkline/notifier/internal/model"
)

// Handler receives a dispatched notification.
type Handler func(n model.Notification)

// Registration identifies one registered handler so it can be removed
// without relying on function identity.
type Registration struct {
	id  uuid.UUID
	typ model.NotificationType
}

// Registry holds per-type handler sets and dispatches notifications to them.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[model.NotificationType]map[uuid.UUID]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[model.NotificationType]map[uuid.UUID]Handler),
	}
}

// Register adds a handler for the given notification type and returns its
// registration token.
func (r *Registry) Register(typ model.NotificationType, h Handler) Registration {
	reg := Registration{id: uuid.New(), typ: typ}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handlers[typ]
	if !ok {
		set = make(map[uuid.UUID]Handler)
		r.handlers[typ] = set
	}
	set[reg.id] = h

	return reg
}

// Unregister removes a previously registered handler. Idempotent.
func (r *Registry) Unregister(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.handlers[reg.typ]; ok {
		delete(set, reg.id)
		if len(set) == 0 {
			delete(r.handlers, reg.typ)
		}
	}
}

// HandlerCount returns the number of handlers registered for a type.
func (r *Registry) HandlerCount(typ model.NotificationType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[typ])
}

// Dispatch invokes every handler registered for the notification's type,
// synchronously. A panicking handler is logged and isolated: it never
// prevents the remaining handlers from running. Returns the number of
// handlers invoked.
func (r *Registry) Dispatch(n model.Notification) int {
	r.mu.RLock()
	set := r.handlers[n.Type]
	snapshot := make([]Handler, 0, len(set))
	for _, h := range set {
		snapshot = append(snapshot, h)
	}
	r.mu.RUnlock()

	for _, h := range snapshot {
		r.invoke(h, n)
	}

	return len(snapshot)
}

func (r *Registry) invoke(h Handler, n model.Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("notification handler panicked",
				"id", n.ID,
				"type", n.Type,
				"panic", rec,
			)
		}
	}()

	h(n)
}
