package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forkline/notifier/internal/backoff"
	"github.com/forkline/notifier/internal/dedup"
	"github.com/forkline/notifier/internal/heartbeat"
	"github.com/forkline/notifier/internal/model"
	"github.com/forkline/notifier/internal/router"
	"github.com/forkline/notifier/internal/store"
	"github.com/forkline/notifier/internal/tenant"
	"github.com/forkline/notifier/internal/transport"
)

// Manager owns the realtime session: the transport connection, its liveness,
// reconnection, channel subscriptions, and the inbound dispatch pipeline.
type Manager interface {
	// Initialize starts (or restarts) a session for the given tenant.
	// Calling it again for the same tenant while connected is a no-op;
	// a different tenant tears down the old session first. Either way the
	// reconnect attempt counter is reset.
	Initialize(ctx context.Context, tc model.TenantContext) error

	// Dispose tears the session down: cancels timers, closes the transport,
	// and stops the dedup registry. Idempotent.
	Dispose() error

	// Subscribe records a channel subscription and, when connected, sends it
	// to the server. Recorded subscriptions are replayed on every reconnect.
	Subscribe(sub model.ChannelSubscription) error

	// Unsubscribe removes a channel subscription. Unknown channels are a no-op.
	Unsubscribe(channel string) error

	// UpdateSubscription changes the params of an existing subscription in
	// place, without dropping in-flight events for the channel.
	UpdateSubscription(channel string, params model.SubscriptionParams) error

	// RegisterHandler adds a notification handler for a type.
	RegisterHandler(typ model.NotificationType, h router.Handler) router.Registration

	// UnregisterHandler removes a previously registered handler.
	UnregisterHandler(reg router.Registration)

	// RegisterStatusHandler adds a connection status observer. The current
	// state is replayed to it immediately.
	RegisterStatusHandler(h router.StatusHandler) router.Registration

	// UnregisterStatusHandler removes a status observer.
	UnregisterStatusHandler(reg router.Registration)

	// SetOnline feeds external network reachability. Offline forces the
	// Error state without tearing subscriptions down; online resets the
	// attempt counter and reconnects immediately.
	SetOnline(online bool)

	// State returns the current connection state.
	State() model.ConnectionState

	// Stats returns current session statistics.
	Stats() Stats
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	store  *store.Store
	logger *slog.Logger

	handlers  *router.Registry
	status    *router.StatusBroadcaster
	scheduler *backoff.Scheduler
	monitor   *heartbeat.Monitor
	dial      Dialer

	mu          sync.Mutex
	initialized bool
	disposed    bool
	offline     bool
	tenantCtx   model.TenantContext
	filter      *tenant.Filter
	registry    *dedup.Registry
	client      transport.Client
	sessionDone chan struct{}
	generation  int
	subs        map[string]model.ChannelSubscription
	resyncDone  chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc

	// Command/response correlation
	cmdID     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan transport.Response
}

// NewManager creates a connection manager around a notification store.
func NewManager(cfg ManagerConfig, st *store.Store, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	dial := cfg.Dialer
	if dial == nil {
		dial = transport.NewClient
	}

	return &manager{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		handlers:  router.NewRegistry(logger.With("component", "router")),
		status:    router.NewStatusBroadcaster(logger.With("component", "status")),
		scheduler: backoff.NewScheduler(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts, logger.With("component", "backoff")),
		monitor:   heartbeat.NewMonitor(cfg.HeartbeatInterval, logger.With("component", "heartbeat")),
		dial:      dial,
		subs:      make(map[string]model.ChannelSubscription),
		pending:   make(map[int64]chan transport.Response),
	}
}

// Initialize starts a session for the tenant.
func (m *manager) Initialize(ctx context.Context, tc model.TenantContext) error {
	m.mu.Lock()

	if m.initialized && !m.disposed && m.tenantCtx == tc && m.client != nil && m.client.IsConnected() {
		m.mu.Unlock()
		m.scheduler.Reset()
		return nil
	}

	if m.initialized && !m.disposed && m.tenantCtx != tc {
		m.logger.Info("tenant changed, tearing down session",
			"old", m.tenantCtx.RestaurantID,
			"new", tc.RestaurantID,
		)
		m.stopSessionLocked()
		m.subs = make(map[string]model.ChannelSubscription)
		if m.registry != nil {
			m.registry.Stop()
			m.registry = nil
		}
	}

	if m.ctx == nil || m.disposed {
		m.ctx, m.cancel = context.WithCancel(ctx)
	}
	m.disposed = false
	m.initialized = true
	m.tenantCtx = tc
	m.filter = tenant.NewFilter(tc, m.logger.With("component", "tenant"))
	if m.registry == nil {
		m.registry = dedup.NewRegistry(m.cfg.DedupTTL, m.cfg.DedupSweepInterval, m.logger.With("component", "dedup"))
	}
	if m.resyncDone == nil && m.cfg.ResyncInterval > 0 {
		m.resyncDone = make(chan struct{})
		go m.resyncLoop(m.resyncDone)
	}
	m.mu.Unlock()

	m.scheduler.Reset()
	m.scheduler.Cancel()
	return m.connect()
}

// Dispose tears everything down. Safe to call more than once.
func (m *manager) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	m.initialized = false

	m.scheduler.Cancel()
	m.unsubscribeAllLocked()
	m.stopSessionLocked()
	if m.registry != nil {
		m.registry.Stop()
		m.registry = nil
	}
	if m.resyncDone != nil {
		close(m.resyncDone)
		m.resyncDone = nil
	}
	cancel := m.cancel
	m.cancel = nil
	m.ctx = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.status.Transition(model.StateDisconnected, nil)
	m.logger.Info("connection manager disposed")
	return nil
}

// connect claims a new session generation, dials, and on success starts the
// read loop, heartbeat, resubscription, and missed-event reconciliation.
func (m *manager) connect() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.offline {
		m.mu.Unlock()
		return ErrNetworkOffline
	}
	m.generation++
	gen := m.generation
	m.stopSessionLocked()
	ctx := m.ctx
	m.mu.Unlock()

	m.status.Transition(model.StateConnecting, nil)

	client := m.dial(transport.ClientConfig{
		URL:          m.cfg.WSURL,
		APIKey:       m.cfg.APIKey,
		PingInterval: m.cfg.PingInterval,
		PingTimeout:  m.cfg.PingTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		BufferSize:   m.cfg.MessageBufferSize,
	}, m.logger.With("component", "transport"))

	err := client.Connect(ctx)

	m.mu.Lock()
	if m.disposed || gen != m.generation {
		m.mu.Unlock()
		client.Close()
		return nil
	}
	if m.offline {
		// Went offline mid-dial: park in Error, never announce Connected.
		m.mu.Unlock()
		client.Close()
		m.status.Transition(model.StateError, ErrNetworkOffline)
		return ErrNetworkOffline
	}
	if err != nil {
		m.mu.Unlock()
		m.handleFault(fmt.Errorf("connect: %w", err), gen)
		return err
	}
	m.client = client
	done := make(chan struct{})
	m.sessionDone = done
	m.mu.Unlock()

	m.scheduler.Reset()
	m.status.Transition(model.StateConnected, nil)
	m.monitor.Start(client.IsConnected, func() {
		m.handleFault(ErrLivenessFault, gen)
	})

	go m.readLoop(client, done, gen)
	go m.reconcile()

	m.resubscribe(client)

	m.logger.Info("connected", "url", m.cfg.WSURL)
	return nil
}

// handleFault tears down the faulted session and schedules a reconnect.
// Stale faults from superseded sessions are ignored.
func (m *manager) handleFault(cause error, gen int) {
	m.mu.Lock()
	if m.disposed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.stopSessionLocked()
	offline := m.offline
	m.mu.Unlock()

	if offline {
		m.status.Transition(model.StateError, ErrNetworkOffline)
		return
	}

	delay, err := m.scheduler.ScheduleNext(m.retry)
	if err != nil {
		m.logger.Error("giving up reconnecting", "cause", cause, "error", err)
		m.status.Transition(model.StateError, err)
		return
	}

	m.logger.Warn("connection fault, reconnect scheduled",
		"cause", cause,
		"delay", delay,
		"attempt", m.scheduler.Attempts(),
	)
	m.status.Transition(model.StateReconnecting, cause)
}

// retry runs in the backoff timer goroutine.
func (m *manager) retry() {
	m.mu.Lock()
	if m.disposed || m.offline || (m.client != nil && m.client.IsConnected()) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// connect reschedules on failure
	m.connect()
}

// stopSessionLocked stops the heartbeat, signals the read loop, and closes
// the transport. Caller holds m.mu.
func (m *manager) stopSessionLocked() {
	m.monitor.Stop()
	if m.sessionDone != nil {
		close(m.sessionDone)
		m.sessionDone = nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

// readLoop consumes transport messages and errors for one session.
func (m *manager) readLoop(client transport.Client, done <-chan struct{}, gen int) {
	for {
		select {
		case <-done:
			return

		case err := <-client.Errors():
			m.logger.Warn("transport error", "error", err)
			m.handleFault(err, gen)
			return

		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			m.handleMessage(msg.Data)
		}
	}
}

// handleMessage routes command responses to waiters and feeds notification
// events through the dispatch pipeline.
func (m *manager) handleMessage(data []byte) {
	if resp, ok := transport.ParseResponse(data); ok {
		m.routeResponse(resp)
		return
	}

	n, err := model.ParseNotification(data)
	if err != nil {
		m.logger.Debug("dropping unparsable event", "error", err)
		return
	}
	m.dispatch(n)
}

// dispatch runs one notification through tenant filtering, dedup, handler
// fan-out, and durable storage, in that order.
func (m *manager) dispatch(n model.Notification) {
	m.mu.Lock()
	filter := m.filter
	registry := m.registry
	ctx := m.ctx
	m.mu.Unlock()

	if filter == nil || registry == nil || ctx == nil {
		return
	}

	if !filter.Accept(n) {
		return
	}

	key := n.DedupKey()
	if !registry.ShouldDispatch(key) {
		m.logger.Debug("duplicate suppressed", "id", n.ID, "type", n.Type)
		return
	}
	registry.MarkDispatched(key, n.Type, n.Payload)

	m.handlers.Dispatch(n)

	if err := m.store.Add(ctx, n); err != nil {
		m.logger.Warn("failed to store notification", "id", n.ID, "error", err)
	}
}

// reconcile pulls notifications missed while disconnected and replays them
// through the normal dispatch pipeline, then flushes pending acks.
func (m *manager) reconcile() {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		return
	}

	missed, err := m.store.FetchMissed(ctx)
	if err != nil {
		m.logger.Warn("missed-notification fetch failed", "error", err)
	}
	for _, n := range missed {
		m.dispatch(n)
	}

	if err := m.store.SyncWithServer(ctx); err != nil && err != store.ErrSyncInFlight {
		m.logger.Warn("ack sync failed", "error", err)
	}
}

// resyncLoop periodically reconciles the store regardless of event traffic.
func (m *manager) resyncLoop(done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if m.State() != model.StateConnected {
				continue
			}
			m.reconcile()
			m.store.ClearOld(context.Background())
		}
	}
}

// Subscribe records the subscription and sends it when connected.
func (m *manager) Subscribe(sub model.ChannelSubscription) error {
	m.mu.Lock()
	m.subs[sub.Channel] = sub
	client := m.client
	m.mu.Unlock()

	if client == nil || !client.IsConnected() {
		// Replayed once connected.
		return nil
	}

	if err := m.sendCommand(client, transport.ActionSubscribe, sub.Channel, sub.Params); err != nil {
		m.mu.Lock()
		delete(m.subs, sub.Channel)
		m.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", sub.Channel, err)
	}
	return nil
}

// Unsubscribe removes the subscription. Unknown channels are a no-op.
func (m *manager) Unsubscribe(channel string) error {
	m.mu.Lock()
	_, known := m.subs[channel]
	delete(m.subs, channel)
	client := m.client
	m.mu.Unlock()

	if !known || client == nil || !client.IsConnected() {
		return nil
	}

	if err := m.sendCommand(client, transport.ActionUnsubscribe, channel, model.SubscriptionParams{}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return nil
}

// UpdateSubscription swaps the params of a live subscription in place.
func (m *manager) UpdateSubscription(channel string, params model.SubscriptionParams) error {
	m.mu.Lock()
	sub, known := m.subs[channel]
	if known {
		sub.Params = params
		m.subs[channel] = sub
	}
	client := m.client
	m.mu.Unlock()

	if !known {
		return ErrUnknownSubscription
	}
	if client == nil || !client.IsConnected() {
		return nil
	}

	if err := m.sendCommand(client, transport.ActionUpdateSubscription, channel, params); err != nil {
		return fmt.Errorf("update subscription %s: %w", channel, err)
	}
	return nil
}

// resubscribe replays all recorded subscriptions on a fresh connection.
func (m *manager) resubscribe(client transport.Client) {
	m.mu.Lock()
	subs := make([]model.ChannelSubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if err := m.sendCommand(client, transport.ActionSubscribe, sub.Channel, sub.Params); err != nil {
			m.logger.Warn("resubscribe failed", "channel", sub.Channel, "error", err)
		}
	}
}

// unsubscribeAllLocked best-effort unsubscribes everything before teardown.
// Caller holds m.mu.
func (m *manager) unsubscribeAllLocked() {
	if m.client == nil || !m.client.IsConnected() {
		return
	}
	for channel := range m.subs {
		cmd := transport.Command{
			ID:      m.cmdID.Add(1),
			Action:  transport.ActionUnsubscribe,
			Channel: channel,
		}
		data, _ := json.Marshal(cmd)
		if err := m.client.Send(data); err != nil {
			return
		}
	}
}

// sendCommand sends a command and waits for its correlated response.
func (m *manager) sendCommand(client transport.Client, action, channel string, params model.SubscriptionParams) error {
	id := m.cmdID.Add(1)
	respCh := make(chan transport.Response, 1)

	m.pendingMu.Lock()
	m.pending[id] = respCh
	m.pendingMu.Unlock()

	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}()

	cmd := transport.Command{
		ID:      id,
		Action:  action,
		Channel: channel,
		Params:  params,
	}
	data, _ := json.Marshal(cmd)
	if err := client.Send(data); err != nil {
		return err
	}

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		return ErrNotInitialized
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.SubscribeTimeout):
		return transport.ErrTimeout
	case resp := <-respCh:
		if resp.Type == "error" {
			var errMsg transport.ErrorMsg
			json.Unmarshal(resp.Msg, &errMsg)
			return fmt.Errorf("%s: %s", errMsg.Code, errMsg.Message)
		}
		m.logger.Debug("command acknowledged", "action", action, "channel", channel, "id", id)
		return nil
	}
}

// routeResponse hands a response to the goroutine waiting on its command ID.
func (m *manager) routeResponse(resp transport.Response) {
	m.pendingMu.Lock()
	ch, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// RegisterHandler adds a notification handler for a type.
func (m *manager) RegisterHandler(typ model.NotificationType, h router.Handler) router.Registration {
	return m.handlers.Register(typ, h)
}

// UnregisterHandler removes a handler registration.
func (m *manager) UnregisterHandler(reg router.Registration) {
	m.handlers.Unregister(reg)
}

// RegisterStatusHandler adds a connection status observer.
func (m *manager) RegisterStatusHandler(h router.StatusHandler) router.Registration {
	return m.status.Subscribe(h)
}

// UnregisterStatusHandler removes a status observer.
func (m *manager) UnregisterStatusHandler(reg router.Registration) {
	m.status.Unsubscribe(reg)
}

// SetOnline feeds external network reachability into the manager.
func (m *manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.offline == !online {
		m.mu.Unlock()
		return
	}
	m.offline = !online
	disposed := m.disposed
	connected := m.client != nil && m.client.IsConnected()
	m.mu.Unlock()

	if disposed {
		return
	}

	if !online {
		m.logger.Info("network offline, pausing reconnects")
		m.scheduler.Cancel()
		m.status.Transition(model.StateError, ErrNetworkOffline)
		return
	}

	m.logger.Info("network online, reconnecting")
	m.scheduler.Reset()
	m.scheduler.Cancel()
	if !connected {
		go m.connect()
	}
}

// State returns the broadcaster's current state.
func (m *manager) State() model.ConnectionState {
	return m.status.Current()
}

// Stats returns current session statistics.
func (m *manager) Stats() Stats {
	m.mu.Lock()
	subs := len(m.subs)
	restaurantID := m.tenantCtx.RestaurantID
	dedupEntries := 0
	if m.registry != nil {
		dedupEntries = m.registry.Len()
	}
	m.mu.Unlock()

	return Stats{
		State:             m.status.Current(),
		ReconnectAttempts: m.scheduler.Attempts(),
		Subscriptions:     subs,
		RestaurantID:      restaurantID,
		DedupEntries:      dedupEntries,
		PendingAcks:       len(m.store.PendingIDs()),
	}
}
