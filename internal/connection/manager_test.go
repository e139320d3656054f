package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forkline/notifier/internal/model"
	"github.com/forkline/notifier/internal/store"
	"github.com/forkline/notifier/internal/transport"
)

// fakeClient is an in-memory transport.Client. It auto-acknowledges commands
// so subscribe calls do not block on the response timeout.
type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	sent       [][]byte

	msgs chan transport.TimestampedMessage
	errs chan error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		msgs: make(chan transport.TimestampedMessage, 64),
		errs: make(chan error, 4),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	c.mu.Unlock()

	// Echo a success response for the command.
	var cmd transport.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil
	}
	respType := map[string]string{
		transport.ActionSubscribe:          "subscribed",
		transport.ActionUnsubscribe:        "unsubscribed",
		transport.ActionUpdateSubscription: "updated",
	}[cmd.Action]
	if respType == "" {
		return nil
	}
	resp, _ := json.Marshal(transport.Response{ID: cmd.ID, Type: respType})
	select {
	case c.msgs <- transport.TimestampedMessage{Data: resp, ReceivedAt: time.Now()}:
	default:
	}
	return nil
}

func (c *fakeClient) Messages() <-chan transport.TimestampedMessage { return c.msgs }
func (c *fakeClient) Errors() <-chan error                          { return c.errs }
func (c *fakeClient) LastPong() time.Time                           { return time.Now() }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) deliver(data []byte) {
	c.msgs <- transport.TimestampedMessage{Data: data, ReceivedAt: time.Now()}
}

func (c *fakeClient) fail(err error) {
	c.errs <- err
}

func (c *fakeClient) sentActions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var actions []string
	for _, data := range c.sent {
		var cmd transport.Command
		if json.Unmarshal(data, &cmd) == nil {
			actions = append(actions, cmd.Action+":"+cmd.Channel)
		}
	}
	return actions
}

// fakeDialer hands out fresh fakeClients, optionally failing the first dials.
// dialHook, when set, runs mid-dial before the client connects.
type fakeDialer struct {
	mu        sync.Mutex
	clients   []*fakeClient
	failDials int
	dialHook  func()
}

func (d *fakeDialer) dial(cfg transport.ClientConfig, logger *slog.Logger) transport.Client {
	d.mu.Lock()
	hook := d.dialHook
	c := newFakeClient()
	if d.failDials > 0 {
		d.failDials--
		c.connectErr = errors.New("dial refused")
	}
	d.clients = append(d.clients, c)
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	return c
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.clients) + i
	}
	return d.clients[i]
}

type stubAckClient struct {
	mu     sync.Mutex
	missed []model.Notification
}

func (c *stubAckClient) Acknowledge(ctx context.Context, id string) error { return nil }

func (c *stubAckClient) GetAllUnacknowledged(ctx context.Context, since time.Duration) ([]model.Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missed, nil
}

func (c *stubAckClient) setMissed(missed []model.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missed = missed
}

type statusRecorder struct {
	mu     sync.Mutex
	states []model.ConnectionState
}

func (r *statusRecorder) handle(state model.ConnectionState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *statusRecorder) saw(want model.ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func newTestManager(t *testing.T, dialer *fakeDialer, ack *stubAckClient) (Manager, *store.Store) {
	t.Helper()

	backend, err := store.NewFileBackend(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if ack == nil {
		ack = &stubAckClient{}
	}
	st, err := store.New(context.Background(), store.DefaultConfig(), backend, ack, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	cfg := DefaultManagerConfig()
	cfg.WSURL = "ws://test.invalid/stream"
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.HeartbeatInterval = time.Hour
	cfg.SubscribeTimeout = 200 * time.Millisecond
	cfg.ResyncInterval = 0
	cfg.DedupSweepInterval = time.Hour
	cfg.Dialer = dialer.dial

	m := NewManager(cfg, st, slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { m.Dispose() })
	return m, st
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func eventJSON(id string, typ model.NotificationType, restaurantID int64) []byte {
	data, _ := json.Marshal(map[string]any{
		"id":            id,
		"type":          typ,
		"restaurant_id": restaurantID,
		"created_at":    time.Now().UTC().Format(time.RFC3339),
		"payload":       map[string]any{"restaurant_id": restaurantID},
	})
	return data
}

func TestInitializeDispatchesOnce(t *testing.T) {
	dialer := &fakeDialer{}
	m, st := newTestManager(t, dialer, nil)

	var mu sync.Mutex
	var got []model.Notification
	m.RegisterHandler(model.TypeNewOrder, func(n model.Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	if err := m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if m.State() != model.StateConnected {
		t.Fatalf("state = %v, want connected", m.State())
	}

	event := eventJSON("n-100", model.TypeNewOrder, 7)
	dialer.client(0).deliver(event)
	dialer.client(0).deliver(event) // duplicate

	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}) {
		t.Fatal("handler never invoked")
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	count := len(got)
	mu.Unlock()
	if count != 1 {
		t.Fatalf("handler invoked %d times, want 1", count)
	}

	if _, ok := st.Get("n-100"); !ok {
		t.Error("dispatched notification not stored")
	}
}

func TestTenantIsolation(t *testing.T) {
	dialer := &fakeDialer{}
	m, st := newTestManager(t, dialer, nil)

	var invoked sync.Map
	m.RegisterHandler(model.TypeNewOrder, func(n model.Notification) {
		invoked.Store(n.ID, true)
	})

	if err := m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	dialer.client(0).deliver(eventJSON("n-other", model.TypeNewOrder, 9))
	dialer.client(0).deliver(eventJSON("n-mine", model.TypeNewOrder, 7))

	if !waitFor(t, time.Second, func() bool {
		_, ok := invoked.Load("n-mine")
		return ok
	}) {
		t.Fatal("own-tenant event never dispatched")
	}
	if _, ok := invoked.Load("n-other"); ok {
		t.Error("foreign-tenant event reached handler")
	}
	if _, ok := st.Get("n-other"); ok {
		t.Error("foreign-tenant event was stored")
	}
}

func TestReconnectAfterTransportError(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, nil)

	rec := &statusRecorder{}
	m.RegisterStatusHandler(rec.handle)

	if err := m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	dialer.client(0).fail(transport.ErrStaleConnection)

	if !waitFor(t, time.Second, func() bool {
		return dialer.dialCount() >= 2 && m.State() == model.StateConnected
	}) {
		t.Fatalf("never reconnected: dials=%d state=%v", dialer.dialCount(), m.State())
	}
	if !rec.saw(model.StateReconnecting) {
		t.Error("reconnecting state never broadcast")
	}
}

func TestMaxAttemptsParksInError(t *testing.T) {
	dialer := &fakeDialer{failDials: 100}
	m, _ := newTestManager(t, dialer, nil)

	m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7})

	if !waitFor(t, time.Second, func() bool {
		return m.State() == model.StateError
	}) {
		t.Fatalf("state = %v, want error", m.State())
	}

	// Initial dial plus one per retry attempt, then nothing more.
	want := 1 + 3
	if !waitFor(t, 200*time.Millisecond, func() bool {
		return dialer.dialCount() == want
	}) {
		t.Fatalf("dials = %d, want %d", dialer.dialCount(), want)
	}
	time.Sleep(100 * time.Millisecond)
	if got := dialer.dialCount(); got != want {
		t.Fatalf("dials after giving up = %d, want %d", got, want)
	}
}

func TestInitializeResetsAttemptCounter(t *testing.T) {
	dialer := &fakeDialer{failDials: 100}
	m, _ := newTestManager(t, dialer, nil)

	m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7})
	if !waitFor(t, time.Second, func() bool { return m.State() == model.StateError }) {
		t.Fatalf("state = %v, want error", m.State())
	}

	dialer.mu.Lock()
	dialer.failDials = 0
	dialer.mu.Unlock()

	if err := m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7}); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if m.State() != model.StateConnected {
		t.Fatalf("state = %v, want connected", m.State())
	}
	if got := m.Stats().ReconnectAttempts; got != 0 {
		t.Errorf("attempts = %d, want 0", got)
	}
}

func TestDisposeCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, nil)

	m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7})
	dialer.client(0).fail(errors.New("conn reset"))

	if !waitFor(t, time.Second, func() bool {
		return m.State() == model.StateReconnecting || dialer.dialCount() > 1
	}) {
		t.Fatal("fault never observed")
	}
	before := dialer.dialCount()

	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := dialer.dialCount(); got > before {
		t.Errorf("reconnect fired after dispose: dials %d -> %d", before, got)
	}
	if m.State() != model.StateDisconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}
	if err := m.Dispose(); err != nil {
		t.Errorf("second Dispose: %v", err)
	}
}

func TestOfflineOnlineCycle(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, nil)

	m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7})

	m.SetOnline(false)
	if m.State() != model.StateError {
		t.Fatalf("state = %v, want error while offline", m.State())
	}

	// Fault while offline must not schedule retries.
	dialer.client(0).fail(errors.New("conn reset"))
	time.Sleep(100 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("dials while offline = %d, want 1", dialer.dialCount())
	}

	m.SetOnline(true)
	if !waitFor(t, time.Second, func() bool {
		return m.State() == model.StateConnected && dialer.dialCount() == 2
	}) {
		t.Fatalf("never reconnected after online: dials=%d state=%v", dialer.dialCount(), m.State())
	}
}

func TestOfflineDuringDialNeverBroadcastsConnected(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, nil)

	rec := &statusRecorder{}
	m.RegisterStatusHandler(rec.handle)

	// The network goes away while the dial is in flight.
	dialer.mu.Lock()
	dialer.dialHook = func() { m.SetOnline(false) }
	dialer.mu.Unlock()

	err := m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7})
	if !errors.Is(err, ErrNetworkOffline) {
		t.Fatalf("Initialize = %v, want ErrNetworkOffline", err)
	}
	if m.State() != model.StateError {
		t.Fatalf("state = %v, want error", m.State())
	}
	if rec.saw(model.StateConnected) {
		t.Error("connected broadcast despite offline arriving mid-dial")
	}
	if dialer.client(0).IsConnected() {
		t.Error("transport left open after offline abort")
	}

	// Back online reconnects cleanly.
	dialer.mu.Lock()
	dialer.dialHook = nil
	dialer.mu.Unlock()
	m.SetOnline(true)
	if !waitFor(t, time.Second, func() bool {
		return m.State() == model.StateConnected
	}) {
		t.Fatalf("never reconnected after online: state=%v", m.State())
	}
}

func TestSubscriptionsReplayOnReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, nil)

	m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7})

	sub := model.ChannelSubscription{
		Channel: "notifications",
		Params:  model.SubscriptionParams{RestaurantID: 7},
	}
	if err := m.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	dialer.client(0).fail(errors.New("conn reset"))

	if !waitFor(t, time.Second, func() bool {
		if dialer.dialCount() < 2 {
			return false
		}
		for _, a := range dialer.client(1).sentActions() {
			if a == "subscribe:notifications" {
				return true
			}
		}
		return false
	}) {
		t.Fatal("subscription not replayed on new connection")
	}
}

func TestUpdateSubscription(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, nil)

	m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7})

	if err := m.UpdateSubscription("nope", model.SubscriptionParams{}); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("UpdateSubscription unknown = %v, want ErrUnknownSubscription", err)
	}

	if err := m.Subscribe(model.ChannelSubscription{Channel: "notifications"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.UpdateSubscription("notifications", model.SubscriptionParams{RestaurantID: 7, Page: 2}); err != nil {
		t.Fatalf("UpdateSubscription: %v", err)
	}

	found := false
	for _, a := range dialer.client(0).sentActions() {
		if a == "update_subscription:notifications" {
			found = true
		}
	}
	if !found {
		t.Error("update_subscription command never sent")
	}
}

func TestReconcileReplaysMissed(t *testing.T) {
	dialer := &fakeDialer{}
	ack := &stubAckClient{missed: []model.Notification{
		{
			ID:           "missed-1",
			Type:         model.TypeNewOrder,
			RestaurantID: 7,
			CreatedAt:    time.Now().UTC(),
		},
	}}
	m, st := newTestManager(t, dialer, ack)

	var invoked sync.Map
	m.RegisterHandler(model.TypeNewOrder, func(n model.Notification) {
		invoked.Store(n.ID, true)
	})

	if err := m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if !waitFor(t, time.Second, func() bool {
		_, ok := invoked.Load("missed-1")
		return ok
	}) {
		t.Fatal("missed notification never replayed to handlers")
	}
	if _, ok := st.Get("missed-1"); !ok {
		t.Error("missed notification not stored")
	}
}

func TestLiveThenReplayedEventDispatchesOnce(t *testing.T) {
	dialer := &fakeDialer{}
	ack := &stubAckClient{}
	m, _ := newTestManager(t, dialer, ack)

	var mu sync.Mutex
	count := 0
	m.RegisterHandler(model.TypeNewOrder, func(n model.Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	if err := m.Initialize(context.Background(), model.TenantContext{RestaurantID: 5}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Delivered live first.
	dialer.client(0).deliver(eventJSON("100", model.TypeNewOrder, 5))
	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}) {
		t.Fatal("live event never dispatched")
	}

	// Same notification comes back in the missed-replay after a reconnect.
	ack.setMissed([]model.Notification{{
		ID:           "100",
		Type:         model.TypeNewOrder,
		RestaurantID: 5,
		CreatedAt:    time.Now().UTC(),
	}})
	dialer.client(0).fail(errors.New("conn reset"))

	if !waitFor(t, time.Second, func() bool {
		return dialer.dialCount() >= 2 && m.State() == model.StateConnected
	}) {
		t.Fatal("never reconnected")
	}
	time.Sleep(100 * time.Millisecond) // let reconcile run

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("handler invoked %d times, want exactly 1", count)
	}
}

func TestStatusReplayOnSubscribe(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, nil)

	m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7})

	rec := &statusRecorder{}
	m.RegisterStatusHandler(rec.handle)
	if !rec.saw(model.StateConnected) {
		t.Error("current state not replayed to late status subscriber")
	}
}

func TestTenantSwitchClearsSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, nil)

	m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7})
	if err := m.Subscribe(model.ChannelSubscription{Channel: "notifications"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := m.Stats().Subscriptions; got != 1 {
		t.Fatalf("subscriptions = %d, want 1", got)
	}

	if err := m.Initialize(context.Background(), model.TenantContext{RestaurantID: 8}); err != nil {
		t.Fatalf("tenant switch: %v", err)
	}
	if got := m.Stats().Subscriptions; got != 0 {
		t.Errorf("subscriptions after tenant switch = %d, want 0", got)
	}
	if got := m.Stats().RestaurantID; got != 8 {
		t.Errorf("restaurant id = %d, want 8", got)
	}
	if dialer.dialCount() != 2 {
		t.Errorf("dials = %d, want 2 (new session for new tenant)", dialer.dialCount())
	}
}

// newWSTestServer runs a real WebSocket endpoint that acks commands and lets
// the test push notification events.
func newWSTestServer(t *testing.T) (*httptest.Server, chan []byte) {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	events := make(chan []byte, 16)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var mu sync.Mutex
		go func() {
			for data := range events {
				mu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, data)
				mu.Unlock()
				if err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd transport.Command
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			resp, _ := json.Marshal(transport.Response{ID: cmd.ID, Type: "subscribed"})
			mu.Lock()
			conn.WriteMessage(websocket.TextMessage, resp)
			mu.Unlock()
		}
	}))
	t.Cleanup(func() { close(events) })

	return server, events
}

func TestManagerOverRealTransport(t *testing.T) {
	server, events := newWSTestServer(t)
	defer server.Close()

	backend, err := store.NewFileBackend(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	st, err := store.New(context.Background(), store.DefaultConfig(), backend, &stubAckClient{}, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	// Dialer left nil: the manager must construct the real transport client,
	// including a valid keepalive interval.
	cfg := DefaultManagerConfig()
	cfg.WSURL = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = time.Minute
	cfg.SubscribeTimeout = time.Second
	cfg.ResyncInterval = 0
	cfg.DedupSweepInterval = time.Hour

	m := NewManager(cfg, st, slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelWarn})))
	defer m.Dispose()

	var invoked sync.Map
	m.RegisterHandler(model.TypeNewOrder, func(n model.Notification) {
		invoked.Store(n.ID, true)
	})

	if err := m.Initialize(context.Background(), model.TenantContext{RestaurantID: 7}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Subscribe(model.ChannelSubscription{
		Channel: "notifications",
		Params:  model.SubscriptionParams{RestaurantID: 7},
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Outlive several keepalive intervals.
	time.Sleep(100 * time.Millisecond)
	if m.State() != model.StateConnected {
		t.Fatalf("state = %v, want connected", m.State())
	}

	events <- eventJSON("real-1", model.TypeNewOrder, 7)
	if !waitFor(t, time.Second, func() bool {
		_, ok := invoked.Load("real-1")
		return ok
	}) {
		t.Fatal("event never dispatched over real transport")
	}
	if _, ok := st.Get("real-1"); !ok {
		t.Error("event not stored")
	}
}

func TestInitializeSameTenantIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, dialer, nil)

	tc := model.TenantContext{RestaurantID: 7}
	m.Initialize(context.Background(), tc)
	m.Initialize(context.Background(), tc)

	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 for repeated same-tenant initialize", dialer.dialCount())
	}
}
