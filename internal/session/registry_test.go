package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/replyhive/replyhive/internal/authstate"
	"github.com/replyhive/replyhive/internal/bus"
	"github.com/replyhive/replyhive/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeAuthBackend struct {
	mu     sync.Mutex
	clears []int64
}

func (f *fakeAuthBackend) LoadAuthState(ctx context.Context, tenantID int64) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (f *fakeAuthBackend) FlushAuthState(ctx context.Context, tenantID int64, upserts map[string][]byte, deletes []string) error {
	return nil
}

func (f *fakeAuthBackend) ClearAuthState(ctx context.Context, tenantID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, tenantID)
	return nil
}

type fakeClient struct {
	mu          sync.Mutex
	connectErr  error
	disconnects int
	logouts     int
	logoutErr   error
	sent        []string
	hasCreds    bool
	onConnect   func()
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	if c.onConnect != nil {
		c.onConnect()
	}
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return c.logoutErr
}

func (c *fakeClient) HasCredentials() bool { return c.hasCreds }

func (c *fakeClient) SendText(ctx context.Context, to, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, to+"|"+text)
	return "MSG1", nil
}

func (c *fakeClient) Download(ctx context.Context, ref *protocol.MediaRef) ([]byte, error) {
	return []byte("media"), nil
}

func (c *fakeClient) GroupName(ctx context.Context, chatID string) (string, error) {
	return "Test Group", nil
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	dialErr  error
	clients  map[int64]*fakeClient
	handlers map[int64]protocol.Handler
	cleared  []int64
	// connectEmits, when set, is sent through the handler during Connect.
	connectEmits []protocol.Event
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		clients:  make(map[int64]*fakeClient),
		handlers: make(map[int64]protocol.Handler),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, tenantID int64, creds protocol.CredentialSource, handler protocol.Handler) (protocol.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &fakeClient{}
	emits := d.connectEmits
	c.onConnect = func() {
		for _, evt := range emits {
			handler(evt)
		}
	}
	d.clients[tenantID] = c
	d.handlers[tenantID] = handler
	return c, nil
}

func (d *fakeDialer) ClearDevice(ctx context.Context, tenantID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = append(d.cleared, tenantID)
	return nil
}

func (d *fakeDialer) client(tenantID int64) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[tenantID]
}

func (d *fakeDialer) handler(tenantID int64) protocol.Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[tenantID]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// gatedDialer parks Dial until released, so tests can land registry calls
// while a connection attempt is in flight.
type gatedDialer struct {
	*fakeDialer
	entered chan struct{}
	release chan struct{}
}

func newGatedDialer() *gatedDialer {
	return &gatedDialer{
		fakeDialer: newFakeDialer(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (d *gatedDialer) Dial(ctx context.Context, tenantID int64, creds protocol.CredentialSource, handler protocol.Handler) (protocol.Client, error) {
	close(d.entered)
	<-d.release
	return d.fakeDialer.Dial(ctx, tenantID, creds, handler)
}

type fakeTenantStore struct {
	mu        sync.Mutex
	connected map[int64]bool
	phones    map[int64]string
	restore   []int64
}

func newFakeTenantStore() *fakeTenantStore {
	return &fakeTenantStore{
		connected: make(map[int64]bool),
		phones:    make(map[int64]string),
	}
}

func (f *fakeTenantStore) ListConnectedTenants(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restore, nil
}

func (f *fakeTenantStore) SetTenantConnection(ctx context.Context, id int64, connected bool, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[id] = connected
	f.phones[id] = phone
	return nil
}

func (f *fakeTenantStore) isConnected(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}

func newTestRegistry(t *testing.T, dialer *fakeDialer) (*Registry, *fakeTenantStore, *bus.MessageBus) {
	t.Helper()
	cache := authstate.New(&fakeAuthBackend{}, time.Hour)
	t.Cleanup(cache.Stop)
	tenants := newFakeTenantStore()
	msgBus := bus.NewMessageBus()
	r := NewRegistry(dialer, cache, tenants, msgBus, time.Millisecond)
	t.Cleanup(r.Shutdown)
	return r, tenants, msgBus
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStartConnectsAndReportsStatus(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected, Phone: "4915550001"}}
	r, tenants, _ := newTestRegistry(t, dialer)

	if err := r.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.Status(1).Status; got != protocol.StatusConnected {
		t.Fatalf("status = %s, want connected", got)
	}
	if !tenants.isConnected(1) {
		t.Fatal("tenant not flagged connected")
	}
}

func TestStartIdempotentWhileLive(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, _, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
}

func TestPairingCodeExposedUntilConnected(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventPairingCode, PairingCode: "QR-DATA"}}
	r, _, _ := newTestRegistry(t, dialer)

	if err := r.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	info := r.Status(1)
	if info.PairingCode != "QR-DATA" {
		t.Fatalf("pairing code = %q", info.PairingCode)
	}

	dialer.handler(1)(protocol.Event{Kind: protocol.EventConnected})
	if info := r.Status(1); info.PairingCode != "" {
		t.Fatalf("pairing code after connect = %q", info.PairingCode)
	}
}

func TestDialFailureLeavesDisconnected(t *testing.T) {
	dialer := newFakeDialer()
	dialer.dialErr = errors.New("socket refused")
	r, _, _ := newTestRegistry(t, dialer)

	if err := r.Start(context.Background(), 1); err == nil {
		t.Fatal("Start succeeded with failing dialer")
	}
	if got := r.Status(1).Status; got != protocol.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", got)
	}
}

func TestStopLogsOutAndClearsAuth(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, tenants, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(ctx, 1, true); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := r.Status(1).Status; got != protocol.StatusNotStarted {
		t.Fatalf("status after stop = %s", got)
	}
	if dialer.client(1).logouts != 1 {
		t.Fatal("client was not logged out")
	}
	if len(dialer.cleared) != 1 || dialer.cleared[0] != 1 {
		t.Fatalf("device state not cleared: %v", dialer.cleared)
	}
	if tenants.isConnected(1) {
		t.Fatal("tenant still flagged connected")
	}
}

func TestStopWithoutClearKeepsDevice(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, _, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(ctx, 1, false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(dialer.cleared) != 0 {
		t.Fatalf("device cleared on plain stop: %v", dialer.cleared)
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, _, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := dialer.client(1)
	if err := r.Reconnect(ctx, 1, false); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if first.logouts != 0 {
		t.Fatal("reconnect performed a logout")
	}
	if first.disconnects == 0 {
		t.Fatal("old client not closed")
	}
	if n := dialer.dialCount(); n != 2 {
		t.Fatalf("dials = %d, want 2", n)
	}
	if got := r.Status(1).Status; got != protocol.StatusConnected {
		t.Fatalf("status = %s, want connected", got)
	}
}

func TestEventsFromStaleSessionIgnored(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, _, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stale := dialer.handler(1)
	if err := r.Stop(ctx, 1, false); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stale(protocol.Event{Kind: protocol.EventConnected})
	if got := r.Status(1).Status; got != protocol.StatusNotStarted {
		t.Fatalf("stale event changed status to %s", got)
	}
}

func TestStopDuringDialClosesLateConnection(t *testing.T) {
	dialer := newGatedDialer()
	cache := authstate.New(&fakeAuthBackend{}, time.Hour)
	t.Cleanup(cache.Stop)
	r := NewRegistry(dialer, cache, newFakeTenantStore(), bus.NewMessageBus(), time.Millisecond)
	t.Cleanup(r.Shutdown)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx, 1) }()

	<-dialer.entered
	if err := r.Stop(ctx, 1, false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(dialer.release)
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := r.Status(1).Status; got != protocol.StatusNotStarted {
		t.Fatalf("status = %s, want not_started", got)
	}
	if active := r.ListActive(); len(active) != 0 {
		t.Fatalf("active = %v, want none", active)
	}
	c := dialer.client(1)
	if c == nil {
		t.Fatal("dial never completed")
	}
	if c.disconnects == 0 {
		t.Fatal("connection that completed after stop was left open")
	}
}

func TestStaleRetryTimerIsNoop(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, _, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := dialer.dialCount()

	// A timer scheduled for a generation that has since been replaced.
	r.retry(1, -1, 2)
	if n := dialer.dialCount(); n != before {
		t.Fatalf("stale retry dialed: %d -> %d", before, n)
	}
}

func TestRetryReplacesCurrentGeneration(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, _, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.mu.Lock()
	gen := r.sessions[1].gen
	r.mu.Unlock()

	r.retry(1, gen, 2)
	if n := dialer.dialCount(); n != 2 {
		t.Fatalf("dials = %d, want 2", n)
	}
	if got := r.Status(1).Status; got != protocol.StatusConnected {
		t.Fatalf("status after retry = %s", got)
	}
}

func TestDisconnectSchedulesBackoffRetry(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, _, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.mu.Lock()
	s := r.sessions[1]
	r.mu.Unlock()
	s.mu.Lock()
	s.retryCount = 2
	s.mu.Unlock()

	dialer.handler(1)(protocol.Event{Kind: protocol.EventDisconnected, Reason: "stream-replaced"})

	if got := r.Status(1).Status; got != protocol.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", got)
	}
	if n := s.RetryCount(); n != 3 {
		t.Fatalf("retry count = %d, want 3", n)
	}
	s.mu.Lock()
	armed := s.retryTimer != nil
	s.mu.Unlock()
	if !armed {
		t.Fatal("no reconnect timer armed")
	}
	if d := Backoff(3); d != 12*time.Second {
		t.Fatalf("delay for attempt 3 = %v, want 12s", d)
	}
}

func TestDisconnectAfterMaxRetriesIsTerminal(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, tenants, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.mu.Lock()
	s := r.sessions[1]
	r.mu.Unlock()
	s.mu.Lock()
	s.retryCount = MaxRetries
	s.mu.Unlock()

	dialer.handler(1)(protocol.Event{Kind: protocol.EventDisconnected, Reason: "stream-replaced"})

	if got := r.Status(1).Status; got != protocol.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", got)
	}
	if n := s.RetryCount(); n != MaxRetries {
		t.Fatalf("retry count = %d, want %d", n, MaxRetries)
	}
	s.mu.Lock()
	armed := s.retryTimer != nil
	s.mu.Unlock()
	if armed {
		t.Fatal("reconnect timer armed after retries exhausted")
	}
	if tenants.isConnected(1) {
		t.Fatal("tenant still flagged connected after terminal disconnect")
	}
	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
}

func TestLogoutIsTerminal(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, tenants, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dialer.handler(1)(protocol.Event{Kind: protocol.EventLoggedOut, Reason: protocol.ReasonLoggedOut})

	if got := r.Status(1).Status; got != protocol.StatusNotStarted {
		t.Fatalf("status after logout = %s", got)
	}
	if len(dialer.cleared) != 1 {
		t.Fatalf("device not purged on logout: %v", dialer.cleared)
	}
	if tenants.isConnected(1) {
		t.Fatal("tenant still flagged connected after logout")
	}
}

func TestSendRequiresConnected(t *testing.T) {
	dialer := newFakeDialer()
	r, _, _ := newTestRegistry(t, dialer)

	if _, err := r.Send(context.Background(), 1, "4915550002", "hi"); err == nil {
		t.Fatal("Send succeeded without a session")
	}
}

func TestSendDeliversThroughClient(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, _, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id, err := r.Send(ctx, 1, "4915550002", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "MSG1" {
		t.Fatalf("message id = %q", id)
	}
	c := dialer.client(1)
	if len(c.sent) != 1 || c.sent[0] != "4915550002|hello" {
		t.Fatalf("sent = %v", c.sent)
	}
}

func TestInboundMessagePublishedToBus(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, _, msgBus := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dialer.handler(1)(protocol.Event{
		Kind:    protocol.EventMessage,
		Message: &protocol.Message{ID: "WAMID1", ChatID: "4915550002@s.whatsapp.net", Content: protocol.Content{Kind: protocol.ContentText, Text: "hi"}},
	})

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	in, err := msgBus.ConsumeInbound(readCtx)
	if err != nil {
		t.Fatalf("ConsumeInbound: %v", err)
	}
	if in.TenantID != 1 || in.Message.ID != "WAMID1" {
		t.Fatalf("inbound = %+v", in)
	}
	if in.TraceID == "" {
		t.Fatal("missing trace id")
	}
}

func TestCredentialEventsUpdateAuthState(t *testing.T) {
	backend := &fakeAuthBackend{}
	cache := authstate.New(backend, time.Hour)
	t.Cleanup(cache.Stop)
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r := NewRegistry(dialer, cache, newFakeTenantStore(), bus.NewMessageBus(), time.Millisecond)
	t.Cleanup(r.Shutdown)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dialer.handler(1)(protocol.Event{
		Kind:        protocol.EventCredentials,
		Credentials: []protocol.CredentialEntry{{Key: "creds", Value: []byte("blob")}},
	})

	ts, err := cache.Load(ctx, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v, ok := ts.Get("creds"); !ok || string(v) != "blob" {
		t.Fatalf("creds = %q, %v", v, ok)
	}
}

func TestRestoreAllStartsFlaggedTenants(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, tenants, _ := newTestRegistry(t, dialer)
	tenants.restore = []int64{1, 2}

	if err := r.RestoreAll(context.Background()); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if n := dialer.dialCount(); n != 2 {
		t.Fatalf("dials = %d, want 2", n)
	}
	active := r.ListActive()
	if len(active) != 2 {
		t.Fatalf("active = %v", active)
	}
}

func TestShutdownClosesWithoutUnflagging(t *testing.T) {
	dialer := newFakeDialer()
	dialer.connectEmits = []protocol.Event{{Kind: protocol.EventConnected}}
	r, tenants, _ := newTestRegistry(t, dialer)

	ctx := context.Background()
	if err := r.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Shutdown()

	if dialer.client(1).disconnects == 0 {
		t.Fatal("client not closed on shutdown")
	}
	if dialer.client(1).logouts != 0 {
		t.Fatal("shutdown performed a logout")
	}
	if !tenants.isConnected(1) {
		t.Fatal("shutdown unflagged the tenant, restore would skip it")
	}
}
