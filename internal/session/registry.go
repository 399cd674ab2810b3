package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyhive/replyhive/internal/authstate"
	"github.com/replyhive/replyhive/internal/bus"
	"github.com/replyhive/replyhive/internal/protocol"
)

// TenantStore is the slice of the durable store the registry needs.
// *store.Store satisfies it.
type TenantStore interface {
	ListConnectedTenants(ctx context.Context) ([]int64, error)
	SetTenantConnection(ctx context.Context, id int64, connected bool, phone string) error
}

// StatusListener observes status/pairing-code changes. Called synchronously
// from event handling; implementations must not block and must not call back
// into the registry.
type StatusListener func(tenantID int64, info StatusInfo)

// Registry keeps at most one live session per tenant and drives the
// connection state machine.
type Registry struct {
	dialer       protocol.Dialer
	auth         *authstate.Cache
	tenants      TenantStore
	bus          *bus.MessageBus
	restoreDelay time.Duration

	mu       sync.Mutex
	sessions map[int64]*Session
	gen      int64

	listenersMu sync.RWMutex
	listeners   []StatusListener
}

// NewRegistry wires the registry with its collaborators.
func NewRegistry(dialer protocol.Dialer, auth *authstate.Cache, tenants TenantStore, messageBus *bus.MessageBus, restoreDelay time.Duration) *Registry {
	if restoreDelay <= 0 {
		restoreDelay = 2 * time.Second
	}
	return &Registry{
		dialer:       dialer,
		auth:         auth,
		tenants:      tenants,
		bus:          messageBus,
		restoreDelay: restoreDelay,
		sessions:     make(map[int64]*Session),
	}
}

// Subscribe registers a status-change listener.
func (r *Registry) Subscribe(fn StatusListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(tenantID int64, info StatusInfo) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(tenantID, info)
	}
}

// Start creates a session for the tenant, or reuses a live one. Idempotent:
// a session that is connecting or connected is left alone; a disconnected
// leftover is torn down first so at most one live connection exists.
func (r *Registry) Start(ctx context.Context, tenantID int64) error {
	r.mu.Lock()
	for {
		existing, ok := r.sessions[tenantID]
		if !ok {
			break
		}
		switch existing.Status() {
		case protocol.StatusConnected, protocol.StatusConnecting:
			r.mu.Unlock()
			return nil
		default:
			delete(r.sessions, tenantID)
			r.mu.Unlock()
			r.closeHard(existing)
			r.mu.Lock()
		}
	}
	r.gen++
	s := newSession(tenantID, r.gen, 0)
	r.sessions[tenantID] = s
	r.mu.Unlock()

	r.notify(tenantID, s.Info())
	return r.connect(ctx, s)
}

// Stop terminates the tenant's session: graceful protocol logout, hard close
// on failure. With clearAuth set, all persisted auth state is purged so the
// next start requires a fresh pairing.
func (r *Registry) Stop(ctx context.Context, tenantID int64, clearAuth bool) error {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	if ok {
		delete(r.sessions, tenantID)
	}
	r.mu.Unlock()

	if ok {
		client := s.teardown()
		if client != nil {
			if err := client.Logout(ctx); err != nil {
				slog.Warn("graceful logout failed, closing hard", "tenant", tenantID, "error", err)
				client.Disconnect()
			}
		}
	}
	var firstErr error
	if clearAuth {
		if err := r.purgeAuth(ctx, tenantID); err != nil {
			firstErr = err
		}
	}
	if err := r.tenants.SetTenantConnection(ctx, tenantID, false, ""); err != nil && firstErr == nil {
		firstErr = err
	}
	r.notify(tenantID, StatusInfo{Status: protocol.StatusNotStarted})
	return firstErr
}

// Reconnect is the operator-triggered teardown-and-start. Unlike Stop it
// closes hard (no logout) so the pairing survives, unless clearAuth discards
// it to recover from corrupted key material.
func (r *Registry) Reconnect(ctx context.Context, tenantID int64, clearAuth bool) error {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	if ok {
		delete(r.sessions, tenantID)
	}
	r.mu.Unlock()
	if ok {
		r.closeHard(s)
	}
	if clearAuth {
		if err := r.purgeAuth(ctx, tenantID); err != nil {
			return err
		}
	}
	if err := r.tenants.SetTenantConnection(ctx, tenantID, false, ""); err != nil {
		slog.Warn("failed to mark tenant disconnected", "tenant", tenantID, "error", err)
	}
	return r.Start(ctx, tenantID)
}

// Status reports the session state; unknown tenants are not_started.
func (r *Registry) Status(tenantID int64) StatusInfo {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	r.mu.Unlock()
	if !ok {
		return StatusInfo{Status: protocol.StatusNotStarted}
	}
	return s.Info()
}

// ListActive returns the tenants with a live session object, any status.
func (r *Registry) ListActive() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Send delivers a text message through the tenant's connection and returns
// the protocol message id.
func (r *Registry) Send(ctx context.Context, tenantID int64, recipient, text string) (string, error) {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	r.mu.Unlock()
	if !ok || s.Status() != protocol.StatusConnected {
		return "", fmt.Errorf("tenant %d is not connected", tenantID)
	}
	client := s.getClient()
	if client == nil {
		return "", fmt.Errorf("tenant %d has no active client", tenantID)
	}
	return client.SendText(ctx, recipient, text)
}

// Download fetches media bytes through the tenant's connection.
func (r *Registry) Download(ctx context.Context, tenantID int64, ref *protocol.MediaRef) ([]byte, error) {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tenant %d has no session", tenantID)
	}
	client := s.getClient()
	if client == nil {
		return nil, fmt.Errorf("tenant %d has no active client", tenantID)
	}
	return client.Download(ctx, ref)
}

// GroupName resolves a group chat's display name through the tenant's
// connection.
func (r *Registry) GroupName(ctx context.Context, tenantID int64, chatID string) (string, error) {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("tenant %d has no session", tenantID)
	}
	client := s.getClient()
	if client == nil {
		return "", fmt.Errorf("tenant %d has no active client", tenantID)
	}
	return client.GroupName(ctx, chatID)
}

// RestoreAll starts a session for every tenant flagged connected, pacing the
// calls so a process restart does not stampede the protocol servers.
func (r *Registry) RestoreAll(ctx context.Context) error {
	ids, err := r.tenants.ListConnectedTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants to restore: %w", err)
	}
	for i, id := range ids {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.restoreDelay):
			}
		}
		if err := r.Start(ctx, id); err != nil {
			slog.Warn("session restore failed", "tenant", id, "error", err)
		}
	}
	slog.Info("session restore complete", "tenants", len(ids))
	return nil
}

// Shutdown hard-closes every session without touching tenant flags, so the
// next process start restores them.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[int64]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		r.closeHard(s)
	}
}

// ---------------------------------------------------------------------------
// State machine internals
// ---------------------------------------------------------------------------

// connect performs one connection attempt for s.
func (r *Registry) connect(ctx context.Context, s *Session) error {
	ts, err := r.auth.Load(ctx, s.TenantID)
	if err != nil {
		r.transportFailure(s, protocol.ReasonTransport)
		return err
	}
	s.mu.Lock()
	s.auth = ts
	s.mu.Unlock()

	client, err := r.dialer.Dial(ctx, s.TenantID, ts, func(evt protocol.Event) {
		r.handleEvent(s, evt)
	})
	if err != nil {
		r.transportFailure(s, protocol.ReasonTransport)
		return fmt.Errorf("dial tenant %d: %w", s.TenantID, err)
	}
	s.setClient(client)

	// A Stop or Reconnect that landed while Dial was in flight tore down a
	// session with no client yet. The connection must not outlive it.
	if !r.isCurrent(s) {
		client.Disconnect()
		return nil
	}
	if err := client.Connect(ctx); err != nil {
		r.transportFailure(s, protocol.ReasonTransport)
		return fmt.Errorf("connect tenant %d: %w", s.TenantID, err)
	}
	if !r.isCurrent(s) {
		client.Disconnect()
		return nil
	}
	return nil
}

// handleEvent is the single owner of connection-state mutation for a tenant.
// It is a defensive boundary: protocol failures are logged, never allowed to
// take the process down.
func (r *Registry) handleEvent(s *Session, evt protocol.Event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("panic in protocol event handler", "tenant", s.TenantID, "panic", p)
		}
	}()
	if !r.isCurrent(s) {
		return
	}

	switch evt.Kind {
	case protocol.EventPairingCode:
		s.setPairingCode(evt.PairingCode)
		r.notify(s.TenantID, s.Info())

	case protocol.EventConnected:
		s.markConnected()
		r.notify(s.TenantID, s.Info())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tenants.SetTenantConnection(ctx, s.TenantID, true, evt.Phone); err != nil {
			slog.Warn("failed to mark tenant connected", "tenant", s.TenantID, "error", err)
		}
		slog.Info("session connected", "tenant", s.TenantID, "phone", evt.Phone)

	case protocol.EventCredentials:
		s.mu.Lock()
		ts := s.auth
		s.mu.Unlock()
		if ts != nil {
			entries := make(map[string][]byte, len(evt.Credentials))
			for _, e := range evt.Credentials {
				entries[e.Key] = e.Value
			}
			ts.Set(entries)
		}

	case protocol.EventDisconnected:
		r.transportFailure(s, evt.Reason)

	case protocol.EventLoggedOut:
		r.handleLogout(s)

	case protocol.EventMessage:
		if evt.Message == nil {
			return
		}
		r.bus.PublishInbound(&bus.InboundMessage{
			TenantID: s.TenantID,
			TraceID:  uuid.NewString(),
			Message:  evt.Message,
		})
	}
}

// transportFailure handles a non-logout disconnect: schedule a reconnect
// with exponential backoff, or go terminal after MaxRetries.
func (r *Registry) transportFailure(s *Session, reason string) {
	if !s.markDisconnected() {
		return
	}
	r.notify(s.TenantID, s.Info())
	if c := s.getClient(); c != nil {
		c.Disconnect()
	}

	if s.RetryCount() >= MaxRetries {
		slog.Warn("reconnect attempts exhausted", "tenant", s.TenantID, "reason", reason)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tenants.SetTenantConnection(ctx, s.TenantID, false, ""); err != nil {
			slog.Warn("failed to mark tenant disconnected", "tenant", s.TenantID, "error", err)
		}
		return
	}

	attempt := s.bumpRetry()
	delay := Backoff(attempt)
	gen := s.gen
	slog.Info("scheduling reconnect", "tenant", s.TenantID, "reason", reason, "attempt", attempt, "delay", delay)
	s.setRetryTimer(time.AfterFunc(delay, func() {
		r.retry(s.TenantID, gen, attempt)
	}))
}

// retry fires from a backoff timer. It verifies the session it was scheduled
// for is still current before replacing it, so a timer that outlives a
// manual stop or reconnect is a no-op.
func (r *Registry) retry(tenantID, gen int64, retryCount int) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("panic in reconnect timer", "tenant", tenantID, "panic", p)
		}
	}()
	r.mu.Lock()
	current, ok := r.sessions[tenantID]
	if !ok || current.gen != gen {
		r.mu.Unlock()
		return
	}
	r.gen++
	s := newSession(tenantID, r.gen, retryCount)
	r.sessions[tenantID] = s
	r.mu.Unlock()

	if c := current.teardown(); c != nil {
		c.Disconnect()
	}
	r.notify(tenantID, s.Info())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.connect(ctx, s); err != nil {
		slog.Warn("reconnect attempt failed", "tenant", tenantID, "attempt", retryCount, "error", err)
	}
}

// handleLogout is the terminal path: the remote end invalidated the pairing,
// so the session is removed, all auth state purged, and no reconnect runs.
func (r *Registry) handleLogout(s *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[s.TenantID]; ok && current.gen == s.gen {
		delete(r.sessions, s.TenantID)
	}
	r.mu.Unlock()

	s.markDisconnected()
	if c := s.teardown(); c != nil {
		c.Disconnect()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.purgeAuth(ctx, s.TenantID); err != nil {
		slog.Warn("failed to purge auth state after logout", "tenant", s.TenantID, "error", err)
	}
	if err := r.tenants.SetTenantConnection(ctx, s.TenantID, false, ""); err != nil {
		slog.Warn("failed to mark tenant disconnected", "tenant", s.TenantID, "error", err)
	}
	r.notify(s.TenantID, StatusInfo{Status: protocol.StatusNotStarted})
	slog.Info("session logged out", "tenant", s.TenantID)
}

// purgeAuth clears both the cache-managed records and the protocol library's
// own device state.
func (r *Registry) purgeAuth(ctx context.Context, tenantID int64) error {
	if err := r.auth.Clear(ctx, tenantID); err != nil {
		return err
	}
	return r.dialer.ClearDevice(ctx, tenantID)
}

// isCurrent reports whether s is still the registry's session for its tenant.
func (r *Registry) isCurrent(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[s.TenantID]
	return ok && current.gen == s.gen
}

// closeHard cancels timers and closes the connection without logout.
func (r *Registry) closeHard(s *Session) {
	if c := s.teardown(); c != nil {
		c.Disconnect()
	}
}
