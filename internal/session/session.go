// Package session owns the per-tenant connection lifecycle: the registry of
// live sessions, the connect/pair/reconnect state machine and its backoff.
package session

import (
	"sync"
	"time"

	"github.com/replyhive/replyhive/internal/authstate"
	"github.com/replyhive/replyhive/internal/protocol"
)

// Reconnect policy.
const (
	MaxRetries = 5
	BaseDelay  = 3 * time.Second
	CapDelay   = 30 * time.Second
)

// Backoff returns the delay before reconnect attempt n (1-based):
// min(BaseDelay * 2^(n-1), CapDelay).
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := BaseDelay << uint(n-1)
	if d > CapDelay || d <= 0 {
		return CapDelay
	}
	return d
}

// StatusInfo is the externally visible session state.
type StatusInfo struct {
	Status      protocol.Status `json:"status"`
	PairingCode string          `json:"pairing_code,omitempty"`
}

// Session is one connection attempt lifecycle for a tenant. A new Session
// (with a new generation) replaces the old one on every reconnect.
type Session struct {
	TenantID int64

	// gen distinguishes this session object from its predecessors so a
	// stale backoff timer cannot resurrect a torn-down session.
	gen int64

	mu          sync.Mutex
	status      protocol.Status
	pairingCode string
	retryCount  int
	client      protocol.Client
	auth        *authstate.TenantState
	retryTimer  *time.Timer
}

func newSession(tenantID, gen int64, retryCount int) *Session {
	return &Session{
		TenantID:   tenantID,
		gen:        gen,
		status:     protocol.StatusConnecting,
		retryCount: retryCount,
	}
}

// Info returns the current status and pairing code.
func (s *Session) Info() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusInfo{Status: s.status, PairingCode: s.pairingCode}
}

// Status returns the current connection status.
func (s *Session) Status() protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RetryCount returns the number of reconnect attempts since the last
// successful connect.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

func (s *Session) setClient(c protocol.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = c
}

func (s *Session) getClient() protocol.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) setPairingCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingCode = code
}

// markConnected transitions to connected, clearing the pairing code and
// resetting the retry counter.
func (s *Session) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = protocol.StatusConnected
	s.pairingCode = ""
	s.retryCount = 0
}

// markDisconnected transitions to disconnected. Returns false if the session
// already left the connecting/connected states, so duplicate transport
// events do not double-schedule reconnects.
func (s *Session) markDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == protocol.StatusDisconnected {
		return false
	}
	s.status = protocol.StatusDisconnected
	s.pairingCode = ""
	return true
}

// bumpRetry increments and returns the retry counter.
func (s *Session) bumpRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	return s.retryCount
}

func (s *Session) setRetryTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryTimer = t
}

// teardown cancels the backoff timer and returns the client (if any) for
// the caller to close. Safe to call more than once.
func (s *Session) teardown() protocol.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	c := s.client
	s.client = nil
	return c
}
