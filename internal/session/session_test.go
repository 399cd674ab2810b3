package session

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		if got := Backoff(i + 1); got != expected {
			t.Errorf("Backoff(%d) = %s, want %s", i+1, got, expected)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	for _, n := range []int{6, 10, 40} {
		if got := Backoff(n); got != 30*time.Second {
			t.Errorf("Backoff(%d) = %s, want 30s", n, got)
		}
	}
}

func TestBackoffFloor(t *testing.T) {
	if got := Backoff(0); got != 3*time.Second {
		t.Errorf("Backoff(0) = %s, want 3s", got)
	}
	if got := Backoff(-2); got != 3*time.Second {
		t.Errorf("Backoff(-2) = %s, want 3s", got)
	}
}

func TestMarkConnectedResetsRetryAndPairing(t *testing.T) {
	s := newSession(1, 1, 3)
	s.setPairingCode("abc")
	s.markConnected()
	if s.RetryCount() != 0 {
		t.Fatalf("retry count after connect = %d", s.RetryCount())
	}
	info := s.Info()
	if info.PairingCode != "" {
		t.Fatalf("pairing code survived connect: %q", info.PairingCode)
	}
}

func TestMarkDisconnectedOnlyOnce(t *testing.T) {
	s := newSession(1, 1, 0)
	if !s.markDisconnected() {
		t.Fatal("first markDisconnected = false")
	}
	if s.markDisconnected() {
		t.Fatal("second markDisconnected = true")
	}
}
