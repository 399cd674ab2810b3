// Package protocol defines the boundary between the session manager and the
// underlying chat protocol library. Connection, pairing, credential and
// message activity is translated into a single tagged event type so the
// supervisor state machine can be driven without a live connection.
package protocol

import (
	"context"
	"time"
)

// Status of a tenant session.
type Status string

const (
	StatusNotStarted   Status = "not_started"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// EventKind discriminates Event.
type EventKind int

const (
	EventPairingCode EventKind = iota
	EventConnected
	EventDisconnected
	EventLoggedOut
	EventCredentials
	EventMessage
)

// Well-known disconnect reasons.
const (
	ReasonLoggedOut      = "logged-out"
	ReasonStreamReplaced = "stream-replaced"
	ReasonTransport      = "transport-closed"
)

// CredentialEntry is one slot-key update. A nil Value means delete.
type CredentialEntry struct {
	Key   string
	Value []byte
}

// Event is the tagged union emitted by a Client. Exactly the fields relevant
// to Kind are populated.
type Event struct {
	Kind        EventKind
	PairingCode string            // EventPairingCode
	Phone       string            // EventConnected
	Reason      string            // EventDisconnected
	Credentials []CredentialEntry // EventCredentials
	Message     *Message          // EventMessage
}

// ContentKind classifies message payloads at the ingestion boundary.
type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentImage       ContentKind = "image"
	ContentVideo       ContentKind = "video"
	ContentAudio       ContentKind = "audio"
	ContentDocument    ContentKind = "document"
	ContentSticker     ContentKind = "sticker"
	ContentUnsupported ContentKind = "unsupported"
)

// MediaRef points at downloadable media. Descriptor is an opaque handle the
// originating Client knows how to download.
type MediaRef struct {
	Mimetype   string
	FileName   string
	Descriptor any
}

// Content is the tagged message-content variant. Text carries the body for
// text messages and the caption (possibly empty) for media.
type Content struct {
	Kind  ContentKind
	Text  string
	Media *MediaRef
}

// Message is one inbound protocol message, live or replayed.
type Message struct {
	ID         string
	ChatID     string
	Sender     string // phone number of the counterpart
	SenderName string
	IsFromMe   bool
	IsGroup    bool
	Broadcast  bool
	System     bool
	Timestamp  time.Time
	Content    Content
}

// CredentialSource is the read side of the tenant's auth-state cache, handed
// to a Dialer so it can tell first-time pairing from a restored session.
// Lookups must be pure in-memory.
type CredentialSource interface {
	Get(key string) ([]byte, bool)
}

// Handler receives translated events. It is called from the protocol
// library's own callback goroutine and must not block.
type Handler func(Event)

// Client is one live protocol connection.
type Client interface {
	// Connect establishes the connection. If no credentials exist the client
	// emits EventPairingCode events until pairing completes.
	Connect(ctx context.Context) error
	// Disconnect closes the connection without invalidating credentials.
	Disconnect()
	// Logout invalidates the remote pairing and closes the connection.
	Logout(ctx context.Context) error
	// HasCredentials reports whether a prior pairing exists.
	HasCredentials() bool
	// SendText sends a text message and returns the protocol message id.
	SendText(ctx context.Context, to, text string) (string, error)
	// Download fetches media bytes for a MediaRef produced by this client.
	Download(ctx context.Context, ref *MediaRef) ([]byte, error)
	// GroupName resolves the display name of a group chat.
	GroupName(ctx context.Context, chatID string) (string, error)
}

// Dialer creates clients. One Dial call per connection attempt.
type Dialer interface {
	Dial(ctx context.Context, tenantID int64, creds CredentialSource, handler Handler) (Client, error)
	// ClearDevice discards the protocol library's own on-disk device state
	// for a tenant so the next Dial starts a fresh pairing.
	ClearDevice(ctx context.Context, tenantID int64) error
}
