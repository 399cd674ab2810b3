// Package bus provides the async hand-off between protocol event handlers
// and the ingestion pipeline. Supervisor callbacks must never block on
// storage or LLM work, so they enqueue here and the pipeline drains
// per tenant in receipt order.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/replyhive/replyhive/internal/protocol"
)

// InboundMessage is one protocol message awaiting ingestion.
type InboundMessage struct {
	TenantID  int64             `json:"tenant_id"`
	TraceID   string            `json:"trace_id"`
	Message   *protocol.Message `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
}

// MessageBus decouples connection supervisors from the pipeline.
type MessageBus struct {
	inbound chan *InboundMessage
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound: make(chan *InboundMessage, 256),
	}
}

// PublishInbound enqueues a message for ingestion. Never blocks: callers are
// protocol event handlers, so when the queue is full the message is dropped
// and logged rather than stalling decryption.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, dropping message", "tenant", msg.TenantID, "trace", msg.TraceID)
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}
