// Package pipeline consumes inbound protocol messages: deduplicates, stores
// conversation records, applies the contact filter and drives auto-replies.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/replyhive/replyhive/internal/blob"
	"github.com/replyhive/replyhive/internal/bus"
	"github.com/replyhive/replyhive/internal/protocol"
	"github.com/replyhive/replyhive/internal/provider"
	"github.com/replyhive/replyhive/internal/store"
)

// Store is the slice of the durable store the pipeline needs.
// *store.Store satisfies it.
type Store interface {
	GetTenant(ctx context.Context, id int64) (*store.Tenant, error)
	GetContactRule(ctx context.Context, tenantID int64, phone string) (string, bool, error)
	UpsertConversation(ctx context.Context, tenantID int64, phone, displayName string, isGroup bool) (int64, error)
	InsertMessage(ctx context.Context, conversationID int64, role, content, mediaURL, externalID string) (bool, error)
	History(ctx context.Context, conversationID int64, limit int) ([]store.Message, error)
	ListKnowledge(ctx context.Context, tenantID int64) ([]store.KnowledgeEntry, error)
}

// Connections is the slice of the session registry the pipeline needs.
type Connections interface {
	Send(ctx context.Context, tenantID int64, recipient, text string) (string, error)
	Download(ctx context.Context, tenantID int64, ref *protocol.MediaRef) ([]byte, error)
	GroupName(ctx context.Context, tenantID int64, chatID string) (string, error)
}

// Audit receives stored-message notifications for the optional export
// stream. May be nil.
type Audit interface {
	Publish(ctx context.Context, key string, payload any) error
}

// Pipeline routes inbound messages into storage and the reply path.
type Pipeline struct {
	store Store
	conns Connections
	blobs blob.Store
	llm   provider.LLMProvider
	audit Audit

	model       string
	maxTokens   int
	temperature float64

	historyLimit int
}

// New wires a pipeline.
func New(st Store, conns Connections, blobs blob.Store, llm provider.LLMProvider, model string, maxTokens int, temperature float64) *Pipeline {
	return &Pipeline{
		store:        st,
		conns:        conns,
		blobs:        blobs,
		llm:          llm,
		model:        model,
		maxTokens:    maxTokens,
		temperature:  temperature,
		historyLimit: 20,
	}
}

// SetAudit attaches the optional export stream.
func (p *Pipeline) SetAudit(a Audit) { p.audit = a }

// Run drains the bus until the context is cancelled, fanning out to one
// worker per tenant. A tenant's messages are handled in receipt order, and a
// slow reply generation stalls only that tenant's queue. Per-message failures
// are logged and never stop the loop.
func (p *Pipeline) Run(ctx context.Context, b *bus.MessageBus) error {
	queues := make(map[int64]chan *bus.InboundMessage)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		in, err := b.ConsumeInbound(ctx)
		if err != nil {
			return err
		}
		q, ok := queues[in.TenantID]
		if !ok {
			q = make(chan *bus.InboundMessage, tenantQueueSize)
			queues[in.TenantID] = q
			wg.Add(1)
			go p.drainTenant(ctx, q, &wg)
		}
		select {
		case q <- in:
		default:
			slog.Warn("tenant queue full, dropping message", "tenant", in.TenantID, "trace", in.TraceID)
		}
	}
}

const tenantQueueSize = 64

func (p *Pipeline) drainTenant(ctx context.Context, q chan *bus.InboundMessage, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-q:
			if err := p.Handle(ctx, in); err != nil {
				slog.Warn("message ingestion failed", "tenant", in.TenantID, "trace", in.TraceID, "error", err)
			}
		}
	}
}

// Handle processes one inbound message end to end.
func (p *Pipeline) Handle(ctx context.Context, in *bus.InboundMessage) error {
	m := in.Message
	if m == nil || m.Broadcast || m.System || m.Content.Kind == protocol.ContentUnsupported {
		return nil
	}

	text, mediaURL := p.resolveContent(ctx, in.TenantID, m)
	if text == "" && mediaURL == "" {
		return nil
	}

	convID, err := p.resolveConversation(ctx, in.TenantID, m)
	if err != nil {
		return err
	}

	role := store.RoleUser
	if m.IsFromMe {
		role = store.RoleOwner
	}
	inserted, err := p.store.InsertMessage(ctx, convID, role, text, mediaURL, m.ID)
	if err != nil {
		return err
	}
	if !inserted {
		// History replay of a message we already have.
		return nil
	}
	p.publishAudit(ctx, in, convID, role, text)

	// Outgoing-from-owner messages are a learning signal only; the
	// reconciler reads them from the store. Never auto-replied.
	if m.IsFromMe {
		return nil
	}
	return p.maybeReply(ctx, in, m, convID, text)
}

// resolveContent extracts text and, for media, downloads and uploads the
// bytes. Media failures degrade to text-only storage.
func (p *Pipeline) resolveContent(ctx context.Context, tenantID int64, m *protocol.Message) (text, mediaURL string) {
	text = strings.TrimSpace(m.Content.Text)
	if m.Content.Media == nil {
		return text, ""
	}
	if text == "" {
		text = fmt.Sprintf("[%s received]", m.Content.Kind)
	}
	data, err := p.conns.Download(ctx, tenantID, m.Content.Media)
	if err != nil {
		slog.Warn("media download failed", "tenant", tenantID, "message", m.ID, "error", err)
		return text, ""
	}
	name := m.Content.Media.FileName
	if name == "" {
		name = m.ID
	}
	url, err := p.blobs.Upload(ctx, tenantID, name, data, m.Content.Media.Mimetype)
	if err != nil {
		slog.Warn("media upload failed", "tenant", tenantID, "message", m.ID, "error", err)
		return text, ""
	}
	return text, url
}

// resolveConversation upserts the conversation record for the chat,
// preserving known display names and resolving group names via metadata.
func (p *Pipeline) resolveConversation(ctx context.Context, tenantID int64, m *protocol.Message) (int64, error) {
	phone := chatKey(m)
	name := ""
	switch {
	case m.IsGroup:
		if n, err := p.conns.GroupName(ctx, tenantID, m.ChatID); err == nil {
			name = n
		}
	case !m.IsFromMe:
		name = m.SenderName
	}
	return p.store.UpsertConversation(ctx, tenantID, phone, name, m.IsGroup)
}

// maybeReply applies agent mode and the contact filter, then makes at most
// one reply attempt. Generation or send failures are logged, never fatal.
func (p *Pipeline) maybeReply(ctx context.Context, in *bus.InboundMessage, m *protocol.Message, convID int64, text string) error {
	tenant, err := p.store.GetTenant(ctx, in.TenantID)
	if err != nil {
		return err
	}
	if tenant.AgentMode != store.ModeActive {
		return nil
	}
	// Group chats are observed, never auto-replied.
	if m.IsGroup {
		return nil
	}
	allowed, err := p.filterAllows(ctx, tenant, m.Sender)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}

	reply, err := p.generateReply(ctx, tenant, convID, text)
	if err != nil {
		slog.Warn("reply generation failed", "tenant", tenant.ID, "trace", in.TraceID, "error", err)
		return nil
	}
	if _, err := p.store.InsertMessage(ctx, convID, store.RoleAssistant, reply, "", ""); err != nil {
		slog.Warn("failed to store assistant reply", "tenant", tenant.ID, "trace", in.TraceID, "error", err)
	}
	if _, err := p.conns.Send(ctx, tenant.ID, m.ChatID, reply); err != nil {
		slog.Warn("reply send failed", "tenant", tenant.ID, "trace", in.TraceID, "error", err)
	}
	return nil
}

// filterAllows evaluates the tenant's contact filter for a sender.
func (p *Pipeline) filterAllows(ctx context.Context, tenant *store.Tenant, sender string) (bool, error) {
	switch tenant.FilterMode {
	case store.FilterWhitelist:
		rule, ok, err := p.store.GetContactRule(ctx, tenant.ID, sender)
		if err != nil {
			return false, err
		}
		return ok && rule == store.RuleAllow, nil
	case store.FilterBlacklist:
		rule, ok, err := p.store.GetContactRule(ctx, tenant.ID, sender)
		if err != nil {
			return false, err
		}
		return !(ok && rule == store.RuleBlock), nil
	default:
		return true, nil
	}
}

func (p *Pipeline) generateReply(ctx context.Context, tenant *store.Tenant, convID int64, incoming string) (string, error) {
	history, err := p.store.History(ctx, convID, p.historyLimit)
	if err != nil {
		return "", err
	}
	knowledge, err := p.store.ListKnowledge(ctx, tenant.ID)
	if err != nil {
		return "", err
	}
	resp, err := p.llm.Chat(ctx, &provider.ChatRequest{
		Messages:    buildReplyPrompt(tenant.Name, knowledge, history, incoming),
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", fmt.Errorf("empty reply from model")
	}
	return reply, nil
}

func (p *Pipeline) publishAudit(ctx context.Context, in *bus.InboundMessage, convID int64, role, text string) {
	if p.audit == nil {
		return
	}
	payload := map[string]any{
		"type":            "message_stored",
		"tenant_id":       in.TenantID,
		"trace_id":        in.TraceID,
		"conversation_id": convID,
		"role":            role,
		"content":         text,
	}
	if err := p.audit.Publish(ctx, fmt.Sprintf("tenant-%d", in.TenantID), payload); err != nil {
		slog.Warn("audit publish failed", "tenant", in.TenantID, "error", err)
	}
}

// chatKey derives the conversation key: the counterpart phone for direct
// chats, the full chat id for groups.
func chatKey(m *protocol.Message) string {
	if m.IsGroup {
		return m.ChatID
	}
	if i := strings.IndexByte(m.ChatID, '@'); i > 0 {
		return m.ChatID[:i]
	}
	return m.ChatID
}
