package learning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/replyhive/replyhive/internal/provider"
	"github.com/replyhive/replyhive/internal/store"
)

// Store is the slice of persistence the reconciler needs.
type Store interface {
	MessagesSince(ctx context.Context, tenantID int64, since time.Time) ([]store.TranscriptMessage, error)
	ListKnowledge(ctx context.Context, tenantID int64) ([]store.KnowledgeEntry, error)
	AddKnowledge(ctx context.Context, tenantID int64, category, question, answer, source string) (int64, error)
	UpdateKnowledge(ctx context.Context, tenantID, id int64, category, question, answer string) error
	DeleteKnowledge(ctx context.Context, tenantID, id int64) error
}

// Result summarizes one reconciliation pass.
type Result struct {
	Conversations int
	Added         int
	Updated       int
	Deleted       int
	Skipped       int
}

// Reconciler extracts durable Q&A knowledge from recent transcripts and
// folds it into the tenant's knowledge store.
type Reconciler struct {
	store  Store
	llm    provider.LLMProvider
	model  string
	window time.Duration
	logger *slog.Logger
}

func New(st Store, llm provider.LLMProvider, model string, window time.Duration) *Reconciler {
	if model == "" && llm != nil {
		model = llm.DefaultModel()
	}
	return &Reconciler{
		store:  st,
		llm:    llm,
		model:  model,
		window: window,
		logger: slog.Default().With("component", "learning"),
	}
}

// Reconcile runs one learning pass for a tenant. Conversations inside the
// window that never drew an owner or assistant reply are discarded: a
// question nobody answered teaches nothing.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID int64) (Result, error) {
	var res Result
	since := time.Now().Add(-r.window)
	msgs, err := r.store.MessagesSince(ctx, tenantID, since)
	if err != nil {
		return res, fmt.Errorf("load transcript: %w", err)
	}

	convs := groupAnswered(msgs)
	res.Conversations = len(convs)
	if len(convs) == 0 {
		return res, nil
	}

	knowledge, err := r.store.ListKnowledge(ctx, tenantID)
	if err != nil {
		return res, fmt.Errorf("load knowledge: %w", err)
	}

	resp, err := r.llm.Chat(ctx, &provider.ChatRequest{
		Messages:    buildReconcilePrompt(knowledge, convs),
		Model:       r.model,
		MaxTokens:   2048,
		Temperature: 0.2,
	})
	if err != nil {
		return res, fmt.Errorf("learning chat: %w", err)
	}

	actions, err := ParseActions(resp.Content)
	if err != nil {
		r.logger.Warn("unparseable learning response", "tenant", tenantID, "error", err)
		return res, nil
	}

	for _, a := range actions {
		if err := a.Validate(); err != nil {
			r.logger.Warn("skipping learning action", "tenant", tenantID, "error", err)
			res.Skipped++
			continue
		}
		if err := r.apply(ctx, tenantID, a, &res); err != nil {
			r.logger.Warn("learning action failed", "tenant", tenantID, "action", a.Kind, "error", err)
			res.Skipped++
		}
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, tenantID int64, a Action, res *Result) error {
	switch a.Kind {
	case ActionAdd:
		if _, err := r.store.AddKnowledge(ctx, tenantID, a.Category, a.Question, a.Answer, store.SourceLearned); err != nil {
			return err
		}
		res.Added++
	case ActionUpdate:
		if err := r.store.UpdateKnowledge(ctx, tenantID, int64(a.ID), a.Category, a.Question, a.Answer); err != nil {
			return err
		}
		res.Updated++
	case ActionDelete:
		if err := r.store.DeleteKnowledge(ctx, tenantID, int64(a.ID)); err != nil {
			return err
		}
		res.Deleted++
	}
	return nil
}

// conversation is a window of transcript messages sharing a conversation id,
// in chronological order.
type conversation struct {
	id       int64
	phone    string
	messages []store.TranscriptMessage
}

// groupAnswered buckets transcript messages by conversation and keeps only
// conversations where the owner or the assistant replied at least once.
func groupAnswered(msgs []store.TranscriptMessage) []conversation {
	index := make(map[int64]int)
	var convs []conversation
	for _, m := range msgs {
		i, ok := index[m.ConversationID]
		if !ok {
			i = len(convs)
			index[m.ConversationID] = i
			convs = append(convs, conversation{id: m.ConversationID, phone: m.Phone})
		}
		convs[i].messages = append(convs[i].messages, m)
	}
	var answered []conversation
	for _, c := range convs {
		for _, m := range c.messages {
			if m.Role == store.RoleOwner || m.Role == store.RoleAssistant {
				answered = append(answered, c)
				break
			}
		}
	}
	return answered
}

func buildReconcilePrompt(knowledge []store.KnowledgeEntry, convs []conversation) []provider.Message {
	var sb strings.Builder
	sb.WriteString("You maintain a question-and-answer knowledge base for a business that answers customers over chat.\n")
	sb.WriteString("Given the current knowledge base and recent conversations, emit a JSON array of actions that keep the knowledge base accurate.\n\n")
	sb.WriteString("Each action is an object with an \"action\" field:\n")
	sb.WriteString(`  {"action":"add","category":"...","question":"...","answer":"..."}` + "\n")
	sb.WriteString(`  {"action":"update","id":N,"question":"...","answer":"..."}` + "\n")
	sb.WriteString(`  {"action":"delete","id":N}` + "\n\n")
	sb.WriteString("Only record durable facts the owner or assistant actually stated. Prefer updating an existing entry over adding a near-duplicate. If nothing new was learned, return [].\n")

	var kb strings.Builder
	if len(knowledge) == 0 {
		kb.WriteString("Current knowledge base: empty.\n")
	} else {
		kb.WriteString("Current knowledge base:\n")
		for _, k := range knowledge {
			fmt.Fprintf(&kb, "[%d] (%s) Q: %s\nA: %s\n", k.ID, k.Category, k.Question, k.Answer)
		}
	}
	kb.WriteString("\nRecent conversations:\n")
	for _, c := range convs {
		fmt.Fprintf(&kb, "--- conversation with %s ---\n", c.phone)
		for _, m := range c.messages {
			who := m.Role
			if m.DisplayName != "" && m.Role == store.RoleUser {
				who = m.DisplayName
			}
			fmt.Fprintf(&kb, "%s: %s\n", who, m.Content)
		}
	}

	return []provider.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: kb.String()},
	}
}
