package learning

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/replyhive/replyhive/internal/provider"
	"github.com/replyhive/replyhive/internal/store"
)

type fakeLearningStore struct {
	mu        sync.Mutex
	messages  []store.TranscriptMessage
	knowledge []store.KnowledgeEntry
	nextID    int64
	deleted   []int64
}

func (f *fakeLearningStore) MessagesSince(ctx context.Context, tenantID int64, since time.Time) ([]store.TranscriptMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

func (f *fakeLearningStore) ListKnowledge(ctx context.Context, tenantID int64) ([]store.KnowledgeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.knowledge, nil
}

func (f *fakeLearningStore) AddKnowledge(ctx context.Context, tenantID int64, category, question, answer, source string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.knowledge = append(f.knowledge, store.KnowledgeEntry{ID: f.nextID, Category: category, Question: question, Answer: answer, Source: source})
	return f.nextID, nil
}

func (f *fakeLearningStore) UpdateKnowledge(ctx context.Context, tenantID, id int64, category, question, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.knowledge {
		if f.knowledge[i].ID == id {
			if answer != "" {
				f.knowledge[i].Answer = answer
			}
			if question != "" {
				f.knowledge[i].Question = question
			}
			if category != "" {
				f.knowledge[i].Category = category
			}
		}
	}
	return nil
}

func (f *fakeLearningStore) DeleteKnowledge(ctx context.Context, tenantID, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type scriptedLLM struct {
	response string
	calls    int
	lastReq  *provider.ChatRequest
}

func (s *scriptedLLM) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.calls++
	s.lastReq = req
	return &provider.ChatResponse{Content: s.response}, nil
}

func (s *scriptedLLM) DefaultModel() string { return "test-model" }

func transcript(convID int64, role, content string) store.TranscriptMessage {
	return store.TranscriptMessage{ConversationID: convID, Phone: "4915550002", Role: role, Content: content}
}

func TestReconcileAppliesActions(t *testing.T) {
	st := &fakeLearningStore{
		nextID:    1,
		knowledge: []store.KnowledgeEntry{{ID: 1, Category: "hours", Question: "When are you open?", Answer: "9-16"}},
		messages: []store.TranscriptMessage{
			transcript(10, store.RoleUser, "are you open until 17 now?"),
			transcript(10, store.RoleOwner, "yes, we extended to 17:00"),
		},
	}
	llm := &scriptedLLM{response: `[
		{"action":"update","id":1,"answer":"9-17 weekdays"},
		{"action":"add","category":"parking","question":"Is there parking?","answer":"Yes, behind the shop"}
	]`}
	rec := New(st, llm, "test-model", 24*time.Hour)

	res, err := rec.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Updated != 1 || res.Added != 1 || res.Skipped != 0 {
		t.Fatalf("result = %+v", res)
	}
	if st.knowledge[0].Answer != "9-17 weekdays" {
		t.Fatalf("update not applied: %+v", st.knowledge[0])
	}
	added := st.knowledge[1]
	if added.Source != store.SourceLearned || added.Category != "parking" {
		t.Fatalf("added entry = %+v", added)
	}
}

func TestReconcileSkipsUnansweredConversations(t *testing.T) {
	st := &fakeLearningStore{
		messages: []store.TranscriptMessage{
			transcript(10, store.RoleUser, "anyone there?"),
			transcript(10, store.RoleUser, "hello??"),
		},
	}
	llm := &scriptedLLM{response: "[]"}
	rec := New(st, llm, "test-model", 24*time.Hour)

	res, err := rec.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Conversations != 0 {
		t.Fatalf("conversations = %d, want 0", res.Conversations)
	}
	if llm.calls != 0 {
		t.Fatal("model called with nothing to learn from")
	}
}

func TestReconcileMalformedActionsSkipped(t *testing.T) {
	st := &fakeLearningStore{
		messages: []store.TranscriptMessage{
			transcript(10, store.RoleUser, "do you deliver?"),
			transcript(10, store.RoleAssistant, "yes, within the city"),
		},
	}
	llm := &scriptedLLM{response: `[
		{"action":"add","question":"Do you deliver?","answer":"Yes, within the city"},
		{"action":"update","answer":"missing id"},
		{"action":"teleport","id":3}
	]`}
	rec := New(st, llm, "test-model", 24*time.Hour)

	res, err := rec.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Added != 1 || res.Skipped != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestReconcileUnparseableResponseLearnsNothing(t *testing.T) {
	st := &fakeLearningStore{
		messages: []store.TranscriptMessage{
			transcript(10, store.RoleUser, "hi"),
			transcript(10, store.RoleOwner, "hello"),
		},
	}
	llm := &scriptedLLM{response: "I could not find anything to learn."}
	rec := New(st, llm, "test-model", 24*time.Hour)

	res, err := rec.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Added+res.Updated+res.Deleted != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestReconcilePromptContainsTranscriptAndKnowledge(t *testing.T) {
	st := &fakeLearningStore{
		knowledge: []store.KnowledgeEntry{{ID: 3, Category: "hours", Question: "Open Sundays?", Answer: "No"}},
		messages: []store.TranscriptMessage{
			transcript(10, store.RoleUser, "open this sunday?"),
			transcript(10, store.RoleOwner, "exceptionally yes, 10-14"),
		},
	}
	llm := &scriptedLLM{response: "[]"}
	rec := New(st, llm, "test-model", 24*time.Hour)

	if _, err := rec.Reconcile(context.Background(), 1); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if llm.lastReq == nil || len(llm.lastReq.Messages) != 2 {
		t.Fatalf("request = %+v", llm.lastReq)
	}
	user := llm.lastReq.Messages[1].Content
	if !strings.Contains(user, "Open Sundays?") || !strings.Contains(user, "exceptionally yes, 10-14") {
		t.Fatalf("prompt missing context:\n%s", user)
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)
	if !sem.TryAcquire() || !sem.TryAcquire() {
		t.Fatal("could not fill semaphore")
	}
	if sem.TryAcquire() {
		t.Fatal("acquired beyond capacity")
	}
	sem.Release()
	if sem.Available() != 1 {
		t.Fatalf("available = %d", sem.Available())
	}
	if !sem.TryAcquire() {
		t.Fatal("could not reacquire after release")
	}
}
