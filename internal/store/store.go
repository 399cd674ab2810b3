// Package store provides the sqlite-backed durable store shared by the
// session manager: tenant profiles, contact rules, conversation history,
// knowledge entries and persisted auth state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Agent modes.
const (
	ModeLearning = "learning"
	ModeActive   = "active"
)

// Contact filter modes.
const (
	FilterAll       = "all"
	FilterWhitelist = "whitelist"
	FilterBlacklist = "blacklist"
)

// Contact rules.
const (
	RuleAllow = "allow"
	RuleBlock = "block"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleOwner     = "owner"
)

// Knowledge sources.
const (
	SourceManual  = "manual"
	SourceLearned = "learned"
)

// Tenant is one business account profile.
type Tenant struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	AgentMode  string    `json:"agent_mode"`
	FilterMode string    `json:"agent_filter_mode"`
	Connected  bool      `json:"connected"`
	Phone      string    `json:"phone"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Conversation is one chat thread of a tenant.
type Conversation struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Phone       string    `json:"phone"`
	DisplayName string    `json:"display_name"`
	IsGroup     bool      `json:"is_group"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is one stored conversation message.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	MediaURL       string    `json:"media_url,omitempty"`
	ExternalID     string    `json:"external_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// KnowledgeEntry is one question/answer pair in a tenant's knowledge store.
type KnowledgeEntry struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Category  string    `json:"category"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for collaborators that need raw access.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// Tenants
// ---------------------------------------------------------------------------

// CreateTenant inserts a tenant with default modes and returns it.
func (s *Store) CreateTenant(ctx context.Context, name string) (*Tenant, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO tenants (name) VALUES (?)`, name)
	if err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetTenant(ctx, id)
}

// GetTenant returns a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, agent_mode, agent_filter_mode, connected, phone, created_at, updated_at
		FROM tenants WHERE id = ?`, id)
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.AgentMode, &t.FilterMode, &t.Connected, &t.Phone, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("tenant %d not found", id)
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// ListTenants returns all tenants.
func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, agent_mode, agent_filter_mode, connected, phone, created_at, updated_at
		FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.AgentMode, &t.FilterMode, &t.Connected, &t.Phone, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListConnectedTenants returns ids of tenants flagged as connected, used to
// restore sessions at process start.
func (s *Store) ListConnectedTenants(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tenants WHERE connected = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list connected tenants: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetTenantConnection updates the connected flag and paired phone.
func (s *Store) SetTenantConnection(ctx context.Context, id int64, connected bool, phone string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET connected = ?, phone = ?, updated_at = datetime('now') WHERE id = ?`,
		connected, phone, id)
	if err != nil {
		return fmt.Errorf("set tenant connection: %w", err)
	}
	return nil
}

// SetTenantModes updates agent_mode and/or agent_filter_mode. Empty values
// leave the current setting untouched.
func (s *Store) SetTenantModes(ctx context.Context, id int64, agentMode, filterMode string) error {
	if agentMode != "" {
		switch agentMode {
		case ModeLearning, ModeActive:
		default:
			return fmt.Errorf("invalid agent mode: %s", agentMode)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE tenants SET agent_mode = ?, updated_at = datetime('now') WHERE id = ?`, agentMode, id); err != nil {
			return fmt.Errorf("set agent mode: %w", err)
		}
	}
	if filterMode != "" {
		switch filterMode {
		case FilterAll, FilterWhitelist, FilterBlacklist:
		default:
			return fmt.Errorf("invalid filter mode: %s", filterMode)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE tenants SET agent_filter_mode = ?, updated_at = datetime('now') WHERE id = ?`, filterMode, id); err != nil {
			return fmt.Errorf("set filter mode: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Contact rules
// ---------------------------------------------------------------------------

// GetContactRule returns the rule for (tenant, phone), if any.
func (s *Store) GetContactRule(ctx context.Context, tenantID int64, phone string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT rule FROM contact_rules WHERE tenant_id = ? AND phone = ?`, tenantID, phone)
	var rule string
	if err := row.Scan(&rule); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get contact rule: %w", err)
	}
	return rule, true, nil
}

// SetContactRule upserts an allow/block rule.
func (s *Store) SetContactRule(ctx context.Context, tenantID int64, phone, rule string) error {
	switch rule {
	case RuleAllow, RuleBlock:
	default:
		return fmt.Errorf("invalid contact rule: %s", rule)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_rules (tenant_id, phone, rule) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, phone) DO UPDATE SET rule = excluded.rule`,
		tenantID, phone, rule)
	if err != nil {
		return fmt.Errorf("set contact rule: %w", err)
	}
	return nil
}

// DeleteContactRule removes a rule.
func (s *Store) DeleteContactRule(ctx context.Context, tenantID int64, phone string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contact_rules WHERE tenant_id = ? AND phone = ?`, tenantID, phone)
	if err != nil {
		return fmt.Errorf("delete contact rule: %w", err)
	}
	return nil
}

// ListContactRules returns phone→rule for a tenant.
func (s *Store) ListContactRules(ctx context.Context, tenantID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phone, rule FROM contact_rules WHERE tenant_id = ? ORDER BY phone`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list contact rules: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var phone, rule string
		if err := rows.Scan(&phone, &rule); err != nil {
			return nil, err
		}
		out[phone] = rule
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Conversations and messages
// ---------------------------------------------------------------------------

// UpsertConversation creates or touches the conversation keyed by
// (tenant, phone). An empty displayName never overwrites a known name.
func (s *Store) UpsertConversation(ctx context.Context, tenantID int64, phone, displayName string, isGroup bool) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (tenant_id, phone, display_name, is_group) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, phone) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
			updated_at = datetime('now')`,
		tenantID, phone, displayName, isGroup)
	if err != nil {
		return 0, fmt.Errorf("upsert conversation: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE tenant_id = ? AND phone = ?`, tenantID, phone)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve conversation id: %w", err)
	}
	return id, nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, phone, display_name, is_group, updated_at
		FROM conversations WHERE id = ?`, id)
	var c Conversation
	if err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.DisplayName, &c.IsGroup, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// InsertMessage appends a message. When externalID is non-empty the insert is
// idempotent on (conversation, externalID); the bool reports whether a new
// row was created.
func (s *Store) InsertMessage(ctx context.Context, conversationID int64, role, content, mediaURL, externalID string) (bool, error) {
	var ext any
	if externalID != "" {
		ext = externalID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (conversation_id, role, content, media_url, external_id)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID, role, content, mediaURL, ext)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// History returns the most recent messages of a conversation in
// chronological order.
func (s *Store) History(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, media_url, COALESCE(external_id, ''), created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("message history: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.MediaURL, &m.ExternalID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// TranscriptMessage is a message joined with its conversation identity, used
// by the learning reconciler.
type TranscriptMessage struct {
	ConversationID int64
	Phone          string
	DisplayName    string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// MessagesSince returns all tenant messages newer than since, oldest first.
func (s *Store) MessagesSince(ctx context.Context, tenantID int64, since time.Time) ([]TranscriptMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, c.phone, c.display_name, m.role, m.content, m.created_at
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE c.tenant_id = ? AND m.created_at >= ?
		ORDER BY m.id`, tenantID, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()
	var out []TranscriptMessage
	for rows.Next() {
		var m TranscriptMessage
		if err := rows.Scan(&m.ConversationID, &m.Phone, &m.DisplayName, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Knowledge
// ---------------------------------------------------------------------------

// ListKnowledge returns all knowledge entries of a tenant.
func (s *Store) ListKnowledge(ctx context.Context, tenantID int64) ([]KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, category, question, answer, source, updated_at
		FROM knowledge WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()
	var out []KnowledgeEntry
	for rows.Next() {
		var k KnowledgeEntry
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Category, &k.Question, &k.Answer, &k.Source, &k.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// AddKnowledge inserts an entry and returns its id.
func (s *Store) AddKnowledge(ctx context.Context, tenantID int64, category, question, answer, source string) (int64, error) {
	if strings.TrimSpace(question) == "" || strings.TrimSpace(answer) == "" {
		return 0, fmt.Errorf("question and answer are required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge (tenant_id, category, question, answer, source) VALUES (?, ?, ?, ?, ?)`,
		tenantID, category, question, answer, source)
	if err != nil {
		return 0, fmt.Errorf("add knowledge: %w", err)
	}
	return res.LastInsertId()
}

// UpdateKnowledge replaces non-empty fields of an entry.
func (s *Store) UpdateKnowledge(ctx context.Context, tenantID, id int64, category, question, answer string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE knowledge SET
			category = CASE WHEN ? != '' THEN ? ELSE category END,
			question = CASE WHEN ? != '' THEN ? ELSE question END,
			answer   = CASE WHEN ? != '' THEN ? ELSE answer END,
			updated_at = datetime('now')
		WHERE tenant_id = ? AND id = ?`,
		category, category, question, question, answer, answer, tenantID, id)
	if err != nil {
		return fmt.Errorf("update knowledge: %w", err)
	}
	return nil
}

// DeleteKnowledge removes an entry.
func (s *Store) DeleteKnowledge(ctx context.Context, tenantID, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete knowledge: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Auth state
// ---------------------------------------------------------------------------

// LoadAuthState returns all persisted slot records of a tenant.
func (s *Store) LoadAuthState(ctx context.Context, tenantID int64) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slot_key, value FROM auth_state WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load auth state: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// FlushAuthState applies a batch of upserts and deletions in one transaction.
func (s *Store) FlushAuthState(ctx context.Context, tenantID int64, upserts map[string][]byte, deletes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin auth flush: %w", err)
	}
	defer tx.Rollback()
	for key, value := range upserts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auth_state (tenant_id, slot_key, value, updated_at) VALUES (?, ?, ?, datetime('now'))
			ON CONFLICT(tenant_id, slot_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			tenantID, key, value); err != nil {
			return fmt.Errorf("upsert auth slot %s: %w", key, err)
		}
	}
	for _, key := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM auth_state WHERE tenant_id = ? AND slot_key = ?`, tenantID, key); err != nil {
			return fmt.Errorf("delete auth slot %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit auth flush: %w", err)
	}
	return nil
}

// ClearAuthState deletes every slot record of a tenant.
func (s *Store) ClearAuthState(ctx context.Context, tenantID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_state WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("clear auth state: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns a settings value, empty when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	return err
}
