package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Persisted task statuses.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
)

// Conversation is a session of turns.
type Conversation struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Meta      map[string]any `json:"meta"`
}

// NewConversation returns a conversation with a fresh ID and timestamp.
func NewConversation() *Conversation {
	return &Conversation{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Meta:      map[string]any{},
	}
}

// Turn is a single user or assistant message within a conversation.
// TurnID carries the pipeline turn identifier for traceability.
type Turn struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	TurnID         string         `json:"turn_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	Meta           map[string]any `json:"meta"`
}

// NewTurn returns a turn with a fresh ID and timestamp.
func NewTurn(conversationID, turnID, role, content string) *Turn {
	return &Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		TurnID:         turnID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		Meta:           map[string]any{},
	}
}

// Memory is a key-value memory entry with an optional embedding.
type Memory struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Embedding []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskRecord is the persisted form of a scheduled task. A zero
// ScheduledTime means the task has no wall-clock slot.
type TaskRecord struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Action        string    `json:"action"`
	Status        string    `json:"status"`
	ScheduledTime time.Time `json:"scheduled_time"`
	CreatedAt     time.Time `json:"created_at"`
}

// --- conversations ---

// SaveConversation inserts or replaces a conversation.
func (s *Store) SaveConversation(ctx context.Context, c *Conversation) error {
	meta, err := marshalMeta(c.Meta)
	if err != nil {
		return fmt.Errorf("marshal conversation meta: %w", err)
	}
	if _, err := s.q(ctx).ExecContext(ctx, `
		INSERT OR REPLACE INTO conversations (id, created_at, meta)
		VALUES (?, ?, ?)`,
		c.ID, formatTime(c.CreatedAt), meta); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		"SELECT id, created_at, meta FROM conversations WHERE id = ?", id)
	c, err := scanConversation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// GetOrCreateConversation returns the existing conversation, or creates
// one (with the given ID when non-empty).
func (s *Store) GetOrCreateConversation(ctx context.Context, id string) (*Conversation, error) {
	if id != "" {
		c, err := s.GetConversation(ctx, id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	c := NewConversation()
	if id != "" {
		c.ID = id
	}
	if err := s.SaveConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns the most recent conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		"SELECT id, created_at, meta FROM conversations ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation; its turns go with it via
// the foreign key cascade. Reports whether a row was deleted.
func (s *Store) DeleteConversation(ctx context.Context, id string) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountConversations returns the total conversation count.
func (s *Store) CountConversations(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM conversations")
}

// --- turns ---

// SaveTurn inserts or replaces a turn.
func (s *Store) SaveTurn(ctx context.Context, t *Turn) error {
	meta, err := marshalMeta(t.Meta)
	if err != nil {
		return fmt.Errorf("marshal turn meta: %w", err)
	}
	if _, err := s.q(ctx).ExecContext(ctx, `
		INSERT OR REPLACE INTO turns (id, conversation_id, turn_id, role, content, timestamp, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConversationID, t.TurnID, t.Role, t.Content,
		formatTime(t.Timestamp), meta); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// GetTurns returns turns for a conversation in chronological order.
func (s *Store) GetTurns(ctx context.Context, conversationID string, limit, offset int) ([]*Turn, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, conversation_id, turn_id, role, content, timestamp, meta
		FROM turns
		WHERE conversation_id = ?
		ORDER BY timestamp ASC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

// GetRecentTurns returns the last count turns in chronological order,
// sized for a context window.
func (s *Store) GetRecentTurns(ctx context.Context, conversationID string, count int) ([]*Turn, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, conversation_id, turn_id, role, content, timestamp, meta FROM (
			SELECT * FROM turns
			WHERE conversation_id = ?
			ORDER BY timestamp DESC
			LIMIT ?
		) ORDER BY timestamp ASC`, conversationID, count)
	if err != nil {
		return nil, fmt.Errorf("get recent turns: %w", err)
	}
	defer rows.Close()
	return collectTurns(rows)
}

// CountTurns returns the total turn count across all conversations.
func (s *Store) CountTurns(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM turns")
}

// CountConversationTurns returns the turn count for one conversation.
func (s *Store) CountConversationTurns(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx,
		"SELECT COUNT(*) FROM turns WHERE conversation_id = ?", conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversation turns: %w", err)
	}
	return n, nil
}

// DeleteAllTurns removes every turn. Used by the memory governor.
func (s *Store) DeleteAllTurns(ctx context.Context) (int, error) {
	return s.deleteAll(ctx, "DELETE FROM turns")
}

// DeleteAllConversations removes every conversation.
func (s *Store) DeleteAllConversations(ctx context.Context) (int, error) {
	return s.deleteAll(ctx, "DELETE FROM conversations")
}

// --- memories ---

// SetMemory upserts a memory by key, preserving the original creation
// time on update.
func (s *Store) SetMemory(ctx context.Context, key string, value any) (*Memory, error) {
	m, err := s.GetMemory(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		m = &Memory{ID: uuid.NewString(), Key: key, CreatedAt: time.Now().UTC()}
	case err != nil:
		return nil, err
	}
	m.Value = value
	m.UpdatedAt = time.Now().UTC()

	var valueJSON any
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal memory value: %w", err)
		}
		valueJSON = string(b)
	}
	if _, err := s.q(ctx).ExecContext(ctx, `
		INSERT OR REPLACE INTO memories (id, key, value, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Key, valueJSON, m.Embedding,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt)); err != nil {
		return nil, fmt.Errorf("save memory: %w", err)
	}
	return m, nil
}

// GetMemory returns the memory for key or ErrNotFound.
func (s *Store) GetMemory(ctx context.Context, key string) (*Memory, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, key, value, embedding, created_at, updated_at
		FROM memories WHERE key = ?`, key)
	m, err := scanMemory(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// DeleteMemory removes a memory by key, reporting whether it existed.
func (s *Store) DeleteMemory(ctx context.Context, key string) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, "DELETE FROM memories WHERE key = ?", key)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMemories returns all memories ordered by key.
func (s *Store) ListMemories(ctx context.Context) ([]*Memory, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, key, value, embedding, created_at, updated_at
		FROM memories ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list memories: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMemories returns the total memory count.
func (s *Store) CountMemories(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM memories")
}

// DeleteAllMemories removes every memory.
func (s *Store) DeleteAllMemories(ctx context.Context) (int, error) {
	return s.deleteAll(ctx, "DELETE FROM memories")
}

// --- tasks ---

// SaveTask inserts or replaces a task record.
func (s *Store) SaveTask(ctx context.Context, t *TaskRecord) error {
	var scheduled any
	if !t.ScheduledTime.IsZero() {
		scheduled = formatTime(t.ScheduledTime)
	}
	if _, err := s.q(ctx).ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks (id, name, action, status, scheduled_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Action, t.Status, scheduled, formatTime(t.CreatedAt)); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// PendingTasks returns pending tasks ordered by scheduled time.
func (s *Store) PendingTasks(ctx context.Context) ([]*TaskRecord, error) {
	return s.queryTasks(ctx,
		"SELECT id, name, action, status, scheduled_time, created_at FROM tasks WHERE status = 'pending' ORDER BY scheduled_time ASC")
}

// ListTasks returns all task records in creation order.
func (s *Store) ListTasks(ctx context.Context) ([]*TaskRecord, error) {
	return s.queryTasks(ctx,
		"SELECT id, name, action, status, scheduled_time, created_at FROM tasks ORDER BY created_at ASC")
}

// UpdateTaskStatus sets a task's status, reporting whether it existed.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, "UPDATE tasks SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteTask removes a task record.
func (s *Store) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- scan helpers ---

func scanConversation(scan func(...any) error) (*Conversation, error) {
	var c Conversation
	var createdAt string
	var meta sql.NullString
	if err := scan(&c.ID, &createdAt, &meta); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = t
	c.Meta, err = unmarshalMeta(meta)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectTurns(rows *sql.Rows) ([]*Turn, error) {
	var out []*Turn
	for rows.Next() {
		var t Turn
		var turnID sql.NullString
		var timestamp string
		var meta sql.NullString
		if err := rows.Scan(&t.ID, &t.ConversationID, &turnID, &t.Role, &t.Content, &timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.TurnID = turnID.String
		ts, err := parseTime(timestamp)
		if err != nil {
			return nil, err
		}
		t.Timestamp = ts
		t.Meta, err = unmarshalMeta(meta)
		if err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func scanMemory(scan func(...any) error) (*Memory, error) {
	var m Memory
	var value sql.NullString
	var createdAt, updatedAt string
	if err := scan(&m.ID, &m.Key, &value, &m.Embedding, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if value.Valid && value.String != "" {
		if err := json.Unmarshal([]byte(value.String), &m.Value); err != nil {
			return nil, fmt.Errorf("unmarshal memory value: %w", err)
		}
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) queryTasks(ctx context.Context, query string) ([]*TaskRecord, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		var t TaskRecord
		var scheduled sql.NullString
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &t.Action, &t.Status, &scheduled, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if scheduled.Valid && scheduled.String != "" {
			ts, err := parseTime(scheduled.String)
			if err != nil {
				return nil, err
			}
			t.ScheduledTime = ts
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := s.q(ctx).QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *Store) deleteAll(ctx context.Context, query string) (int, error) {
	res, err := s.q(ctx).ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func marshalMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMeta(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
