package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// --- conversations ---

func TestStore_ConversationRoundTrip(t *testing.T) {
	// Fields and meta survive save/get; missing rows return ErrNotFound
	s, _ := openTestStore(t)
	ctx := context.Background()

	c := NewConversation()
	c.Meta = map[string]any{"source": "voice"}
	if err := s.SaveConversation(ctx, c); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("ID = %q, want %q", got.ID, c.ID)
	}
	if got.Meta["source"] != "voice" {
		t.Errorf("Meta[source] = %v, want voice", got.Meta["source"])
	}
	if !got.CreatedAt.Equal(c.CreatedAt.Truncate(time.Microsecond)) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, c.CreatedAt)
	}

	if _, err := s.GetConversation(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing conversation err = %v, want ErrNotFound", err)
	}
}

func TestStore_ListConversations_NewestFirst(t *testing.T) {
	// List is ordered by created_at descending and honors the limit
	s, _ := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		c := &Conversation{ID: fmt.Sprintf("c%d", i), CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.SaveConversation(ctx, c); err != nil {
			t.Fatalf("SaveConversation: %v", err)
		}
	}

	got, err := s.ListConversations(ctx, 2)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "c2" || got[1].ID != "c1" {
		t.Errorf("order = [%s %s], want [c2 c1]", got[0].ID, got[1].ID)
	}
}

func TestStore_GetOrCreateConversation(t *testing.T) {
	// Creates with the requested ID, then returns the same row on repeat
	s, _ := openTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateConversation(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if first.ID != "session-1" {
		t.Errorf("ID = %q, want session-1", first.ID)
	}

	second, err := s.GetOrCreateConversation(ctx, "session-1")
	if err != nil {
		t.Fatalf("repeat GetOrCreateConversation: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt.Truncate(time.Microsecond)) {
		t.Errorf("repeat created a new row: %v vs %v", second.CreatedAt, first.CreatedAt)
	}

	anon, err := s.GetOrCreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("anonymous GetOrCreateConversation: %v", err)
	}
	if anon.ID == "" {
		t.Error("anonymous conversation has empty ID")
	}
}

// --- turns ---

func TestStore_Turns_OrderAndRecentWindow(t *testing.T) {
	// GetTurns is chronological; GetRecentTurns keeps the newest, reordered oldest-first
	s, _ := openTestStore(t)
	ctx := context.Background()

	conv := NewConversation()
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		turn := NewTurn(conv.ID, "turn_000000000000", RoleUser, fmt.Sprintf("m%d", i))
		turn.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := s.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}

	all, err := s.GetTurns(ctx, conv.ID, 10, 0)
	if err != nil {
		t.Fatalf("GetTurns: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	for i, turn := range all {
		if want := fmt.Sprintf("m%d", i); turn.Content != want {
			t.Errorf("all[%d] = %q, want %q", i, turn.Content, want)
		}
	}

	recent, err := s.GetRecentTurns(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("GetRecentTurns: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent len = %d, want 2", len(recent))
	}
	if recent[0].Content != "m3" || recent[1].Content != "m4" {
		t.Errorf("recent = [%s %s], want [m3 m4]", recent[0].Content, recent[1].Content)
	}
}

func TestStore_SaveTurn_RejectsUnknownRole(t *testing.T) {
	// The role CHECK constraint only admits user and assistant
	s, _ := openTestStore(t)
	ctx := context.Background()

	conv := NewConversation()
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	turn := NewTurn(conv.ID, "turn_000000000000", "narrator", "off-script")
	if err := s.SaveTurn(ctx, turn); err == nil {
		t.Error("expected CHECK constraint failure for role narrator")
	}
}

func TestStore_DeleteConversation_CascadesTurns(t *testing.T) {
	// Deleting a conversation removes its turns via the foreign key
	s, _ := openTestStore(t)
	ctx := context.Background()

	conv := NewConversation()
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.SaveTurn(ctx, NewTurn(conv.ID, "turn_000000000000", RoleAssistant, "x")); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}

	deleted, err := s.DeleteConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if !deleted {
		t.Error("DeleteConversation = false, want true")
	}
	if n, _ := s.CountConversationTurns(ctx, conv.ID); n != 0 {
		t.Errorf("turns after cascade = %d, want 0", n)
	}
}

// --- memories ---

func TestStore_SetMemory_UpsertPreservesCreation(t *testing.T) {
	// Updating a key keeps its ID and created_at, bumps updated_at and value
	s, _ := openTestStore(t)
	ctx := context.Background()

	first, err := s.SetMemory(ctx, "favorite_color", "blue")
	if err != nil {
		t.Fatalf("SetMemory: %v", err)
	}
	second, err := s.SetMemory(ctx, "favorite_color", "green")
	if err != nil {
		t.Fatalf("SetMemory update: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("ID changed on upsert: %q vs %q", second.ID, first.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt.Truncate(time.Microsecond)) {
		t.Errorf("CreatedAt changed on upsert: %v vs %v", second.CreatedAt, first.CreatedAt)
	}

	got, err := s.GetMemory(ctx, "favorite_color")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.Value != "green" {
		t.Errorf("Value = %v, want green", got.Value)
	}
}

func TestStore_Memory_DeleteAndList(t *testing.T) {
	// Delete reports existence; list is key-ordered
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"zebra", "alpha", "mid"} {
		if _, err := s.SetMemory(ctx, key, 1); err != nil {
			t.Fatalf("SetMemory(%s): %v", key, err)
		}
	}

	all, err := s.ListMemories(ctx)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(all) != 3 || all[0].Key != "alpha" || all[2].Key != "zebra" {
		t.Errorf("list order wrong: %v", keysOf(all))
	}

	deleted, err := s.DeleteMemory(ctx, "mid")
	if err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if !deleted {
		t.Error("DeleteMemory(mid) = false, want true")
	}
	deleted, err = s.DeleteMemory(ctx, "mid")
	if err != nil {
		t.Fatalf("repeat DeleteMemory: %v", err)
	}
	if deleted {
		t.Error("repeat DeleteMemory = true, want false")
	}
	if n, _ := s.CountMemories(ctx); n != 2 {
		t.Errorf("CountMemories = %d, want 2", n)
	}
}

// --- tasks ---

func TestStore_TaskLifecycle(t *testing.T) {
	// Pending tasks surface until their status changes; CHECK guards status
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := &TaskRecord{
		ID:            "task-1",
		Name:          "morning briefing",
		Action:        "summarize inbox",
		Status:        TaskPending,
		ScheduledTime: time.Date(2026, 8, 25, 7, 30, 0, 0, time.UTC),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.SaveTask(ctx, rec); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	pending, err := s.PendingTasks(ctx)
	if err != nil {
		t.Fatalf("PendingTasks: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "task-1" {
		t.Fatalf("pending = %v, want [task-1]", pending)
	}
	if !pending[0].ScheduledTime.Equal(rec.ScheduledTime) {
		t.Errorf("ScheduledTime = %v, want %v", pending[0].ScheduledTime, rec.ScheduledTime)
	}

	ok, err := s.UpdateTaskStatus(ctx, "task-1", TaskCompleted)
	if err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	if !ok {
		t.Error("UpdateTaskStatus = false, want true")
	}
	pending, err = s.PendingTasks(ctx)
	if err != nil {
		t.Fatalf("PendingTasks after completion: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after completion = %d, want 0", len(pending))
	}

	bad := &TaskRecord{ID: "task-2", Name: "n", Action: "a", Status: "paused", CreatedAt: time.Now()}
	if err := s.SaveTask(ctx, bad); err == nil {
		t.Error("expected CHECK constraint failure for status paused")
	}

	if ok, _ := s.UpdateTaskStatus(ctx, "ghost", TaskCancelled); ok {
		t.Error("UpdateTaskStatus(ghost) = true, want false")
	}
}

func TestStore_SaveTask_NullScheduledTime(t *testing.T) {
	// A zero ScheduledTime persists as NULL and reads back as zero
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := &TaskRecord{ID: "t", Name: "n", Action: "a", Status: TaskPending, CreatedAt: time.Now().UTC()}
	if err := s.SaveTask(ctx, rec); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	got, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if !got[0].ScheduledTime.IsZero() {
		t.Errorf("ScheduledTime = %v, want zero", got[0].ScheduledTime)
	}
}

// --- purge helpers ---

func TestStore_DeleteAll_ReportsCounts(t *testing.T) {
	// The governor's purge path reports how many rows each table lost
	s, _ := openTestStore(t)
	ctx := context.Background()

	conv := NewConversation()
	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := s.SaveTurn(ctx, NewTurn(conv.ID, "turn_000000000000", RoleUser, "x")); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}
	if _, err := s.SetMemory(ctx, "k", "v"); err != nil {
		t.Fatalf("SetMemory: %v", err)
	}

	err := s.Transact(ctx, func(ctx context.Context) error {
		if n, err := s.DeleteAllTurns(ctx); err != nil || n != 4 {
			return fmt.Errorf("DeleteAllTurns = (%d, %v), want (4, nil)", n, err)
		}
		if n, err := s.DeleteAllConversations(ctx); err != nil || n != 1 {
			return fmt.Errorf("DeleteAllConversations = (%d, %v), want (1, nil)", n, err)
		}
		if n, err := s.DeleteAllMemories(ctx); err != nil || n != 1 {
			return fmt.Errorf("DeleteAllMemories = (%d, %v), want (1, nil)", n, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountTurns(ctx); n != 0 {
		t.Errorf("CountTurns = %d, want 0", n)
	}
}

func keysOf(ms []*Memory) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Key
	}
	return out
}
