package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	l, err := New(db, []byte("test-key"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func mustLog(t *testing.T, l *Log, event EventType, turnID string) string {
	t.Helper()
	hash, err := l.Log(event, ActorSystem, "test action", turnID, "", nil)
	if err != nil {
		t.Fatalf("Log(%s): %v", event, err)
	}
	return hash
}

// --- chain construction ---

func TestLog_ChainLinksFromGenesis(t *testing.T) {
	// First entry links to 64 zeros; each later entry links to its predecessor
	l := openTestLog(t)

	h1 := mustLog(t, l, TurnStart, "turn_aaaaaaaaaaaa")
	h2 := mustLog(t, l, TurnEnd, "turn_aaaaaaaaaaaa")

	entries, err := l.Entries(1, 0, 10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].PrevHash != GenesisHash {
		t.Errorf("first prev_hash = %q, want genesis", entries[0].PrevHash)
	}
	if entries[0].EntryHash != h1 {
		t.Errorf("first entry_hash = %q, want %q", entries[0].EntryHash, h1)
	}
	if entries[1].PrevHash != h1 {
		t.Errorf("second prev_hash = %q, want %q", entries[1].PrevHash, h1)
	}
	if entries[1].EntryHash != h2 {
		t.Errorf("second entry_hash = %q, want %q", entries[1].EntryHash, h2)
	}
	if len(GenesisHash) != 64 {
		t.Errorf("genesis length = %d, want 64", len(GenesisHash))
	}
}

func TestLog_TargetAndDetailsRoundTrip(t *testing.T) {
	// Optional fields survive storage and still verify afterwards
	l := openTestLog(t)

	details := map[string]any{"zeta": float64(1), "alpha": "x", "nested": map[string]any{"k": true}}
	if _, err := l.Log(ToolExecute, ActorExecutor, "success", "turn_bbbbbbbbbbbb", "web_search", details); err != nil {
		t.Fatalf("Log: %v", err)
	}
	mustLog(t, l, TurnEnd, "turn_bbbbbbbbbbbb")

	entries, err := l.Entries(1, 0, 10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	got := entries[0]
	if got.Target != "web_search" {
		t.Errorf("Target = %q, want web_search", got.Target)
	}
	if got.Details["alpha"] != "x" || got.Details["zeta"] != float64(1) {
		t.Errorf("Details = %v", got.Details)
	}
	if entries[1].Details != nil || entries[1].Target != "" {
		t.Errorf("optional fields should be absent, got target=%q details=%v",
			entries[1].Target, entries[1].Details)
	}

	res, err := l.VerifyChain(1, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid {
		t.Errorf("chain invalid after round trip: %+v", res)
	}
}

// --- verification ---

func TestLog_VerifyChain_Empty(t *testing.T) {
	// An empty chain verifies trivially
	l := openTestLog(t)
	res, err := l.VerifyChain(1, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid || res.EntriesChecked != 0 {
		t.Errorf("result = %+v, want valid with 0 checked", res)
	}
}

func TestLog_VerifyChain_Valid(t *testing.T) {
	// An untouched chain of five entries verifies end to end
	l := openTestLog(t)
	for i := 0; i < 5; i++ {
		mustLog(t, l, ToolExecute, "turn_cccccccccccc")
	}
	res, err := l.VerifyChain(1, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid || res.EntriesChecked != 5 {
		t.Errorf("result = %+v, want valid with 5 checked", res)
	}
}

func TestLog_VerifyChain_DetectsContentTamper(t *testing.T) {
	// Rewriting a stored action breaks that entry's recomputed hash
	l := openTestLog(t)
	for i := 0; i < 3; i++ {
		mustLog(t, l, ToolExecute, "turn_dddddddddddd")
	}
	if _, err := l.db.Exec("UPDATE audit_log SET action = 'forged' WHERE id = 2"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	res, err := l.VerifyChain(1, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if res.BrokenAt != 2 || res.EntriesChecked != 1 {
		t.Errorf("BrokenAt = %d, EntriesChecked = %d, want 2 and 1", res.BrokenAt, res.EntriesChecked)
	}
	if !strings.Contains(res.Err, "entry_hash mismatch") {
		t.Errorf("Err = %q, want entry_hash mismatch", res.Err)
	}
}

func TestLog_VerifyChain_DetectsLinkTamper(t *testing.T) {
	// Rewriting a prev_hash breaks the link even when the entry is otherwise intact
	l := openTestLog(t)
	for i := 0; i < 3; i++ {
		mustLog(t, l, ToolExecute, "turn_eeeeeeeeeeee")
	}
	if _, err := l.db.Exec("UPDATE audit_log SET prev_hash = ? WHERE id = 3", strings.Repeat("f", 64)); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	res, err := l.VerifyChain(1, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if res.BrokenAt != 3 || res.EntriesChecked != 2 {
		t.Errorf("BrokenAt = %d, EntriesChecked = %d, want 3 and 2", res.BrokenAt, res.EntriesChecked)
	}
	if !strings.Contains(res.Err, "prev_hash mismatch") {
		t.Errorf("Err = %q, want prev_hash mismatch", res.Err)
	}
}

func TestLog_VerifyChain_Subrange(t *testing.T) {
	// Verification can start mid-chain, anchoring on the prior entry's hash
	l := openTestLog(t)
	for i := 0; i < 5; i++ {
		mustLog(t, l, ToolExecute, "turn_ffffffffffff")
	}
	res, err := l.VerifyChain(3, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid || res.EntriesChecked != 3 {
		t.Errorf("result = %+v, want valid with 3 checked", res)
	}
}

// --- queries ---

func TestLog_TurnTrail(t *testing.T) {
	// The trail returns only that turn's entries, in append order
	l := openTestLog(t)
	mustLog(t, l, TurnStart, "turn_111111111111")
	mustLog(t, l, TurnStart, "turn_222222222222")
	mustLog(t, l, ToolExecute, "turn_111111111111")
	mustLog(t, l, TurnEnd, "turn_111111111111")

	trail, err := l.TurnTrail("turn_111111111111")
	if err != nil {
		t.Fatalf("TurnTrail: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("len = %d, want 3", len(trail))
	}
	want := []EventType{TurnStart, ToolExecute, TurnEnd}
	for i, e := range trail {
		if e.EventType != want[i] {
			t.Errorf("trail[%d] = %s, want %s", i, e.EventType, want[i])
		}
		if e.TurnID != "turn_111111111111" {
			t.Errorf("trail[%d] turn = %s", i, e.TurnID)
		}
	}
}

func TestLog_Entries_RangeAndLimit(t *testing.T) {
	// Entries honors from/to bounds and the row limit
	l := openTestLog(t)
	for i := 0; i < 6; i++ {
		mustLog(t, l, ToolExecute, "turn_333333333333")
	}

	got, err := l.Entries(2, 4, 100)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("range query returned %d rows, want 3", len(got))
	}
	if got[0].ID != 2 || got[2].ID != 4 {
		t.Errorf("range bounds = [%d, %d], want [2, 4]", got[0].ID, got[2].ID)
	}

	got, err = l.Entries(1, 0, 2)
	if err != nil {
		t.Fatalf("Entries with limit: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("limit query returned %d rows, want 2", len(got))
	}
}

// --- export and stats ---

func TestLog_ExportForReview(t *testing.T) {
	// The bundle carries chain metadata and entries with stringified details
	l := openTestLog(t)
	if _, err := l.Log(TurnStart, ActorUser, "turn started", "turn_444444444444", "", map[string]any{"source": "text"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	last := mustLog(t, l, TurnEnd, "turn_444444444444")

	out, err := l.ExportForReview(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ExportForReview: %v", err)
	}

	var bundle map[string]any
	if err := json.Unmarshal([]byte(out), &bundle); err != nil {
		t.Fatalf("bundle is not JSON: %v", err)
	}
	if bundle["version"] != "0.7.0" {
		t.Errorf("version = %v, want 0.7.0", bundle["version"])
	}
	if bundle["entry_count"] != float64(2) {
		t.Errorf("entry_count = %v, want 2", bundle["entry_count"])
	}
	if bundle["final_hash"] != last {
		t.Errorf("final_hash = %v, want %q", bundle["final_hash"], last)
	}
	keyID, _ := bundle["key_id"].(string)
	if len(keyID) != 16 {
		t.Errorf("key_id = %q, want 16 hex chars", keyID)
	}
	entries, _ := bundle["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries len = %d, want 2", len(entries))
	}
	first, _ := entries[0].(map[string]any)
	if _, ok := first["details"].(string); !ok {
		t.Errorf("exported details should be a JSON string, got %T", first["details"])
	}
}

func TestLog_Stats(t *testing.T) {
	// Stats counts entries and brackets their timestamps
	l := openTestLog(t)

	stats, err := l.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["total_entries"] != 0 {
		t.Errorf("empty total = %v, want 0", stats["total_entries"])
	}
	if stats["first_entry"] != nil {
		t.Errorf("empty first_entry = %v, want nil", stats["first_entry"])
	}

	mustLog(t, l, TurnStart, "turn_555555555555")
	mustLog(t, l, TurnEnd, "turn_555555555555")
	stats, err = l.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["total_entries"] != 2 {
		t.Errorf("total = %v, want 2", stats["total_entries"])
	}
	if stats["first_entry"] == nil || stats["last_entry"] == nil {
		t.Errorf("timestamp range missing: %v", stats)
	}
}

// --- keys ---

func TestLog_KeyFromEnvironment(t *testing.T) {
	// JARVIS_AUDIT_KEY wins over the machine-derived fallback
	t.Setenv("JARVIS_AUDIT_KEY", "env-secret")

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	l, err := New(db, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sum := sha256.Sum256([]byte("env-secret"))
	want := hex.EncodeToString(sum[:])[:16]
	if l.KeyID() != want {
		t.Errorf("KeyID = %q, want %q", l.KeyID(), want)
	}
}

// --- concurrency ---

func TestLog_ConcurrentAppendsKeepChainLinear(t *testing.T) {
	// Parallel writers never fork the chain
	l := openTestLog(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := l.Log(ToolExecute, ActorExecutor, "parallel", "turn_666666666666", "", nil); err != nil {
					t.Errorf("Log: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	res, err := l.VerifyChain(1, 0)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid || res.EntriesChecked != 40 {
		t.Errorf("result = %+v, want valid with 40 checked", res)
	}
}
