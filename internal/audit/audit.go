// Package audit is the append-only audit trail: an HMAC-SHA256 chain
// over canonical JSON, stored in the shared SQLite database.
//
// Trust boundary: tamper-evident, not tamper-proof. The chain assumes
// the HMAC key is protected at the OS/process boundary; an attacker
// holding both the database and the key can recompute it.
package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// EventType is the closed set of auditable events.
type EventType string

const (
	TurnStart       EventType = "TURN_START"
	TurnEnd         EventType = "TURN_END"
	PlanCreated     EventType = "PLAN_CREATED"
	AuthorityCheck  EventType = "AUTHORITY_CHECK"
	ConfirmRequest  EventType = "CONFIRM_REQUEST"
	ConfirmResponse EventType = "CONFIRM_RESPONSE"
	ToolExecute     EventType = "TOOL_EXECUTE"
	MemoryDelete    EventType = "MEMORY_DELETE"
	MemoryRedact    EventType = "MEMORY_REDACT"
	GrantCreated    EventType = "GRANT_CREATED"
	GrantRevoked    EventType = "GRANT_REVOKED"
)

// Actor identifies which pipeline role produced an entry.
type Actor string

const (
	ActorUser      Actor = "user"
	ActorPlanner   Actor = "planner"
	ActorAuthority Actor = "authority"
	ActorExecutor  Actor = "executor"
	ActorGovernor  Actor = "governor"
	ActorSystem    Actor = "system"
)

// GenesisHash seeds the chain before the first entry.
var GenesisHash = strings.Repeat("0", 64)

// exportVersion tags review bundles.
const exportVersion = "0.7.0"

// timeLayout is fixed-width UTC so range queries compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Entry is one row of the chain. Timestamp stays the stored string so
// re-verification hashes the exact bytes that were signed.
type Entry struct {
	ID        int64          `json:"id"`
	TurnID    string         `json:"turn_id"`
	Timestamp string         `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Actor     Actor          `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       int64  `json:"broken_at,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
	Err            string `json:"error,omitempty"`
}

// Log is the append-only audit chain. Appends serialize under mu so the
// last-hash read and the insert are atomic; no code path updates or
// deletes rows.
type Log struct {
	db  *sql.DB
	key []byte
	mu  sync.Mutex
}

// New binds the audit chain to the shared database handle and ensures
// its table exists. A nil key falls back to JARVIS_AUDIT_KEY, then to a
// machine-derived development key.
func New(db *sql.DB, key []byte) (*Log, error) {
	if len(key) == 0 {
		key = loadKey()
	}
	l := &Log{db: db, key: key}
	if err := l.ensureSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func loadKey() []byte {
	if env := os.Getenv("JARVIS_AUDIT_KEY"); env != "" {
		return []byte(env)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	// Machine-derived determinism for development. Not a strong key.
	sum := sha256.Sum256([]byte(host + "-" + runtime.GOARCH + "-jarvis-audit"))
	slog.Warn("[AUDIT] JARVIS_AUDIT_KEY not set; using machine-derived key (development only)")
	return sum[:]
}

// KeyID returns the key fingerprint included in export bundles.
func (l *Log) KeyID() string {
	sum := sha256.Sum256(l.key)
	return hex.EncodeToString(sum[:])[:16]
}

func (l *Log) ensureSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_log (
	    id INTEGER PRIMARY KEY AUTOINCREMENT,
	    turn_id TEXT NOT NULL,
	    timestamp TEXT NOT NULL,
	    event_type TEXT NOT NULL,
	    actor TEXT NOT NULL,
	    action TEXT NOT NULL,
	    target TEXT,
	    details TEXT,
	    prev_hash TEXT,
	    entry_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_turn_id ON audit_log(turn_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Log appends an entry to the chain and returns its hash. Target and
// details are optional: pass "" and nil.
func (l *Log) Log(eventType EventType, actor Actor, action, turnID, target string, details map[string]any) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := &Entry{
		TurnID:    turnID,
		Timestamp: time.Now().UTC().Format(timeLayout),
		EventType: eventType,
		Actor:     actor,
		Action:    action,
		Target:    target,
		Details:   details,
	}

	tx, err := l.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin audit append: %w", err)
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRow("SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1").Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prev = GenesisHash
	case err != nil:
		return "", fmt.Errorf("read last hash: %w", err)
	}
	e.PrevHash = prev

	e.EntryHash, err = l.computeHash(e, prev)
	if err != nil {
		return "", err
	}

	var targetVal, detailsVal any
	if e.Target != "" {
		targetVal = e.Target
	}
	if e.Details != nil {
		s, err := marshalSorted(e.Details)
		if err != nil {
			return "", fmt.Errorf("marshal audit details: %w", err)
		}
		detailsVal = s
	}

	if _, err := tx.Exec(`
		INSERT INTO audit_log
		(turn_id, timestamp, event_type, actor, action, target, details, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TurnID, e.Timestamp, string(e.EventType), string(e.Actor), e.Action,
		targetVal, detailsVal, e.PrevHash, e.EntryHash); err != nil {
		return "", fmt.Errorf("append audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit audit append: %w", err)
	}

	slog.Debug("[AUDIT] appended",
		"event", string(eventType), "actor", string(actor),
		"action", action, "turn", firstN(turnID, 13))
	return e.EntryHash, nil
}

// TurnTrail returns every entry for a turn in append order.
func (l *Log) TurnTrail(turnID string) ([]*Entry, error) {
	return l.queryEntries("SELECT id, turn_id, timestamp, event_type, actor, action, target, details, prev_hash, entry_hash FROM audit_log WHERE turn_id = ? ORDER BY id", turnID)
}

// Entries returns entries by id range. toID 0 means unbounded.
func (l *Log) Entries(fromID, toID int64, limit int) ([]*Entry, error) {
	if toID > 0 {
		return l.queryEntries(
			"SELECT id, turn_id, timestamp, event_type, actor, action, target, details, prev_hash, entry_hash FROM audit_log WHERE id >= ? AND id <= ? ORDER BY id LIMIT ?",
			fromID, toID, limit)
	}
	return l.queryEntries(
		"SELECT id, turn_id, timestamp, event_type, actor, action, target, details, prev_hash, entry_hash FROM audit_log WHERE id >= ? ORDER BY id LIMIT ?",
		fromID, limit)
}

// VerifyChain walks the chain over [fromID, toID] (toID 0 = end) and
// reports the first break: a prev_hash that does not match the prior
// entry, or an entry_hash that does not recompute.
func (l *Log) VerifyChain(fromID, toID int64) (*VerifyResult, error) {
	var (
		entries []*Entry
		err     error
	)
	if toID > 0 {
		entries, err = l.queryEntries(
			"SELECT id, turn_id, timestamp, event_type, actor, action, target, details, prev_hash, entry_hash FROM audit_log WHERE id >= ? AND id <= ? ORDER BY id",
			fromID, toID)
	} else {
		entries, err = l.queryEntries(
			"SELECT id, turn_id, timestamp, event_type, actor, action, target, details, prev_hash, entry_hash FROM audit_log WHERE id >= ? ORDER BY id",
			fromID)
	}
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &VerifyResult{Valid: true}, nil
	}

	expectedPrev := GenesisHash
	if fromID > 1 {
		var prior string
		err := l.db.QueryRow("SELECT entry_hash FROM audit_log WHERE id = ?", fromID-1).Scan(&prior)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			expectedPrev = GenesisHash
		case err != nil:
			return nil, fmt.Errorf("read prior hash: %w", err)
		default:
			expectedPrev = prior
		}
	}

	for i, e := range entries {
		if e.PrevHash != expectedPrev {
			return &VerifyResult{
				Valid:          false,
				EntriesChecked: i,
				BrokenAt:       e.ID,
				ExpectedHash:   expectedPrev,
				ActualHash:     e.PrevHash,
				Err:            fmt.Sprintf("prev_hash mismatch at entry %d", e.ID),
			}, nil
		}
		computed, err := l.computeHash(e, e.PrevHash)
		if err != nil {
			return nil, err
		}
		if e.EntryHash != computed {
			return &VerifyResult{
				Valid:          false,
				EntriesChecked: i,
				BrokenAt:       e.ID,
				ExpectedHash:   computed,
				ActualHash:     e.EntryHash,
				Err:            fmt.Sprintf("entry_hash mismatch at entry %d", e.ID),
			}, nil
		}
		expectedPrev = e.EntryHash
	}
	return &VerifyResult{Valid: true, EntriesChecked: len(entries)}, nil
}

// ExportForReview returns a JSON bundle of entries in the time range
// (zero times = everything) with chain metadata for offline verification.
func (l *Log) ExportForReview(start, end time.Time) (string, error) {
	var (
		entries []*Entry
		err     error
	)
	if !start.IsZero() && !end.IsZero() {
		entries, err = l.queryEntries(
			"SELECT id, turn_id, timestamp, event_type, actor, action, target, details, prev_hash, entry_hash FROM audit_log WHERE timestamp >= ? AND timestamp <= ? ORDER BY id",
			start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	} else {
		entries, err = l.queryEntries(
			"SELECT id, turn_id, timestamp, event_type, actor, action, target, details, prev_hash, entry_hash FROM audit_log ORDER BY id")
	}
	if err != nil {
		return "", err
	}

	exported := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		row := map[string]any{
			"id":         e.ID,
			"turn_id":    e.TurnID,
			"timestamp":  e.Timestamp,
			"event_type": string(e.EventType),
			"actor":      string(e.Actor),
			"action":     e.Action,
			"target":     nil,
			"details":    nil,
			"prev_hash":  e.PrevHash,
			"entry_hash": e.EntryHash,
		}
		if e.Target != "" {
			row["target"] = e.Target
		}
		if e.Details != nil {
			s, err := marshalSorted(e.Details)
			if err != nil {
				return "", fmt.Errorf("marshal export details: %w", err)
			}
			row["details"] = s
		}
		exported = append(exported, row)
	}

	bundle := map[string]any{
		"version":        exportVersion,
		"exported_at":    time.Now().UTC().Format(timeLayout),
		"entry_count":    len(entries),
		"first_entry_id": nil,
		"last_entry_id":  nil,
		"final_hash":     nil,
		"key_id":         l.KeyID(),
		"entries":        exported,
	}
	if len(entries) > 0 {
		bundle["first_entry_id"] = entries[0].ID
		bundle["last_entry_id"] = entries[len(entries)-1].ID
		bundle["final_hash"] = entries[len(entries)-1].EntryHash
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bundle); err != nil {
		return "", fmt.Errorf("encode export bundle: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Stats summarizes the chain for the /status view.
func (l *Log) Stats() (map[string]any, error) {
	var count int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count); err != nil {
		return nil, fmt.Errorf("count audit entries: %w", err)
	}
	var first, last sql.NullString
	if err := l.db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM audit_log").Scan(&first, &last); err != nil {
		return nil, fmt.Errorf("audit timestamp range: %w", err)
	}
	stats := map[string]any{
		"total_entries": count,
		"first_entry":   nil,
		"last_entry":    nil,
	}
	if first.Valid {
		stats["first_entry"] = first.String
	}
	if last.Valid {
		stats["last_entry"] = last.String
	}
	return stats, nil
}

// --- hashing ---

// canonicalPayload is the byte string the HMAC signs: compact JSON with
// alphabetically sorted keys at every level, absent target/details as
// null, and the timestamp string verbatim.
func (l *Log) canonicalPayload(e *Entry, prevHash string) ([]byte, error) {
	payload := map[string]any{
		"prev_hash":  prevHash,
		"turn_id":    e.TurnID,
		"timestamp":  e.Timestamp,
		"event_type": string(e.EventType),
		"actor":      string(e.Actor),
		"action":     e.Action,
		"target":     nil,
		"details":    nil,
	}
	if e.Target != "" {
		payload["target"] = e.Target
	}
	if e.Details != nil {
		payload["details"] = e.Details
	}
	return marshalCompact(payload)
}

func (l *Log) computeHash(e *Entry, prevHash string) (string, error) {
	payload, err := l.canonicalPayload(e, prevHash)
	if err != nil {
		return "", fmt.Errorf("canonical payload: %w", err)
	}
	mac := hmac.New(sha256.New, l.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// --- row plumbing ---

func (l *Log) queryEntries(query string, args ...any) ([]*Entry, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var target, details, prevHash sql.NullString
		if err := rows.Scan(&e.ID, &e.TurnID, &e.Timestamp, &e.EventType, &e.Actor,
			&e.Action, &target, &details, &prevHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Target = target.String
		e.PrevHash = prevHash.String
		if details.Valid && details.String != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(details.String), &m); err != nil {
				m = map[string]any{"_raw": details.String}
			}
			e.Details = m
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// marshalCompact serializes without HTML escaping or a trailing newline;
// map keys come out alphabetically sorted at every nesting level.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func marshalSorted(m map[string]any) (string, error) {
	b, err := marshalCompact(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
