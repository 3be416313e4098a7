// Package store is the SQLite persistence layer: versioned schema,
// forward-only migrations, startup-only pruning, and explicit
// transaction boundaries. One file, one writer connection.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the schema this build writes. Increment on any
// schema change and register the upgrade in migrations.
const SchemaVersion = 1

// Retention limits enforced by startup pruning.
const (
	MaxTurnsPerConversation = 1000
	MaxConversations        = 100
)

// timeLayout is fixed-width so lexicographic ORDER BY timestamp matches
// chronological order even within the same second.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// ErrNotFound is returned by single-row getters when no row matches.
var ErrNotFound = errors.New("not found")

// SchemaMismatchError means the database was written by a newer build.
type SchemaMismatchError struct {
	DBVersion   int
	CodeVersion int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("database schema version (%d) is newer than code version (%d): downgrade is not supported", e.DBVersion, e.CodeVersion)
}

// MigrationFailedError means a forward migration failed. Migrations that
// already committed stay committed.
type MigrationFailedError struct {
	Target int
	From   int
	Err    error
}

func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf("migration to v%d failed: %v. Database is at v%d. Manual intervention required.", e.Target, e.Err, e.From)
}

func (e *MigrationFailedError) Unwrap() error { return e.Err }

// migrations maps a target version to the SQL that upgrades the previous
// version to it. A version with no entry only bumps the recorded version.
var migrations = map[int]string{
	// 2: "ALTER TABLE conversations ADD COLUMN archived INTEGER DEFAULT 0;",
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    version INTEGER NOT NULL,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    meta TEXT DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS turns (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    turn_id TEXT,
    role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    meta TEXT DEFAULT '{}',
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id);
CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);

CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    key TEXT UNIQUE NOT NULL,
    value TEXT,
    embedding BLOB,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_key ON memories(key);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'completed', 'cancelled')),
    scheduled_time TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// Store owns the database handle. Reads run directly; writes go through
// Transact. Nested Transact calls fold into the outermost transaction.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and brings the schema to
// the current version: fresh create, forward migration, or hard failure
// on downgrade. Startup pruning and an integrity check run before any
// caller sees the handle.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	slog.Info("[STORE] initializing database", "path", s.path)

	ver, err := s.schemaVersion()
	if err != nil {
		return err
	}
	switch {
	case ver == 0:
		slog.Info("[STORE] creating new database schema", "version", SchemaVersion)
		if err := s.createSchema(); err != nil {
			return err
		}
		if err := s.setSchemaVersion(SchemaVersion); err != nil {
			return err
		}
	case ver < SchemaVersion:
		slog.Info("[STORE] migrating database", "from", ver, "to", SchemaVersion)
		if err := s.migrate(ver, SchemaVersion); err != nil {
			return err
		}
	case ver > SchemaVersion:
		return &SchemaMismatchError{DBVersion: ver, CodeVersion: SchemaVersion}
	default:
		slog.Info("[STORE] database schema is up to date", "version", ver)
	}

	if err := s.pruneOnStartup(); err != nil {
		return err
	}
	if err := s.verifyIntegrity(); err != nil {
		return err
	}
	slog.Info("[STORE] database initialized")
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	slog.Info("[STORE] closing database", "path", s.path)
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the shared handle for subsystems that manage their own
// tables in the same file, like the audit log.
func (s *Store) DB() *sql.DB { return s.db }

// schemaVersion reads the latest recorded version, 0 for a fresh database.
func (s *Store) schemaVersion() (int, error) {
	var ver int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY id DESC LIMIT 1").Scan(&ver)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil && strings.Contains(err.Error(), "no such table"):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return ver, nil
}

func (s *Store) setSchemaVersion(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("record schema version %d: %w", version, err)
	}
	return nil
}

func (s *Store) createSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// migrate applies forward migrations one version at a time, each in its
// own transaction. A failed step leaves the database at the last version
// that committed.
func (s *Store) migrate(from, to int) error {
	for v := from + 1; v <= to; v++ {
		script, ok := migrations[v]
		if !ok {
			if err := s.setSchemaVersion(v); err != nil {
				return &MigrationFailedError{Target: v, From: from, Err: err}
			}
			continue
		}

		slog.Info("[STORE] applying migration", "to", v)
		tx, err := s.db.Begin()
		if err != nil {
			return &MigrationFailedError{Target: v, From: from, Err: err}
		}
		if _, err := tx.Exec(script); err != nil {
			tx.Rollback()
			return &MigrationFailedError{Target: v, From: from, Err: err}
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			v, formatTime(time.Now()),
		); err != nil {
			tx.Rollback()
			return &MigrationFailedError{Target: v, From: from, Err: err}
		}
		if err := tx.Commit(); err != nil {
			return &MigrationFailedError{Target: v, From: from, Err: err}
		}
	}
	return nil
}

// pruneOnStartup enforces retention caps: oldest turns beyond the
// per-conversation cap, then oldest conversations beyond the global cap.
// Startup-only, no background sweeper.
func (s *Store) pruneOnStartup() error {
	slog.Info("[STORE] running startup pruning")

	rows, err := s.db.Query(`
		SELECT conversation_id, COUNT(*) AS turn_count
		FROM turns
		GROUP BY conversation_id
		HAVING turn_count > ?`, MaxTurnsPerConversation)
	if err != nil {
		return fmt.Errorf("scan oversized conversations: %w", err)
	}
	type oversized struct {
		convID string
		excess int
	}
	var toPrune []oversized
	for rows.Next() {
		var convID string
		var count int
		if err := rows.Scan(&convID, &count); err != nil {
			rows.Close()
			return fmt.Errorf("scan oversized conversation row: %w", err)
		}
		toPrune = append(toPrune, oversized{convID, count - MaxTurnsPerConversation})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("scan oversized conversations: %w", err)
	}
	rows.Close()

	for _, p := range toPrune {
		if _, err := s.db.Exec(`
			DELETE FROM turns
			WHERE id IN (
				SELECT id FROM turns
				WHERE conversation_id = ?
				ORDER BY timestamp ASC
				LIMIT ?
			)`, p.convID, p.excess); err != nil {
			return fmt.Errorf("prune turns: %w", err)
		}
		slog.Info("[STORE] pruned turns", "conversation", firstN(p.convID, 8), "count", p.excess)
	}

	var convCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&convCount); err != nil {
		return fmt.Errorf("count conversations: %w", err)
	}
	if convCount > MaxConversations {
		excess := convCount - MaxConversations
		if _, err := s.db.Exec(`
			DELETE FROM conversations
			WHERE id IN (
				SELECT id FROM conversations
				ORDER BY created_at ASC
				LIMIT ?
			)`, excess); err != nil {
			return fmt.Errorf("prune conversations: %w", err)
		}
		slog.Info("[STORE] pruned conversations", "count", excess)
	}
	return nil
}

func (s *Store) verifyIntegrity() error {
	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}
	return nil
}

// --- transactions ---

type txKey struct{}

// Transact runs fn inside a single transaction. A Transact call made
// from within fn, through the context fn receives, folds into the outer
// transaction instead of opening a second one. Any error rolls back.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("[STORE] rollback failed", "error", rbErr)
		}
		slog.Warn("[STORE] transaction rolled back", "error", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func txFrom(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// querier is the shared surface of *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q picks the open transaction from ctx when there is one.
func (s *Store) q(ctx context.Context) querier {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return s.db
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
