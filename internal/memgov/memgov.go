// Package memgov enforces memory policy: static-regex redaction before
// storage, hard retention limits, and user-triggered deletion. Every
// redaction and deletion lands in the audit trail with its turn_id.
package memgov

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/haricheung/jarvis/internal/audit"
	"github.com/haricheung/jarvis/internal/store"
)

// Policy governs retention and redaction. Limits are hard: content past
// a limit is deleted, not hidden.
type Policy struct {
	MaxTurns         int
	MaxAgeDays       int
	MaxTokensPerTurn int

	// SensitivePatterns are static regex only, no heuristics. Order
	// matters: earlier patterns redact before later ones scan.
	SensitivePatterns []string

	RedactOnStore bool
	Placeholder   string
}

// DefaultPolicy covers credit card numbers, SSNs, and email addresses.
func DefaultPolicy() Policy {
	return Policy{
		MaxTurns:         1000,
		MaxAgeDays:       30,
		MaxTokensPerTurn: 2000,
		SensitivePatterns: []string{
			`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`,
			`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`,
			`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`,
		},
		RedactOnStore: true,
		Placeholder:   "[REDACTED]",
	}
}

// RedactionResult reports what a Redact call changed.
type RedactionResult struct {
	OriginalLength  int      `json:"original_length"`
	RedactedLength  int      `json:"redacted_length"`
	RedactionCount  int      `json:"redaction_count"`
	PatternsMatched []string `json:"patterns_matched"`
}

// WasRedacted reports whether any pattern fired.
func (r RedactionResult) WasRedacted() bool { return r.RedactionCount > 0 }

// DeletionResult reports a deletion operation.
type DeletionResult struct {
	ItemsDeleted int       `json:"items_deleted"`
	Reason       string    `json:"reason"`
	TurnID       string    `json:"turn_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Governor is the governance layer over memory storage. Both the store
// and the audit log may be nil for redaction-only use.
type Governor struct {
	policy   Policy
	patterns []*regexp.Regexp
	store    *store.Store
	audit    *audit.Log

	mu          sync.Mutex
	deletionLog []DeletionResult
}

// New compiles the policy's patterns. Invalid patterns are skipped with
// a warning rather than failing construction.
func New(policy Policy, st *store.Store, al *audit.Log) *Governor {
	g := &Governor{policy: policy, store: st, audit: al}
	for _, p := range policy.SensitivePatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			slog.Warn("[MEMGOV] invalid sensitive pattern", "pattern", p, "error", err)
			continue
		}
		g.patterns = append(g.patterns, re)
	}
	return g
}

// Policy returns the active policy.
func (g *Governor) Policy() Policy { return g.policy }

// Redact replaces sensitive spans with the policy placeholder. The scan
// is deterministic and idempotent: the placeholder matches no pattern,
// so redacting twice changes nothing.
func (g *Governor) Redact(content, turnID string) (string, RedactionResult) {
	if !g.policy.RedactOnStore {
		return content, RedactionResult{
			OriginalLength:  len(content),
			RedactedLength:  len(content),
			PatternsMatched: []string{},
		}
	}

	redacted := content
	var matched []string
	count := 0
	for _, re := range g.patterns {
		hits := re.FindAllString(redacted, -1)
		if len(hits) == 0 {
			continue
		}
		count += len(hits)
		matched = append(matched, re.String())
		redacted = re.ReplaceAllString(redacted, g.policy.Placeholder)
	}
	if matched == nil {
		matched = []string{}
	}

	result := RedactionResult{
		OriginalLength:  len(content),
		RedactedLength:  len(redacted),
		RedactionCount:  count,
		PatternsMatched: matched,
	}
	if result.WasRedacted() {
		slog.Info("[MEMGOV] redacted sensitive content", "count", count, "turn", orDash(turnID))
		g.auditEvent(audit.MemoryRedact, "content redacted", turnID, "", map[string]any{
			"redaction_count":  count,
			"patterns_matched": matched,
			"original_length":  result.OriginalLength,
			"redacted_length":  result.RedactedLength,
		})
	}
	return redacted, result
}

// EnforceRetention drops turns older than the age limit, then caps the
// remainder to MaxTurns keeping the newest. Returns the retained turns.
func (g *Governor) EnforceRetention(turns []*store.Turn, turnID string) ([]*store.Turn, DeletionResult) {
	if len(turns) == 0 {
		return nil, DeletionResult{Reason: "No turns to process", Timestamp: time.Now().UTC()}
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -g.policy.MaxAgeDays)
	retained := make([]*store.Turn, 0, len(turns))
	deleted := 0
	for _, t := range turns {
		if !t.Timestamp.IsZero() && t.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		retained = append(retained, t)
	}
	if len(retained) > g.policy.MaxTurns {
		excess := len(retained) - g.policy.MaxTurns
		retained = retained[excess:]
		deleted += excess
	}

	result := DeletionResult{
		ItemsDeleted: deleted,
		Reason:       fmt.Sprintf("Retention policy: max_age=%dd, max_turns=%d", g.policy.MaxAgeDays, g.policy.MaxTurns),
		TurnID:       turnID,
		Timestamp:    time.Now().UTC(),
	}
	if deleted > 0 {
		slog.Info("[MEMGOV] retention enforcement", "deleted", deleted, "turn", orDash(turnID))
		g.recordDeletion(result)
		g.auditEvent(audit.MemoryDelete, "retention enforcement", turnID, "", map[string]any{
			"items_deleted": deleted,
			"reason":        result.Reason,
		})
	}
	return retained, result
}

// ForgetAll purges turns, conversations, and memories in one
// transaction. Explicit user action; callers confirm before invoking.
func (g *Governor) ForgetAll(ctx context.Context, turnID string) (DeletionResult, error) {
	slog.Warn("[MEMGOV] FORGET ALL requested", "turn", orDash(turnID))

	var deleted int
	if g.store == nil {
		result := DeletionResult{
			Reason:    "User requested: forget everything",
			TurnID:    turnID,
			Timestamp: time.Now().UTC(),
		}
		g.recordDeletion(result)
		return result, nil
	}
	err := g.store.Transact(ctx, func(ctx context.Context) error {
		n, err := g.store.CountTurns(ctx)
		if err != nil {
			return err
		}
		deleted = n
		if _, err := g.store.DeleteAllTurns(ctx); err != nil {
			return err
		}
		if _, err := g.store.DeleteAllConversations(ctx); err != nil {
			return err
		}
		if _, err := g.store.DeleteAllMemories(ctx); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return DeletionResult{}, fmt.Errorf("forget all: %w", err)
	}
	slog.Info("[MEMGOV] purged turns from database", "count", deleted)

	result := DeletionResult{
		ItemsDeleted: deleted,
		Reason:       "User requested: forget everything",
		TurnID:       turnID,
		Timestamp:    time.Now().UTC(),
	}
	g.recordDeletion(result)
	g.auditEvent(audit.MemoryDelete, "forget all", turnID, "", map[string]any{
		"items_deleted": deleted,
		"reason":        result.Reason,
	})
	return result, nil
}

// ForgetConversation deletes one conversation and its turns.
func (g *Governor) ForgetConversation(ctx context.Context, conversationID, turnID string) (DeletionResult, error) {
	slog.Info("[MEMGOV] forget conversation", "conversation", conversationID, "turn", orDash(turnID))

	var deleted int
	if g.store == nil {
		result := DeletionResult{
			Reason:    fmt.Sprintf("User requested: forget conversation %s", conversationID),
			TurnID:    turnID,
			Timestamp: time.Now().UTC(),
		}
		g.recordDeletion(result)
		return result, nil
	}
	err := g.store.Transact(ctx, func(ctx context.Context) error {
		n, err := g.store.CountConversationTurns(ctx, conversationID)
		if err != nil {
			return err
		}
		deleted = n
		_, err = g.store.DeleteConversation(ctx, conversationID)
		return err
	})
	if err != nil {
		return DeletionResult{}, fmt.Errorf("forget conversation: %w", err)
	}

	result := DeletionResult{
		ItemsDeleted: deleted,
		Reason:       fmt.Sprintf("User requested: forget conversation %s", conversationID),
		TurnID:       turnID,
		Timestamp:    time.Now().UTC(),
	}
	g.recordDeletion(result)
	g.auditEvent(audit.MemoryDelete, "forget conversation", turnID, conversationID, map[string]any{
		"items_deleted": deleted,
		"reason":        result.Reason,
	})
	return result, nil
}

// DeletionLog returns a copy of all recorded deletions.
func (g *Governor) DeletionLog() []DeletionResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]DeletionResult, len(g.deletionLog))
	copy(out, g.deletionLog)
	return out
}

// Summary answers "what do you remember?": the active policy plus
// current row counts.
func (g *Governor) Summary(ctx context.Context) map[string]any {
	g.mu.Lock()
	deletions := len(g.deletionLog)
	g.mu.Unlock()

	summary := map[string]any{
		"policy": map[string]any{
			"max_turns":                g.policy.MaxTurns,
			"max_age_days":             g.policy.MaxAgeDays,
			"redaction_enabled":        g.policy.RedactOnStore,
			"sensitive_patterns_count": len(g.policy.SensitivePatterns),
		},
		"deletions_performed": deletions,
	}
	if g.store == nil {
		return summary
	}
	counts := []struct {
		key   string
		count func(context.Context) (int, error)
	}{
		{"conversations_count", g.store.CountConversations},
		{"turns_count", g.store.CountTurns},
		{"memories_count", g.store.CountMemories},
	}
	for _, c := range counts {
		n, err := c.count(ctx)
		if err != nil {
			summary["database_error"] = err.Error()
			break
		}
		summary[c.key] = n
	}
	return summary
}

func (g *Governor) recordDeletion(r DeletionResult) {
	g.mu.Lock()
	g.deletionLog = append(g.deletionLog, r)
	g.mu.Unlock()
}

func (g *Governor) auditEvent(event audit.EventType, action, turnID, target string, details map[string]any) {
	if g.audit == nil {
		return
	}
	if _, err := g.audit.Log(event, audit.ActorGovernor, action, turnID, target, details); err != nil {
		slog.Error("[MEMGOV] audit write failed", "event", string(event), "error", err)
	}
}

func orDash(turnID string) string {
	if turnID == "" {
		return "-"
	}
	return turnID
}
