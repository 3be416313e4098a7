// Package degrade decides what happens after something fails: retry, fall
// back, skip, or abort the turn. Policies are per tool with defaults by
// permission level, a per-turn failure budget stops runaway turns, and
// every error that crosses back to the planner is first classified into a
// typed fault.
package degrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haricheung/jarvis/internal/faults"
	"github.com/haricheung/jarvis/internal/tools"
)

// Strategy is how a tool's failure is handled.
type Strategy string

const (
	FailFast Strategy = "FAIL_FAST" // return the error, abort the plan
	Retry    Strategy = "RETRY"     // retry with delay
	Fallback Strategy = "FALLBACK"  // try the fallback tool
	Skip     Strategy = "SKIP"      // skip the call, continue the plan
	Partial  Strategy = "PARTIAL"   // keep whatever partial result exists
)

// Policy is the failure-handling contract for one tool.
type Policy struct {
	Tool         string
	Strategy     Strategy
	FallbackTool string
	MaxRetries   int
	RetryDelay   time.Duration
	IsCritical   bool // critical tools are never skipped
}

// AllowsSkip reports whether a failed call to this tool may be dropped
// from the plan. Critical tools never qualify regardless of strategy.
func (p Policy) AllowsSkip() bool {
	return !p.IsCritical && (p.Strategy == Skip || p.Strategy == Partial)
}

// Budget defaults per turn.
const (
	defaultMaxFailures    = 3
	defaultMaxConsecutive = 2
)

// FailureBudget tracks failures within a single turn. Each turn owns its
// own budget; it is not shared across goroutines.
type FailureBudget struct {
	MaxFailures    int
	MaxConsecutive int

	total       int
	consecutive int
	skipped     map[string]bool
}

// NewFailureBudget creates a budget with the standard per-turn limits.
func NewFailureBudget() *FailureBudget {
	return &FailureBudget{
		MaxFailures:    defaultMaxFailures,
		MaxConsecutive: defaultMaxConsecutive,
		skipped:        make(map[string]bool),
	}
}

// RecordFailure counts one failed tool call.
func (b *FailureBudget) RecordFailure() {
	b.total++
	b.consecutive++
}

// RecordSuccess resets the consecutive-failure counter.
func (b *FailureBudget) RecordSuccess() {
	b.consecutive = 0
}

// RecordSkip remembers a skipped tool for dependency checking.
func (b *FailureBudget) RecordSkip(tool string) {
	if b.skipped == nil {
		b.skipped = make(map[string]bool)
	}
	b.skipped[tool] = true
}

// ShouldAbort reports whether the turn has burned through its budget.
func (b *FailureBudget) ShouldAbort() bool {
	return b.total >= b.MaxFailures || b.consecutive >= b.MaxConsecutive
}

// IsDependencySkipped reports whether any of the named dependencies was
// skipped earlier in the turn. A true result means the turn must abort
// rather than run a step on missing input.
func (b *FailureBudget) IsDependencySkipped(deps []string) bool {
	for _, d := range deps {
		if b.skipped[d] {
			return true
		}
	}
	return false
}

// Stats returns the budget counters for status reporting.
func (b *FailureBudget) Stats() map[string]any {
	skipped := make([]string, 0, len(b.skipped))
	for tool := range b.skipped {
		skipped = append(skipped, tool)
	}
	sort.Strings(skipped)
	return map[string]any{
		"total_failures":       b.total,
		"consecutive_failures": b.consecutive,
		"skipped_tools":        skipped,
		"should_abort":         b.ShouldAbort(),
	}
}

// Reset clears all counters for a new turn.
func (b *FailureBudget) Reset() {
	b.total = 0
	b.consecutive = 0
	b.skipped = make(map[string]bool)
}

// defaultStrategies maps permission levels to their failure strategy.
// Reads and network calls are cheap to repeat; anything that mutates the
// system fails fast.
var defaultStrategies = map[tools.PermissionLevel]Strategy{
	tools.LevelRead:    Retry,
	tools.LevelWrite:   FailFast,
	tools.LevelExecute: FailFast,
	tools.LevelNetwork: Retry,
	tools.LevelAdmin:   FailFast,
}

// criticalLevels may never be skipped.
var criticalLevels = map[tools.PermissionLevel]bool{
	tools.LevelWrite:   true,
	tools.LevelExecute: true,
	tools.LevelAdmin:   true,
}

// Planner failure thresholds for degraded-mode entry.
const (
	llmMaxFailures    = 3
	llmMaxConsecutive = 2
)

// Manager holds per-tool degradation policies plus the planner failure
// budget that gates degraded mode. Thread-safe.
type Manager struct {
	mu       sync.RWMutex
	policies map[string]Policy

	llmFailures    int
	llmConsecutive int
	degraded       bool
}

// NewManager creates a Manager with no explicit policies; every tool
// falls back to the defaults for its permission level.
func NewManager() *Manager {
	return &Manager{policies: make(map[string]Policy)}
}

// PolicyFor returns the explicit policy for a tool, or a default derived
// from its permission level.
func (m *Manager) PolicyFor(tool string, level tools.PermissionLevel) Policy {
	m.mu.RLock()
	p, ok := m.policies[tool]
	m.mu.RUnlock()
	if ok {
		return p
	}

	strategy, ok := defaultStrategies[level]
	if !ok {
		strategy = FailFast
	}
	retries := 0
	if strategy == Retry {
		retries = 2
	}
	return Policy{
		Tool:       tool,
		Strategy:   strategy,
		MaxRetries: retries,
		RetryDelay: time.Second,
		IsCritical: criticalLevels[level],
	}
}

// SetPolicy installs an explicit policy for a tool. A critical tool may
// never carry the SKIP strategy.
func (m *Manager) SetPolicy(p Policy) error {
	if p.Tool == "" {
		return fmt.Errorf("policy requires a tool name")
	}
	if p.IsCritical && p.Strategy == Skip {
		return fmt.Errorf("critical tool %s cannot use the SKIP strategy", p.Tool)
	}
	m.mu.Lock()
	m.policies[p.Tool] = p
	m.mu.Unlock()
	log.Printf("[DEGRADE] policy set: %s -> %s", p.Tool, p.Strategy)
	return nil
}

// ShouldSkip decides whether a failed tool call may be dropped from the
// plan. It returns false with the reason when the tool is critical, when
// one of its dependencies was already skipped, or when the failure budget
// says the turn must abort.
func (m *Manager) ShouldSkip(tool string, level tools.PermissionLevel, budget *FailureBudget, deps []string) (bool, string) {
	policy := m.PolicyFor(tool, level)

	if !policy.AllowsSkip() {
		return false, fmt.Sprintf("Tool %s is critical and cannot be skipped", tool)
	}
	if len(deps) > 0 && budget.IsDependencySkipped(deps) {
		return false, "Dependency was skipped - must abort for correctness"
	}
	if budget.ShouldAbort() {
		return false, "Failure budget exceeded - must abort turn"
	}
	return true, fmt.Sprintf("Tool %s skipped per %s strategy", tool, policy.Strategy)
}

// RecordLLMFailure counts one planner failure and reports whether degraded
// mode is now active. Entry is one-way; only ResetLLMBudget leaves it.
func (m *Manager) RecordLLMFailure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.llmFailures++
	m.llmConsecutive++
	if !m.degraded && (m.llmFailures >= llmMaxFailures || m.llmConsecutive >= llmMaxConsecutive) {
		m.degraded = true
		log.Printf("[DEGRADE] entering degraded mode after %d planner failures (%d consecutive)",
			m.llmFailures, m.llmConsecutive)
	}
	return m.degraded
}

// RecordLLMSuccess resets the consecutive planner-failure counter.
func (m *Manager) RecordLLMSuccess() {
	m.mu.Lock()
	m.llmConsecutive = 0
	m.mu.Unlock()
}

// DegradedMode reports whether planner failures have forced rule-based
// planning.
func (m *Manager) DegradedMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// ResetLLMBudget clears the planner failure budget and leaves degraded
// mode.
func (m *Manager) ResetLLMBudget() {
	m.mu.Lock()
	wasDegraded := m.degraded
	m.llmFailures = 0
	m.llmConsecutive = 0
	m.degraded = false
	m.mu.Unlock()
	if wasDegraded {
		log.Printf("[DEGRADE] planner failure budget reset, leaving degraded mode")
	}
}

// Stats returns manager counters for status reporting.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{
		"degraded_mode":            m.degraded,
		"llm_failures":             m.llmFailures,
		"llm_consecutive_failures": m.llmConsecutive,
		"explicit_policies":        len(m.policies),
	}
}

// Classify converts an arbitrary error into a typed fault. Errors that are
// already faults pass through unchanged. The tool name lands in the
// fault's details so reporting can attribute it.
func Classify(err error, tool string) *faults.Fault {
	if err == nil {
		return nil
	}
	var f *faults.Fault
	if errors.As(err, &f) {
		if f.Details == nil {
			f.Details = map[string]any{"tool": tool}
		}
		return f
	}
	f = faults.Wrap(categorize(err), err.Error(), err)
	f.Details = map[string]any{"tool": tool}
	return f
}

func categorize(err error) faults.Category {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return faults.TimeoutError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return faults.TimeoutError
		}
		return faults.NetworkError
	}
	if errors.Is(err, os.ErrPermission) {
		return faults.PermissionError
	}
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return faults.ValidationError
	}

	// Flat errors from exec'd processes and HTTP clients only carry text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return faults.TimeoutError
	case strings.Contains(msg, "permission denied"):
		return faults.PermissionError
	case strings.Contains(msg, "connection") || strings.Contains(msg, "no such host"):
		return faults.NetworkError
	}
	return faults.ToolFailure
}
