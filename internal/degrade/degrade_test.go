package degrade

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/haricheung/jarvis/internal/faults"
	"github.com/haricheung/jarvis/internal/tools"
)

// ── policies ────────────────────────────────────────────────────────────

func TestPolicy_AllowsSkip(t *testing.T) {
	// Only SKIP and PARTIAL strategies allow skipping, and never for
	// critical tools.
	cases := []struct {
		name   string
		policy Policy
		want   bool
	}{
		{"skip non-critical", Policy{Tool: "get_weather", Strategy: Skip}, true},
		{"partial non-critical", Policy{Tool: "get_weather", Strategy: Partial}, true},
		{"skip critical", Policy{Tool: "write_file", Strategy: Skip, IsCritical: true}, false},
		{"fail fast", Policy{Tool: "run_cmd", Strategy: FailFast}, false},
		{"retry", Policy{Tool: "web_search", Strategy: Retry}, false},
	}
	for _, tc := range cases {
		if got := tc.policy.AllowsSkip(); got != tc.want {
			t.Errorf("%s: AllowsSkip() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// ── failure budget ──────────────────────────────────────────────────────

func TestFailureBudget_Fresh_DoesNotAbort(t *testing.T) {
	// A new budget has zero failures and no reason to abort.
	b := NewFailureBudget()

	if b.ShouldAbort() {
		t.Error("fresh budget: ShouldAbort() = true, want false")
	}
	stats := b.Stats()
	if got := stats["total_failures"].(int); got != 0 {
		t.Errorf("total_failures = %d, want 0", got)
	}
}

func TestFailureBudget_ShouldAbort_TotalFailures(t *testing.T) {
	// Three failures exhaust the budget even when successes reset the
	// consecutive counter in between.
	b := &FailureBudget{MaxFailures: 3, MaxConsecutive: 10}

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordSuccess()
	if b.ShouldAbort() {
		t.Fatal("two failures: ShouldAbort() = true, want false")
	}

	b.RecordFailure()
	if !b.ShouldAbort() {
		t.Error("three failures: ShouldAbort() = false, want true")
	}
}

func TestFailureBudget_ShouldAbort_ConsecutiveFailures(t *testing.T) {
	// Two failures in a row trip the default consecutive limit.
	b := NewFailureBudget()

	b.RecordFailure()
	if b.ShouldAbort() {
		t.Fatal("one failure: ShouldAbort() = true, want false")
	}

	b.RecordFailure()
	if !b.ShouldAbort() {
		t.Error("two consecutive failures: ShouldAbort() = false, want true")
	}
}

func TestFailureBudget_RecordSuccess_ResetsConsecutive(t *testing.T) {
	// A success between failures keeps the consecutive counter below the
	// limit.
	b := &FailureBudget{MaxFailures: 10, MaxConsecutive: 2}

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	if b.ShouldAbort() {
		t.Error("interleaved success: ShouldAbort() = true, want false")
	}
}

func TestFailureBudget_IsDependencySkipped(t *testing.T) {
	// Skipped tools are remembered and matched against dependency lists.
	b := NewFailureBudget()
	b.RecordSkip("read_config")
	b.RecordSkip("get_weather")

	if !b.IsDependencySkipped([]string{"read_config"}) {
		t.Error("IsDependencySkipped([read_config]) = false, want true")
	}
	if !b.IsDependencySkipped([]string{"write_file", "get_weather"}) {
		t.Error("IsDependencySkipped([write_file get_weather]) = false, want true")
	}
	if b.IsDependencySkipped([]string{"write_file"}) {
		t.Error("IsDependencySkipped([write_file]) = true, want false")
	}
	if b.IsDependencySkipped(nil) {
		t.Error("IsDependencySkipped(nil) = true, want false")
	}
}

func TestFailureBudget_Reset_ClearsAll(t *testing.T) {
	// Reset zeroes the counters and forgets skipped tools.
	b := NewFailureBudget()
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSkip("tool-b")

	b.Reset()

	stats := b.Stats()
	if got := stats["total_failures"].(int); got != 0 {
		t.Errorf("total_failures after reset = %d, want 0", got)
	}
	if got := stats["skipped_tools"].([]string); len(got) != 0 {
		t.Errorf("skipped_tools after reset = %v, want empty", got)
	}
	if b.ShouldAbort() {
		t.Error("ShouldAbort() after reset = true, want false")
	}
}

func TestFailureBudget_Stats_SortsSkipped(t *testing.T) {
	// Stats reports skipped tools in sorted order with live counters.
	b := NewFailureBudget()
	b.RecordFailure()
	b.RecordSkip("zeta")
	b.RecordSkip("alpha")

	stats := b.Stats()
	skipped := stats["skipped_tools"].([]string)
	if len(skipped) != 2 || skipped[0] != "alpha" || skipped[1] != "zeta" {
		t.Errorf("skipped_tools = %v, want [alpha zeta]", skipped)
	}
	if got := stats["consecutive_failures"].(int); got != 1 {
		t.Errorf("consecutive_failures = %d, want 1", got)
	}
	if got := stats["should_abort"].(bool); got {
		t.Error("should_abort = true, want false")
	}
}

// ── manager ─────────────────────────────────────────────────────────────

func TestManager_PolicyFor_DefaultsByLevel(t *testing.T) {
	// Read and network tools default to RETRY; mutating levels fail fast
	// and are critical.
	m := NewManager()

	cases := []struct {
		level    tools.PermissionLevel
		strategy Strategy
		critical bool
		retries  int
	}{
		{tools.LevelRead, Retry, false, 2},
		{tools.LevelNetwork, Retry, false, 2},
		{tools.LevelWrite, FailFast, true, 0},
		{tools.LevelExecute, FailFast, true, 0},
		{tools.LevelAdmin, FailFast, true, 0},
	}
	for _, tc := range cases {
		p := m.PolicyFor("some_tool", tc.level)
		if p.Strategy != tc.strategy {
			t.Errorf("%s: Strategy = %s, want %s", tc.level, p.Strategy, tc.strategy)
		}
		if p.IsCritical != tc.critical {
			t.Errorf("%s: IsCritical = %v, want %v", tc.level, p.IsCritical, tc.critical)
		}
		if p.MaxRetries != tc.retries {
			t.Errorf("%s: MaxRetries = %d, want %d", tc.level, p.MaxRetries, tc.retries)
		}
	}
}

func TestManager_PolicyFor_ExplicitPolicyWins(t *testing.T) {
	// An installed policy overrides the permission-level default.
	m := NewManager()
	want := Policy{
		Tool:         "web_search",
		Strategy:     Fallback,
		FallbackTool: "get_current_time",
		MaxRetries:   1,
	}
	if err := m.SetPolicy(want); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}

	got := m.PolicyFor("web_search", tools.LevelNetwork)
	if got.Strategy != Fallback {
		t.Errorf("Strategy = %s, want %s", got.Strategy, Fallback)
	}
	if got.FallbackTool != "get_current_time" {
		t.Errorf("FallbackTool = %q, want %q", got.FallbackTool, "get_current_time")
	}
}

func TestManager_SetPolicy_RejectsCriticalSkip(t *testing.T) {
	// A critical tool may never carry the SKIP strategy.
	m := NewManager()

	err := m.SetPolicy(Policy{Tool: "write_file", Strategy: Skip, IsCritical: true})
	if err == nil {
		t.Fatal("SetPolicy(critical+SKIP) returned nil error")
	}

	if err := m.SetPolicy(Policy{Strategy: Retry}); err == nil {
		t.Error("SetPolicy without tool name returned nil error")
	}
}

func TestManager_ShouldSkip_CriticalTool(t *testing.T) {
	// Default policies never allow skipping; critical tools say so.
	m := NewManager()
	b := NewFailureBudget()

	ok, reason := m.ShouldSkip("set_volume", tools.LevelExecute, b, nil)
	if ok {
		t.Fatal("ShouldSkip(critical) = true, want false")
	}
	want := "Tool set_volume is critical and cannot be skipped"
	if reason != want {
		t.Errorf("reason = %q, want %q", reason, want)
	}
}

func TestManager_ShouldSkip_DependencySkipped(t *testing.T) {
	// A step whose dependency was skipped aborts instead of running on
	// missing input.
	m := NewManager()
	if err := m.SetPolicy(Policy{Tool: "process_data", Strategy: Skip}); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	b := NewFailureBudget()
	b.RecordSkip("read_config")

	ok, reason := m.ShouldSkip("process_data", tools.LevelRead, b, []string{"read_config"})
	if ok {
		t.Fatal("ShouldSkip with skipped dependency = true, want false")
	}
	want := "Dependency was skipped - must abort for correctness"
	if reason != want {
		t.Errorf("reason = %q, want %q", reason, want)
	}
}

func TestManager_ShouldSkip_BudgetExhausted(t *testing.T) {
	// Once the failure budget is spent the turn aborts rather than skips.
	m := NewManager()
	if err := m.SetPolicy(Policy{Tool: "read_config", Strategy: Skip}); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	b := &FailureBudget{MaxFailures: 2, MaxConsecutive: 10}
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	ok, reason := m.ShouldSkip("read_config", tools.LevelRead, b, nil)
	if ok {
		t.Fatal("ShouldSkip with exhausted budget = true, want false")
	}
	want := "Failure budget exceeded - must abort turn"
	if reason != want {
		t.Errorf("reason = %q, want %q", reason, want)
	}
}

func TestManager_ShouldSkip_Allowed(t *testing.T) {
	// A skippable tool with budget to spare is skipped with the strategy
	// named in the reason.
	m := NewManager()
	if err := m.SetPolicy(Policy{Tool: "get_weather", Strategy: Skip}); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	b := NewFailureBudget()

	ok, reason := m.ShouldSkip("get_weather", tools.LevelRead, b, nil)
	if !ok {
		t.Fatalf("ShouldSkip = false (%s), want true", reason)
	}
	want := "Tool get_weather skipped per SKIP strategy"
	if reason != want {
		t.Errorf("reason = %q, want %q", reason, want)
	}
}

// ── degraded mode ───────────────────────────────────────────────────────

func TestManager_DegradedMode_ConsecutivePlannerFailures(t *testing.T) {
	// Two consecutive planner failures flip the manager into degraded
	// mode.
	m := NewManager()

	if m.RecordLLMFailure() {
		t.Fatal("one planner failure: degraded = true, want false")
	}
	if !m.RecordLLMFailure() {
		t.Error("two consecutive planner failures: degraded = false, want true")
	}
	if !m.DegradedMode() {
		t.Error("DegradedMode() = false, want true")
	}
}

func TestManager_DegradedMode_TotalPlannerFailures(t *testing.T) {
	// Three planner failures in total enter degraded mode even when
	// successes break the streak.
	m := NewManager()

	m.RecordLLMFailure()
	m.RecordLLMSuccess()
	m.RecordLLMFailure()
	m.RecordLLMSuccess()
	if m.DegradedMode() {
		t.Fatal("two total planner failures: DegradedMode() = true, want false")
	}

	m.RecordLLMFailure()
	if !m.DegradedMode() {
		t.Error("three total planner failures: DegradedMode() = false, want true")
	}
}

func TestManager_ResetLLMBudget_LeavesDegradedMode(t *testing.T) {
	// Reset clears the planner counters and exits degraded mode.
	m := NewManager()
	m.RecordLLMFailure()
	m.RecordLLMFailure()
	if !m.DegradedMode() {
		t.Fatal("setup: DegradedMode() = false, want true")
	}

	m.ResetLLMBudget()

	if m.DegradedMode() {
		t.Error("DegradedMode() after reset = true, want false")
	}
	stats := m.Stats()
	if got := stats["llm_failures"].(int); got != 0 {
		t.Errorf("llm_failures = %d, want 0", got)
	}
}

// ── classification ──────────────────────────────────────────────────────

func TestClassify_Categories(t *testing.T) {
	// Each error shape maps to its fault category.
	cases := []struct {
		name string
		err  error
		want faults.Category
	}{
		{"context deadline", context.DeadlineExceeded, faults.TimeoutError},
		{"wrapped permission", fmt.Errorf("open /etc/shadow: %w", os.ErrPermission), faults.PermissionError},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "api.example.com"}, faults.NetworkError},
		{"net timeout", &net.DNSError{Err: "lookup timeout", Name: "api.example.com", IsTimeout: true}, faults.TimeoutError},
		{"parse failure", atoiErr(t), faults.ValidationError},
		{"timeout text", errors.New("request timed out"), faults.TimeoutError},
		{"connection text", errors.New("connection refused"), faults.NetworkError},
		{"generic", errors.New("something broke"), faults.ToolFailure},
	}
	for _, tc := range cases {
		f := Classify(tc.err, "my_tool")
		if f == nil {
			t.Fatalf("%s: Classify returned nil", tc.name)
		}
		if f.Category != tc.want {
			t.Errorf("%s: Category = %s, want %s", tc.name, f.Category, tc.want)
		}
	}
}

func atoiErr(t *testing.T) error {
	t.Helper()
	_, err := strconv.Atoi("not-a-number")
	if err == nil {
		t.Fatal("Atoi(not-a-number) returned nil error")
	}
	return err
}

func TestClassify_NilError(t *testing.T) {
	// No error means no fault.
	if f := Classify(nil, "my_tool"); f != nil {
		t.Errorf("Classify(nil) = %v, want nil", f)
	}
}

func TestClassify_FaultPassesThrough(t *testing.T) {
	// An already-classified fault keeps its category and identity.
	orig := faults.New(faults.LLMFailure, "planner unreachable")

	f := Classify(orig, "planner")
	if f != orig {
		t.Fatal("Classify(fault) returned a different fault")
	}
	if f.Category != faults.LLMFailure {
		t.Errorf("Category = %s, want %s", f.Category, faults.LLMFailure)
	}
	if got := f.Details["tool"]; got != "planner" {
		t.Errorf("Details[tool] = %v, want planner", got)
	}
}

func TestClassify_AttachesToolDetail(t *testing.T) {
	// The failing tool's name lands in the fault details.
	f := Classify(errors.New("boom"), "take_screenshot")

	if got := f.Details["tool"]; got != "take_screenshot" {
		t.Errorf("Details[tool] = %v, want take_screenshot", got)
	}
	if f.Err == nil || f.Err.Error() != "boom" {
		t.Errorf("wrapped cause = %v, want boom", f.Err)
	}
}
