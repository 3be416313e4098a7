package tools

import (
	"context"
	"strings"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := RegisterDefaults(r, NewSandbox(), nil); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}
	return r
}

// ── registration ─────────────────────────────────────────────────────────────

func TestRegistry_RegisterDefaults_TenTools(t *testing.T) {
	// The builtin catalog registers exactly ten tools
	r := newTestRegistry(t)
	if r.Len() != 10 {
		t.Errorf("Len() = %d, want 10", r.Len())
	}
	for _, name := range []string{
		"get_current_time", "get_current_date", "web_search",
		"open_application", "set_volume", "read_file", "list_directory",
		"take_screenshot", "schedule_task", "list_scheduled_tasks",
	} {
		if !r.Has(name) {
			t.Errorf("missing builtin tool %s", name)
		}
	}
}

func TestRegistry_Register_DefaultsCategoryAndTimeout(t *testing.T) {
	// Empty category becomes "general" and zero timeout the default
	r := NewRegistry()
	if err := r.Register(&Tool{Name: "noop", Permission: LevelRead}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := r.Get("noop")
	if tool.Category != "general" {
		t.Errorf("Category = %q, want %q", tool.Category, "general")
	}
	if tool.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", tool.Timeout, DefaultTimeout)
	}
}

func TestRegistry_Register_RejectsUnnamedTool(t *testing.T) {
	// A tool without a name cannot be registered
	r := NewRegistry()
	if err := r.Register(&Tool{Permission: LevelRead}); err == nil {
		t.Fatal("expected error for unnamed tool")
	}
}

func TestRegistry_Unregister(t *testing.T) {
	// Unregister removes the tool and reports prior existence
	r := newTestRegistry(t)
	if !r.Unregister("web_search") {
		t.Error("Unregister(web_search) = false, want true")
	}
	if r.Has("web_search") {
		t.Error("web_search still registered after Unregister")
	}
	if r.Unregister("web_search") {
		t.Error("second Unregister = true, want false")
	}
}

func TestRegistry_List_PreservesRegistrationOrder(t *testing.T) {
	// List returns tools in the order they were registered
	r := newTestRegistry(t)
	tools := r.List()
	if len(tools) != 10 {
		t.Fatalf("List() = %d tools, want 10", len(tools))
	}
	if tools[0].Name != "get_current_time" || tools[9].Name != "list_scheduled_tasks" {
		t.Errorf("order = [%s ... %s], want [get_current_time ... list_scheduled_tasks]",
			tools[0].Name, tools[9].Name)
	}
}

func TestRegistry_ListByPermissionAndCategory(t *testing.T) {
	// Permission and category filters match the catalog
	r := newTestRegistry(t)
	if got := len(r.ListByPermission(LevelExecute)); got != 3 {
		t.Errorf("execute tools = %d, want 3", got)
	}
	if got := len(r.ListByPermission(LevelNetwork)); got != 1 {
		t.Errorf("network tools = %d, want 1", got)
	}
	if got := len(r.ListByCategory("filesystem")); got != 2 {
		t.Errorf("filesystem tools = %d, want 2", got)
	}
	if got := len(r.ListByCategory("automation")); got != 2 {
		t.Errorf("automation tools = %d, want 2", got)
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestRegistry_ValidateCall_Valid(t *testing.T) {
	// A call satisfying the schema passes
	r := newTestRegistry(t)
	ok, err := r.ValidateCall("web_search", map[string]any{"query": "go concurrency"})
	if !ok || err != nil {
		t.Errorf("ValidateCall = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestRegistry_ValidateCall_MissingRequired(t *testing.T) {
	// A missing required parameter fails validation
	r := newTestRegistry(t)
	ok, err := r.ValidateCall("web_search", map[string]any{})
	if ok || err == nil {
		t.Fatalf("ValidateCall = (%v, %v), want failure", ok, err)
	}
}

func TestRegistry_ValidateCall_WrongType(t *testing.T) {
	// A string where an integer is declared fails validation
	r := newTestRegistry(t)
	ok, err := r.ValidateCall("set_volume", map[string]any{"level": "loud"})
	if ok || err == nil {
		t.Fatalf("ValidateCall = (%v, %v), want failure", ok, err)
	}
}

func TestRegistry_ValidateCall_OutOfRange(t *testing.T) {
	// Values past minimum/maximum fail validation
	r := newTestRegistry(t)
	if ok, _ := r.ValidateCall("set_volume", map[string]any{"level": 150}); ok {
		t.Error("level 150 validated, want rejection")
	}
	if ok, _ := r.ValidateCall("set_volume", map[string]any{"level": -1}); ok {
		t.Error("level -1 validated, want rejection")
	}
	if ok, err := r.ValidateCall("set_volume", map[string]any{"level": 0}); !ok {
		t.Errorf("level 0 rejected: %v", err)
	}
	if ok, err := r.ValidateCall("set_volume", map[string]any{"level": 100}); !ok {
		t.Errorf("level 100 rejected: %v", err)
	}
}

func TestRegistry_ValidateCall_EnumViolation(t *testing.T) {
	// A value outside the declared enum fails validation
	r := newTestRegistry(t)
	ok, _ := r.ValidateCall("get_current_date", map[string]any{"format": "roman"})
	if ok {
		t.Error("format 'roman' validated, want rejection")
	}
	if ok, err := r.ValidateCall("get_current_date", map[string]any{"format": "iso"}); !ok {
		t.Errorf("format 'iso' rejected: %v", err)
	}
}

func TestRegistry_ValidateCall_UnknownParameter(t *testing.T) {
	// additionalProperties=false rejects undeclared parameters
	r := newTestRegistry(t)
	ok, _ := r.ValidateCall("get_current_time", map[string]any{"volume": 11})
	if ok {
		t.Error("undeclared parameter validated, want rejection")
	}
}

func TestRegistry_ValidateCall_UnknownTool(t *testing.T) {
	// An unregistered tool name is reported as unknown
	r := newTestRegistry(t)
	ok, err := r.ValidateCall("launch_missiles", nil)
	if ok || err == nil {
		t.Fatalf("ValidateCall = (%v, %v), want failure", ok, err)
	}
	if !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("err = %v, want unknown-tool message", err)
	}
}

func TestRegistry_ValidateCall_NilArgsForNoParams(t *testing.T) {
	// nil args validate against a tool with no parameters
	r := newTestRegistry(t)
	ok, err := r.ValidateCall("list_scheduled_tasks", nil)
	if !ok || err != nil {
		t.Errorf("ValidateCall = (%v, %v), want (true, nil)", ok, err)
	}
}

// ── planner export ───────────────────────────────────────────────────────────

func TestRegistry_SchemasForPlanner_Shape(t *testing.T) {
	// Every schema is a function envelope with name, description, parameters
	r := newTestRegistry(t)
	schemas := r.SchemasForPlanner()
	if len(schemas) != 10 {
		t.Fatalf("schemas = %d, want 10", len(schemas))
	}
	first := schemas[0]
	if first["type"] != "function" {
		t.Errorf(`type = %v, want "function"`, first["type"])
	}
	fn, ok := first["function"].(map[string]any)
	if !ok {
		t.Fatalf("function envelope missing: %v", first)
	}
	if fn["name"] != "get_current_time" {
		t.Errorf("first schema name = %v, want get_current_time", fn["name"])
	}
	params, ok := fn["parameters"].(map[string]any)
	if !ok {
		t.Fatalf("parameters missing: %v", fn)
	}
	if params["additionalProperties"] != false {
		t.Error("parameters must set additionalProperties=false")
	}
}

// ── execution plumbing ───────────────────────────────────────────────────────

func TestBuiltins_ScheduleToolsWithoutScheduler(t *testing.T) {
	// Automation tools degrade gracefully when no scheduler is wired
	r := newTestRegistry(t)
	tool, _ := r.Get("schedule_task")
	out, err := tool.Run(context.Background(), map[string]any{
		"name": "t", "action": "a", "type": "interval", "interval_seconds": 60,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "Event scheduling not available" {
		t.Errorf("out = %q", out)
	}

	tool, _ = r.Get("list_scheduled_tasks")
	out, err = tool.Run(context.Background(), nil)
	if err != nil || out != "Event scheduling not available" {
		t.Errorf("list = (%q, %v)", out, err)
	}
}

type fakeScheduler struct {
	atCalls    int
	everyCalls int
}

func (f *fakeScheduler) ScheduleAt(name, action string, hour, minute int) (string, error) {
	f.atCalls++
	return "abc12345", nil
}

func (f *fakeScheduler) ScheduleEvery(name, action string, intervalSeconds int) (string, error) {
	f.everyCalls++
	return "def67890", nil
}

func (f *fakeScheduler) DescribeTasks() string { return "No scheduled tasks" }

func TestBuiltins_ScheduleTask_RoutesByArguments(t *testing.T) {
	// interval_seconds schedules repeating, hour schedules daily, neither asks
	fake := &fakeScheduler{}
	r := NewRegistry()
	if err := RegisterDefaults(r, NewSandbox(), fake); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}
	tool, _ := r.Get("schedule_task")

	out, err := tool.Run(context.Background(), map[string]any{
		"name": "news", "action": "check news", "type": "interval", "interval_seconds": float64(300),
	})
	if err != nil {
		t.Fatalf("Run interval: %v", err)
	}
	if out != "Scheduled repeating task 'news' every 300 seconds (ID: def67890)" {
		t.Errorf("interval out = %q", out)
	}

	out, err = tool.Run(context.Background(), map[string]any{
		"name": "wake", "action": "good morning", "type": "time", "hour": float64(7), "minute": float64(30),
	})
	if err != nil {
		t.Fatalf("Run time: %v", err)
	}
	if out != "Scheduled task 'wake' for 07:30 (ID: abc12345)" {
		t.Errorf("time out = %q", out)
	}

	out, _ = tool.Run(context.Background(), map[string]any{
		"name": "x", "action": "y", "type": "time",
	})
	if !strings.Contains(out, "Please specify either") {
		t.Errorf("missing-args out = %q", out)
	}

	if fake.everyCalls != 1 || fake.atCalls != 1 {
		t.Errorf("scheduler calls = (every %d, at %d), want (1, 1)", fake.everyCalls, fake.atCalls)
	}
}
