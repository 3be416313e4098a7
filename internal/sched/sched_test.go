package sched

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haricheung/jarvis/internal/store"
)

func intp(v int) *int { return &v }

// --- time specs ---

func TestTimeSpec_NextOccurrence_SameDayWhenFuture(t *testing.T) {
	// A slot later today resolves to today, not tomorrow
	spec := TimeSpec{Hour: intp(15), Minute: intp(30)}
	after := time.Date(2026, time.March, 10, 10, 0, 0, 0, time.UTC)

	got := spec.NextOccurrence(after)

	want := time.Date(2026, time.March, 10, 15, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextOccurrence = %v, want %v", got, want)
	}
}

func TestTimeSpec_NextOccurrence_PastSlotRollsToNextDay(t *testing.T) {
	// A slot already gone today lands on the same time tomorrow
	spec := TimeSpec{Hour: intp(9), Minute: intp(0)}
	after := time.Date(2026, time.March, 10, 10, 0, 0, 0, time.UTC)

	got := spec.NextOccurrence(after)

	want := time.Date(2026, time.March, 11, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextOccurrence = %v, want %v", got, want)
	}
}

func TestTimeSpec_NextOccurrence_HourlyWhenMinuteUnset(t *testing.T) {
	// With no minute pinned the spec recurs hourly at the current minute
	spec := TimeSpec{Second: 0}
	after := time.Date(2026, time.March, 10, 10, 30, 45, 0, time.UTC)

	got := spec.NextOccurrence(after)

	want := time.Date(2026, time.March, 10, 11, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextOccurrence = %v, want %v", got, want)
	}
}

func TestTimeSpec_Matches(t *testing.T) {
	// Nil fields are wildcards; set fields must agree exactly
	monday := time.Date(2026, time.March, 9, 9, 30, 0, 0, time.UTC)

	cases := []struct {
		name string
		spec TimeSpec
		want bool
	}{
		{"empty matches anything", TimeSpec{}, true},
		{"hour match", TimeSpec{Hour: intp(9)}, true},
		{"hour mismatch", TimeSpec{Hour: intp(10)}, false},
		{"minute mismatch", TimeSpec{Minute: intp(0)}, false},
		{"weekday match", TimeSpec{Weekday: weekdayp(time.Monday)}, true},
		{"weekday mismatch", TimeSpec{Weekday: weekdayp(time.Friday)}, false},
	}
	for _, tc := range cases {
		if got := tc.spec.Matches(monday); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func weekdayp(d time.Weekday) *time.Weekday { return &d }

// --- task management ---

func TestScheduler_Add_RejectsIncompleteTriggers(t *testing.T) {
	// A trigger without its configuration is an error, not a dormant task
	s := New(nil, nil)

	if err := s.Add(&Task{Name: "no spec", Trigger: TriggerTime}); err == nil {
		t.Error("Add(TIME without spec) returned nil error")
	}
	if err := s.Add(&Task{Name: "no interval", Trigger: TriggerInterval}); err == nil {
		t.Error("Add(INTERVAL without seconds) returned nil error")
	}
	if err := s.Add(&Task{Name: "bad trigger", Trigger: Trigger("CRON")}); err == nil {
		t.Error("Add(unsupported trigger) returned nil error")
	}
	if got := len(s.List()); got != 0 {
		t.Errorf("List length = %d after rejected adds, want 0", got)
	}
}

func TestScheduler_ScheduleAt_CreatesDailyTask(t *testing.T) {
	// ScheduleAt yields an 8-char id and an active task with a next run
	s := New(nil, nil)

	id, err := s.ScheduleAt("morning report", "what time is it", 9, 30)
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	if len(id) != 8 {
		t.Errorf("id %q length = %d, want 8", id, len(id))
	}

	task, ok := s.Get(id)
	if !ok {
		t.Fatal("Get returned no task")
	}
	if task.Trigger != TriggerTime {
		t.Errorf("Trigger = %s, want TIME", task.Trigger)
	}
	if task.State != Active {
		t.Errorf("State = %s, want ACTIVE", task.State)
	}
	if task.NextRun.IsZero() {
		t.Error("NextRun is zero, want a computed slot")
	}
	if task.Time == nil || *task.Time.Hour != 9 || *task.Time.Minute != 30 {
		t.Errorf("TimeSpec = %+v, want hour 9 minute 30", task.Time)
	}
}

func TestScheduler_ScheduleInterval_CompletesAtMaxRuns(t *testing.T) {
	// A capped task runs its quota and transitions to COMPLETED
	runs := 0
	s := New(nil, func(ctx context.Context, text string) (string, error) {
		runs++
		return "done", nil
	})

	id, err := s.ScheduleInterval("poller", "check status", 60, 2)
	if err != nil {
		t.Fatalf("ScheduleInterval: %v", err)
	}

	ctx := context.Background()
	s.runDue(ctx, time.Now().Add(61*time.Second))
	if runs != 1 {
		t.Fatalf("runs = %d after first due pass, want 1", runs)
	}
	s.runDue(ctx, time.Now().Add(2*time.Minute))
	if runs != 2 {
		t.Fatalf("runs = %d after second due pass, want 2", runs)
	}

	task, ok := s.Get(id)
	if !ok {
		t.Fatal("Get returned no task")
	}
	if task.State != Completed {
		t.Errorf("State = %s, want COMPLETED", task.State)
	}
	if !task.NextRun.IsZero() {
		t.Errorf("NextRun = %v after completion, want zero", task.NextRun)
	}

	// A completed task never fires again.
	s.runDue(ctx, time.Now().Add(time.Hour))
	if runs != 2 {
		t.Errorf("runs = %d after completion, want 2", runs)
	}
}

func TestScheduler_PauseAndResume(t *testing.T) {
	// Paused tasks sit out due passes; resume recomputes the next slot
	runs := 0
	s := New(nil, func(ctx context.Context, text string) (string, error) {
		runs++
		return "", nil
	})
	id, err := s.ScheduleEvery("poller", "check status", 30)
	if err != nil {
		t.Fatalf("ScheduleEvery: %v", err)
	}

	if !s.Pause(id) {
		t.Fatal("Pause returned false")
	}
	s.runDue(context.Background(), time.Now().Add(time.Hour))
	if runs != 0 {
		t.Errorf("runs = %d while paused, want 0", runs)
	}

	if !s.Resume(id) {
		t.Fatal("Resume returned false")
	}
	task, _ := s.Get(id)
	if task.State != Active {
		t.Errorf("State = %s after resume, want ACTIVE", task.State)
	}
	if !task.NextRun.After(time.Now()) {
		t.Errorf("NextRun = %v after resume, want a future slot", task.NextRun)
	}
}

func TestScheduler_Remove(t *testing.T) {
	// Removal is idempotent and leaves no trace in the live table
	s := New(nil, nil)
	id, err := s.ScheduleEvery("poller", "check status", 30)
	if err != nil {
		t.Fatalf("ScheduleEvery: %v", err)
	}

	if !s.Remove(id) {
		t.Error("Remove = false, want true")
	}
	if s.Remove(id) {
		t.Error("second Remove = true, want false")
	}
	if _, ok := s.Get(id); ok {
		t.Error("Get found a removed task")
	}
}

func TestScheduler_DispatchErrorKeepsTaskActive(t *testing.T) {
	// A failed dispatch is logged and the task keeps its schedule
	s := New(nil, func(ctx context.Context, text string) (string, error) {
		return "", errors.New("pipeline busy")
	})
	id, err := s.ScheduleEvery("poller", "check status", 30)
	if err != nil {
		t.Fatalf("ScheduleEvery: %v", err)
	}

	s.runDue(context.Background(), time.Now().Add(31*time.Second))

	task, _ := s.Get(id)
	if task.State != Active {
		t.Errorf("State = %s, want ACTIVE", task.State)
	}
	if task.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", task.RunCount)
	}
	if !task.NextRun.After(time.Now()) {
		t.Errorf("NextRun = %v, want a future slot", task.NextRun)
	}
}

// --- rendering ---

func TestScheduler_DescribeTasks(t *testing.T) {
	// Empty and populated renderings match the fixed display format
	s := New(nil, nil)
	if got := s.DescribeTasks(); got != "No scheduled tasks" {
		t.Errorf("DescribeTasks = %q, want %q", got, "No scheduled tasks")
	}

	id, err := s.ScheduleAt("daily report", "summarize my day", 18, 0)
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}

	got := s.DescribeTasks()
	if !strings.HasPrefix(got, "Scheduled tasks:") {
		t.Errorf("DescribeTasks = %q, want header first", got)
	}
	wantLine := fmt.Sprintf("  - daily report (%s): ACTIVE, next: ", id)
	if !strings.Contains(got, wantLine) {
		t.Errorf("DescribeTasks = %q, want a line starting %q", got, wantLine)
	}
}

// --- persistence ---

func TestScheduler_PersistsTaskLifecycle(t *testing.T) {
	// Live tasks land as pending rows; completion and removal update them
	st, err := store.Open(filepath.Join(t.TempDir(), "jarvis.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := New(st, func(ctx context.Context, text string) (string, error) {
		return "done", nil
	})
	ctx := context.Background()

	oneShot, err := s.ScheduleInterval("one shot", "check status", 30, 1)
	if err != nil {
		t.Fatalf("ScheduleInterval: %v", err)
	}
	keeper, err := s.ScheduleEvery("keeper", "check status", 30)
	if err != nil {
		t.Fatalf("ScheduleEvery: %v", err)
	}

	pending, err := st.PendingTasks(ctx)
	if err != nil {
		t.Fatalf("PendingTasks: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending rows = %d, want 2", len(pending))
	}

	s.runDue(ctx, time.Now().Add(31*time.Second)) // one shot completes
	s.Remove(keeper)

	rows, err := st.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	byID := map[string]string{}
	for _, r := range rows {
		byID[r.ID] = r.Status
	}
	if byID[oneShot] != store.TaskCompleted {
		t.Errorf("one-shot status = %q, want %q", byID[oneShot], store.TaskCompleted)
	}
	if byID[keeper] != store.TaskCancelled {
		t.Errorf("removed status = %q, want %q", byID[keeper], store.TaskCancelled)
	}
}

func TestCheckLegacyTaskFile(t *testing.T) {
	// An existing legacy file is a hard error; absence and no path are fine
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	err := CheckLegacyTaskFile(path)
	if !errors.Is(err, ErrLegacyTaskFile) {
		t.Errorf("err = %v, want ErrLegacyTaskFile", err)
	}
	if err := CheckLegacyTaskFile(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Errorf("missing file: err = %v, want nil", err)
	}
	if err := CheckLegacyTaskFile(""); err != nil {
		t.Errorf("empty path: err = %v, want nil", err)
	}
}

// --- loop ---

func TestScheduler_Run_StopsOnCancel(t *testing.T) {
	// The loop returns promptly when its context is cancelled
	s := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
