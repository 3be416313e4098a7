// Package sched runs time- and interval-triggered tasks by dispatching
// their action text back through the turn pipeline, so scheduled work is
// audited and authority-gated exactly like a typed command. Every task is
// explicitly configured; nothing schedules itself.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haricheung/jarvis/internal/store"
)

// Trigger selects how a task decides its next run.
type Trigger string

const (
	TriggerTime     Trigger = "TIME"     // daily wall-clock slot
	TriggerInterval Trigger = "INTERVAL" // every N seconds
)

// State is a task's lifecycle phase.
type State string

const (
	Active    State = "ACTIVE"
	Paused    State = "PAUSED"
	Completed State = "COMPLETED"
	Failed    State = "FAILED"
)

// ErrLegacyTaskFile reports a JSON task file left over from releases that
// persisted tasks outside the database.
var ErrLegacyTaskFile = errors.New("legacy JSON task file")

// CheckLegacyTaskFile fails when a pre-database task file still exists. The
// tasks table is the single source of truth; silently ignoring the file
// would lose whatever schedules it still holds.
func CheckLegacyTaskFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w found at %s: JSON task persistence is disabled, migrate the tasks to the database and remove the file", ErrLegacyTaskFile, path)
	}
	return nil
}

// TimeSpec pins a recurring wall-clock slot. Nil fields match any value.
type TimeSpec struct {
	Hour    *int
	Minute  *int
	Second  int
	Weekday *time.Weekday
}

// Matches reports whether t falls on the spec's slot.
func (ts TimeSpec) Matches(t time.Time) bool {
	if ts.Hour != nil && t.Hour() != *ts.Hour {
		return false
	}
	if ts.Minute != nil && t.Minute() != *ts.Minute {
		return false
	}
	if ts.Weekday != nil && t.Weekday() != *ts.Weekday {
		return false
	}
	return true
}

// NextOccurrence returns the first instant strictly after the given time
// that lands on the spec's slot. A spec with no minute recurs hourly; one
// with a minute recurs daily.
func (ts TimeSpec) NextOccurrence(after time.Time) time.Time {
	hour, minute := after.Hour(), after.Minute()
	if ts.Minute != nil {
		minute = *ts.Minute
	}
	if ts.Hour != nil {
		hour = *ts.Hour
	}
	target := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, ts.Second, 0, after.Location())
	if !target.After(after) {
		if ts.Minute == nil {
			target = target.Add(time.Hour)
		} else {
			target = target.AddDate(0, 0, 1)
		}
	}
	return target
}

// Task is one scheduled automation. MaxRuns of zero means unlimited.
type Task struct {
	ID              string
	Name            string
	Action          string // command text fed back to the orchestrator
	Trigger         Trigger
	Time            *TimeSpec
	IntervalSeconds int
	State           State
	LastRun         time.Time
	NextRun         time.Time
	RunCount        int
	MaxRuns         int
	CreatedAt       time.Time
	Description     string
}

// record maps the task onto its database row. ACTIVE and PAUSED tasks stay
// pending; the row is the durable lifecycle record, not a live mirror.
func (t *Task) record() *store.TaskRecord {
	status := store.TaskPending
	switch t.State {
	case Completed:
		status = store.TaskCompleted
	case Failed:
		status = store.TaskCancelled
	}
	return &store.TaskRecord{
		ID:            t.ID,
		Name:          t.Name,
		Action:        t.Action,
		Status:        status,
		ScheduledTime: t.NextRun,
		CreatedAt:     t.CreatedAt,
	}
}

// Dispatch sends a task's action text through the turn pipeline and
// returns the spoken result.
type Dispatch func(ctx context.Context, text string) (string, error)

// Scheduler owns the task table and the dispatch loop. The store may be
// nil (tasks are then session-only); the dispatcher may be nil until the
// orchestrator is wired, tasks due in the meantime are skipped with a
// warning.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	store    *store.Store
	dispatch Dispatch
}

// New creates an empty scheduler.
func New(st *store.Store, dispatch Dispatch) *Scheduler {
	return &Scheduler{
		tasks:    make(map[string]*Task),
		store:    st,
		dispatch: dispatch,
	}
}

// SetDispatch wires the dispatcher after construction. Used at startup when
// the scheduler must exist before the orchestrator that feeds it.
func (s *Scheduler) SetDispatch(d Dispatch) {
	s.mu.Lock()
	s.dispatch = d
	s.mu.Unlock()
}

// Add registers a task, assigning id, state, and next run as needed.
func (s *Scheduler) Add(t *Task) error {
	switch t.Trigger {
	case TriggerTime:
		if t.Time == nil {
			return fmt.Errorf("time trigger needs a time spec")
		}
	case TriggerInterval:
		if t.IntervalSeconds <= 0 {
			return fmt.Errorf("interval trigger needs a positive interval")
		}
	default:
		return fmt.Errorf("unsupported trigger: %s", t.Trigger)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()[:8]
	}
	if t.State == "" {
		t.State = Active
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	computeNextRun(t, time.Now())

	s.mu.Lock()
	s.tasks[t.ID] = t
	rec := t.record()
	s.mu.Unlock()

	log.Printf("[SCHED] task added: %s (%s)", t.Name, t.ID)
	return s.persist(rec)
}

// Remove deletes a task and cancels its database row.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	log.Printf("[SCHED] task removed: %s", id)
	if s.store != nil {
		if _, err := s.store.UpdateTaskStatus(context.Background(), id, store.TaskCancelled); err != nil {
			log.Printf("[SCHED] cancel task %s: %v", id, err)
		}
	}
	return true
}

// Pause stops a task from firing. Its next-run slot is kept for display.
func (s *Scheduler) Pause(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	var rec *store.TaskRecord
	if ok {
		t.State = Paused
		rec = t.record()
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	log.Printf("[SCHED] task paused: %s", id)
	if err := s.persist(rec); err != nil {
		log.Printf("[SCHED] %v", err)
	}
	return true
}

// Resume reactivates a paused task and recomputes its next run.
func (s *Scheduler) Resume(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	var rec *store.TaskRecord
	if ok {
		t.State = Active
		computeNextRun(t, time.Now())
		rec = t.record()
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	log.Printf("[SCHED] task resumed: %s", id)
	if err := s.persist(rec); err != nil {
		log.Printf("[SCHED] %v", err)
	}
	return true
}

// Get returns a snapshot of one task.
func (s *Scheduler) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns task snapshots in creation order.
func (s *Scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ScheduleAt registers a daily task for hour:minute and returns its id.
func (s *Scheduler) ScheduleAt(name, action string, hour, minute int) (string, error) {
	t := &Task{
		Name:    name,
		Action:  action,
		Trigger: TriggerTime,
		Time:    &TimeSpec{Hour: &hour, Minute: &minute},
	}
	if err := s.Add(t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// ScheduleEvery registers an unlimited repeating task and returns its id.
func (s *Scheduler) ScheduleEvery(name, action string, intervalSeconds int) (string, error) {
	return s.ScheduleInterval(name, action, intervalSeconds, 0)
}

// ScheduleInterval registers a repeating task capped at maxRuns (zero for
// unlimited) and returns its id.
func (s *Scheduler) ScheduleInterval(name, action string, intervalSeconds, maxRuns int) (string, error) {
	t := &Task{
		Name:            name,
		Action:          action,
		Trigger:         TriggerInterval,
		IntervalSeconds: intervalSeconds,
		MaxRuns:         maxRuns,
	}
	if err := s.Add(t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// DescribeTasks renders the task list for display.
func (s *Scheduler) DescribeTasks() string {
	tasks := s.List()
	if len(tasks) == 0 {
		return "No scheduled tasks"
	}
	lines := make([]string, 0, len(tasks)+1)
	lines = append(lines, "Scheduled tasks:")
	for _, t := range tasks {
		next := "N/A"
		if !t.NextRun.IsZero() {
			next = t.NextRun.Format("15:04:05")
		}
		lines = append(lines, fmt.Sprintf("  - %s (%s): %s, next: %s", t.Name, t.ID, t.State, next))
	}
	return strings.Join(lines, "\n")
}

// Run drives the scheduler at one-second resolution until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	log.Printf("[SCHED] scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("[SCHED] scheduler stopped")
			return
		case now := <-ticker.C:
			s.runDue(ctx, now)
		}
	}
}

// runDue fires every active task whose slot has arrived. Dispatch order is
// fixed by id so concurrent schedules replay deterministically.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []string
	for id, t := range s.tasks {
		if t.State == Active && !t.NextRun.IsZero() && !t.NextRun.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(due)
	for _, id := range due {
		s.runTask(ctx, id)
	}
}

// runTask dispatches one task and advances its lifecycle. The lock is not
// held across dispatch; a turn can take seconds.
func (s *Scheduler) runTask(ctx context.Context, id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.State != Active {
		s.mu.Unlock()
		return
	}
	name, action := t.Name, t.Action
	dispatch := s.dispatch
	s.mu.Unlock()

	log.Printf("[SCHED] running task: %s (%s)", name, id)
	if dispatch == nil {
		log.Printf("[SCHED] no dispatcher configured, cannot run %s", id)
		return
	}
	out, err := dispatch(ctx, action)
	if err != nil {
		log.Printf("[SCHED] task %s failed: %v", id, err)
	} else {
		log.Printf("[SCHED] task %s: %s", id, firstN(out, 120))
	}

	s.mu.Lock()
	t, ok = s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	t.LastRun = time.Now()
	t.RunCount++
	if t.MaxRuns > 0 && t.RunCount >= t.MaxRuns {
		t.State = Completed
		t.NextRun = time.Time{}
		log.Printf("[SCHED] task completed (max runs): %s", name)
	} else {
		computeNextRun(t, t.LastRun)
	}
	rec := t.record()
	s.mu.Unlock()

	if err := s.persist(rec); err != nil {
		log.Printf("[SCHED] %v", err)
	}
}

// computeNextRun assigns the task's next slot. Non-active tasks get none.
// An overdue interval restarts from now rather than burning catch-up runs.
func computeNextRun(t *Task, now time.Time) {
	if t.State != Active {
		t.NextRun = time.Time{}
		return
	}
	switch {
	case t.Trigger == TriggerTime && t.Time != nil:
		t.NextRun = t.Time.NextOccurrence(now)
	case t.Trigger == TriggerInterval && t.IntervalSeconds > 0:
		interval := time.Duration(t.IntervalSeconds) * time.Second
		if t.LastRun.IsZero() {
			t.NextRun = now.Add(interval)
			return
		}
		t.NextRun = t.LastRun.Add(interval)
		if !t.NextRun.After(now) {
			t.NextRun = now.Add(interval)
		}
	}
}

func (s *Scheduler) persist(rec *store.TaskRecord) error {
	if s.store == nil || rec == nil {
		return nil
	}
	if err := s.store.SaveTask(context.Background(), rec); err != nil {
		return fmt.Errorf("persist task %s: %w", rec.ID, err)
	}
	return nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
