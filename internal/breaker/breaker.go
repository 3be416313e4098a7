// Package breaker isolates repeatedly failing tools behind per-tool circuit
// breakers.
//
// Built on sony/gobreaker's TwoStepCircuitBreaker: the executor asks for
// admission before running a tool and reports the outcome after, so the
// confirmation pause between the two never holds a half-open probe slot.
package breaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State is the wire name for a breaker state.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config holds the trip thresholds shared by every breaker in a registry.
type Config struct {
	FailureThreshold uint32        // consecutive failures that trip CLOSED → OPEN
	RecoveryTimeout  time.Duration // OPEN → HALF_OPEN probe delay
	SuccessThreshold uint32        // HALF_OPEN successes that close the breaker
}

// DefaultConfig returns the production thresholds: 5 consecutive failures,
// 30s recovery, 2 half-open successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// OpenError reports a call rejected by an open (or probing) breaker.
type OpenError struct {
	Tool      string
	Remaining time.Duration // time until the next half-open probe; 0 when probing
}

func (e *OpenError) Error() string {
	if e.Remaining > 0 {
		return fmt.Sprintf("circuit breaker for %s is open; retry in %ds", e.Tool, int(e.Remaining.Seconds()+0.999))
	}
	return fmt.Sprintf("circuit breaker for %s is half-open; probe in flight", e.Tool)
}

// Status is a point-in-time snapshot of one tool's breaker.
type Status struct {
	Tool                 string        `json:"tool"`
	State                State         `json:"state"`
	ConsecutiveFailures  uint32        `json:"consecutive_failures"`
	TotalFailures        uint32        `json:"total_failures"`
	TotalSuccesses       uint32        `json:"total_successes"`
	RemainingRecovery    time.Duration `json:"-"`
	RemainingRecoverySec int           `json:"remaining_recovery_sec"`
}

type entry struct {
	mu       sync.Mutex
	cb       *gobreaker.TwoStepCircuitBreaker
	openedAt time.Time
}

// Registry creates and tracks one breaker per tool. Breakers are created
// lazily on first use and never removed.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	onTrip  func(tool string, from, to State)
}

// NewRegistry creates a Registry with the given thresholds.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	return &Registry{cfg: cfg, entries: make(map[string]*entry)}
}

// OnStateChange registers a callback for breaker state changes. Set it
// during wiring, before the first Allow; the callback runs synchronously on
// the goroutine that triggered the change and must not call back into the
// registry.
func (r *Registry) OnStateChange(fn func(tool string, from, to State)) {
	r.mu.Lock()
	r.onTrip = fn
	r.mu.Unlock()
}

// Allow asks whether a call to tool may proceed. On admission it returns a
// done recorder that must be called exactly once with the outcome. On
// rejection it returns an *OpenError.
func (r *Registry) Allow(tool string) (done func(success bool), err error) {
	e := r.forTool(tool)
	done, err = e.cb.Allow()
	if err != nil {
		oe := &OpenError{Tool: tool}
		if errors.Is(err, gobreaker.ErrOpenState) {
			oe.Remaining = e.remaining(r.cfg.RecoveryTimeout)
		}
		return nil, oe
	}
	return done, nil
}

// State returns the breaker state for tool, creating the breaker if needed.
// Reading the state is what moves an expired OPEN breaker to HALF_OPEN.
func (r *Registry) State(tool string) State {
	e := r.forTool(tool)
	return fromGobreaker(e.cb.State())
}

// Snapshot returns the status of every breaker created so far.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]Status, len(names))
	for _, name := range names {
		out[name] = r.status(name)
	}
	return out
}

// Remaining returns the time left before tool's open breaker admits a
// probe. Zero when the breaker is not open.
func (r *Registry) Remaining(tool string) time.Duration {
	e := r.forTool(tool)
	if fromGobreaker(e.cb.State()) != Open {
		return 0
	}
	return e.remaining(r.cfg.RecoveryTimeout)
}

// Reset swaps in a fresh closed breaker for tool (manual recovery).
func (r *Registry) Reset(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[tool]; !ok {
		return
	}
	log.Printf("[BREAKER] manual reset tool=%s", tool)
	r.entries[tool] = r.newEntry(tool)
}

func (r *Registry) status(tool string) Status {
	e := r.forTool(tool)
	counts := e.cb.Counts()
	st := fromGobreaker(e.cb.State())
	var rem time.Duration
	if st == Open {
		rem = e.remaining(r.cfg.RecoveryTimeout)
	}
	return Status{
		Tool:                 tool,
		State:                st,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		TotalFailures:        counts.TotalFailures,
		TotalSuccesses:       counts.TotalSuccesses,
		RemainingRecovery:    rem,
		RemainingRecoverySec: int(rem.Seconds() + 0.999),
	}
}

func (r *Registry) forTool(tool string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[tool]; ok {
		return e
	}
	e := r.newEntry(tool)
	r.entries[tool] = e
	return e
}

// newEntry builds a breaker wired for consecutive-failure tripping.
// Interval stays 0 so failure counts persist until a success or a state
// change clears them. Caller holds r.mu.
func (r *Registry) newEntry(tool string) *entry {
	e := &entry{}
	onTrip := r.onTrip
	e.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        tool,
		MaxRequests: r.cfg.SuccessThreshold,
		Interval:    0,
		Timeout:     r.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				e.mu.Lock()
				e.openedAt = time.Now()
				e.mu.Unlock()
			}
			log.Printf("[BREAKER] %s: %s → %s", name, fromGobreaker(from), fromGobreaker(to))
			if onTrip != nil {
				onTrip(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	return e
}

func (e *entry) remaining(timeout time.Duration) time.Duration {
	e.mu.Lock()
	openedAt := e.openedAt
	e.mu.Unlock()
	if openedAt.IsZero() {
		return 0
	}
	rem := timeout - time.Since(openedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}
