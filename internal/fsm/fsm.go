// Package fsm implements the turn lifecycle state machine.
//
// Every turn moves through a fixed set of states along a fixed adjacency
// table. There is no way to force an arbitrary jump: recovery from a bad
// state always routes through ERROR → IDLE.
package fsm

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// State is one turn lifecycle state.
type State string

const (
	Idle         State = "IDLE"
	Listening    State = "LISTENING"
	Transcribing State = "TRANSCRIBING"
	Planning     State = "PLANNING"
	Executing    State = "EXECUTING"
	Responding   State = "RESPONDING"
	Error        State = "ERROR"
)

// validTransitions is the adjacency table. A pair not listed here is
// invalid no matter who asks.
var validTransitions = map[State][]State{
	Idle:         {Listening, Planning, Error},
	Listening:    {Idle, Transcribing, Error},
	Transcribing: {Planning, Idle, Error},
	Planning:     {Executing, Responding, Idle, Error},
	Executing:    {Responding, Error},
	Responding:   {Idle, Listening, Error},
	Error:        {Idle},
}

// InvalidTransitionError reports an attempted move between non-adjacent states.
type InvalidTransitionError struct {
	From  State
	To    State
	Valid []State
}

func (e *InvalidTransitionError) Error() string {
	names := make([]string, len(e.Valid))
	for i, s := range e.Valid {
		names[i] = string(s)
	}
	return fmt.Sprintf("invalid transition: %s → %s (valid: %s)", e.From, e.To, strings.Join(names, ", "))
}

// Transition records one accepted state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Listener observes accepted transitions. Listeners run synchronously on
// the transitioning goroutine in registration order; a panicking listener
// is recovered and logged, and never aborts the transition.
type Listener func(Transition)

// historyCap bounds the in-memory transition ring.
const historyCap = 100

// Machine is the turn state machine. Thread-safe.
type Machine struct {
	mu        sync.Mutex
	current   State
	history   []Transition
	listeners map[int]Listener
	order     []int // listener ids in registration order
	nextID    int
}

// New creates a Machine starting in IDLE.
func New() *Machine {
	return &Machine{
		current:   Idle,
		listeners: make(map[int]Listener),
	}
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CanTransition reports whether moving to the given state is legal now.
func (m *Machine) CanTransition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return adjacent(m.current, to)
}

// IsBusy reports whether a turn is in flight (anything but IDLE or ERROR).
func (m *Machine) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != Idle && m.current != Error
}

// Transition moves the machine to the given state, recording the hop and
// notifying listeners. Returns InvalidTransitionError and leaves the state
// untouched when the pair is not adjacent.
func (m *Machine) Transition(to State, reason string) (Transition, error) {
	m.mu.Lock()
	tr, fns, err := m.transitionLocked(to, reason)
	m.mu.Unlock()
	if err != nil {
		return Transition{}, err
	}
	notify(fns, tr)
	return tr, nil
}

// Reset forces the machine back to IDLE. From any non-ERROR state it first
// records a synthesized hop into ERROR (every state is adjacent to ERROR),
// then the ERROR → IDLE hop. A no-op when already IDLE.
func (m *Machine) Reset(reason string) {
	m.mu.Lock()
	if m.current == Idle {
		m.mu.Unlock()
		return
	}
	var trs []Transition
	var fns []Listener
	if m.current != Error {
		tr, f, err := m.transitionLocked(Error, reason)
		if err == nil {
			trs = append(trs, tr)
			fns = f
		}
	}
	tr, f, err := m.transitionLocked(Idle, reason)
	if err == nil {
		trs = append(trs, tr)
		fns = f
	}
	m.mu.Unlock()
	for _, t := range trs {
		notify(fns, t)
	}
}

// AddListener registers fn and returns an id for RemoveListener.
func (m *Machine) AddListener(fn Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.order = append(m.order, id)
	return id
}

// RemoveListener drops the listener registered under id.
func (m *Machine) RemoveListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// History returns a copy of the recorded transitions, oldest first.
// The ring holds at most the last 100 hops.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// transitionLocked performs the state change under m.mu and returns the
// listener snapshot for notification after unlock (a listener may call
// back into the machine).
func (m *Machine) transitionLocked(to State, reason string) (Transition, []Listener, error) {
	if !adjacent(m.current, to) {
		valid := make([]State, len(validTransitions[m.current]))
		copy(valid, validTransitions[m.current])
		return Transition{}, nil, &InvalidTransitionError{From: m.current, To: to, Valid: valid}
	}
	tr := Transition{From: m.current, To: to, At: time.Now().UTC(), Reason: reason}
	m.current = to
	m.history = append(m.history, tr)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	fns := make([]Listener, 0, len(m.order))
	for _, id := range m.order {
		if fn, ok := m.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	return tr, fns, nil
}

func adjacent(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func notify(fns []Listener, tr Transition) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[ORCH] WARNING: state listener panicked on %s → %s: %v", tr.From, tr.To, r)
				}
			}()
			fn(tr)
		}()
	}
}
