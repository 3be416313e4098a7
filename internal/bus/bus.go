// Package bus is the observable event stream of the turn pipeline. Every
// stage publishes what it did; the terminal display taps the full stream.
package bus

import (
	"log"
	"sync"
	"time"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Kind classifies pipeline events.
type Kind string

const (
	KindTranscription  Kind = "transcription"
	KindCommand        Kind = "command"
	KindResult         Kind = "result"
	KindState          Kind = "state"
	KindConfirmRequest Kind = "confirm_request"
)

// Event is one observable moment in a turn.
type Event struct {
	Kind    Kind
	TurnID  string
	At      time.Time
	Payload any
}

// StateChange is the payload of a state event.
type StateChange struct {
	From   string
	To     string
	Reason string
}

// Transcription is the payload of a transcription event.
type Transcription struct {
	Text       string
	Confidence float64
}

// ConfirmRequest is the payload of a confirm_request event. It carries just
// enough for a front end to render the prompt; the full pending record stays
// with the executor.
type ConfirmRequest struct {
	ID    string
	Tool  string
	Level string
}

// Bus fans events out to per-kind subscribers and a single tap.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan Event
	tapCh       chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Kind][]chan Event),
		tapCh:       make(chan Event, tapBufSize),
	}
}

// Publish fans out e to all subscribers of e.Kind and to the tap. Stamps
// the event time when unset. Non-blocking: a full subscriber channel drops
// the event with a warning rather than stalling the pipeline.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[e.Kind]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for kind=%s turn=%s, event dropped", e.Kind, e.TurnID)
		}
	}

	// Send to the tap. Non-blocking so display backpressure never stalls a turn.
	select {
	case b.tapCh <- e:
	default:
		log.Printf("[BUS] WARNING: tap channel full, event dropped kind=%s", e.Kind)
	}
}

// Subscribe returns a receive-only channel delivering events of one kind.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(k Kind) <-chan Event {
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[k] = append(b.subscribers[k], ch)
	b.mu.Unlock()
	return ch
}

// Tap returns the read-only channel that mirrors every published event.
// Only one consumer should call this; repeated calls return the same channel.
func (b *Bus) Tap() <-chan Event {
	return b.tapCh
}
