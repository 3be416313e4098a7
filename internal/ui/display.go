// Package ui renders the live turn pipeline to the terminal and formats
// the status tables behind the REPL's slash commands.
package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/jarvis/internal/bus"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

// Pipeline role labels for flow lines.
const (
	labelUser     = "👤 user"
	labelExecutor = "⚙️  executor"
	labelCore     = "🧭 core"
)

const boxWidth = 62

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders a live turn visualization to stdout. It reads from a bus
// tap channel, opens a box when a turn starts, prints one flow line per
// event, and closes the box on the turn's result.
type Display struct {
	tap        <-chan bus.Event
	abortCh    chan struct{}
	resumeCh   chan struct{}
	mu         sync.Mutex
	status     string
	started    time.Time
	inTurn     bool
	failed     bool
	spinIdx    int
	suppressed bool // true after Abort(); blocks new boxes until Resume()
}

// New creates a Display reading from tap.
func New(tap <-chan bus.Event) *Display {
	return &Display{tap: tap, abortCh: make(chan struct{}, 1), resumeCh: make(chan struct{}, 1)}
}

// Abort closes the current box immediately and suppresses stale events
// until Resume() is called. Safe to call from any goroutine.
func (d *Display) Abort() {
	select {
	case d.abortCh <- struct{}{}:
	default:
	}
}

// Resume lifts the post-abort suppression so the next turn can open a box.
// Safe to call from any goroutine.
func (d *Display) Resume() {
	select {
	case d.resumeCh <- struct{}{}:
	default:
	}
}

// Run renders flow lines and animates the spinner. All terminal writes
// happen on this one goroutine, so no extra locking is needed for I/O.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\033[K")
			return

		case <-d.abortCh:
			if d.inTurn {
				fmt.Print("\r\033[K")
				d.endTurn(false)
			}
			d.mu.Lock()
			d.suppressed = true
			d.mu.Unlock()

		case <-d.resumeCh:
			d.mu.Lock()
			d.suppressed = false
			d.mu.Unlock()

		case e, ok := <-d.tap:
			if !ok {
				return
			}
			if !d.inTurn {
				d.mu.Lock()
				sup := d.suppressed
				d.mu.Unlock()
				if sup {
					// Drain stale post-abort events silently.
					continue
				}
				if idleHousekeeping(e) {
					continue
				}
				d.startTurn(e.TurnID)
			}
			if e.Kind == bus.KindState {
				if change, ok := e.Payload.(bus.StateChange); ok && change.To == "ERROR" {
					d.failed = true
				}
			}
			// Clear the spinner line before printing a new flow line.
			fmt.Print("\r\033[K")
			if line, show := flowLine(e); show {
				fmt.Println(line)
			}
			if s := statusFor(e); s != "" {
				d.setStatus(s)
			}
			if e.Kind == bus.KindResult {
				d.endTurn(!d.failed)
			}

		case <-ticker.C:
			if !d.inTurn {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			fmt.Printf("\r%s%s%s %s", ansiCyan, string(frame), ansiReset, status)
		}
	}
}

// idleHousekeeping reports whether e is a between-turns transition that
// should not open a box (shutdown, cancelled listening, stale resets).
func idleHousekeeping(e bus.Event) bool {
	if e.Kind != bus.KindState {
		return false
	}
	change, ok := e.Payload.(bus.StateChange)
	return ok && change.To == "IDLE"
}

func (d *Display) startTurn(turnID string) {
	d.started = time.Now()
	d.inTurn = true
	d.failed = false
	d.setStatus("initializing...")
	title := fmt.Sprintf("┌─── ⚡ jarvis %s ", turnID)
	fmt.Printf("\n%s%s%s%s\n", ansiDim, title, strings.Repeat("─", fill(title)), ansiReset)
}

func (d *Display) endTurn(success bool) {
	d.inTurn = false
	elapsed := time.Since(d.started).Round(time.Millisecond)
	icon := "✅"
	if !success {
		icon = "❌"
	}
	tail := fmt.Sprintf("└─── %s  %v ", icon, elapsed)
	fmt.Printf("\r\033[K%s%s%s%s\n", ansiDim, tail, strings.Repeat("─", fill(tail)), ansiReset)
}

func fill(s string) int {
	n := boxWidth - runewidth.StringWidth(s)
	if n < 0 {
		return 0
	}
	return n
}

func (d *Display) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// flowLine renders one event as a pipeline flow line. The second return is
// false for events with no visual representation.
func flowLine(e bus.Event) (string, bool) {
	switch e.Kind {
	case bus.KindCommand:
		text, _ := e.Payload.(string)
		return fmt.Sprintf("  %s ──[%scommand: %s%s]──► %s",
			labelUser, ansiCyan, clipCols(text, 44), ansiReset, labelCore), true

	case bus.KindTranscription:
		tr, ok := e.Payload.(bus.Transcription)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("  %s ──[%sheard: %s (%.0f%%)%s]──► %s",
			labelUser, ansiCyan, clipCols(tr.Text, 36), tr.Confidence*100, ansiReset, labelCore), true

	case bus.KindConfirmRequest:
		cr, ok := e.Payload.(bus.ConfirmRequest)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("  %s ──[%sconfirm %s? id=%s (%s)%s]──► %s",
			labelExecutor, ansiYellow, cr.Tool, cr.ID, cr.Level, ansiReset, labelUser), true

	case bus.KindState:
		change, ok := e.Payload.(bus.StateChange)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%s  ⚡ %s → %s (%s)%s",
			ansiDim, change.From, change.To, clipCols(change.Reason, 36), ansiReset), true
	}
	// Results are surfaced by endTurn; everything else stays silent.
	return "", false
}

// statusFor returns the spinner label for an event, or "" to keep the
// current one.
func statusFor(e bus.Event) string {
	switch e.Kind {
	case bus.KindCommand, bus.KindTranscription:
		return "📐 planning..."
	case bus.KindConfirmRequest:
		return "⏸  awaiting confirmation..."
	case bus.KindState:
		change, ok := e.Payload.(bus.StateChange)
		if !ok {
			return ""
		}
		switch change.To {
		case "PLANNING":
			return "📐 planning..."
		case "EXECUTING":
			return "⚙️  executing tools..."
		case "RESPONDING":
			return "🗣  responding..."
		case "LISTENING":
			return "🎙  listening..."
		case "TRANSCRIBING":
			return "🎙  transcribing..."
		case "ERROR":
			return "recovering..."
		}
	}
	return ""
}

// clipCols truncates s to at most cols terminal columns, appending "…"
// when trimmed. Width-aware so CJK text cannot overflow the box.
func clipCols(s string, cols int) string {
	if runewidth.StringWidth(s) <= cols {
		return s
	}
	return runewidth.Truncate(s, cols, "…")
}

// padCols right-pads s with spaces to cols terminal columns.
func padCols(s string, cols int) string {
	pad := cols - runewidth.StringWidth(s)
	if pad <= 0 {
		return s
	}
	return s + strings.Repeat(" ", pad)
}
