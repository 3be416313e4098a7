// Package faults defines the closed error taxonomy for the pipeline.
//
// Every error that crosses an internal boundary is classified into one of
// nine categories. The category decides whether the operation may retry,
// how long to wait, and which fixed message the user sees — raw error text
// never reaches the front end.
package faults

import (
	"fmt"
	"sync"
	"time"
)

// Category classifies a fault.
type Category string

const (
	ToolFailure      Category = "TOOL_FAILURE"
	ValidationError  Category = "VALIDATION_ERROR"
	LLMFailure       Category = "LLM_FAILURE"
	LLMHallucination Category = "LLM_HALLUCINATION"
	PermissionError  Category = "PERMISSION_ERROR"
	NetworkError     Category = "NETWORK_ERROR"
	TimeoutError     Category = "TIMEOUT_ERROR"
	SystemError      Category = "SYSTEM_ERROR"
	UserError        Category = "USER_ERROR"
)

// maxRetries is the retry ceiling per category. Zero means never retry.
var maxRetries = map[Category]int{
	ToolFailure:      2,
	ValidationError:  0,
	LLMFailure:       1,
	LLMHallucination: 0,
	PermissionError:  0,
	NetworkError:     3,
	TimeoutError:     1,
	SystemError:      0,
	UserError:        0,
}

// retryDelays is the wait before a retry, per category.
var retryDelays = map[Category]time.Duration{
	ToolFailure:  1 * time.Second,
	LLMFailure:   2 * time.Second,
	NetworkError: 1 * time.Second,
	TimeoutError: 2 * time.Second,
}

// userMessages is the fixed table of user-facing text per category.
var userMessages = map[Category]string{
	ToolFailure:      "The command couldn't be completed. Please try again.",
	ValidationError:  "I couldn't understand that request. Please try rephrasing.",
	LLMFailure:       "I'm having trouble processing that. Please try again.",
	LLMHallucination: "I got confused. Let me try a different approach.",
	PermissionError:  "I don't have permission to do that.",
	NetworkError:     "I'm having trouble connecting. Please check your internet.",
	TimeoutError:     "That took too long. Please try again.",
	SystemError:      "Something went wrong internally. Please try again later.",
}

// Fault is a classified error.
type Fault struct {
	Category    Category
	Message     string
	Details     map[string]any
	Timestamp   time.Time
	Recoverable bool
	Err         error // wrapped cause, may be nil
}

// New creates a Fault. SYSTEM_ERROR and LLM_HALLUCINATION are never
// recoverable; everything else defaults to recoverable.
func New(cat Category, msg string) *Fault {
	return &Fault{
		Category:    cat,
		Message:     msg,
		Timestamp:   time.Now().UTC(),
		Recoverable: cat != SystemError && cat != LLMHallucination,
	}
}

// Wrap creates a Fault around an underlying error.
func Wrap(cat Category, msg string, err error) *Fault {
	f := New(cat, msg)
	f.Err = err
	return f
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", f.Category, f.Message, f.Err)
	}
	return fmt.Sprintf("[%s] %s", f.Category, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// ShouldRetry reports whether another attempt is allowed after `attempt`
// completed attempts.
func (f *Fault) ShouldRetry(attempt int) bool {
	return f.Recoverable && attempt < MaxRetries(f.Category)
}

// UserMessage returns the fixed user-facing text for the fault's category.
// USER_ERROR echoes the fault's own message (it was written for the user).
func (f *Fault) UserMessage() string {
	if f.Category == UserError {
		return f.Message
	}
	if msg, ok := userMessages[f.Category]; ok {
		return msg
	}
	return "An error occurred."
}

// MaxRetries returns the retry ceiling for a category.
func MaxRetries(cat Category) int {
	return maxRetries[cat]
}

// RetryDelay returns the wait before retrying a category. Categories with
// no entry wait the default one second.
func RetryDelay(cat Category) time.Duration {
	if d, ok := retryDelays[cat]; ok {
		return d
	}
	return 1 * time.Second
}

// historyCap bounds the handler's fault history.
const historyCap = 100

// Handler converts faults into user-facing messages and keeps a bounded
// history for diagnostics.
type Handler struct {
	mu      sync.Mutex
	history []*Fault
	total   int
}

// NewHandler creates a Handler.
func NewHandler() *Handler {
	return &Handler{}
}

// Handle records the fault and returns its user-facing message.
func (h *Handler) Handle(f *Fault) string {
	h.mu.Lock()
	h.total++
	h.history = append(h.history, f)
	if len(h.history) > historyCap {
		h.history = h.history[len(h.history)-historyCap:]
	}
	h.mu.Unlock()
	return f.UserMessage()
}

// Stats summarizes handled faults: total count, per-category counts, and
// the five most recent entries.
func (h *Handler) Stats() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	byCategory := make(map[string]int)
	for _, f := range h.history {
		byCategory[string(f.Category)]++
	}

	recent := make([]map[string]any, 0, 5)
	start := len(h.history) - 5
	if start < 0 {
		start = 0
	}
	for _, f := range h.history[start:] {
		recent = append(recent, map[string]any{
			"category":  string(f.Category),
			"message":   f.Message,
			"timestamp": f.Timestamp.Format(time.RFC3339),
		})
	}

	return map[string]any{
		"total_errors": h.total,
		"by_category":  byCategory,
		"recent":       recent,
	}
}
