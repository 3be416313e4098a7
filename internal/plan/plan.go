// Package plan gates raw planner output before anything executes.
//
// The planner — LLM-backed or rule-based — emits one JSON document:
//
//	{"thinking": "...",
//	 "tool_calls": [{"tool": "...", "arguments": {...}, "reasoning": "..."}],
//	 "response": "..."}
//
// Parse turns that text into a Plan with a definite status. Downstream code
// only ever executes a VALID plan; everything else is rejected here with
// the reason attached.
package plan

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/haricheung/jarvis/internal/tools"
)

// Status is the gate's verdict on a planner document.
type Status string

const (
	Valid           Status = "VALID"
	InvalidJSON     Status = "INVALID_JSON"
	UnknownTool     Status = "UNKNOWN_TOOL" // never retried; the planner invented a tool
	ValidationError Status = "VALIDATION_ERROR"
)

// ToolCall is one planned tool invocation.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Reasoning string         `json:"reasoning,omitempty"`
}

// Document is the wire shape the planner emits.
type Document struct {
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls"`
	Response  string     `json:"response,omitempty"`
}

// Plan is a gated planner document.
type Plan struct {
	Status       Status
	Thinking     string
	ToolCalls    []ToolCall
	ResponseText string
	Error        string
}

// IsValid reports whether the plan passed the gate.
func (p *Plan) IsValid() bool { return p.Status == Valid }

// RequiresTools reports whether the plan carries tool calls.
func (p *Plan) RequiresTools() bool { return len(p.ToolCalls) > 0 }

// Parse gates one raw planner document against the registry. Markdown code
// fences and think blocks around the JSON are tolerated. Argument values
// are carried through untouched; schema validation happens per call at
// execution time.
func Parse(raw string, reg *tools.Registry) *Plan {
	cleaned := StripFences(raw)

	var doc Document
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		log.Printf("[PLAN] invalid JSON from planner: %v (raw: %s)", err, clip(cleaned, 200))
		return &Plan{
			Status: InvalidJSON,
			Error:  fmt.Sprintf("invalid JSON: %v", err),
		}
	}

	for _, tc := range doc.ToolCalls {
		if !reg.Has(tc.Tool) {
			log.Printf("[PLAN] unknown tool in plan: %q", tc.Tool)
			return &Plan{
				Status:   UnknownTool,
				Thinking: doc.Thinking,
				Error:    fmt.Sprintf("unknown tool: %s", tc.Tool),
			}
		}
	}

	response := strings.TrimSpace(doc.Response)
	if len(doc.ToolCalls) == 0 && response == "" {
		return &Plan{
			Status:   ValidationError,
			Thinking: doc.Thinking,
			Error:    "plan has neither tool calls nor a response",
		}
	}

	log.Printf("[PLAN] valid plan: %d tool call(s), response=%v", len(doc.ToolCalls), response != "")
	return &Plan{
		Status:       Valid,
		Thinking:     doc.Thinking,
		ToolCalls:    doc.ToolCalls,
		ResponseText: response,
	}
}

// StripThinkBlocks removes all <think>...</think> blocks from s.
// Reasoning models (e.g. deepseek-r1) emit these before or between JSON
// objects. The blocks are not part of structured output and must be
// stripped before JSON parsing.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			// Unclosed block — strip from opening tag to end of string.
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences (```json ... ```) from planner
// output, and also strips <think>...</think> reasoning blocks emitted by
// reasoning models.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		// Remove opening fence line
		idx := strings.Index(s, "\n")
		if idx != -1 {
			s = s[idx+1:]
		}
		// Remove closing fence
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
