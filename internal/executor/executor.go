// Package executor is the single entry point for running a tool. Every call
// walks the same sequence: registry lookup, schema validation, authority
// check, confirmation workflow, circuit-breaker gate, timeout-bounded
// execution, fault classification, audit. Nothing executes a tool except
// this package.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haricheung/jarvis/internal/audit"
	"github.com/haricheung/jarvis/internal/authority"
	"github.com/haricheung/jarvis/internal/breaker"
	"github.com/haricheung/jarvis/internal/degrade"
	"github.com/haricheung/jarvis/internal/faults"
	"github.com/haricheung/jarvis/internal/health"
	"github.com/haricheung/jarvis/internal/tools"
	"github.com/haricheung/jarvis/internal/turnctx"
)

// Status of one execution attempt.
type Status string

const (
	Success              Status = "SUCCESS"
	UnknownTool          Status = "UNKNOWN_TOOL"
	ValidationError      Status = "VALIDATION_ERROR"
	PermissionDenied     Status = "PERMISSION_DENIED"
	ConfirmationRequired Status = "CONFIRMATION_REQUIRED"
	ConfirmationDenied   Status = "CONFIRMATION_DENIED"
	ConfirmationTimeout  Status = "CONFIRMATION_TIMEOUT"
	Timeout              Status = "TIMEOUT"
	ExecutionError       Status = "EXECUTION_ERROR"
)

// DefaultConfirmationTTL is how long a pending confirmation stays answerable.
const DefaultConfirmationTTL = 60 * time.Second

// PendingConfirmation is a high-privilege call parked until the user answers.
type PendingConfirmation struct {
	ID          string
	Tool        string
	Args        map[string]any
	Reason      string
	Level       tools.PermissionLevel
	RequestedAt time.Time
	ExpiresIn   time.Duration
	TurnID      string
}

// Expired reports whether the confirmation window has closed. A zero
// ExpiresIn is expired from the moment it was created.
func (p *PendingConfirmation) Expired() bool {
	return !time.Now().UTC().Before(p.RequestedAt.Add(p.ExpiresIn))
}

// ApproveFunc answers a confirmation request synchronously. Returning true
// approves the call.
type ApproveFunc func(p *PendingConfirmation) bool

// ExecutionResult is the executor's verdict on one tool call. Error carries
// the user-visible reason; Fault carries the classified category for retry
// and budget decisions.
type ExecutionResult struct {
	Tool     string
	Status   Status
	Output   string
	Error    string
	Fault    *faults.Fault
	Pending  *PendingConfirmation
	Duration time.Duration
	TurnID   string
}

// Succeeded reports whether the tool ran and returned output.
func (r ExecutionResult) Succeeded() bool { return r.Status == Success }

// NeedsConfirmation reports whether the call is parked awaiting the user.
func (r ExecutionResult) NeedsConfirmation() bool { return r.Status == ConfirmationRequired }

// Executor gates every tool invocation. The audit log and health monitor
// may be nil; authority, breakers, and the registry are required.
type Executor struct {
	registry *tools.Registry
	auth     *authority.Authority
	breakers *breaker.Registry
	sandbox  *tools.Sandbox
	audit    *audit.Log
	health   *health.Monitor

	mu      sync.Mutex
	pending map[string]*PendingConfirmation
}

// New wires an executor around its collaborators.
func New(reg *tools.Registry, auth *authority.Authority, br *breaker.Registry, sb *tools.Sandbox, al *audit.Log, hm *health.Monitor) *Executor {
	return &Executor{
		registry: reg,
		auth:     auth,
		breakers: br,
		sandbox:  sb,
		audit:    al,
		health:   hm,
		pending:  make(map[string]*PendingConfirmation),
	}
}

// Execute runs one tool call through the whole governance sequence. approve
// may be nil; a confirmation-requiring call is then parked as a pending
// record resolvable via ConfirmPending.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]any, approve ApproveFunc) ExecutionResult {
	turnID := turnctx.ID(ctx)

	tool, ok := e.registry.Get(toolName)
	if !ok {
		msg := fmt.Sprintf("Unknown tool: %s", toolName)
		log.Printf("[EXEC] %s", msg)
		return ExecutionResult{
			Tool:   toolName,
			Status: UnknownTool,
			Error:  msg,
			Fault:  faults.New(faults.LLMHallucination, msg),
			TurnID: turnID,
		}
	}

	if ok, err := e.registry.ValidateCall(toolName, args); !ok {
		log.Printf("[EXEC] validation failed for %s: %v", toolName, err)
		return ExecutionResult{
			Tool:   toolName,
			Status: ValidationError,
			Error:  err.Error(),
			Fault:  faults.New(faults.ValidationError, err.Error()),
			TurnID: turnID,
		}
	}

	decision := e.auth.Check(toolName, tool.Permission, turnID)
	switch {
	case decision.NeedsConfirmation():
		return e.requireConfirmation(ctx, tool, args, decision.Reason, approve)
	case decision.Allowed() && tool.RequiresConfirmation && grantSource(decision.Grant) == "default":
		// A per-tool confirmation flag outranks a blanket default grant.
		return e.requireConfirmation(ctx, tool, args, "Tool requires user confirmation", approve)
	case !decision.Allowed():
		reason := fmt.Sprintf("Permission denied: %s", decision.Reason)
		log.Printf("[EXEC] %s: %s", toolName, reason)
		return ExecutionResult{
			Tool:   toolName,
			Status: PermissionDenied,
			Error:  reason,
			Fault:  faults.New(faults.PermissionError, reason),
			TurnID: turnID,
		}
	}

	return e.run(ctx, tool, args)
}

// ConfirmPending resolves a parked confirmation by id. Approval grants a
// session permission for the tool and executes it under the original turn id.
func (e *Executor) ConfirmPending(ctx context.Context, id string, approved bool) ExecutionResult {
	e.mu.Lock()
	pending, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()

	if !ok {
		msg := fmt.Sprintf("Unknown confirmation id: %s", id)
		return ExecutionResult{
			Tool:   "unknown",
			Status: ExecutionError,
			Error:  msg,
			Fault:  faults.New(faults.UserError, msg),
			TurnID: turnctx.ID(ctx),
		}
	}

	ctx = turnctx.With(ctx, pending.TurnID)

	if pending.Expired() {
		log.Printf("[EXEC] confirmation %s for %s expired", id, pending.Tool)
		e.auditEvent(audit.ConfirmResponse, "timeout", pending.TurnID, pending.Tool,
			map[string]any{"confirmation_id": id})
		msg := "Confirmation timed out. Please try again."
		return ExecutionResult{
			Tool:   pending.Tool,
			Status: ConfirmationTimeout,
			Error:  msg,
			Fault:  faults.New(faults.UserError, msg),
			TurnID: pending.TurnID,
		}
	}

	if !approved {
		log.Printf("[EXEC] user denied %s (id=%s)", pending.Tool, id)
		e.auditEvent(audit.ConfirmResponse, "denied", pending.TurnID, pending.Tool,
			map[string]any{"confirmation_id": id})
		msg := "User denied confirmation"
		return ExecutionResult{
			Tool:   pending.Tool,
			Status: ConfirmationDenied,
			Error:  msg,
			Fault:  faults.New(faults.UserError, msg),
			TurnID: pending.TurnID,
		}
	}

	e.auditEvent(audit.ConfirmResponse, "approved", pending.TurnID, pending.Tool,
		map[string]any{"confirmation_id": id})

	tool, ok := e.registry.Get(pending.Tool)
	if !ok {
		msg := fmt.Sprintf("Tool no longer available: %s", pending.Tool)
		return ExecutionResult{
			Tool:   pending.Tool,
			Status: UnknownTool,
			Error:  msg,
			Fault:  faults.New(faults.LLMHallucination, msg),
			TurnID: pending.TurnID,
		}
	}

	e.auth.Grant(tool.Name, tool.Permission, authority.NoExpiry, false, "session")
	return e.run(ctx, tool, pending.Args)
}

// Pending returns unresolved confirmations, oldest first. Expired records
// are skipped but kept so a late ConfirmPending still reports the timeout.
func (e *Executor) Pending() []*PendingConfirmation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*PendingConfirmation, 0, len(e.pending))
	for _, p := range e.pending {
		if p.Expired() {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (e *Executor) requireConfirmation(ctx context.Context, tool *tools.Tool, args map[string]any, reason string, approve ApproveFunc) ExecutionResult {
	turnID := turnctx.ID(ctx)
	pending := &PendingConfirmation{
		ID:          uuid.NewString()[:8],
		Tool:        tool.Name,
		Args:        args,
		Reason:      reason,
		Level:       tool.Permission,
		RequestedAt: time.Now().UTC(),
		ExpiresIn:   DefaultConfirmationTTL,
		TurnID:      turnID,
	}
	e.auditEvent(audit.ConfirmRequest, "requested", turnID, tool.Name, map[string]any{
		"confirmation_id":    pending.ID,
		"level":              string(tool.Permission),
		"expires_in_seconds": int(pending.ExpiresIn.Seconds()),
	})

	if approve == nil {
		e.mu.Lock()
		e.pending[pending.ID] = pending
		e.mu.Unlock()
		log.Printf("[EXEC] confirmation required for %s (id=%s)", tool.Name, pending.ID)
		return ExecutionResult{
			Tool:    tool.Name,
			Status:  ConfirmationRequired,
			Pending: pending,
			TurnID:  turnID,
		}
	}

	log.Printf("[EXEC] requesting confirmation for %s", tool.Name)
	if !approve(pending) {
		log.Printf("[EXEC] user denied %s", tool.Name)
		e.auditEvent(audit.ConfirmResponse, "denied", turnID, tool.Name,
			map[string]any{"confirmation_id": pending.ID})
		msg := "User denied confirmation"
		return ExecutionResult{
			Tool:   tool.Name,
			Status: ConfirmationDenied,
			Error:  msg,
			Fault:  faults.New(faults.UserError, msg),
			TurnID: turnID,
		}
	}

	e.auditEvent(audit.ConfirmResponse, "approved", turnID, tool.Name,
		map[string]any{"confirmation_id": pending.ID})
	e.auth.Grant(tool.Name, tool.Permission, authority.NoExpiry, false, "session")
	return e.run(ctx, tool, args)
}

// run is steps five through eight: breaker gate, timeout-bounded worker,
// classification, audit. Callers have already validated and authorized.
func (e *Executor) run(ctx context.Context, tool *tools.Tool, args map[string]any) ExecutionResult {
	turnID := turnctx.ID(ctx)

	if e.sandbox != nil && e.sandbox.DryRun {
		return ExecutionResult{
			Tool:   tool.Name,
			Status: Success,
			Output: fmt.Sprintf("[DRY RUN] Would execute %s with %v", tool.Name, args),
			TurnID: turnID,
		}
	}

	done, err := e.breakers.Allow(tool.Name)
	if err != nil {
		log.Printf("[EXEC] %s rejected: %v", tool.Name, err)
		e.auditEvent(audit.ToolExecute, "error", turnID, tool.Name,
			map[string]any{"error": err.Error()})
		return ExecutionResult{
			Tool:   tool.Name,
			Status: ExecutionError,
			Error:  err.Error(),
			Fault:  faults.New(faults.SystemError, err.Error()),
			TurnID: turnID,
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = tools.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	// Buffered so the abandoned worker can still send and exit.
	ch := make(chan outcome, 1)
	start := time.Now()
	go func() {
		out, err := tool.Run(runCtx, args)
		ch <- outcome{out, err}
	}()

	select {
	case oc := <-ch:
		elapsed := time.Since(start)
		ms := float64(elapsed.Microseconds()) / 1000.0

		if oc.err == nil {
			done(true)
			e.recordHealth(tool.Name, ms, false)
			e.auditEvent(audit.ToolExecute, "success", turnID, tool.Name, map[string]any{
				"args":              args,
				"execution_time_ms": ms,
			})
			log.Printf("[EXEC] %s completed in %s: %s",
				tool.Name, elapsed.Round(time.Millisecond), firstN(oc.output, 120))
			return ExecutionResult{
				Tool:     tool.Name,
				Status:   Success,
				Output:   oc.output,
				Duration: elapsed,
				TurnID:   turnID,
			}
		}

		f := degrade.Classify(oc.err, tool.Name)
		done(!countable(f.Category))
		e.recordHealth(tool.Name, ms, true)
		e.auditEvent(audit.ToolExecute, "error", turnID, tool.Name,
			map[string]any{"error": oc.err.Error()})
		log.Printf("[EXEC] %s failed after %s: %v", tool.Name, elapsed.Round(time.Millisecond), oc.err)
		return ExecutionResult{
			Tool:     tool.Name,
			Status:   ExecutionError,
			Error:    oc.err.Error(),
			Fault:    f,
			Duration: elapsed,
			TurnID:   turnID,
		}

	case <-runCtx.Done():
		elapsed := time.Since(start)
		ms := float64(elapsed.Microseconds()) / 1000.0
		done(false)
		e.recordHealth(tool.Name, ms, true)

		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			secs := int(timeout.Seconds())
			e.auditEvent(audit.ToolExecute, "timeout", turnID, tool.Name,
				map[string]any{"timeout_seconds": secs})
			log.Printf("[EXEC] %s timed out after %ds, worker abandoned", tool.Name, secs)
			msg := fmt.Sprintf("Execution timed out after %ds", secs)
			return ExecutionResult{
				Tool:     tool.Name,
				Status:   Timeout,
				Error:    msg,
				Fault:    faults.New(faults.TimeoutError, msg),
				Duration: elapsed,
				TurnID:   turnID,
			}
		}

		// The turn itself was cancelled; the worker is abandoned either way.
		f := degrade.Classify(runCtx.Err(), tool.Name)
		e.auditEvent(audit.ToolExecute, "error", turnID, tool.Name,
			map[string]any{"error": runCtx.Err().Error()})
		return ExecutionResult{
			Tool:     tool.Name,
			Status:   ExecutionError,
			Error:    runCtx.Err().Error(),
			Fault:    f,
			Duration: elapsed,
			TurnID:   turnID,
		}
	}
}

// countable reports whether a fault category counts against the tool's
// breaker. Permission and validation problems are caller mistakes, not
// evidence that the tool is unhealthy.
func countable(cat faults.Category) bool {
	return cat == faults.ToolFailure || cat == faults.TimeoutError || cat == faults.NetworkError
}

func grantSource(g *authority.Grant) string {
	if g == nil {
		return ""
	}
	return g.Source
}

func (e *Executor) recordHealth(tool string, latencyMS float64, isErr bool) {
	if e.health != nil {
		e.health.RecordCall(tool, latencyMS, isErr)
	}
}

func (e *Executor) auditEvent(et audit.EventType, action, turnID, target string, details map[string]any) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Log(et, audit.ActorExecutor, action, turnID, target, details); err != nil {
		log.Printf("[EXEC] audit write failed: %v", err)
	}
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
