// Package orchestrator drives the turn pipeline. Every utterance, typed or
// transcribed or dispatched by the scheduler, becomes one turn: mint a turn
// id, walk the state machine, plan, gate the plan, execute tool calls
// through the executor, and deliver one response. The orchestrator owns the
// singletons (registry, authority, breakers, audit, governor, store,
// scheduler) for the process lifetime; turn-scoped state (failure budget)
// lives and dies inside a single call.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/haricheung/jarvis/internal/audit"
	"github.com/haricheung/jarvis/internal/authority"
	"github.com/haricheung/jarvis/internal/breaker"
	"github.com/haricheung/jarvis/internal/bus"
	"github.com/haricheung/jarvis/internal/degrade"
	"github.com/haricheung/jarvis/internal/executor"
	"github.com/haricheung/jarvis/internal/faults"
	"github.com/haricheung/jarvis/internal/fsm"
	"github.com/haricheung/jarvis/internal/health"
	"github.com/haricheung/jarvis/internal/memgov"
	"github.com/haricheung/jarvis/internal/plan"
	"github.com/haricheung/jarvis/internal/planner"
	"github.com/haricheung/jarvis/internal/sched"
	"github.com/haricheung/jarvis/internal/store"
	"github.com/haricheung/jarvis/internal/tools"
	"github.com/haricheung/jarvis/internal/turnctx"
)

// Planning modes.
const (
	ModeLLM   = "llm"
	ModeRules = "rules"
)

const defaultConfidenceThreshold = 0.6

// minAudioSeconds is the shortest capture worth transcribing.
const minAudioSeconds = 0.5

// Result is one turn's outcome, delivered to the OnResult callback.
type Result struct {
	Success  bool
	Command  string // tool names joined by ",", or "llm.response" / "error"
	Output   string
	Error    string
	Duration time.Duration
	TurnID   string
}

// Transcription is one captured utterance from the Transcriber.
type Transcription struct {
	Text         string
	Confidence   float64
	AudioSeconds float64
}

// Transcriber captures push-to-talk audio and transcribes it. Start begins
// capture; Stop ends it and returns the transcription. Implementations sit
// outside the core; the orchestrator only consumes the contract.
type Transcriber interface {
	Start() error
	Stop() (Transcription, error)
}

// Deps carries the collaborators the orchestrator coordinates. Registry,
// Executor, Authority, Audit, and Rules are required; the rest degrade
// gracefully when nil.
type Deps struct {
	Registry    *tools.Registry
	Executor    *executor.Executor
	Authority   *authority.Authority
	Breakers    *breaker.Registry
	Degrade     *degrade.Manager
	Health      *health.Monitor
	Audit       *audit.Log
	Governor    *memgov.Governor
	Store       *store.Store
	Scheduler   *sched.Scheduler
	LLM         planner.Planner // nil when running rules-only
	Rules       planner.Planner
	Bus         *bus.Bus
	Transcriber Transcriber
}

// Options are the orchestrator's own knobs, read from config at startup.
type Options struct {
	Mode                string  // "llm" or "rules"
	ConfidenceThreshold float64 // transcriptions below this are dropped
}

// Orchestrator is the single entry point for turns. One turn runs at a
// time under turnMu; everything else the struct holds is either immutable
// after New or guarded by its own lock.
type Orchestrator struct {
	machine  *fsm.Machine
	registry *tools.Registry
	exec     *executor.Executor
	auth     *authority.Authority
	breakers *breaker.Registry
	degrade  *degrade.Manager
	health   *health.Monitor
	audit    *audit.Log
	governor *memgov.Governor
	store    *store.Store
	sched    *sched.Scheduler
	llm      planner.Planner
	rules    planner.Planner
	faults   *faults.Handler
	bus      *bus.Bus
	stt      Transcriber

	confidenceThreshold float64

	turnMu sync.Mutex // one turn in flight

	mu              sync.Mutex
	mode            string
	turnID          string // turn currently on the wire, for bus events
	conversationID  string
	stopSched       context.CancelFunc
	onTranscription func(text string, confidence float64)
	onCommand       func(tool string, args map[string]any)
	onResult        func(Result)
}

// New wires an orchestrator. Missing required collaborators are a wiring
// error, reported all at once so startup can fail with one diagnostic.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	var missing []string
	if deps.Registry == nil {
		missing = append(missing, "registry")
	}
	if deps.Executor == nil {
		missing = append(missing, "executor")
	}
	if deps.Authority == nil {
		missing = append(missing, "authority")
	}
	if deps.Audit == nil {
		missing = append(missing, "audit log")
	}
	if deps.Rules == nil {
		missing = append(missing, "rule planner")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator wiring incomplete: missing %s", strings.Join(missing, ", "))
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeRules
	}
	if mode != ModeLLM && mode != ModeRules {
		return nil, fmt.Errorf("invalid planner mode: %s", mode)
	}
	if mode == ModeLLM && deps.LLM == nil {
		log.Printf("[ORCH] WARNING: llm mode requested but no LLM planner configured, using rules")
		mode = ModeRules
	}
	threshold := opts.ConfidenceThreshold
	if threshold <= 0 {
		threshold = defaultConfidenceThreshold
	}

	dm := deps.Degrade
	if dm == nil {
		dm = degrade.NewManager()
	}

	o := &Orchestrator{
		machine:             fsm.New(),
		registry:            deps.Registry,
		exec:                deps.Executor,
		auth:                deps.Authority,
		breakers:            deps.Breakers,
		degrade:             dm,
		health:              deps.Health,
		audit:               deps.Audit,
		governor:            deps.Governor,
		store:               deps.Store,
		sched:               deps.Scheduler,
		llm:                 deps.LLM,
		rules:               deps.Rules,
		faults:              faults.NewHandler(),
		bus:                 deps.Bus,
		stt:                 deps.Transcriber,
		confidenceThreshold: threshold,
		mode:                mode,
	}

	// Every accepted transition becomes a bus event so the display can
	// follow the turn without polling.
	o.machine.AddListener(func(tr fsm.Transition) {
		o.publish(bus.Event{
			Kind:   bus.KindState,
			TurnID: o.currentTurn(),
			Payload: bus.StateChange{
				From:   string(tr.From),
				To:     string(tr.To),
				Reason: tr.Reason,
			},
		})
	})

	// Scheduled actions re-enter the pipeline as if the user typed them.
	if o.sched != nil {
		o.sched.SetDispatch(o.ProcessText)
	}

	log.Printf("[ORCH] orchestrator ready: mode=%s tools=%d", mode, o.registry.Len())
	return o, nil
}

// Start launches the scheduler loop. Call once after New; Shutdown stops it.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.sched == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.stopSched = cancel
	o.mu.Unlock()
	go o.sched.Run(ctx)
}

// Shutdown stops the scheduler, clears session grants, and closes the
// store. Idempotent.
func (o *Orchestrator) Shutdown() {
	log.Printf("[ORCH] shutting down")
	o.mu.Lock()
	stop := o.stopSched
	o.stopSched = nil
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
	if n := o.auth.ClearSessionGrants(); n > 0 {
		log.Printf("[ORCH] cleared %d session grant(s)", n)
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			log.Printf("[ORCH] WARNING: close store: %v", err)
		}
	}
	log.Printf("[ORCH] shutdown complete")
}

// ProcessText runs one turn for typed or dispatched text. Turns serialize:
// a concurrent caller blocks until the turn in flight finishes. A fresh
// turn id is minted unless the context already carries one.
func (o *Orchestrator) ProcessText(ctx context.Context, text string) (string, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	if cur := o.machine.Current(); cur != fsm.Idle {
		log.Printf("[ORCH] cannot process text in state %s", cur)
		return "", fmt.Errorf("cannot process text in state %s", cur)
	}
	if turnctx.ID(ctx) == "-" {
		ctx = turnctx.With(ctx, turnctx.New())
	}
	return o.runTurn(ctx, text)
}

// StartListening begins push-to-talk capture. Only legal from IDLE.
func (o *Orchestrator) StartListening() error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	if o.stt == nil {
		return fmt.Errorf("no transcriber configured")
	}
	if cur := o.machine.Current(); cur != fsm.Idle {
		log.Printf("[ORCH] cannot start listening in state %s", cur)
		return fmt.Errorf("cannot start listening in state %s", cur)
	}
	o.transition(fsm.Listening, "Push-to-talk activated")
	if err := o.stt.Start(); err != nil {
		log.Printf("[ORCH] capture failed to start: %v", err)
		o.transition(fsm.Error, fmt.Sprintf("Capture error: %v", err))
		o.transition(fsm.Idle, "Recovered from error")
		return err
	}
	return nil
}

// StopListening ends capture, transcribes, and runs the turn. Empty, too
// short, or low-confidence audio quietly returns the machine to IDLE with
// no turn.
func (o *Orchestrator) StopListening() (string, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	if cur := o.machine.Current(); cur != fsm.Listening {
		log.Printf("[ORCH] cannot stop listening in state %s", cur)
		return "", nil
	}

	tr, err := o.stt.Stop()
	if err != nil {
		log.Printf("[ORCH] transcription failed: %v", err)
		o.transition(fsm.Error, fmt.Sprintf("Processing error: %v", err))
		o.transition(fsm.Idle, "Recovered from error")
		return "", err
	}

	turnID := turnctx.New()
	ctx := turnctx.With(context.Background(), turnID)
	o.setCurrentTurn(turnID)

	if tr.AudioSeconds > 0 && tr.AudioSeconds < minAudioSeconds {
		log.Printf("[ORCH] audio too short (%.2fs), ignoring", tr.AudioSeconds)
		o.transition(fsm.Idle, "Audio too short")
		return "", nil
	}
	o.transition(fsm.Transcribing, "Audio captured")

	log.Printf("[ORCH] transcription: %q (confidence %.0f%%)", tr.Text, tr.Confidence*100)
	if tr.Confidence < o.confidenceThreshold {
		log.Printf("[ORCH] confidence %.2f below threshold %.2f", tr.Confidence, o.confidenceThreshold)
		o.transition(fsm.Idle, "Low confidence transcription")
		return "", nil
	}
	if strings.TrimSpace(tr.Text) == "" {
		o.transition(fsm.Idle, "No speech detected")
		return "", nil
	}

	o.notifyTranscription(tr.Text, tr.Confidence)
	o.publish(bus.Event{
		Kind:    bus.KindTranscription,
		TurnID:  turnID,
		Payload: bus.Transcription{Text: tr.Text, Confidence: tr.Confidence},
	})
	return o.runTurn(ctx, tr.Text)
}

// turnOutcome is the internal record runTurn folds into TURN_END.
type turnOutcome struct {
	response string
	success  bool
	action   string // completed | error | aborted
	toolsRun int
	err      error
}

// runTurn brackets one turn with TURN_START / TURN_END audit entries and
// the command/result bus events. Caller holds turnMu.
func (o *Orchestrator) runTurn(ctx context.Context, text string) (string, error) {
	turnID := turnctx.ID(ctx)
	o.setCurrentTurn(turnID)
	start := time.Now()

	redacted := text
	if o.governor != nil {
		redacted, _ = o.governor.Redact(text, turnID)
	}
	o.auditEvent(audit.TurnStart, audit.ActorUser, "utterance", turnID, "", map[string]any{
		"text": redacted,
	})
	o.publish(bus.Event{Kind: bus.KindCommand, TurnID: turnID, Payload: text})
	o.rememberTurn(ctx, "user", text)

	outcome := o.executeTurn(ctx, text)

	o.auditEvent(audit.TurnEnd, audit.ActorSystem, outcome.action, turnID, "", map[string]any{
		"success":        outcome.success,
		"tools_executed": outcome.toolsRun,
		"duration_ms":    float64(time.Since(start).Microseconds()) / 1000.0,
	})
	// Published after the final transition so the display closes the turn
	// box on its last event.
	o.publish(bus.Event{Kind: bus.KindResult, TurnID: turnID, Payload: outcome.response})
	return outcome.response, outcome.err
}

// executeTurn is the pipeline body: plan, gate, execute, respond.
func (o *Orchestrator) executeTurn(ctx context.Context, text string) turnOutcome {
	turnID := turnctx.ID(ctx)

	o.transition(fsm.Planning, "LLM planning")

	raw, err := o.callPlanner(ctx, text)
	if err != nil {
		log.Printf("[ORCH] planner failed: %v", err)
		return o.failTurn(ctx, faults.Wrap(faults.LLMFailure, "planner call failed", err), 0)
	}

	pl := plan.Parse(raw, o.registry)
	o.auditEvent(audit.PlanCreated, audit.ActorPlanner, strings.ToLower(string(pl.Status)), turnID, "", map[string]any{
		"status": string(pl.Status),
		"tools":  toolNames(pl.ToolCalls),
	})

	if !pl.IsValid() {
		if pl.Status == plan.UnknownTool {
			// Hallucinated tool names are never retried.
			return o.failTurn(ctx, faults.New(faults.LLMHallucination, pl.Error), 0)
		}
		return o.failTurn(ctx, faults.New(faults.LLMFailure, pl.Error), 0)
	}

	if !pl.RequiresTools() {
		o.transition(fsm.Responding, "Direct response")
		o.rememberTurn(ctx, "assistant", pl.ResponseText)
		o.deliver(Result{Success: true, Command: "llm.response", Output: pl.ResponseText, TurnID: turnID})
		return turnOutcome{response: pl.ResponseText, success: true, action: "completed"}
	}

	o.transition(fsm.Executing, "Executing tools")

	budget := degrade.NewFailureBudget()
	var outputs []string
	var failed *executor.ExecutionResult
	toolsRun := 0

	for _, call := range pl.ToolCalls {
		res := o.runToolCall(ctx, call)
		toolsRun++

		if res.NeedsConfirmation() {
			// The rest of the plan is not resumed; approval reruns only
			// this tool via ConfirmPending.
			o.publish(bus.Event{Kind: bus.KindConfirmRequest, TurnID: turnID, Payload: bus.ConfirmRequest{
				ID:    res.Pending.ID,
				Tool:  res.Pending.Tool,
				Level: string(res.Pending.Level),
			}})
			prompt := confirmationPrompt(res.Pending)
			o.transition(fsm.Responding, "Confirmation required")
			o.rememberTurn(ctx, "assistant", prompt)
			o.deliver(Result{Success: false, Command: res.Tool, Output: prompt, TurnID: turnID})
			return turnOutcome{response: prompt, success: false, action: "completed", toolsRun: toolsRun}
		}
		if res.Succeeded() {
			budget.RecordSuccess()
			outputs = append(outputs, res.Output)
			continue
		}

		budget.RecordFailure()
		level := tools.LevelRead
		if t, ok := o.registry.Get(call.Tool); ok {
			level = t.Permission
		}
		if skip, reason := o.degrade.ShouldSkip(call.Tool, level, budget, nil); skip {
			budget.RecordSkip(call.Tool)
			log.Printf("[ORCH] %s", reason)
			continue
		}
		failed = &res
		break
	}

	if failed != nil {
		if budget.ShouldAbort() {
			log.Printf("[ORCH] aborting turn %s: failure budget exhausted", turnID)
			o.transition(fsm.Error, "Failure budget exhausted")
			o.transition(fsm.Idle, "Recovered from error")
			msg := failed.Error
			if failed.Fault != nil {
				msg = failed.Fault.UserMessage()
			}
			o.notifyResult(Result{Success: false, Command: failed.Tool, Error: msg, TurnID: turnID})
			return turnOutcome{response: msg, success: false, action: "aborted", toolsRun: toolsRun}
		}
		o.transition(fsm.Responding, "Execution complete")
		response := fmt.Sprintf("Error: %s", failed.Error)
		o.rememberTurn(ctx, "assistant", response)
		o.deliver(Result{Success: false, Command: failed.Tool, Error: failed.Error, TurnID: turnID})
		return turnOutcome{response: response, success: false, action: "error", toolsRun: toolsRun}
	}

	o.transition(fsm.Responding, "Execution complete")
	output := strings.Join(outputs, "\n")
	o.rememberTurn(ctx, "assistant", fmt.Sprintf("Result: %s", output))
	o.deliver(Result{Success: true, Command: strings.Join(toolNames(pl.ToolCalls), ","), Output: output, TurnID: turnID})
	return turnOutcome{response: output, success: true, action: "completed", toolsRun: toolsRun}
}

// callPlanner runs the active planner with recent conversation context,
// retrying once on failure. A failure counts against the LLM budget, so
// the retry may land on the rule planner in degraded mode.
func (o *Orchestrator) callPlanner(ctx context.Context, text string) (string, error) {
	hint := o.contextHint(ctx)

	attempt := 0
	for {
		active := o.selectPlanner()
		start := time.Now()
		raw, err := active.Plan(ctx, text, hint)
		o.recordHealth("planner", time.Since(start), err != nil)
		if err == nil {
			o.degrade.RecordLLMSuccess()
			return raw, nil
		}

		o.degrade.RecordLLMFailure()
		f := faults.Wrap(faults.LLMFailure, "planner call failed", err)
		if !f.ShouldRetry(attempt) {
			return "", err
		}
		attempt++
		delay := faults.RetryDelay(faults.LLMFailure)
		log.Printf("[ORCH] retrying planner in %s (attempt %d): %v", delay, attempt, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runToolCall executes one planned call, retrying per the tool's
// degradation policy. Each retry re-enters the full executor sequence, so
// a retry can still be denied or trip the breaker.
func (o *Orchestrator) runToolCall(ctx context.Context, call plan.ToolCall) executor.ExecutionResult {
	o.notifyCommand(call.Tool, call.Arguments)

	level := tools.LevelRead
	if t, ok := o.registry.Get(call.Tool); ok {
		level = t.Permission
	}
	policy := o.degrade.PolicyFor(call.Tool, level)

	res := o.exec.Execute(ctx, call.Tool, call.Arguments, nil)
	attempt := 0
	for !res.Succeeded() && !res.NeedsConfirmation() &&
		res.Fault != nil && attempt < policy.MaxRetries && res.Fault.ShouldRetry(attempt) {
		attempt++
		log.Printf("[ORCH] retrying %s in %s (attempt %d/%d): %s",
			call.Tool, policy.RetryDelay, attempt, policy.MaxRetries, res.Error)
		select {
		case <-ctx.Done():
			return res
		case <-time.After(policy.RetryDelay):
		}
		res = o.exec.Execute(ctx, call.Tool, call.Arguments, nil)
	}
	return res
}

// failTurn converts a classified fault into the fixed user-facing message
// and recovers the state machine through ERROR back to IDLE.
func (o *Orchestrator) failTurn(ctx context.Context, f *faults.Fault, toolsRun int) turnOutcome {
	msg := o.faults.Handle(f)
	if o.machine.Current() != fsm.Idle {
		o.transition(fsm.Error, f.Message)
		o.transition(fsm.Idle, "Recovered from error")
	}
	o.notifyResult(Result{Success: false, Command: "error", Error: msg, TurnID: turnctx.ID(ctx)})
	return turnOutcome{response: msg, success: false, action: "error", toolsRun: toolsRun}
}

// deliver reports the result and parks the machine back in IDLE.
func (o *Orchestrator) deliver(r Result) {
	if r.Success {
		log.Printf("[ORCH] turn result: %s", firstN(r.Output, 200))
	} else if r.Error != "" {
		log.Printf("[ORCH] turn failed: %s", r.Error)
	}
	o.notifyResult(r)
	if o.machine.Current() != fsm.Idle {
		o.transition(fsm.Idle, "Result delivered")
	}
}

func confirmationPrompt(p *executor.PendingConfirmation) string {
	return fmt.Sprintf("Confirmation required for %s (level %s). Reply with /confirm %s yes or /confirm %s no within %ds.",
		p.Tool, p.Level, p.ID, p.ID, int(p.ExpiresIn.Seconds()))
}

// ConfirmPending resolves a parked confirmation through the executor.
func (o *Orchestrator) ConfirmPending(ctx context.Context, id string, approved bool) executor.ExecutionResult {
	return o.exec.ConfirmPending(ctx, id, approved)
}

// Pending lists unexpired parked confirmations.
func (o *Orchestrator) Pending() []*executor.PendingConfirmation {
	return o.exec.Pending()
}

// SetMode switches between llm and rules planning.
func (o *Orchestrator) SetMode(mode string) error {
	if mode != ModeLLM && mode != ModeRules {
		return fmt.Errorf("invalid planner mode: %s", mode)
	}
	if mode == ModeLLM && o.llm == nil {
		return fmt.Errorf("no LLM planner configured")
	}
	o.mu.Lock()
	o.mode = mode
	o.mu.Unlock()
	log.Printf("[ORCH] switched to %s mode", mode)
	return nil
}

// Status reports the live system snapshot for the front end.
func (o *Orchestrator) Status() map[string]any {
	status := map[string]any{
		"state":                 string(o.machine.Current()),
		"is_busy":               o.machine.IsBusy(),
		"mode":                  o.currentMode(),
		"tools_loaded":          o.registry.Len(),
		"planner_ready":         o.plannerReady(),
		"degraded_mode":         o.degrade.DegradedMode(),
		"pending_confirmations": len(o.exec.Pending()),
	}
	if o.breakers != nil {
		states := map[string]any{}
		for name, st := range o.breakers.Snapshot() {
			states[name] = string(st.State)
		}
		status["breakers"] = states
	}
	if o.health != nil {
		components := map[string]any{}
		for name, st := range o.health.CheckAll() {
			components[name] = string(st)
		}
		status["health"] = components
	}
	if o.sched != nil {
		status["scheduled_tasks"] = len(o.sched.List())
	}
	sessions := 0
	for _, g := range o.auth.ListGrants(false) {
		if g.Source == "session" {
			sessions++
		}
	}
	status["session_grants"] = sessions
	return status
}

// Callback registration. Callbacks run on the turn goroutine; keep them
// fast or hand off.

func (o *Orchestrator) OnTranscription(fn func(text string, confidence float64)) {
	o.mu.Lock()
	o.onTranscription = fn
	o.mu.Unlock()
}

func (o *Orchestrator) OnCommand(fn func(tool string, args map[string]any)) {
	o.mu.Lock()
	o.onCommand = fn
	o.mu.Unlock()
}

func (o *Orchestrator) OnResult(fn func(Result)) {
	o.mu.Lock()
	o.onResult = fn
	o.mu.Unlock()
}

// selectPlanner returns the active planner. Degraded mode pins the rule
// planner regardless of the configured mode.
func (o *Orchestrator) selectPlanner() planner.Planner {
	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()
	if mode == ModeLLM && o.llm != nil && !o.degrade.DegradedMode() {
		return o.llm
	}
	return o.rules
}

func (o *Orchestrator) currentMode() string {
	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()
	if mode == ModeLLM && o.degrade.DegradedMode() {
		return "rules (degraded)"
	}
	return mode
}

func (o *Orchestrator) plannerReady() bool {
	if o.llm == nil {
		return false
	}
	if v, ok := o.llm.(interface{ Validate() error }); ok {
		return v.Validate() == nil
	}
	return true
}

// rememberTurn persists one conversation turn, redacted. Persistence
// failures are logged, never fatal to the turn.
func (o *Orchestrator) rememberTurn(ctx context.Context, role, content string) {
	if o.store == nil {
		return
	}
	turnID := turnctx.ID(ctx)
	if o.governor != nil {
		content, _ = o.governor.Redact(content, turnID)
	}
	convID, err := o.ensureConversation(ctx)
	if err != nil {
		log.Printf("[ORCH] WARNING: conversation unavailable: %v", err)
		return
	}
	if err := o.store.SaveTurn(ctx, store.NewTurn(convID, turnID, role, content)); err != nil {
		log.Printf("[ORCH] WARNING: persist turn: %v", err)
	}
}

func (o *Orchestrator) ensureConversation(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conversationID != "" {
		return o.conversationID, nil
	}
	conv, err := o.store.GetOrCreateConversation(ctx, "")
	if err != nil {
		return "", err
	}
	o.conversationID = conv.ID
	log.Printf("[ORCH] conversation %s", conv.ID)
	return conv.ID, nil
}

// ConversationID returns the active conversation, empty before the first
// persisted turn.
func (o *Orchestrator) ConversationID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversationID
}

// contextHint renders the most recent turns for the planner prompt.
func (o *Orchestrator) contextHint(ctx context.Context) string {
	if o.store == nil {
		return ""
	}
	o.mu.Lock()
	convID := o.conversationID
	o.mu.Unlock()
	if convID == "" {
		return ""
	}
	turns, err := o.store.GetRecentTurns(ctx, convID, 6)
	if err != nil || len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, firstN(t.Content, 200))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) transition(to fsm.State, reason string) {
	if _, err := o.machine.Transition(to, reason); err != nil {
		log.Printf("[ORCH] WARNING: %v", err)
	}
}

func (o *Orchestrator) publish(e bus.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(e)
}

func (o *Orchestrator) auditEvent(event audit.EventType, actor audit.Actor, action, turnID, target string, details map[string]any) {
	if _, err := o.audit.Log(event, actor, action, turnID, target, details); err != nil {
		log.Printf("[ORCH] audit write failed: %v", err)
	}
}

func (o *Orchestrator) recordHealth(component string, elapsed time.Duration, isErr bool) {
	if o.health == nil {
		return
	}
	o.health.RecordCall(component, float64(elapsed.Microseconds())/1000.0, isErr)
}

func (o *Orchestrator) setCurrentTurn(id string) {
	o.mu.Lock()
	o.turnID = id
	o.mu.Unlock()
}

func (o *Orchestrator) currentTurn() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turnID == "" {
		return "-"
	}
	return o.turnID
}

func (o *Orchestrator) notifyTranscription(text string, confidence float64) {
	o.mu.Lock()
	fn := o.onTranscription
	o.mu.Unlock()
	if fn != nil {
		fn(text, confidence)
	}
}

func (o *Orchestrator) notifyCommand(tool string, args map[string]any) {
	o.mu.Lock()
	fn := o.onCommand
	o.mu.Unlock()
	if fn != nil {
		fn(tool, args)
	}
}

func (o *Orchestrator) notifyResult(r Result) {
	o.mu.Lock()
	fn := o.onResult
	o.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func toolNames(calls []plan.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Tool
	}
	return names
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
