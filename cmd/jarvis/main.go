package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"

	"github.com/haricheung/jarvis/internal/audit"
	"github.com/haricheung/jarvis/internal/authority"
	"github.com/haricheung/jarvis/internal/breaker"
	"github.com/haricheung/jarvis/internal/bus"
	"github.com/haricheung/jarvis/internal/config"
	"github.com/haricheung/jarvis/internal/degrade"
	"github.com/haricheung/jarvis/internal/executor"
	"github.com/haricheung/jarvis/internal/health"
	"github.com/haricheung/jarvis/internal/memgov"
	"github.com/haricheung/jarvis/internal/orchestrator"
	"github.com/haricheung/jarvis/internal/planner"
	"github.com/haricheung/jarvis/internal/sched"
	"github.com/haricheung/jarvis/internal/store"
	"github.com/haricheung/jarvis/internal/tools"
	"github.com/haricheung/jarvis/internal/turnctx"
	"github.com/haricheung/jarvis/internal/ui"
)

func main() {
	// Load env
	_ = godotenv.Load(".env")

	configPath := flag.String("config", "config.yaml", "configuration file")
	oneShot := flag.String("c", "", "process one command and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}

	// Startup enforcement: a schema downgrade, a failed integrity check, or
	// a leftover JSON task file must stop the process before anything writes.
	st, err := store.Open(cfg.GetString("database.path", "jarvis.db"))
	if err != nil {
		fatal("open store: %v", err)
	}
	al, err := audit.New(st.DB(), nil)
	if err != nil {
		fatal("open audit chain: %v", err)
	}
	if err := sched.CheckLegacyTaskFile(cfg.GetString("scheduler.legacy_tasks_file", "tasks.json")); err != nil {
		fatal("%v", err)
	}

	// Tool surface: registry, sandbox, and the scheduler the automation
	// builtins talk to. The dispatcher is wired once the orchestrator exists.
	reg := tools.NewRegistry()
	sb := tools.NewSandbox()
	scheduler := sched.New(st, nil)
	if err := tools.RegisterDefaults(reg, sb, scheduler); err != nil {
		fatal("register builtin tools: %v", err)
	}

	auth := authority.New("permissions.yaml", al)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	monitor := health.NewMonitor()
	dm := degrade.NewManager()
	exec := executor.New(reg, auth, breakers, sb, al, monitor)
	governor := memgov.New(memgov.DefaultPolicy(), st, al)

	// Planners: rules always work; the LLM planner joins only when its
	// environment is complete, otherwise the orchestrator runs rules-only.
	rules := planner.NewRulePlanner(reg)
	if path := cfg.GetString("commands.registry_path", ""); path != "" {
		if err := rules.LoadRules(path); err != nil {
			log.Printf("[MAIN] command map %s not loaded: %v", path, err)
		}
	}
	mode := cfg.GetString("planner.mode", "rules")
	var llm planner.Planner
	if mode == orchestrator.ModeLLM {
		hp := planner.NewHTTPPlanner(reg, planner.NewLimiter())
		if err := hp.Validate(); err != nil {
			log.Printf("[MAIN] llm planner unavailable, running rules-only: %v", err)
		} else {
			llm = hp
		}
	}

	b := bus.New()

	orch, err := orchestrator.New(orchestrator.Deps{
		Registry:  reg,
		Executor:  exec,
		Authority: auth,
		Breakers:  breakers,
		Degrade:   dm,
		Health:    monitor,
		Audit:     al,
		Governor:  governor,
		Store:     st,
		Scheduler: scheduler,
		LLM:       llm,
		Rules:     rules,
		Bus:       b,
	}, orchestrator.Options{
		Mode:                mode,
		ConfidenceThreshold: cfg.GetFloat("stt.confidence_threshold", 0.6),
	})
	if err != nil {
		fatal("%v", err)
	}

	// Context with signal handling. At the prompt readline owns Ctrl+C in
	// raw mode, so this goroutine only fires for external signals and for
	// Ctrl+C while a turn is running.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\njarvis: shutting down")
		cancel()
	}()

	orch.Start(ctx)

	if *oneShot != "" {
		reply, err := orch.ProcessText(ctx, *oneShot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			orch.Shutdown()
			os.Exit(1)
		}
		fmt.Println(reply)
		cancel()
		orch.Shutdown()
		return
	}

	a := &app{
		orch:      orch,
		reg:       reg,
		auth:      auth,
		breakers:  breakers,
		scheduler: scheduler,
		governor:  governor,
		audit:     al,
		display:   ui.New(b.Tap()),
	}
	runREPL(ctx, cancel, a)
	orch.Shutdown()
}

// app bundles the wired collaborators the REPL commands reach into.
type app struct {
	orch      *orchestrator.Orchestrator
	reg       *tools.Registry
	auth      *authority.Authority
	breakers  *breaker.Registry
	scheduler *sched.Scheduler
	governor  *memgov.Governor
	audit     *audit.Log
	display   *ui.Display
}

func runREPL(ctx context.Context, cancel context.CancelFunc, a *app) {
	home, _ := os.UserHomeDir()
	cacheDir := filepath.Join(home, ".cache", "jarvis")
	_ = os.MkdirAll(cacheDir, 0o755)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "jarvis> ",
		HistoryFile:     filepath.Join(cacheDir, "history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
		AutoComplete:    completer(),
	})
	if err != nil {
		fatal("init readline: %v", err)
	}
	defer rl.Close()

	// Unblock a pending Readline when a signal cancels the context.
	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	go a.display.Run(ctx)
	// Start suppressed so scheduled turns firing in the background do not
	// draw over the prompt; each interactive turn lifts this around itself.
	a.display.Abort()

	fmt.Println("jarvis — local assistant core (/help for commands, /quit to exit)")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err != nil { // io.EOF or closed by the signal goroutine
			break
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := runCommand(ctx, a, input); quit {
				break
			}
			continue
		}

		a.display.Resume()
		reply, err := a.orch.ProcessText(ctx, input)
		// Give the display a moment to drain the turn's tail events so the
		// reply lands below the closed box. The tap channel is small; this
		// is bounded to a few milliseconds in practice.
		time.Sleep(50 * time.Millisecond)
		a.display.Abort()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		} else {
			fmt.Println(reply)
		}
		if ctx.Err() != nil {
			break
		}
	}
	cancel()
}

// runCommand executes one slash command. Returns true when the REPL
// should exit.
func runCommand(ctx context.Context, a *app, input string) bool {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Println(helpText)

	case "/status":
		fmt.Println(ui.RenderStatus(a.orch.Status()))

	case "/tools":
		fmt.Println(renderTools(a.reg.List()))

	case "/grants":
		fmt.Println(ui.RenderGrants(a.auth.ListGrants(false)))

	case "/grant":
		if len(args) != 2 {
			fmt.Println("usage: /grant <tool> <read|write|execute|network|admin>")
			break
		}
		level, ok := parseLevel(args[1])
		if !ok {
			fmt.Printf("unknown level %q (read|write|execute|network|admin)\n", args[1])
			break
		}
		g := a.auth.Grant(args[0], level, authority.NoExpiry, false, "user")
		fmt.Printf("granted %s on %s\n", g.Level, g.Target)

	case "/revoke":
		if len(args) != 1 {
			fmt.Println("usage: /revoke <target>")
			break
		}
		if a.auth.Revoke(args[0]) {
			fmt.Printf("revoked %s\n", args[0])
		} else {
			fmt.Printf("no active grant for %s\n", args[0])
		}

	case "/confirm":
		if len(args) == 0 {
			fmt.Println(ui.RenderPending(a.orch.Pending()))
			break
		}
		if len(args) != 2 || (args[1] != "yes" && args[1] != "no") {
			fmt.Println("usage: /confirm <id> <yes|no>")
			break
		}
		res := a.orch.ConfirmPending(ctx, args[0], args[1] == "yes")
		switch {
		case res.Succeeded():
			fmt.Println(res.Output)
		case res.Error != "":
			fmt.Println(res.Error)
		default:
			fmt.Printf("confirmation %s: %s\n", args[0], res.Status)
		}

	case "/breakers":
		fmt.Println(ui.RenderBreakers(a.breakers.Snapshot()))

	case "/reset-breaker":
		if len(args) != 1 {
			fmt.Println("usage: /reset-breaker <tool>")
			break
		}
		a.breakers.Reset(args[0])
		fmt.Printf("breaker reset: %s\n", args[0])

	case "/tasks":
		fmt.Println(a.scheduler.DescribeTasks())

	case "/schedule":
		scheduleCmd(a, args)

	case "/audit":
		auditCmd(a, args)

	case "/forget":
		forgetCmd(ctx, a, args)

	case "/memory":
		fmt.Println(ui.RenderStatus(a.governor.Summary(ctx)))

	case "/mode":
		if len(args) != 1 {
			fmt.Println("usage: /mode <llm|rules>")
			break
		}
		if err := a.orch.SetMode(args[0]); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Printf("planner mode: %s\n", args[0])
		}

	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
	return false
}

// scheduleCmd parses "/schedule at HH:MM <name> <action...>" and
// "/schedule every <seconds> <name> <action...>".
func scheduleCmd(a *app, args []string) {
	const usage = "usage: /schedule at <HH:MM> <name> <action...>\n       /schedule every <seconds> <name> <action...>"
	if len(args) < 4 {
		fmt.Println(usage)
		return
	}
	name := args[2]
	action := strings.Join(args[3:], " ")

	switch args[0] {
	case "at":
		hhmm := strings.SplitN(args[1], ":", 2)
		if len(hhmm) != 2 {
			fmt.Println(usage)
			return
		}
		hour, err1 := strconv.Atoi(hhmm[0])
		minute, err2 := strconv.Atoi(hhmm[1])
		if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			fmt.Printf("bad time %q, want HH:MM\n", args[1])
			return
		}
		id, err := a.scheduler.ScheduleAt(name, action, hour, minute)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("scheduled %s (%s) daily at %02d:%02d\n", name, id, hour, minute)

	case "every":
		secs, err := strconv.Atoi(args[1])
		if err != nil || secs <= 0 {
			fmt.Printf("bad interval %q, want seconds\n", args[1])
			return
		}
		id, err := a.scheduler.ScheduleEvery(name, action, secs)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("scheduled %s (%s) every %ds\n", name, id, secs)

	default:
		fmt.Println(usage)
	}
}

// auditCmd dispatches "/audit [verify|export [path]|trail <turn-id>]".
// Bare "/audit" prints chain stats.
func auditCmd(a *app, args []string) {
	if len(args) == 0 {
		stats, err := a.audit.Stats()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println(ui.RenderStatus(stats))
		return
	}

	switch args[0] {
	case "verify":
		res, err := a.audit.VerifyChain(0, 0)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if res.Valid {
			fmt.Printf("chain intact: %d entries verified\n", res.EntriesChecked)
		} else {
			fmt.Printf("chain BROKEN at entry %d: %s\n", res.BrokenAt, res.Err)
		}

	case "export":
		bundle, err := a.audit.ExportForReview(time.Time{}, time.Time{})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if len(args) > 1 {
			if err := os.WriteFile(args[1], []byte(bundle+"\n"), 0o600); err != nil {
				fmt.Printf("error: %v\n", err)
				return
			}
			fmt.Printf("exported to %s\n", args[1])
			return
		}
		fmt.Println(bundle)

	case "trail":
		if len(args) < 2 {
			fmt.Println("usage: /audit trail <turn-id>")
			return
		}
		entries, err := a.audit.TurnTrail(args[1])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if len(entries) == 0 {
			fmt.Printf("no entries for turn %s\n", args[1])
			return
		}
		for _, e := range entries {
			fmt.Printf("%6d  %-15s %-10s %-12s %s\n", e.ID, e.EventType, e.Actor, e.Action, e.Target)
		}

	default:
		fmt.Println("usage: /audit [verify|export [path]|trail <turn-id>]")
	}
}

// forgetCmd dispatches "/forget all" and "/forget <conversation-id>". Each
// deletion runs under a fresh turn id so the audit trail stays attributable.
func forgetCmd(ctx context.Context, a *app, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: /forget all | /forget <conversation-id>")
		return
	}
	if args[0] == "all" {
		res, err := a.governor.ForgetAll(ctx, turnctx.New())
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("deleted %d items\n", res.ItemsDeleted)
		return
	}
	res, err := a.governor.ForgetConversation(ctx, args[0], turnctx.New())
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("deleted %d items from conversation %s\n", res.ItemsDeleted, args[0])
}

func renderTools(list []*tools.Tool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tools registered\n", len(list))
	for _, t := range list {
		fmt.Fprintf(&b, "  %-22s %-8s %-12s %s\n", t.Name, t.Permission, t.Category, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func parseLevel(s string) (tools.PermissionLevel, bool) {
	level := tools.PermissionLevel(strings.ToLower(s))
	switch level {
	case tools.LevelRead, tools.LevelWrite, tools.LevelExecute, tools.LevelNetwork, tools.LevelAdmin:
		return level, true
	}
	return "", false
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("/status"),
		readline.PcItem("/tools"),
		readline.PcItem("/grants"),
		readline.PcItem("/grant"),
		readline.PcItem("/revoke"),
		readline.PcItem("/confirm"),
		readline.PcItem("/breakers"),
		readline.PcItem("/reset-breaker"),
		readline.PcItem("/tasks"),
		readline.PcItem("/schedule",
			readline.PcItem("at"),
			readline.PcItem("every"),
		),
		readline.PcItem("/audit",
			readline.PcItem("verify"),
			readline.PcItem("export"),
			readline.PcItem("trail"),
		),
		readline.PcItem("/forget",
			readline.PcItem("all"),
		),
		readline.PcItem("/memory"),
		readline.PcItem("/mode",
			readline.PcItem("llm"),
			readline.PcItem("rules"),
		),
		readline.PcItem("/help"),
		readline.PcItem("/quit"),
	)
}

// fatal prints a startup diagnostic in red and exits. Only main's wiring
// path uses it; once the orchestrator is up, errors flow through the fault
// handler instead.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31mjarvis: %s\033[0m\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}

const helpText = `Commands:
  /status                                    system snapshot
  /tools                                     registered tool catalog
  /grants                                    active permission grants
  /grant <tool> <level>                      grant read|write|execute|network|admin
  /revoke <target>                           revoke a grant
  /confirm                                   list pending confirmations
  /confirm <id> <yes|no>                     resolve a pending confirmation
  /breakers                                  circuit breaker states
  /reset-breaker <tool>                      force a breaker closed
  /tasks                                     scheduled tasks
  /schedule at <HH:MM> <name> <action...>    daily task
  /schedule every <secs> <name> <action...>  repeating task
  /audit                                     audit chain stats
  /audit verify                              walk the full hash chain
  /audit export [path]                       export review bundle
  /audit trail <turn-id>                     entries for one turn
  /forget all                                delete all stored memory
  /forget <conversation-id>                  delete one conversation
  /memory                                    memory governance summary
  /mode <llm|rules>                          switch planner mode
  /help                                      this text
  /quit                                      exit`
