package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haricheung/jarvis/internal/authority"
	"github.com/haricheung/jarvis/internal/breaker"
	"github.com/haricheung/jarvis/internal/executor"
)

// RenderStatus formats an orchestrator status map as aligned key/value
// lines. Nested maps become indented sections, keys sorted for stable
// output.
func RenderStatus(status map[string]any) string {
	var b strings.Builder
	for _, k := range sortedKeys(status) {
		if sub, ok := status[k].(map[string]any); ok {
			fmt.Fprintf(&b, "%s%s%s\n", ansiBold, k, ansiReset)
			for _, sk := range sortedKeys(sub) {
				fmt.Fprintf(&b, "  %s %v\n", padCols(sk+":", 24), sub[sk])
			}
			continue
		}
		fmt.Fprintf(&b, "%s %v\n", padCols(k+":", 26), status[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderGrants formats active grants as a table.
func RenderGrants(grants []*authority.Grant) string {
	if len(grants) == 0 {
		return "No active grants"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s %s %s %s%s\n", ansiBold,
		padCols("TARGET", 24), padCols("LEVEL", 8), padCols("SOURCE", 8), "EXPIRES", ansiReset)
	for _, g := range grants {
		expires := "never"
		switch {
		case g.OneTime:
			expires = "one-time"
		case g.ExpiresAt != nil:
			expires = g.ExpiresAt.Local().Format("15:04:05")
		}
		fmt.Fprintf(&b, "%s %s %s %s\n",
			padCols(g.Target, 24), padCols(string(g.Level), 8), padCols(g.Source, 8), expires)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderBreakers formats a breaker snapshot as a table, tools sorted by name.
func RenderBreakers(snapshot map[string]breaker.Status) string {
	if len(snapshot) == 0 {
		return "No circuit breakers created yet"
	}
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s%s %s %s %s %s%s\n", ansiBold,
		padCols("TOOL", 24), padCols("STATE", 10), padCols("CONSEC", 7), padCols("FAIL/OK", 9), "RECOVERY", ansiReset)
	for _, name := range names {
		st := snapshot[name]
		recovery := "-"
		if st.RemainingRecoverySec > 0 {
			recovery = fmt.Sprintf("%ds", st.RemainingRecoverySec)
		}
		fmt.Fprintf(&b, "%s %s%s%s %s %s %s\n",
			padCols(name, 24),
			stateColor(st.State), padCols(string(st.State), 10), ansiReset,
			padCols(fmt.Sprintf("%d", st.ConsecutiveFailures), 7),
			padCols(fmt.Sprintf("%d/%d", st.TotalFailures, st.TotalSuccesses), 9),
			recovery)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderPending formats parked confirmations with the command to resolve
// each one.
func RenderPending(pending []*executor.PendingConfirmation) string {
	if len(pending) == 0 {
		return "No pending confirmations"
	}
	var b strings.Builder
	for _, p := range pending {
		remaining := time.Until(p.RequestedAt.Add(p.ExpiresIn)).Round(time.Second)
		if remaining < 0 {
			remaining = 0
		}
		fmt.Fprintf(&b, "%s%s%s  %s (%s)  %s\n", ansiBold, p.ID, ansiReset, p.Tool, p.Level, p.Reason)
		fmt.Fprintf(&b, "  expires in %s: /confirm %s yes|no\n", remaining, p.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func stateColor(s breaker.State) string {
	switch s {
	case breaker.Open:
		return ansiRed
	case breaker.HalfOpen:
		return ansiYellow
	default:
		return ansiGreen
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
