package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Scheduler is the narrow surface the automation tools need from the live
// task scheduler.
type Scheduler interface {
	// ScheduleAt registers a daily task for hour:minute and returns its id.
	ScheduleAt(name, action string, hour, minute int) (string, error)
	// ScheduleEvery registers a repeating task and returns its id.
	ScheduleEvery(name, action string, intervalSeconds int) (string, error)
	// DescribeTasks renders the current task list for display.
	DescribeTasks() string
}

// RegisterDefaults registers the builtin tool catalog. The scheduler may be
// nil; the automation tools then report that scheduling is unavailable.
func RegisterDefaults(r *Registry, sb *Sandbox, sched Scheduler) error {
	defaults := []*Tool{
		{
			Name:        "get_current_time",
			Description: "Get the current system time",
			Parameters: []Parameter{
				{Name: "timezone", Type: "string", Description: "Timezone (e.g., 'UTC', 'America/New_York')", Required: false, Default: "local"},
			},
			Permission: LevelRead,
			Category:   "system",
			Run:        execCurrentTime,
		},
		{
			Name:        "get_current_date",
			Description: "Get the current date",
			Parameters: []Parameter{
				{Name: "format", Type: "string", Description: "Date format (e.g., 'short', 'long', 'iso')", Required: false, Default: "long", Enum: []any{"short", "long", "iso"}},
			},
			Permission: LevelRead,
			Category:   "system",
			Run:        execCurrentDate,
		},
		{
			Name:        "web_search",
			Description: "Search the web for information",
			Parameters: []Parameter{
				{Name: "query", Type: "string", Description: "Search query", Required: true},
				{Name: "num_results", Type: "integer", Description: "Number of results to return", Required: false, Default: 5, Minimum: num(1), Maximum: num(20)},
			},
			Permission: LevelNetwork,
			Category:   "web",
			Run:        execWebSearch,
		},
		{
			Name:        "open_application",
			Description: "Open an application on the system",
			Parameters: []Parameter{
				{Name: "app_name", Type: "string", Description: "Name of the application to open", Required: true,
					Enum: []any{"Safari", "Chrome", "Firefox", "Terminal", "Finder", "Spotify", "Notes", "Calendar", "Calculator", "TextEdit"}},
			},
			Permission: LevelExecute,
			Category:   "system",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return sb.OpenApplication(ctx, strArg(args, "app_name", ""))
			},
		},
		{
			Name:        "set_volume",
			Description: "Set the system volume level",
			Parameters: []Parameter{
				{Name: "level", Type: "integer", Description: "Volume level (0-100)", Required: true, Minimum: num(0), Maximum: num(100)},
			},
			Permission: LevelExecute,
			Category:   "system",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return sb.SetVolume(ctx, intArg(args, "level", 0))
			},
		},
		{
			Name:        "read_file",
			Description: "Read contents of a file",
			Parameters: []Parameter{
				{Name: "path", Type: "string", Description: "Path to the file (must be in allowed directories)", Required: true},
				{Name: "max_lines", Type: "integer", Description: "Maximum lines to read", Required: false, Default: 100, Minimum: num(1), Maximum: num(1000)},
			},
			Permission: LevelRead,
			Category:   "filesystem",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return sb.ReadFile(strArg(args, "path", ""), intArg(args, "max_lines", 100))
			},
		},
		{
			Name:        "list_directory",
			Description: "List files in a directory",
			Parameters: []Parameter{
				{Name: "path", Type: "string", Description: "Directory path", Required: false, Default: "."},
				{Name: "show_hidden", Type: "boolean", Description: "Show hidden files", Required: false, Default: false},
			},
			Permission: LevelRead,
			Category:   "filesystem",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return sb.ListDirectory(strArg(args, "path", "."), boolArg(args, "show_hidden", false))
			},
		},
		{
			Name:        "take_screenshot",
			Description: "Capture a screenshot of the screen",
			Parameters: []Parameter{
				{Name: "region", Type: "string", Description: "Screen region: 'full' or 'x,y,width,height'", Required: false, Default: "full"},
			},
			Permission: LevelRead,
			Category:   "multimodal",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return sb.TakeScreenshot(ctx, strArg(args, "region", "full"))
			},
		},
		{
			Name:        "schedule_task",
			Description: "Schedule a task to run at a specific time or interval",
			Parameters: []Parameter{
				{Name: "name", Type: "string", Description: "Name of the scheduled task", Required: true},
				{Name: "action", Type: "string", Description: "Command to execute when triggered", Required: true},
				{Name: "type", Type: "string", Description: "Schedule type: 'time' or 'interval'", Required: true, Enum: []any{"time", "interval"}},
				{Name: "hour", Type: "integer", Description: "Hour to execute (0-23) for time-based", Required: false, Minimum: num(0), Maximum: num(23)},
				{Name: "minute", Type: "integer", Description: "Minute to execute (0-59)", Required: false, Default: 0, Minimum: num(0), Maximum: num(59)},
				{Name: "interval_seconds", Type: "integer", Description: "Interval in seconds for interval-based", Required: false, Minimum: num(10), Maximum: num(86400)},
			},
			Permission: LevelExecute,
			Category:   "automation",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return execScheduleTask(sched, args)
			},
		},
		{
			Name:        "list_scheduled_tasks",
			Description: "List all scheduled tasks",
			Permission:  LevelRead,
			Category:    "automation",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				if sched == nil {
					return "Event scheduling not available", nil
				}
				return sched.DescribeTasks(), nil
			},
		},
	}

	for _, t := range defaults {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func execCurrentTime(ctx context.Context, args map[string]any) (string, error) {
	now := time.Now()
	if tz := strArg(args, "timezone", "local"); tz != "" && tz != "local" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone: %s", tz)
		}
		now = now.In(loc)
	}
	return fmt.Sprintf("The current time is %s", now.Format("03:04 PM")), nil
}

func execCurrentDate(ctx context.Context, args map[string]any) (string, error) {
	now := time.Now()
	switch strArg(args, "format", "long") {
	case "short":
		return now.Format("01/02/2006"), nil
	case "iso":
		return now.Format("2006-01-02"), nil
	default:
		return now.Format("Monday, January 02, 2006"), nil
	}
}

func execWebSearch(ctx context.Context, args map[string]any) (string, error) {
	query := strArg(args, "query", "")
	count := intArg(args, "num_results", 5)
	return Search(ctx, query, count)
}

func execScheduleTask(sched Scheduler, args map[string]any) (string, error) {
	if sched == nil {
		return "Event scheduling not available", nil
	}

	name := strArg(args, "name", "Unnamed task")
	action := strArg(args, "action", "")

	if interval, ok := lookupInt(args, "interval_seconds"); ok {
		id, err := sched.ScheduleEvery(name, action, interval)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Scheduled repeating task '%s' every %d seconds (ID: %s)", name, interval, id), nil
	}
	if hour, ok := lookupInt(args, "hour"); ok {
		minute := intArg(args, "minute", 0)
		id, err := sched.ScheduleAt(name, action, hour, minute)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Scheduled task '%s' for %02d:%02d (ID: %s)", name, hour, minute, id), nil
	}
	return "Please specify either 'hour' for daily schedule or 'interval_seconds' for repeating", nil
}

func num(v float64) *float64 { return &v }

// --- argument coercion ---
//
// Arguments arrive as decoded JSON, so integers may be float64 or
// json.Number depending on the decoder. Schema validation has already run;
// these helpers only normalize the Go type.

func strArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := lookupInt(args, key); ok {
		return v
	}
	return def
}

func lookupInt(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}
