package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haricheung/jarvis/internal/plan"
	"github.com/haricheung/jarvis/internal/tools"
)

// ruleSpec is one pattern group bound to a tool. Patterns use {name}
// placeholders that capture into the tool's arguments; Args are static
// values merged into every match.
type ruleSpec struct {
	Tool     string         `yaml:"tool"`
	Patterns []string       `yaml:"patterns"`
	Args     map[string]any `yaml:"args"`
}

type rulesFile struct {
	Commands []ruleSpec `yaml:"commands"`
}

type compiledRule struct {
	re      *regexp.Regexp
	tool    string
	pattern string // original pattern text, for confidence and logs
	static  map[string]any
}

var placeholderRe = regexp.MustCompile(`\\\{(\w+)\\\}`)

// patternToRegex converts "open {app_name}" into an anchored,
// case-insensitive regexp with a named capture per placeholder.
func patternToRegex(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	converted := placeholderRe.ReplaceAllString(quoted, `(?P<$1>.+?)`)
	return regexp.Compile(`(?i)^\s*` + converted + `\s*$`)
}

func mustPattern(pattern string) *regexp.Regexp {
	re, err := patternToRegex(pattern)
	if err != nil {
		panic("planner: bad builtin pattern " + pattern + ": " + err.Error())
	}
	return re
}

// RulePlanner matches utterances against fixed patterns and emits the
// same plan document shape the HTTP planner does. It serves as the
// deterministic mode and as the fallback when the planner budget is
// exhausted.
type RulePlanner struct {
	reg      *tools.Registry
	rules    []compiledRule
	fallback string
}

const defaultFallback = "I couldn't match that to a command. Try 'what time is it', 'search for <topic>', or 'open <app>'."

// NewRulePlanner builds a planner over the default pattern set.
func NewRulePlanner(reg *tools.Registry) *RulePlanner {
	p := &RulePlanner{reg: reg, fallback: defaultFallback}
	for _, spec := range defaultRules() {
		for _, pat := range spec.Patterns {
			p.rules = append(p.rules, compiledRule{
				re:      mustPattern(pat),
				tool:    spec.Tool,
				pattern: pat,
				static:  spec.Args,
			})
		}
	}
	return p
}

// LoadRules appends patterns from a YAML file containing a commands list.
// Every rule must name a registered tool.
func (p *RulePlanner) LoadRules(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("planner: read rules file: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("planner: parse rules file %s: %w", path, err)
	}
	for _, spec := range file.Commands {
		if !p.reg.Has(spec.Tool) {
			return fmt.Errorf("planner: rules file %s names unknown tool %q", path, spec.Tool)
		}
		for _, pat := range spec.Patterns {
			re, err := patternToRegex(pat)
			if err != nil {
				return fmt.Errorf("planner: bad pattern %q: %w", pat, err)
			}
			p.rules = append(p.rules, compiledRule{re: re, tool: spec.Tool, pattern: pat, static: spec.Args})
		}
	}
	log.Printf("[PLANNER] loaded %d rule group(s) from %s", len(file.Commands), path)
	return nil
}

type ruleMatch struct {
	tool       string
	pattern    string
	args       map[string]any
	confidence float64
}

// match finds the best-scoring rule for the utterance. Confidence rewards
// patterns whose word count is close to the input's.
func (p *RulePlanner) match(text string) (ruleMatch, bool) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimRight(cleaned, "?!. ")
	if cleaned == "" {
		return ruleMatch{}, false
	}

	var best ruleMatch
	found := false
	for _, rule := range p.rules {
		m := rule.re.FindStringSubmatch(cleaned)
		if m == nil {
			continue
		}
		args := map[string]any{}
		for k, v := range rule.static {
			args[k] = v
		}
		ok := true
		for i, name := range rule.re.SubexpNames() {
			if i == 0 || name == "" {
				continue
			}
			val, err := p.coerce(rule.tool, name, strings.TrimSpace(m[i]))
			if err != nil {
				ok = false
				break
			}
			args[name] = val
		}
		if !ok {
			continue
		}

		pw := len(strings.Fields(rule.pattern))
		tw := len(strings.Fields(cleaned))
		lo, hi := pw, tw
		if lo > hi {
			lo, hi = hi, lo
		}
		conf := 0.7
		if hi > 0 {
			conf = 0.7 + 0.3*float64(lo)/float64(hi)
		}
		if !found || conf > best.confidence {
			best = ruleMatch{tool: rule.tool, pattern: rule.pattern, args: args, confidence: conf}
			found = true
		}
	}
	return best, found
}

// coerce converts a captured string to the declared parameter type. Enum
// parameters are case-folded onto their canonical value so "safari"
// satisfies an enum that lists "Safari".
func (p *RulePlanner) coerce(tool, param, raw string) (any, error) {
	t, ok := p.reg.Get(tool)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
	for _, spec := range t.Parameters {
		if spec.Name != param {
			continue
		}
		if len(spec.Enum) > 0 {
			for _, allowed := range spec.Enum {
				s, isStr := allowed.(string)
				if isStr && strings.EqualFold(s, raw) {
					return s, nil
				}
			}
			return nil, fmt.Errorf("%q is not an allowed value for %s.%s", raw, tool, param)
		}
		switch spec.Type {
		case "integer":
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("%s.%s wants an integer, got %q", tool, param, raw)
			}
			return n, nil
		case "number":
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%s.%s wants a number, got %q", tool, param, raw)
			}
			return f, nil
		case "boolean":
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("%s.%s wants a boolean, got %q", tool, param, raw)
			}
			return b, nil
		default:
			return raw, nil
		}
	}
	// Captures for parameters the tool never declared pass through as text;
	// schema validation rejects them at execution time.
	return raw, nil
}

// Plan matches the utterance and returns a plan document: a single tool
// call when a rule fires, a canned response when nothing matches.
func (p *RulePlanner) Plan(ctx context.Context, userText, contextHint string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var doc plan.Document
	if m, ok := p.match(userText); ok {
		log.Printf("[PLANNER] rule match: %q -> %s (confidence %.2f)", m.pattern, m.tool, m.confidence)
		doc = plan.Document{
			Thinking: fmt.Sprintf("matched %q with confidence %.2f", m.pattern, m.confidence),
			ToolCalls: []plan.ToolCall{
				{Tool: m.tool, Arguments: m.args, Reasoning: fmt.Sprintf("deterministic pattern %q", m.pattern)},
			},
		}
	} else {
		log.Printf("[PLANNER] no rule matched %q", strings.TrimSpace(userText))
		doc = plan.Document{
			Thinking: "no deterministic pattern matched",
			Response: p.fallback,
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("planner: marshal plan: %w", err)
	}
	return string(raw), nil
}

func defaultRules() []ruleSpec {
	return []ruleSpec{
		{Tool: "get_current_time", Patterns: []string{
			"what time is it",
			"what's the time",
			"what is the time",
			"current time",
			"tell me the time",
		}},
		{Tool: "get_current_date", Patterns: []string{
			"what's the date",
			"what is the date",
			"what day is it",
			"current date",
			"today's date",
		}},
		{Tool: "web_search", Patterns: []string{
			"search for {query}",
			"search the web for {query}",
			"look up {query}",
			"google {query}",
		}},
		{Tool: "open_application", Patterns: []string{
			"open {app_name}",
			"launch {app_name}",
			"start {app_name}",
		}},
		{Tool: "set_volume", Patterns: []string{
			"set volume to {level}",
			"set the volume to {level}",
			"change volume to {level}",
			"volume {level}",
		}},
		{Tool: "read_file", Patterns: []string{
			"read file {path}",
			"read the file {path}",
			"show file {path}",
			"cat {path}",
		}},
		{Tool: "list_directory", Patterns: []string{
			"list files",
			"list files in {path}",
			"show files in {path}",
			"what's in {path}",
		}},
		{Tool: "take_screenshot", Patterns: []string{
			"take a screenshot",
			"take screenshot",
			"screenshot",
			"capture the screen",
		}},
		{Tool: "list_scheduled_tasks", Patterns: []string{
			"list scheduled tasks",
			"show scheduled tasks",
			"what tasks are scheduled",
			"list tasks",
		}},
	}
}
