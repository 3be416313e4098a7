// Package tools is the firewall between the planner and the system: a
// registry of schema-validated tool definitions plus the sandbox their
// executors run in. Every execution path validates arguments against the
// tool's compiled JSON schema before anything runs.
package tools

import (
	"context"
	"time"
)

// PermissionLevel classifies what a tool is allowed to touch.
type PermissionLevel string

const (
	LevelRead    PermissionLevel = "read"    // no side effects
	LevelWrite   PermissionLevel = "write"   // modifies data
	LevelExecute PermissionLevel = "execute" // runs processes
	LevelNetwork PermissionLevel = "network" // makes network requests
	LevelAdmin   PermissionLevel = "admin"   // system-level changes
)

// DefaultTimeout bounds a single tool execution unless the tool overrides it.
const DefaultTimeout = 30 * time.Second

// RunFunc executes a tool against validated arguments.
type RunFunc func(ctx context.Context, args map[string]any) (string, error)

// Parameter describes one tool argument. Minimum and Maximum are pointers so
// a bound of zero stays distinguishable from no bound.
type Parameter struct {
	Name        string
	Type        string // string, integer, number, boolean, array, object
	Description string
	Required    bool
	Default     any
	Enum        []any
	Minimum     *float64
	Maximum     *float64
	Pattern     string
}

func (p Parameter) jsonSchema() map[string]any {
	s := map[string]any{
		"type":        p.Type,
		"description": p.Description,
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Minimum != nil {
		s["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		s["maximum"] = *p.Maximum
	}
	if p.Pattern != "" {
		s["pattern"] = p.Pattern
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	return s
}

// Tool is a named, schema-validated operation with a fixed permission level.
type Tool struct {
	Name                 string
	Description          string
	Parameters           []Parameter
	Permission           PermissionLevel
	Category             string
	Timeout              time.Duration
	RequiresConfirmation bool
	Run                  RunFunc
}

// ParameterSchema builds the JSON Schema object the tool's arguments must
// satisfy: every declared parameter as a property, required names collected,
// and no undeclared properties admitted.
func (t *Tool) ParameterSchema() map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range t.Parameters {
		properties[p.Name] = p.jsonSchema()
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

// PlannerSchema is the function-call form handed to the planner: name,
// description, and the parameter schema.
func (t *Tool) PlannerSchema() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.ParameterSchema(),
		},
	}
}
