package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds the tools the planner may call. Registration compiles each
// tool's parameter schema once; ValidateCall checks candidate arguments
// against the compiled schema. Registration order is preserved so planner
// prompts and listings stay stable across runs.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema. A tool with a schema
// that does not compile is rejected. Re-registering a name overwrites the
// previous definition in place.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register: tool has no name")
	}
	if t.Category == "" {
		t.Category = "general"
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}

	schema, err := compileSchema(t)
	if err != nil {
		return fmt.Errorf("register %s: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		log.Printf("[TOOLS] overwriting existing tool: %s", t.Name)
	} else {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
	r.schemas[t.Name] = schema
	log.Printf("[TOOLS] registered: %s (%s)", t.Name, t.Permission)
	return nil
}

// Unregister removes a tool. Reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	delete(r.schemas, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// ListByCategory returns tools whose category matches, in registration order.
func (r *Registry) ListByCategory(category string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tool
	for _, name := range r.order {
		if t := r.tools[name]; t.Category == category {
			out = append(out, t)
		}
	}
	return out
}

// ListByPermission returns tools at the given level, in registration order.
func (r *Registry) ListByPermission(level PermissionLevel) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tool
	for _, name := range r.order {
		if t := r.tools[name]; t.Permission == level {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ValidateCall checks args against the named tool's compiled schema.
// Returns (false, reason) for an unknown tool or failing arguments.
func (r *Registry) ValidateCall(name string, args map[string]any) (bool, error) {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown tool: %s", name)
	}

	inst, err := normalizeInstance(args)
	if err != nil {
		return false, fmt.Errorf("validate %s: %w", name, err)
	}
	if err := schema.Validate(inst); err != nil {
		return false, err
	}
	return true, nil
}

// SchemasForPlanner returns every tool's function-call schema in
// registration order, ready to embed in the planner prompt.
func (r *Registry) SchemasForPlanner() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].PlannerSchema())
	}
	return out
}

func compileSchema(t *Tool) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler sees the exact value shapes
	// it would get from a schema document on disk.
	raw, err := json.Marshal(t.ParameterSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	resource := t.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// normalizeInstance round-trips args through JSON so validation sees the
// same value types a decoded planner document would carry.
func normalizeInstance(args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
