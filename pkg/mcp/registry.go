package mcp

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ToolHandler executes one tool call. Arguments have already passed
// schema validation when the handler runs.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ToolDefinition describes a registered tool
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type registeredTool struct {
	definition ToolDefinition
	handler    ToolHandler
}

// Registry holds the callable tool set. Registration normally happens at
// startup but the registry is safe for concurrent use throughout.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds or replaces a tool
func (r *Registry) Register(definition ToolDefinition, handler ToolHandler) error {
	if definition.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return errors.Errorf("tool %s has no handler", definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[definition.Name]; !exists {
		r.order = append(r.order, definition.Name)
	}
	r.tools[definition.Name] = registeredTool{definition: definition, handler: handler}
	return nil
}

// Get returns a tool by name
func (r *Registry) Get(name string) (ToolDefinition, ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, nil, false
	}
	return tool.definition, tool.handler, true
}

// Has reports whether a tool name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all tool definitions in registration order
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].definition)
	}
	return out
}

// Names returns the sorted registered tool names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
