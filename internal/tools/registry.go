package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/satriahrh/voxbridge/domain/entities"
)

// Invocation is what an executor sees of one function call
type Invocation struct {
	CallID       string
	SessionID    string
	BusinessID   string
	CallerNumber string
	Args         map[string]interface{}
}

// ExecutorFunc runs one tool and returns the payload reported back to the model.
type ExecutorFunc func(ctx context.Context, inv Invocation) (map[string]interface{}, error)

// Tool pairs the manifest entry advertised to the model with its executor
type Tool struct {
	Definition entities.ToolDefinition
	Execute    ExecutorFunc
}

// Registry stores tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a new tool.
func (r *Registry) Register(tool Tool) error {
	name := tool.Definition.Name
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Execute == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("executor already registered for %s", name)
	}
	r.tools[name] = tool
	return nil
}

// MustRegister adds a tool or panics.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the tool manifest ordered by name.
func (r *Registry) Definitions() []entities.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]entities.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
