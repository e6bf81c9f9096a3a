package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/undoablehq/undoable/internal/providers"
)

// Tool is a named capability the agent can invoke. Category and Undoable
// drive the approval gate and the action log; Parameters is the JSON Schema
// shown to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Category() string
	Undoable() bool
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the tools available to the executor.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns the tool schemas in the provider wire shape, in
// registration order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// ValidateArgs rejects calls the tool's schema does not admit: unknown
// top-level arguments and missing required ones. Runs before the tool does,
// so a bad call never produces side effects.
func ValidateArgs(t Tool, args map[string]interface{}) error {
	schema := t.Parameters()
	props, _ := schema["properties"].(map[string]interface{})
	for k := range args {
		if _, ok := props[k]; !ok {
			return fmt.Errorf("unknown argument %q for tool %s", k, t.Name())
		}
	}
	required, _ := schema["required"].([]string)
	if required == nil {
		if raw, ok := schema["required"].([]interface{}); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, req := range required {
		if _, ok := args[req]; !ok {
			return fmt.Errorf("missing required argument %q for tool %s", req, t.Name())
		}
	}
	return nil
}

// decodeArgs unmarshals loosely-typed LLM arguments into a tool's typed args
// struct, rejecting fields the struct does not declare.
func decodeArgs(args map[string]interface{}, dst interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
