// Package tools defines the Canvas operations exposed to an AI assistant.
// Every tool reads and writes through the privacy pipeline, so results only
// ever contain pseudonymized people and scrubbed free text.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownTool is returned by Registry.Call for unregistered names.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Param documents one tool argument.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description"`
}

// Tool is one operation an assistant can call.
type Tool interface {
	// Name returns the tool name (e.g., "list_courses")
	Name() string

	Description() string

	Params() []Param

	// Call runs the tool with JSON encoded arguments and returns text for the assistant
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry manages the available tools
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool, replacing any tool with the same name
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// List returns all registered tool names in order
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the registered tools ordered by name
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, name := range r.List() {
		out = append(out, r.tools[name])
	}
	return out
}

// Call runs the named tool.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return tool.Call(ctx, args)
}

// tool is the Tool implementation used by every handler in this package.
type tool struct {
	name        string
	description string
	params      []Param
	call        func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *tool) Name() string        { return t.name }
func (t *tool) Description() string { return t.description }
func (t *tool) Params() []Param     { return t.params }

func (t *tool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	return t.call(ctx, args)
}
