// Package agent runs the LLM tool loop behind the chat assistant.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ToolPrefix namespaces the in-process document tools the same way the chat
// client sees tools of the punypage_internal MCP server.
const ToolPrefix = "mcp__punypage_internal__"

// PrefixedName is the name a tool is exposed under to the model.
func PrefixedName(name string) string { return ToolPrefix + name }

// UnprefixedName strips ToolPrefix when present.
func UnprefixedName(name string) string { return strings.TrimPrefix(name, ToolPrefix) }

// Param types understood by Spec consumers.
const (
	ParamString  = "string"
	ParamBoolean = "boolean"
	ParamInteger = "integer"
	ParamObject  = "object"
)

type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

type ToolSpec struct {
	Name        string
	Description string
	Params      []Param
}

// JSONSchema renders the parameters as a JSON Schema object.
func (s ToolSpec) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Params))
	required := make([]string, 0)
	for _, p := range s.Params {
		props[p.Name] = map[string]any{"type": p.Type, "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ToolCall is one invocation on behalf of UserID.
type ToolCall struct {
	UserID string
	Name   string
	Input  map[string]any
}

type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, call ToolCall) (string, error)
}

type UnknownToolError struct {
	ToolName string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.ToolName)
}

type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{
		tools: map[string]Tool{},
		order: make([]string, 0, 8),
	}
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return errors.New("tool is nil")
	}
	name := strings.TrimSpace(tool.Spec().Name)
	if name == "" {
		return errors.New("tool spec name is required")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Get accepts prefixed and unprefixed names.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	tool, ok := r.tools[UnprefixedName(strings.TrimSpace(name))]
	return tool, ok
}

func (r *Registry) ListOrdered() []Tool {
	if r == nil {
		return nil
	}
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Execute runs the named tool. Unknown tools return *UnknownToolError. A
// panicking tool is reported as an error result.
func (r *Registry) Execute(ctx context.Context, call ToolCall) (out string, err error) {
	tool, ok := r.Get(call.Name)
	if !ok {
		return "", &UnknownToolError{ToolName: call.Name}
	}
	if call.Input == nil {
		call.Input = map[string]any{}
	}
	defer func() {
		if p := recover(); p != nil {
			out, err = "", fmt.Errorf("tool %s failed: %v", tool.Spec().Name, p)
		}
	}()
	return tool.Execute(ctx, call)
}
