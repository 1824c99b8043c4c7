package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Confirm the interfaces are implemented correctly.
var (
	_ Tool        = (*ToolFunction)(nil)
	_ ToolInvoker = (*ToolRegistry)(nil)
)

// Tool is a named side-effecting operation the model may request.
type Tool interface {
	// Name returns the name of the Tool
	Name() string

	// Invoke the Tool with the given arguments.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// ToolFunc is the signature of a function-backed tool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// ToolFunction wraps a function for use as a Tool.
type ToolFunction struct {
	name string
	fn   ToolFunc
}

// NewToolFunction returns a Tool for the given function.
func NewToolFunction(name string, fn ToolFunc) *ToolFunction {
	return &ToolFunction{name: name, fn: fn}
}

// Name of the Tool.
func (t *ToolFunction) Name() string {
	return t.name
}

// Invoke the Tool.
func (t *ToolFunction) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

// TypedToolFunction wraps a function taking a typed argument struct. The
// argument map is converted through JSON.
func TypedToolFunction[TArgs, TResult any](name string, fn func(ctx context.Context, args TArgs) (TResult, error)) Tool {
	return NewToolFunction(name, func(ctx context.Context, args map[string]any) (any, error) {
		var typed TArgs
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		if err := json.Unmarshal(data, &typed); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
		return fn(ctx, typed)
	})
}

// ToolRegistry is a ToolInvoker dispatching to registered tools by name.
type ToolRegistry struct {
	tools map[string]Tool
}

// NewToolRegistry creates a registry. Tool names must be unique and must not
// contain ':'.
func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool.
func (r *ToolRegistry) Register(tool Tool) error {
	if err := validateToolName(tool.Name()); err != nil {
		return err
	}
	if _, ok := r.tools[tool.Name()]; ok {
		return validationError("tool %q is already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named tool. Failures are returned as ToolExecutionErrors.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, ToolExecutionError(name, fmt.Errorf("unknown tool"))
	}
	result, err := tool.Invoke(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, ToolExecutionError(name, err)
	}
	return result, nil
}

// ToolExecutionError wraps a tool failure.
func ToolExecutionError(tool string, err error) *Error {
	e := wrapError(ErrorTypeToolExecution, err, "tool %s failed", tool)
	e.Details = map[string]any{"tool": tool}
	return e
}
