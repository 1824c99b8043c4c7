package durable

import "context"

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the history passed to the model.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool result fields, set when Role is RoleTool.
	Tool   string `json:"tool,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Action is the model's decision for one iteration. An action without tool
// calls ends the loop with Text as the answer.
type Action struct {
	Text      string
	ToolCalls []ToolCall
}

// ModelCompletion produces the next action from instructions and history.
type ModelCompletion interface {
	Complete(ctx context.Context, instructions string, history []Message) (*Action, error)
}

// ModelCompletionFunc adapts a function to ModelCompletion.
type ModelCompletionFunc func(ctx context.Context, instructions string, history []Message) (*Action, error)

func (f ModelCompletionFunc) Complete(ctx context.Context, instructions string, history []Message) (*Action, error) {
	return f(ctx, instructions, history)
}

// ToolInvoker executes named tools. Implementations should return a
// ToolExecutionError for failures of the tool itself.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// HistoryStore holds long-term conversation history. The loop refers to a
// conversation only by its identifier.
type HistoryStore interface {
	Load(ctx context.Context, conversationID string) ([]Message, error)
	Append(ctx context.Context, conversationID string, messages ...Message) error
}
