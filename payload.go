package durable

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the typed data carried by a checkpoint. Exactly one concrete
// type exists per CheckpointType.
type Payload interface {
	// CheckpointType returns the checkpoint type this payload belongs to
	CheckpointType() CheckpointType

	// Validate checks the payload shape before it is written
	Validate() error
}

// Confirm the interfaces are implemented correctly.
var (
	_ Payload = IterationStart{}
	_ Payload = Thought{}
	_ Payload = ToolCallStart{}
	_ Payload = ToolResult{}
	_ Payload = Observation{}
	_ Payload = Complete{}
	_ Payload = MaxIterations{}
)

// IterationStart marks the beginning of a loop iteration.
type IterationStart struct {
	Iteration int `json:"iteration"`
}

func (p IterationStart) CheckpointType() CheckpointType { return CheckpointIterationStart }

func (p IterationStart) Validate() error {
	return validateIteration(p.Iteration)
}

// Thought records the model's output for an iteration.
type Thought struct {
	Text         string `json:"text"`
	HasToolCalls bool   `json:"has_tool_calls"`
	ToolCount    int    `json:"tool_count"`
	Iteration    int    `json:"iteration"`
}

func (p Thought) CheckpointType() CheckpointType { return CheckpointThought }

func (p Thought) Validate() error {
	if err := validateIteration(p.Iteration); err != nil {
		return err
	}
	if p.ToolCount < 0 {
		return validationError("thought tool_count must not be negative")
	}
	if p.HasToolCalls != (p.ToolCount > 0) {
		return validationError("thought has_tool_calls=%t disagrees with tool_count=%d", p.HasToolCalls, p.ToolCount)
	}
	return nil
}

// ToolCallStart is written immediately before a tool is invoked.
type ToolCallStart struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Iteration int            `json:"iteration"`
}

func (p ToolCallStart) CheckpointType() CheckpointType { return CheckpointToolCallStart }

func (p ToolCallStart) Validate() error {
	if err := validateIteration(p.Iteration); err != nil {
		return err
	}
	return validateToolName(p.Tool)
}

// ToolResult records the outcome of a tool invocation. Error is set when the
// invocation failed, in which case the checkpoint status is failed.
type ToolResult struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Result    any            `json:"result"`
	Error     string         `json:"error,omitempty"`
	Iteration int            `json:"iteration"`
}

func (p ToolResult) CheckpointType() CheckpointType { return CheckpointToolResult }

func (p ToolResult) Validate() error {
	if err := validateIteration(p.Iteration); err != nil {
		return err
	}
	return validateToolName(p.Tool)
}

// Observation records what the loop learned from an iteration's tool calls.
type Observation struct {
	Text      string `json:"text"`
	Iteration int    `json:"iteration"`
}

func (p Observation) CheckpointType() CheckpointType { return CheckpointObservation }

func (p Observation) Validate() error {
	return validateIteration(p.Iteration)
}

// Complete records successful termination.
type Complete struct {
	Text       string `json:"text"`
	Iterations int    `json:"iterations"`
}

func (p Complete) CheckpointType() CheckpointType { return CheckpointComplete }

func (p Complete) Validate() error {
	if p.Iterations < 0 {
		return validationError("complete iterations must not be negative")
	}
	return nil
}

// MaxIterations records termination by iteration exhaustion.
type MaxIterations struct {
	Iterations int    `json:"iterations"`
	Text       string `json:"text"`
}

func (p MaxIterations) CheckpointType() CheckpointType { return CheckpointMaxIterations }

func (p MaxIterations) Validate() error {
	if p.Iterations < 1 {
		return validationError("max_iterations iterations must be at least 1")
	}
	return nil
}

// payloadIteration returns the iteration a payload belongs to. Terminal
// payloads report the iteration count they terminated at.
func payloadIteration(p Payload) int {
	switch v := p.(type) {
	case IterationStart:
		return v.Iteration
	case Thought:
		return v.Iteration
	case ToolCallStart:
		return v.Iteration
	case ToolResult:
		return v.Iteration
	case Observation:
		return v.Iteration
	case Complete:
		return v.Iterations
	case MaxIterations:
		return v.Iterations
	}
	return 0
}

func validateIteration(iteration int) error {
	if iteration < 1 {
		return validationError("iteration must be at least 1, got %d", iteration)
	}
	return nil
}

func validateToolName(name string) error {
	if strings.TrimSpace(name) == "" {
		return validationError("tool name is required")
	}
	if strings.Contains(name, ":") {
		return validationError("tool name %q must not contain ':'", name)
	}
	return nil
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, validationError("payload is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.CheckpointType(), err)
	}
	return data, nil
}

// DecodePayload deserializes a stored payload of the given type.
func DecodePayload(t CheckpointType, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case CheckpointIterationStart:
		p, err = decodeAs[IterationStart](data)
	case CheckpointThought:
		p, err = decodeAs[Thought](data)
	case CheckpointToolCallStart:
		p, err = decodeAs[ToolCallStart](data)
	case CheckpointToolResult:
		p, err = decodeAs[ToolResult](data)
	case CheckpointObservation:
		p, err = decodeAs[Observation](data)
	case CheckpointComplete:
		p, err = decodeAs[Complete](data)
	case CheckpointMaxIterations:
		p, err = decodeAs[MaxIterations](data)
	default:
		return nil, validationError("unknown checkpoint type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
	}
	return p, nil
}

func decodeAs[T Payload](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// UnmarshalJSON decodes a checkpoint, using its type tag to pick the payload.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	type alias Checkpoint
	aux := struct {
		*alias
		Data json.RawMessage `json:"data"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		c.Data = nil
		return nil
	}
	p, err := DecodePayload(c.Type, aux.Data)
	if err != nil {
		return err
	}
	c.Data = p
	return nil
}
