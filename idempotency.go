package durable

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ToolCallKey derives the idempotency key for a tool invocation:
// {runID}:{iteration}:{toolName}:{argsHash}. The hash is computed over the
// canonical JSON form of args, so map ordering does not matter.
func ToolCallKey(runID string, iteration int, toolName string, args map[string]any) (string, error) {
	hash, err := HashArgs(args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d:%s:%s", runID, iteration, toolName, hash), nil
}

// HashArgs returns a stable hash of tool arguments.
func HashArgs(args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	// encoding/json sorts map keys, which makes the encoding canonical for
	// JSON-representable values.
	data, err := json.Marshal(args)
	if err != nil {
		return "", validationError("tool arguments are not serializable: %v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}

// ToolCallKeyParts is a parsed idempotency key.
type ToolCallKeyParts struct {
	RunID     string
	Iteration int
	Tool      string
	ArgsHash  string
}

// ParseToolCallKey splits an idempotency key into its parts.
func ParseToolCallKey(key string) (ToolCallKeyParts, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return ToolCallKeyParts{}, validationError("malformed idempotency key %q", key)
	}
	iteration, err := strconv.Atoi(parts[1])
	if err != nil {
		return ToolCallKeyParts{}, validationError("malformed idempotency key %q: bad iteration", key)
	}
	for _, p := range parts {
		if p == "" {
			return ToolCallKeyParts{}, validationError("malformed idempotency key %q: empty segment", key)
		}
	}
	return ToolCallKeyParts{
		RunID:     parts[0],
		Iteration: iteration,
		Tool:      parts[2],
		ArgsHash:  parts[3],
	}, nil
}
