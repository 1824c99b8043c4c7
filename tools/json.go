package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/durable"
)

// JSONQueryArgs are the arguments of the json_query tool.
type JSONQueryArgs struct {
	// Data is the JSON document.
	Data string `json:"data"`

	// Query is a dot path such as "items.0.name". Empty or "." returns the
	// whole document.
	Query string `json:"query"`
}

// JSONQuery returns the json_query tool.
func JSONQuery() durable.Tool {
	return durable.TypedToolFunction("json_query", func(ctx context.Context, args JSONQueryArgs) (any, error) {
		var doc any
		if err := json.Unmarshal([]byte(args.Data), &doc); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return queryPath(doc, args.Query)
	})
}

func queryPath(doc any, query string) (any, error) {
	query = strings.TrimPrefix(query, ".")
	if query == "" {
		return doc, nil
	}
	current := doc
	for _, part := range strings.Split(query, ".") {
		switch v := current.(type) {
		case map[string]any:
			value, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("key %q not found", part)
			}
			current = value
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid array index %q", part)
			}
			if idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("array index %d out of bounds", idx)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot query %q into a scalar", part)
		}
	}
	return current, nil
}
