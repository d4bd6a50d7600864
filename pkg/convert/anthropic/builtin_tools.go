package anthropic

import "strings"

// builtinSchema returns the deterministic synthetic input schema for
// an Anthropic built-in tool type (spec §6.3), or nil if toolType does
// not match one of the recognised prefixes.
func builtinSchema(toolType string) map[string]any {
	switch {
	case strings.HasPrefix(toolType, "bash"):
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":    map[string]any{"type": "string"},
				"timeout_ms": map[string]any{"type": "integer"},
			},
			"required": []any{"command"},
		}
	case strings.HasPrefix(toolType, "text_editor"):
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":     map[string]any{"type": "string"},
				"path":        map[string]any{"type": "string"},
				"file_text":   map[string]any{"type": "string"},
				"old_str":     map[string]any{"type": "string"},
				"new_str":     map[string]any{"type": "string"},
				"insert_line": map[string]any{"type": "integer"},
				"text":        map[string]any{"type": "string"},
				"view_range":  map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
			},
			"required": []any{"command"},
		}
	case strings.HasPrefix(toolType, "web_search"):
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":       map[string]any{"type": "string"},
				"max_results": map[string]any{"type": "integer"},
				"locale":      map[string]any{"type": "string"},
				"time_range":  map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		}
	case strings.HasPrefix(toolType, "computer"):
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action":        map[string]any{"type": "string"},
				"x":             map[string]any{"type": "integer"},
				"y":             map[string]any{"type": "integer"},
				"coordinates":   map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
				"text":          map[string]any{"type": "string"},
				"key":           map[string]any{"type": "string"},
				"button":        map[string]any{"type": "string"},
				"clicks":        map[string]any{"type": "integer"},
				"scroll_amount": map[string]any{"type": "integer"},
				"direction":     map[string]any{"type": "string"},
			},
			"required": []any{"action"},
		}
	default:
		return nil
	}
}

func isBuiltinToolType(toolType string) bool {
	return builtinSchema(toolType) != nil
}
