// Package toollimit truncates tool-result payloads under a per-request
// byte budget (spec §4.3).
package toollimit

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Budget tracks the remaining global character budget across the
// tool results of a single request. NewBudget with a non-positive
// total returns an unlimited budget.
type Budget struct {
	Remaining int // <=0 with Unlimited=false means exhausted
	Unlimited bool
}

// Config mirrors the TOOL_RESULT_* environment variables (spec §6.5).
type Config struct {
	PerToolCap    int // TOOL_RESULT_MAX_CHARS; 0 = unlimited
	TailChars     int // TOOL_RESULT_TAIL_CHARS
	ProxyLabel    string
}

// NewBudget creates the per-request budget tracker from
// TOOL_RESULT_TOTAL_MAX_CHARS; totalMaxChars <= 0 means unlimited.
func NewBudget(totalMaxChars int) *Budget {
	if totalMaxChars <= 0 {
		return &Budget{Unlimited: true}
	}
	return &Budget{Remaining: totalMaxChars}
}

// Limit normalises value to text and truncates it under maxAllowed =
// min(PerToolCap, budget.Remaining), consuming budget as it goes.
func Limit(cfg Config, value any, isError bool, budget *Budget) string {
	raw := normalize(value, isError)

	perToolUnlimited := cfg.PerToolCap <= 0
	if perToolUnlimited && budget.Unlimited {
		return raw
	}

	maxAllowed := cfg.PerToolCap
	if perToolUnlimited {
		maxAllowed = budget.Remaining
	} else if !budget.Unlimited && budget.Remaining < maxAllowed {
		maxAllowed = budget.Remaining
	}

	if maxAllowed <= 0 {
		return fmt.Sprintf("[%s] tool output omitted (prompt budget exceeded).", label(cfg))
	}

	if len(raw) <= maxAllowed {
		consume(budget, len(raw))
		return raw
	}

	out := truncate(raw, maxAllowed, cfg.TailChars)
	consume(budget, maxAllowed)
	return out
}

func label(cfg Config) string {
	if cfg.ProxyLabel != "" {
		return cfg.ProxyLabel
	}
	return "proxy"
}

func consume(b *Budget, n int) {
	if b.Unlimited {
		return
	}
	b.Remaining -= n
}

// truncate produces head + separator + tail, preferring the tail when
// head would otherwise go negative (spec §4.3 step 5).
func truncate(raw string, maxAllowed, tailChars int) string {
	sep := fmt.Sprintf("\n...[truncated %d -> %d chars]...\n", len(raw), maxAllowed)
	tail := tailChars
	if tail > maxAllowed {
		tail = maxAllowed
	}
	head := maxAllowed - len(sep) - tail
	if head < 0 {
		head = 0
		tail = maxAllowed
		if tail > len(raw) {
			tail = len(raw)
		}
	}
	headStr := raw[:min(head, len(raw))]
	tailStr := ""
	if tail > 0 {
		tailStr = raw[len(raw)-tail:]
	}
	return headStr + sep + tailStr
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// normalize pulls display text out of common tool-result wrapper
// shapes, or stringifies the value directly (spec §4.3 step 1).
func normalize(value any, isError bool) string {
	var text string
	switch v := value.(type) {
	case string:
		if looksLikeJSON(v) {
			var parsed any
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				text = extractText(parsed)
			}
		}
		if text == "" {
			text = v
		}
	default:
		text = extractText(v)
		if text == "" {
			b, err := json.Marshal(v)
			if err == nil {
				text = string(b)
			} else {
				text = fmt.Sprintf("%v", v)
			}
		}
	}
	if isError {
		text = "[tool_error]\n" + text
	}
	return text
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// extractText pulls a "text" out of {content:[{text}...]}, {text},
// {output}, {message}, or an array of {text|content}. Returns "" if
// the shape doesn't match anything recognised.
func extractText(v any) string {
	switch t := v.(type) {
	case map[string]any:
		if content, ok := t["content"].([]any); ok {
			var b strings.Builder
			for _, item := range content {
				if m, ok := item.(map[string]any); ok {
					if s, ok := m["text"].(string); ok {
						b.WriteString(s)
					}
				}
			}
			if b.Len() > 0 {
				return b.String()
			}
		}
		for _, key := range []string{"text", "output", "message"} {
			if s, ok := t[key].(string); ok {
				return s
			}
		}
	case []any:
		var b strings.Builder
		for _, item := range t {
			switch m := item.(type) {
			case map[string]any:
				if s, ok := m["text"].(string); ok {
					b.WriteString(s)
				} else if s, ok := m["content"].(string); ok {
					b.WriteString(s)
				}
			case string:
				b.WriteString(m)
			}
		}
		return b.String()
	}
	return ""
}
