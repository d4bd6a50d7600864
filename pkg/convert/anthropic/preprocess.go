package anthropic

import (
	"log/slog"

	"github.com/antigravity-proxy/gateway/pkg/sigcache"
)

// PreprocessOptions carries the context preprocess needs beyond the
// raw message list.
type PreprocessOptions struct {
	UserID     string
	Signatures *sigcache.Cache
	Logger     *slog.Logger
}

// jsonOutputHint is appended as a system message when the Claude-Code
// force-JSON prefix trick is stripped (spec §4.5.2).
const jsonOutputHint = "Return only a single JSON object and start your response with '{'."

// Preprocess applies historical-replay hygiene to an inbound messages
// list (spec §4.5.2), returning the cleaned messages, whether the
// request must be downgraded (thinking disabled), and an extra system
// hint to append if the Claude-Code JSON-prefix trick was stripped.
func Preprocess(messages []InputMessage, opts PreprocessOptions, thinkingRequested bool) ([]InputMessage, bool, string) {
	out := make([]InputMessage, len(messages))
	copy(out, messages)

	downgrade := false
	var missingIDs []string
	var extraHint string

	for i := range out {
		if out[i].Role != "assistant" {
			continue
		}
		blocks := toBlocks(out[i].Content)
		blocks = dropEmptyText(blocks)

		if n := len(blocks); n == 1 && blocks[0].Type == "text" && blocks[0].Text == "{" && thinkingRequested {
			blocks = nil
			extraHint = jsonOutputHint
		}

		toolUseIDs := toolUseIDsIn(blocks)
		if len(toolUseIDs) > 0 {
			sig, found := resolveSignature(blocks, toolUseIDs, opts)
			if !found {
				missingIDs = append(missingIDs, toolUseIDs...)
				downgrade = true
			} else {
				blocks = ensureLeadingSignatureBlock(blocks, sig)
			}
		} else {
			blocks = stripUnsignedThinking(blocks)
			if recovered, ok := recoverFromContentHash(blocks, opts); ok {
				blocks = prependRedactedThinking(blocks, recovered)
			}
		}

		out[i].Content = blocksToAny(blocks)
	}

	if downgrade {
		out = stripAllThinking(out)
		if opts.Logger != nil {
			n := len(missingIDs)
			if n > 50 {
				missingIDs = missingIDs[:50]
			}
			opts.Logger.Warn("missing_thinking_signature_for_tool_use_history",
				"missing_count", n, "missing_tool_use_ids", missingIDs)
		}
	}

	return out, downgrade, extraHint
}

func toBlocks(content any) []ContentBlock {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: v}}
	case []ContentBlock:
		return v
	case []any:
		var blocks []ContentBlock
		for _, raw := range v {
			if b, ok := decodeBlock(raw); ok {
				blocks = append(blocks, b)
			}
		}
		return blocks
	default:
		return nil
	}
}

func decodeBlock(raw any) (ContentBlock, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return ContentBlock{}, false
	}
	b := ContentBlock{}
	if t, ok := m["type"].(string); ok {
		b.Type = t
	}
	if s, ok := m["text"].(string); ok {
		b.Text = s
	}
	if s, ok := m["thinking"].(string); ok {
		b.Thinking = s
	}
	if s, ok := m["signature"].(string); ok {
		b.Signature = s
	}
	if s, ok := m["id"].(string); ok {
		b.ID = s
	}
	if s, ok := m["name"].(string); ok {
		b.Name = s
	}
	if in, ok := m["input"].(map[string]any); ok {
		b.Input = in
	}
	if s, ok := m["tool_use_id"].(string); ok {
		b.ToolUseID = s
	}
	if c, ok := m["content"]; ok {
		b.Content2 = c
	}
	if ie, ok := m["is_error"].(bool); ok {
		b.IsError = ie
	}
	return b, true
}

func blocksToAny(blocks []ContentBlock) []ContentBlock {
	return blocks
}

func dropEmptyText(blocks []ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, b := range blocks {
		if b.Type == "text" && b.Text == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}

func toolUseIDsIn(blocks []ContentBlock) []string {
	var ids []string
	for _, b := range blocks {
		if b.Type == "tool_use" {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// resolveSignature implements the three-tier resolution order of spec
// §4.5.2: an existing signature on any thinking block in the message,
// then the per-tool-use cache, then the per-user fallback.
func resolveSignature(blocks []ContentBlock, toolUseIDs []string, opts PreprocessOptions) (string, bool) {
	for _, b := range blocks {
		if (b.Type == "thinking" || b.Type == "redacted_thinking") && b.Signature != "" {
			return b.Signature, true
		}
	}
	if opts.Signatures != nil {
		for _, id := range toolUseIDs {
			if sig, ok := opts.Signatures.GetCachedClaudeThinkingSignature(id); ok {
				return sig, true
			}
		}
		if sig, ok := opts.Signatures.GetCachedClaudeLastThinkingSignature(opts.UserID); ok {
			return sig, true
		}
	}
	return "", false
}

func ensureLeadingSignatureBlock(blocks []ContentBlock, sig string) []ContentBlock {
	if len(blocks) > 0 && blocks[0].Type == "thinking" {
		if blocks[0].Thinking == "" {
			blocks[0] = ContentBlock{Type: "redacted_thinking", Signature: sig}
		} else if blocks[0].Signature == "" {
			blocks[0].Signature = sig
		}
		return blocks
	}
	if len(blocks) > 0 && blocks[0].Type == "redacted_thinking" {
		if blocks[0].Signature == "" {
			blocks[0].Signature = sig
		}
		return blocks
	}
	return append([]ContentBlock{{Type: "redacted_thinking", Signature: sig}}, blocks...)
}

func stripUnsignedThinking(blocks []ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, b := range blocks {
		if (b.Type == "thinking" || b.Type == "redacted_thinking") && b.Signature == "" {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return []ContentBlock{{Type: "text", Text: " "}}
	}
	return out
}

func recoverFromContentHash(blocks []ContentBlock, opts PreprocessOptions) (string, bool) {
	if opts.Signatures == nil {
		return "", false
	}
	hasThinking := false
	for _, b := range blocks {
		if b.Type == "thinking" || b.Type == "redacted_thinking" {
			hasThinking = true
		}
	}
	if hasThinking {
		return "", false
	}
	return opts.Signatures.GetCachedClaudeAssistantSignature(opts.UserID, blocks)
}

func prependRedactedThinking(blocks []ContentBlock, sig string) []ContentBlock {
	return append([]ContentBlock{{Type: "redacted_thinking", Signature: sig}}, blocks...)
}

func stripAllThinking(messages []InputMessage) []InputMessage {
	for i := range messages {
		if messages[i].Role != "assistant" {
			continue
		}
		blocks := toBlocks(messages[i].Content)
		var out []ContentBlock
		for _, b := range blocks {
			if b.Type == "thinking" || b.Type == "redacted_thinking" {
				continue
			}
			out = append(out, b)
		}
		if len(out) == 0 {
			out = []ContentBlock{{Type: "text", Text: " "}}
		}
		messages[i].Content = out
	}
	return messages
}
