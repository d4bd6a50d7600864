package openai

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antigravity-proxy/gateway/pkg/catalog"
	"github.com/antigravity-proxy/gateway/pkg/jsonparser"
	"github.com/antigravity-proxy/gateway/pkg/schema"
	"github.com/antigravity-proxy/gateway/pkg/sigcache"
	"github.com/antigravity-proxy/gateway/pkg/toollimit"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

// systemPromptPreamble is the fixed compatibility-probe prelude the
// upstream expects ahead of the client's own system text (spec
// §4.4.1). The exact wording is an operational detail of the upstream
// contract, not a spec invariant; it is kept here as a single
// constant so it is easy to update.
const systemPromptPreamble = "<ag-compat-probe>antigravity-gateway</ag-compat-probe>\n"

// InboundOptions carries the per-request knobs the converter needs
// beyond the raw ChatCompletionRequest.
type InboundOptions struct {
	UserID               string
	Signatures           *sigcache.Cache
	Catalog              *catalog.Registry
	MaxOutputTokensWithTools int // 0 = off
	Logger               *slog.Logger

	// ToolLimit and ToolTotalMaxChars configure the tool-output
	// limiter (spec §4.3); ToolTotalMaxChars <= 0 means unlimited.
	ToolLimit          toollimit.Config
	ToolTotalMaxChars int
}

// Result is the converted upstream request plus metadata the caller
// needs for the outbound side (whether thinking ended up enabled,
// and why a downgrade happened if one did).
type Result struct {
	Request       upstream.Request
	ModelInfo     catalog.Model
	ThinkingOn    bool
	Downgraded    bool
	MissingToolUseIDs []string
}

// ToUpstream converts an OpenAI chat-completions request into the
// upstream request envelope (spec §4.4.1, §4.4.2).
func ToUpstream(req ChatCompletionRequest, opts InboundOptions) (Result, error) {
	model := opts.Catalog.Lookup(req.Model)

	thinkingOn := model.SupportsThinking
	budget := 4096
	if req.ThinkingBudget != nil {
		budget = *req.ThinkingBudget
	} else if req.BudgetTokens != nil {
		budget = *req.BudgetTokens
	}

	var missingIDs []string
	contents, sysTexts := buildContents(req.Messages, model, thinkingOn, opts, &missingIDs)

	if thinkingOn && len(missingIDs) > 0 {
		thinkingOn = false
		if opts.Logger != nil {
			opts.Logger.Warn("thinking_downgrade", "missing_tool_use_ids", missingIDs)
		}
		contents, sysTexts = buildContents(req.Messages, model, false, opts, &missingIDs)
	}

	var sysInstruction *upstream.SystemInstruction
	if len(sysTexts) > 0 {
		text := systemPromptPreamble + strings.Join(sysTexts, "\n")
		sysInstruction = &upstream.SystemInstruction{Role: "user", Parts: []upstream.Part{{Text: text}}}
	}

	maxTokens := req.MaxTokens
	if thinkingOn && model.IsClaudeFamily && maxTokens < 2*budget {
		maxTokens = 2 * budget
	}
	if opts.MaxOutputTokensWithTools > 0 && len(req.Tools) > 0 && maxTokens > opts.MaxOutputTokensWithTools {
		maxTokens = opts.MaxOutputTokensWithTools
	}

	genConfig := upstream.GenerationConfig{
		MaxOutputTokens: maxTokens,
		CandidateCount:  1,
		StopSequences:   req.Stop,
	}
	if req.Temperature != nil {
		genConfig.Temperature = req.Temperature
	}
	if req.TopP != nil {
		genConfig.TopP = req.TopP
	}
	if thinkingOn {
		genConfig.ThinkingConfig = &upstream.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
	}

	var tools []upstream.Tool
	if len(req.Tools) > 0 {
		decls := make([]upstream.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, upstream.FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  injectRequiredPlaceholder(schema.Normalize(t.Function.Parameters, !model.IsClaudeFamily)),
			})
		}
		tools = []upstream.Tool{{FunctionDeclarations: decls}}
	}

	var toolConfig *upstream.ToolConfig
	if len(tools) > 0 {
		mode := upstream.ToolModeValidated
		switch v, _ := req.ToolChoice.(string); v {
		case "none":
			mode = upstream.ToolModeNone
		case "auto":
			mode = upstream.ToolModeAuto
		}
		toolConfig = &upstream.ToolConfig{FunctionCallingConfig: upstream.FunctionCallingConfig{Mode: mode}}
	}

	return Result{
		Request: upstream.Request{
			Contents:          contents,
			SystemInstruction: sysInstruction,
			GenerationConfig:  genConfig,
			Tools:             tools,
			ToolConfig:        toolConfig,
		},
		ModelInfo:         model,
		ThinkingOn:        thinkingOn,
		Downgraded:        !thinkingOn && model.SupportsThinking,
		MissingToolUseIDs: missingIDs,
	}, nil
}

// injectRequiredPlaceholder forces a synthetic required property when
// the schema has no non-empty "required" list (spec §4.4.1), so the
// model is compelled to emit tool calls.
func injectRequiredPlaceholder(normalized any) map[string]any {
	m, ok := normalized.(map[string]any)
	if !ok {
		m = map[string]any{}
	}
	req, _ := m["required"].([]any)
	if len(req) > 0 {
		return m
	}
	props, _ := m["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	props[upstream.RequiredPlaceholder] = map[string]any{"type": boolType(m)}
	m["properties"] = props
	m["required"] = []any{upstream.RequiredPlaceholder}
	return m
}

func boolType(m map[string]any) string {
	if t, ok := m["type"].(string); ok && t == strings.ToLower(t) {
		return "boolean"
	}
	return "BOOLEAN"
}

// StripRequiredPlaceholder removes the synthetic property from
// outbound tool-call arguments (spec §4.4.3/4.4.4).
func StripRequiredPlaceholder(args map[string]any) map[string]any {
	if args == nil {
		return args
	}
	delete(args, upstream.RequiredPlaceholder)
	return args
}

func buildContents(messages []Message, model catalog.Model, thinkingOn bool, opts InboundOptions, missingIDs *[]string) ([]upstream.Content, []string) {
	var contents []upstream.Content
	var sysTexts []string
	budget := toollimit.NewBudget(opts.ToolTotalMaxChars)

	i := 0
	for i < len(messages) {
		msg := messages[i]
		switch msg.Role {
		case "system":
			sysTexts = append(sysTexts, textOf(msg.Content))
			i++
		case "tool":
			// Coalesce consecutive role:tool messages into one
			// role:user entry of functionResponse parts.
			var parts []upstream.Part
			for i < len(messages) && messages[i].Role == "tool" {
				t := messages[i]
				parts = append(parts, upstream.Part{FunctionResponse: &upstream.FunctionResponse{
					ID:       t.ToolCallID,
					Name:     t.Name,
					Response: map[string]any{"output": toollimit.Limit(opts.ToolLimit, textOf(t.Content), false, budget)},
				}})
				i++
			}
			contents = append(contents, upstream.Content{Role: "user", Parts: parts})
		case "assistant":
			contents = append(contents, buildAssistantContent(msg, model, thinkingOn, opts, missingIDs))
			i++
		default: // "user"
			contents = append(contents, upstream.Content{Role: "user", Parts: partsFromContent(msg.Content)})
			i++
		}
	}
	return contents, sysTexts
}

func buildAssistantContent(msg Message, model catalog.Model, thinkingOn bool, opts InboundOptions, missingIDs *[]string) upstream.Content {
	crossProvider := model.IsClaudeFamily && len(msg.ToolCalls) > 0 && !strings.HasPrefix(msg.ToolCalls[0].ID, "toolu_")

	var textParts []upstream.Part
	if text := textOf(msg.Content); text != "" {
		textParts = append(textParts, upstream.Part{Text: text})
	}

	if len(msg.ToolCalls) == 0 || crossProvider {
		if crossProvider {
			for _, tc := range msg.ToolCalls {
				// dropped as a functionCall, preserved as plaintext.
				textParts = append(textParts, upstream.Part{Text: fmt.Sprintf("[tool:%s] called", tc.Function.Name)})
			}
		}
		return upstream.Content{Role: "model", Parts: textParts}
	}

	var sig string
	var sigText string
	if thinkingOn && model.IsClaudeFamily && opts.Signatures != nil {
		firstID := msg.ToolCalls[0].ID
		if s, ok := opts.Signatures.GetCachedClaudeThinkingSignature(firstID); ok {
			sig = s
		} else if s, ok := opts.Signatures.GetCachedClaudeLastThinkingSignature(opts.UserID); ok {
			sig = s
		} else {
			*missingIDs = append(*missingIDs, firstID)
		}
	}

	var callParts []upstream.Part
	for _, tc := range msg.ToolCalls {
		args := parseToolArgs(tc.Function.Arguments, opts.Logger)
		p := upstream.Part{FunctionCall: &upstream.FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: args}}
		if sig != "" {
			p.ThoughtSignature = sig
		}
		callParts = append(callParts, p)
	}

	var parts []upstream.Part
	if sig != "" {
		parts = append(parts, upstream.Part{Thought: true, Text: orSpace(sigText), ThoughtSignature: sig})
	}
	parts = append(parts, textParts...)
	parts = append(parts, callParts...)
	return upstream.Content{Role: "model", Parts: parts}
}

// parseToolArgs decodes a tool call's JSON argument string, tolerating
// the truncated/malformed JSON some client SDKs replay from history
// (e.g. a tool call saved mid-stream before its arguments finished).
// Falls back to an empty args map rather than dropping the call.
func parseToolArgs(raw string, logger *slog.Logger) map[string]any {
	result := jsonparser.ParsePartialJSON(raw)
	if args, ok := result.Value.(map[string]any); ok {
		if result.State == jsonparser.ParseStateRepaired && logger != nil {
			logger.Warn("tool_call_args_repaired", "raw_len", len(raw))
		}
		return args
	}
	if logger != nil && result.State == jsonparser.ParseStateFailed {
		logger.Warn("tool_call_args_unparseable", "raw_len", len(raw))
	}
	return map[string]any{}
}

func orSpace(s string) string {
	if s == "" {
		return " "
	}
	return s
}

func partsFromContent(content any) []upstream.Part {
	switch v := content.(type) {
	case string:
		return []upstream.Part{{Text: v}}
	case []any:
		var parts []upstream.Part
		for _, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			t, _ := m["type"].(string)
			switch t {
			case "text":
				if s, ok := m["text"].(string); ok {
					parts = append(parts, upstream.Part{Text: s})
				}
			case "image_url":
				if iu, ok := m["image_url"].(map[string]any); ok {
					if url, ok := iu["url"].(string); ok {
						if mime, data, ok := decodeDataURL(url); ok {
							parts = append(parts, upstream.Part{InlineData: &upstream.InlineData{MimeType: mime, Data: data}})
						}
					}
				}
			}
		}
		return parts
	default:
		return nil
	}
}

func decodeDataURL(url string) (mime, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", false
	}
	rest := url[len(prefix):]
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return "", "", false
	}
	meta := rest[:comma]
	payload := rest[comma+1:]
	mime = strings.TrimSuffix(meta, ";base64")
	if strings.HasSuffix(meta, ";base64") {
		if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
			return "", "", false
		}
		return mime, payload, true
	}
	return mime, base64.StdEncoding.EncodeToString([]byte(payload)), true
}

func textOf(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, raw := range v {
			if m, ok := raw.(map[string]any); ok {
				if s, ok := m["text"].(string); ok {
					b.WriteString(s)
				}
			}
		}
		return b.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
