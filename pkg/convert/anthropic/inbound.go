package anthropic

import (
	"log/slog"
	"strings"

	"github.com/antigravity-proxy/gateway/pkg/catalog"
	"github.com/antigravity-proxy/gateway/pkg/schema"
	"github.com/antigravity-proxy/gateway/pkg/sigcache"
	"github.com/antigravity-proxy/gateway/pkg/toollimit"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

// InboundOptions carries the per-request knobs the converter needs
// beyond the raw MessagesRequest.
type InboundOptions struct {
	UserID     string
	Signatures *sigcache.Cache
	Catalog    *catalog.Registry
	Logger     *slog.Logger

	// ToolLimit and ToolTotalMaxChars configure the tool-output
	// limiter (spec §4.3); ToolTotalMaxChars <= 0 means unlimited.
	ToolLimit         toollimit.Config
	ToolTotalMaxChars int
}

// Result is the converted upstream request plus metadata the
// outbound/streaming side needs.
type Result struct {
	Request    upstream.Request
	ModelInfo  catalog.Model
	ThinkingOn bool
	Downgraded bool
}

// ToUpstream converts an Anthropic Messages request into the upstream
// request envelope (spec §4.5.1, via Preprocess for §4.5.2).
func ToUpstream(req MessagesRequest, opts InboundOptions) (Result, error) {
	model := opts.Catalog.Lookup(req.Model)

	thinkingRequested := req.Thinking != nil && req.Thinking.Type == "enabled"
	thinkingOn := thinkingRequested || model.SupportsThinking

	cleaned, downgrade, extraHint := Preprocess(req.Messages, PreprocessOptions{
		UserID: opts.UserID, Signatures: opts.Signatures, Logger: opts.Logger,
	}, thinkingOn)
	if downgrade {
		thinkingOn = false
	}

	nameByToolUseID := prescanToolUseNames(cleaned)
	contents := buildContents(cleaned, nameByToolUseID, model, opts)

	var sysTexts []string
	switch v := req.System.(type) {
	case string:
		if v != "" {
			sysTexts = append(sysTexts, v)
		}
	case []any:
		for _, raw := range v {
			if b, ok := decodeBlock(raw); ok && b.Type == "text" && b.Text != "" {
				sysTexts = append(sysTexts, b.Text)
			}
		}
	}
	if extraHint != "" {
		sysTexts = append(sysTexts, extraHint)
	}
	var sysInstruction *upstream.SystemInstruction
	if len(sysTexts) > 0 {
		sysInstruction = &upstream.SystemInstruction{Role: "user", Parts: []upstream.Part{{Text: strings.Join(sysTexts, "\n")}}}
	}

	budget := 4096
	if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		budget = req.Thinking.BudgetTokens
	}
	maxTokens := req.MaxTokens
	if thinkingOn && maxTokens < 2*budget {
		maxTokens = 2 * budget
	}

	genConfig := upstream.GenerationConfig{
		MaxOutputTokens: maxTokens,
		CandidateCount:  1,
		StopSequences:   req.StopSequences,
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
			if t.Type != "" && isBuiltinToolType(t.Type) {
				decls = append(decls, upstream.FunctionDeclaration{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  builtinSchema(t.Type),
				})
				continue
			}
			decls = append(decls, upstream.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  injectRequiredPlaceholder(schema.Normalize(t.InputSchema, false)),
			})
		}
		tools = []upstream.Tool{{FunctionDeclarations: decls}}
	}

	var toolConfig *upstream.ToolConfig
	if len(tools) > 0 {
		mode := upstream.ToolModeAuto
		if v, ok := req.ToolChoice.(map[string]any); ok {
			if t, _ := v["type"].(string); t == "none" {
				mode = upstream.ToolModeNone
			} else if t == "any" || t == "tool" {
				mode = upstream.ToolModeValidated
			}
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
		ModelInfo:  model,
		ThinkingOn: thinkingOn,
		Downgraded: downgrade,
	}, nil
}

func injectRequiredPlaceholder(normalized any) map[string]any {
	m, ok := normalized.(map[string]any)
	if !ok {
		m = map[string]any{}
	}
	if req, _ := m["required"].([]any); len(req) > 0 {
		return m
	}
	props, _ := m["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	props[upstream.RequiredPlaceholder] = map[string]any{"type": "boolean"}
	m["properties"] = props
	m["required"] = []any{upstream.RequiredPlaceholder}
	return m
}

// StripRequiredPlaceholder removes the synthetic property from
// outbound tool-call arguments (spec §4.5.3/4.5.4).
func StripRequiredPlaceholder(args map[string]any) map[string]any {
	if args == nil {
		return args
	}
	delete(args, upstream.RequiredPlaceholder)
	return args
}

func prescanToolUseNames(messages []InputMessage) map[string]string {
	names := map[string]string{}
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		for _, b := range toBlocks(m.Content) {
			if b.Type == "tool_use" {
				names[b.ID] = b.Name
			}
		}
	}
	return names
}

func buildContents(messages []InputMessage, nameByToolUseID map[string]string, model catalog.Model, opts InboundOptions) []upstream.Content {
	var contents []upstream.Content
	budget := toollimit.NewBudget(opts.ToolTotalMaxChars)
	for _, m := range messages {
		blocks := toBlocks(m.Content)
		if m.Role == "user" && allToolResults(blocks) {
			contents = append(contents, upstream.Content{Role: "user", Parts: toolResultParts(blocks, nameByToolUseID, opts.ToolLimit, budget)})
			continue
		}
		contents = append(contents, upstream.Content{Role: roleFor(m.Role), Parts: partsFromBlocks(blocks, nameByToolUseID, opts.ToolLimit, budget)})
	}
	return stabiliseTrailingToolChain(contents)
}

func roleFor(anthropicRole string) string {
	if anthropicRole == "assistant" {
		return "model"
	}
	return "user"
}

func allToolResults(blocks []ContentBlock) bool {
	if len(blocks) == 0 {
		return false
	}
	for _, b := range blocks {
		if b.Type != "tool_result" {
			return false
		}
	}
	return true
}

func toolResultParts(blocks []ContentBlock, nameByToolUseID map[string]string, limitCfg toollimit.Config, budget *toollimit.Budget) []upstream.Part {
	var parts []upstream.Part
	for _, b := range blocks {
		parts = append(parts, upstream.Part{FunctionResponse: &upstream.FunctionResponse{
			ID:       b.ToolUseID,
			Name:     nameByToolUseID[b.ToolUseID],
			Response: map[string]any{"output": toollimit.Limit(limitCfg, toolResultText(b.Content2), b.IsError, budget)},
		}})
	}
	return parts
}

func toolResultText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, raw := range v {
			if m, ok := decodeBlock(raw); ok && m.Type == "text" {
				b.WriteString(m.Text)
			}
		}
		return b.String()
	default:
		return ""
	}
}

// partsFromBlocks converts one message's blocks, placing all
// non-functionCall parts before functionCall parts (spec §4.5.1
// "Part ordering").
func partsFromBlocks(blocks []ContentBlock, nameByToolUseID map[string]string, limitCfg toollimit.Config, budget *toollimit.Budget) []upstream.Part {
	var lead []upstream.Part
	var calls []upstream.Part
	for _, b := range blocks {
		switch b.Type {
		case "thinking":
			text := b.Thinking
			if b.Signature != "" && text == "" {
				text = " "
			}
			p := upstream.Part{Thought: true, Text: text}
			if b.Signature != "" {
				p.ThoughtSignature = b.Signature
			}
			lead = append(lead, p)
		case "redacted_thinking":
			if b.Signature == "" {
				continue
			}
			lead = append(lead, upstream.Part{Thought: true, Text: " ", ThoughtSignature: b.Signature})
		case "text":
			lead = append(lead, upstream.Part{Text: b.Text})
		case "tool_use":
			calls = append(calls, upstream.Part{FunctionCall: &upstream.FunctionCall{ID: b.ID, Name: b.Name, Args: injectToolUseRequired(b.Input)}})
		case "tool_result":
			lead = append(lead, upstream.Part{FunctionResponse: &upstream.FunctionResponse{
				ID: b.ToolUseID, Name: nameByToolUseID[b.ToolUseID], Response: map[string]any{"output": toollimit.Limit(limitCfg, toolResultText(b.Content2), b.IsError, budget)},
			}})
		case "image":
			if b.Source != nil {
				lead = append(lead, upstream.Part{InlineData: &upstream.InlineData{MimeType: b.Source.MediaType, Data: b.Source.Data}})
			}
		}
	}
	return append(lead, calls...)
}

func injectToolUseRequired(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	return input
}

// stabiliseTrailingToolChain appends a single-space text part to a
// final role:user content that is all functionResponse parts (spec
// §4.5.1 tool-chain stabiliser).
func stabiliseTrailingToolChain(contents []upstream.Content) []upstream.Content {
	if len(contents) == 0 {
		return contents
	}
	last := &contents[len(contents)-1]
	if last.Role != "user" {
		return contents
	}
	hasText := false
	allResponses := len(last.Parts) > 0
	for _, p := range last.Parts {
		if p.IsText() {
			hasText = true
		}
		if !p.IsFunctionResponse() {
			allResponses = false
		}
	}
	if allResponses && !hasText {
		last.Parts = append(last.Parts, upstream.Part{Text: " "})
	}
	return contents
}
