package anthropic

import (
	"fmt"
	"strings"

	"github.com/antigravity-proxy/gateway/pkg/sigcache"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

// OutboundOptions carries the per-request knobs the non-streaming
// outbound converter needs.
type OutboundOptions struct {
	UserID     string
	Signatures *sigcache.Cache
}

// FromUpstreamNonStream converts a completed upstream response into
// an Anthropic Messages response (spec §4.5.3).
func FromUpstreamNonStream(resp upstream.Response, thinkingOn bool, model, id string, opts OutboundOptions) (MessagesResponse, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return MessagesResponse{}, fmt.Errorf("blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return MessagesResponse{}, fmt.Errorf("upstream returned no candidates")
	}
	cand := resp.Candidates[0]

	var thinkingText strings.Builder
	sig := ""
	for _, part := range cand.Content.Parts {
		if part.ThoughtSignature != "" {
			sig = part.ThoughtSignature
		}
		if part.IsThought() {
			thinkingText.WriteString(part.Text)
		}
	}

	var blocks []ContentBlock
	useSig := sig
	if useSig == "" && thinkingOn && opts.Signatures != nil {
		if last, ok := opts.Signatures.GetCachedClaudeLastThinkingSignature(opts.UserID); ok {
			useSig = last
		}
	}
	if thinkingOn && (thinkingText.Len() > 0 || useSig != "") {
		blocks = append(blocks, ContentBlock{Type: "thinking", Thinking: thinkingText.String(), Signature: useSig})
	}

	var newToolUseIDs []string
	hasToolUse := false
	for _, part := range cand.Content.Parts {
		switch {
		case part.IsThought():
			// already folded into the leading thinking block.
		case part.IsFunctionCall():
			hasToolUse = true
			args := StripRequiredPlaceholder(part.FunctionCall.Args)
			blocks = append(blocks, ContentBlock{Type: "tool_use", ID: part.FunctionCall.ID, Name: part.FunctionCall.Name, Input: args})
			newToolUseIDs = append(newToolUseIDs, part.FunctionCall.ID)
		case part.IsInlineData():
			blocks = append(blocks, ContentBlock{Type: "image", Source: &ImageSource{Type: "base64", MediaType: part.InlineData.MimeType, Data: part.InlineData.Data}})
		case part.Text != "":
			blocks = append(blocks, ContentBlock{Type: "text", Text: part.Text})
		}
	}

	if sig != "" && opts.Signatures != nil {
		nonThinking := blocks
		if thinkingOn && len(nonThinking) > 0 && nonThinking[0].Type == "thinking" {
			nonThinking = nonThinking[1:]
		}
		opts.Signatures.CacheClaudeAssistantSignature(opts.UserID, nonThinking, sig)
		opts.Signatures.CacheClaudeLastThinkingSignature(opts.UserID, sig)
		for _, tid := range newToolUseIDs {
			opts.Signatures.CacheClaudeThinkingSignature(tid, sig)
		}
	}

	stopReason := "end_turn"
	switch {
	case hasToolUse:
		stopReason = "tool_use"
	case cand.FinishReason == upstream.FinishMaxTokens:
		stopReason = "max_tokens"
	}

	var usage MessageUsage
	if resp.UsageMetadata != nil {
		usage = MessageUsage{InputTokens: resp.UsageMetadata.PromptTokenCount, OutputTokens: resp.UsageMetadata.CandidatesTokenCount}
	}

	return MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		Usage:      usage,
	}, nil
}
