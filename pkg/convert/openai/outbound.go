package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antigravity-proxy/gateway/pkg/upstream"
	"github.com/antigravity-proxy/gateway/internal/config"
)

// FromUpstreamNonStream converts a completed upstream response into
// an OpenAI chat-completions response (spec §4.4.3).
func FromUpstreamNonStream(resp upstream.Response, model string, mode config.ThinkingOutputMode, id string) (ChatCompletionResponse, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return ChatCompletionResponse{}, fmt.Errorf("blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return ChatCompletionResponse{}, fmt.Errorf("upstream returned no candidates")
	}
	cand := resp.Candidates[0]

	var reasoning strings.Builder
	var content strings.Builder
	var toolCalls []ToolCall
	thinkOpen := false

	closeThink := func() {
		if thinkOpen {
			content.WriteString("</think>")
			thinkOpen = false
		}
	}

	for _, part := range cand.Content.Parts {
		switch {
		case part.IsThought():
			if mode == config.ThinkingOutputReasoningContent || mode == config.ThinkingOutputBoth {
				reasoning.WriteString(part.Text)
			}
			if mode == config.ThinkingOutputTags || mode == config.ThinkingOutputBoth {
				if !thinkOpen {
					content.WriteString("<think>")
					thinkOpen = true
				}
				content.WriteString(part.Text)
			}
		case part.IsFunctionCall():
			closeThink()
			args := StripRequiredPlaceholder(part.FunctionCall.Args)
			argsJSON, _ := json.Marshal(args)
			toolCalls = append(toolCalls, ToolCall{
				ID:   callID(part.FunctionCall.ID, len(toolCalls)),
				Type: "function",
				Function: ToolCallFunc{Name: part.FunctionCall.Name, Arguments: string(argsJSON)},
			})
		case part.IsInlineData():
			closeThink()
			content.WriteString(fmt.Sprintf("![image](data:%s;base64,%s)", part.InlineData.MimeType, part.InlineData.Data))
		default:
			closeThink()
			content.WriteString(part.Text)
		}
	}
	closeThink()

	finish := "stop"
	switch cand.FinishReason {
	case upstream.FinishStop:
		finish = "stop"
	case upstream.FinishMaxTokens:
		finish = "length"
	default:
		if cand.FinishReason != "" {
			finish = "stop"
		}
	}
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}

	var usage *Usage
	if resp.UsageMetadata != nil {
		usage = &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	return ChatCompletionResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  model,
		Choices: []Choice{{
			Index: 0,
			Message: ResponseMessage{
				Role:             "assistant",
				Content:          content.String(),
				ReasoningContent: reasoning.String(),
				ToolCalls:        toolCalls,
			},
			FinishReason: finish,
		}},
		Usage: usage,
	}, nil
}

func callID(id string, index int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("call_%d", index)
}
