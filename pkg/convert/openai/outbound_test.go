package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-proxy/gateway/internal/config"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

func TestFromUpstreamNonStreamPlainText(t *testing.T) {
	resp := upstream.Response{Candidates: []upstream.Candidate{{
		Content:      upstream.Content{Role: "model", Parts: []upstream.Part{{Text: "hi there"}}},
		FinishReason: upstream.FinishStop,
	}}}
	out, err := FromUpstreamNonStream(resp, "claude-sonnet-4-5", config.ThinkingOutputReasoningContent, "resp_1")
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
}

func TestFromUpstreamNonStreamThinkingTagsMode(t *testing.T) {
	resp := upstream.Response{Candidates: []upstream.Candidate{{
		Content: upstream.Content{Role: "model", Parts: []upstream.Part{
			{Thought: true, Text: "pondering"},
			{Text: "answer"},
		}},
		FinishReason: upstream.FinishStop,
	}}}
	out, err := FromUpstreamNonStream(resp, "m", config.ThinkingOutputTags, "resp_2")
	require.NoError(t, err)
	assert.Equal(t, "<think>pondering</think>answer", out.Choices[0].Message.Content)
	assert.Empty(t, out.Choices[0].Message.ReasoningContent)
}

func TestFromUpstreamNonStreamToolCallsStripsPlaceholder(t *testing.T) {
	resp := upstream.Response{Candidates: []upstream.Candidate{{
		Content: upstream.Content{Role: "model", Parts: []upstream.Part{
			{FunctionCall: &upstream.FunctionCall{ID: "call_1", Name: "get_weather", Args: map[string]any{
				"city": "nyc", upstream.RequiredPlaceholder: true,
			}}},
		}},
		FinishReason: upstream.FinishStop,
	}}}
	out, err := FromUpstreamNonStream(resp, "m", config.ThinkingOutputBoth, "resp_3")
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", out.Choices[0].FinishReason)
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	assert.NotContains(t, out.Choices[0].Message.ToolCalls[0].Function.Arguments, upstream.RequiredPlaceholder)
}

func TestFromUpstreamNonStreamMaxTokens(t *testing.T) {
	resp := upstream.Response{Candidates: []upstream.Candidate{{
		Content:      upstream.Content{Role: "model", Parts: []upstream.Part{{Text: "cut off"}}},
		FinishReason: upstream.FinishMaxTokens,
	}}}
	out, err := FromUpstreamNonStream(resp, "m", config.ThinkingOutputReasoningContent, "resp_4")
	require.NoError(t, err)
	assert.Equal(t, "length", out.Choices[0].FinishReason)
}

func TestFromUpstreamNonStreamBlocked(t *testing.T) {
	resp := upstream.Response{PromptFeedback: &upstream.PromptFeedback{BlockReason: "SAFETY"}}
	_, err := FromUpstreamNonStream(resp, "m", config.ThinkingOutputReasoningContent, "resp_5")
	assert.Error(t, err)
}

func TestFromUpstreamNonStreamUsage(t *testing.T) {
	resp := upstream.Response{
		Candidates: []upstream.Candidate{{
			Content:      upstream.Content{Role: "model", Parts: []upstream.Part{{Text: "ok"}}},
			FinishReason: upstream.FinishStop,
		}},
		UsageMetadata: &upstream.UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15},
	}
	out, err := FromUpstreamNonStream(resp, "m", config.ThinkingOutputReasoningContent, "resp_6")
	require.NoError(t, err)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 15, out.Usage.TotalTokens)
}
