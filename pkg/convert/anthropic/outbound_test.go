package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-proxy/gateway/pkg/sigcache"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

func TestFromUpstreamNonStreamPlainText(t *testing.T) {
	resp := upstream.Response{Candidates: []upstream.Candidate{{
		Content:      upstream.Content{Role: "model", Parts: []upstream.Part{{Text: "hello"}}},
		FinishReason: upstream.FinishStop,
	}}}
	out, err := FromUpstreamNonStream(resp, false, "claude-sonnet-4-5", "msg_1", OutboundOptions{})
	require.NoError(t, err)
	assert.Equal(t, "end_turn", out.StopReason)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "text", out.Content[0].Type)
}

func TestFromUpstreamNonStreamLeadingThinkingBlock(t *testing.T) {
	resp := upstream.Response{Candidates: []upstream.Candidate{{
		Content: upstream.Content{Role: "model", Parts: []upstream.Part{
			{Thought: true, Text: "pondering", ThoughtSignature: "sig-1"},
			{Text: "answer"},
		}},
		FinishReason: upstream.FinishStop,
	}}}
	out, err := FromUpstreamNonStream(resp, true, "m", "msg_2", OutboundOptions{})
	require.NoError(t, err)
	require.Len(t, out.Content, 2)
	assert.Equal(t, "thinking", out.Content[0].Type)
	assert.Equal(t, "sig-1", out.Content[0].Signature)
	assert.Equal(t, "text", out.Content[1].Type)
}

func TestFromUpstreamNonStreamToolUseStopReason(t *testing.T) {
	resp := upstream.Response{Candidates: []upstream.Candidate{{
		Content: upstream.Content{Role: "model", Parts: []upstream.Part{
			{FunctionCall: &upstream.FunctionCall{ID: "toolu_1", Name: "f", Args: map[string]any{"x": 1, upstream.RequiredPlaceholder: true}}},
		}},
		FinishReason: upstream.FinishStop,
	}}}
	out, err := FromUpstreamNonStream(resp, false, "m", "msg_3", OutboundOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tool_use", out.StopReason)
	require.Len(t, out.Content, 1)
	assert.NotContains(t, out.Content[0].Input, upstream.RequiredPlaceholder)
}

func TestFromUpstreamNonStreamCachesSignatures(t *testing.T) {
	cache := sigcache.New(sigcache.Config{}, nil)
	resp := upstream.Response{Candidates: []upstream.Candidate{{
		Content: upstream.Content{Role: "model", Parts: []upstream.Part{
			{FunctionCall: &upstream.FunctionCall{ID: "toolu_5", Name: "f", Args: map[string]any{}}, ThoughtSignature: "sig-final"},
		}},
		FinishReason: upstream.FinishStop,
	}}}
	_, err := FromUpstreamNonStream(resp, true, "m", "msg_4", OutboundOptions{UserID: "user_1", Signatures: cache})
	require.NoError(t, err)
	got, ok := cache.GetCachedClaudeThinkingSignature("toolu_5")
	require.True(t, ok)
	assert.Equal(t, "sig-final", got)
	last, ok := cache.GetCachedClaudeLastThinkingSignature("user_1")
	require.True(t, ok)
	assert.Equal(t, "sig-final", last)
}

func TestFromUpstreamNonStreamBlocked(t *testing.T) {
	resp := upstream.Response{PromptFeedback: &upstream.PromptFeedback{BlockReason: "SAFETY"}}
	_, err := FromUpstreamNonStream(resp, false, "m", "msg_5", OutboundOptions{})
	assert.Error(t, err)
}

func TestFromUpstreamNonStreamMaxTokens(t *testing.T) {
	resp := upstream.Response{Candidates: []upstream.Candidate{{
		Content:      upstream.Content{Role: "model", Parts: []upstream.Part{{Text: "cut"}}},
		FinishReason: upstream.FinishMaxTokens,
	}}}
	out, err := FromUpstreamNonStream(resp, false, "m", "msg_6", OutboundOptions{})
	require.NoError(t, err)
	assert.Equal(t, "max_tokens", out.StopReason)
}
