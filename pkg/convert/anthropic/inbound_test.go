package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-proxy/gateway/pkg/catalog"
)

func testOpts() InboundOptions {
	return InboundOptions{Catalog: catalog.New(), UserID: "user_1"}
}

func TestToUpstreamSystemPromptJoined(t *testing.T) {
	req := MessagesRequest{
		Model:   "claude-sonnet-4-5",
		System:  "be helpful",
		Messages: []InputMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 100,
	}
	res, err := ToUpstream(req, testOpts())
	require.NoError(t, err)
	require.NotNil(t, res.Request.SystemInstruction)
	assert.Contains(t, res.Request.SystemInstruction.Parts[0].Text, "be helpful")
}

func TestToUpstreamCoalescesToolResults(t *testing.T) {
	req := MessagesRequest{
		Model: "claude-sonnet-4-5",
		Messages: []InputMessage{
			{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: map[string]any{}}}},
			{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "toolu_1", Content2: "sunny"}}},
		},
		MaxTokens: 100,
	}
	res, err := ToUpstream(req, testOpts())
	require.NoError(t, err)
	last := res.Request.Contents[len(res.Request.Contents)-1]
	require.Len(t, last.Parts, 1)
	assert.True(t, last.Parts[0].IsFunctionResponse())
	assert.Equal(t, "get_weather", last.Parts[0].FunctionResponse.Name)
}

func TestToUpstreamBuiltinToolSchema(t *testing.T) {
	req := MessagesRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []InputMessage{{Role: "user", Content: "run ls"}},
		Tools:    []ToolDef{{Type: "bash_20250124", Name: "bash"}},
		MaxTokens: 100,
	}
	res, err := ToUpstream(req, testOpts())
	require.NoError(t, err)
	require.Len(t, res.Request.Tools, 1)
	require.Len(t, res.Request.Tools[0].FunctionDeclarations, 1)
	params := res.Request.Tools[0].FunctionDeclarations[0].Parameters
	props, _ := params["properties"].(map[string]any)
	assert.Contains(t, props, "command")
}

func TestToUpstreamTrailingToolChainStabiliser(t *testing.T) {
	req := MessagesRequest{
		Model: "claude-sonnet-4-5",
		Messages: []InputMessage{
			{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "toolu_9", Name: "f", Input: map[string]any{}}}},
			{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "toolu_9", Content2: "ok"}}},
		},
		MaxTokens: 100,
	}
	res, err := ToUpstream(req, testOpts())
	require.NoError(t, err)
	last := res.Request.Contents[len(res.Request.Contents)-1]
	foundText := false
	for _, p := range last.Parts {
		if p.IsText() {
			foundText = true
		}
	}
	assert.True(t, foundText)
}

func TestToUpstreamThinkingDoublesMaxTokens(t *testing.T) {
	req := MessagesRequest{
		Model:     "claude-sonnet-4-5",
		Messages:  []InputMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 100,
		Thinking:  &ThinkingParam{Type: "enabled", BudgetTokens: 2000},
	}
	res, err := ToUpstream(req, testOpts())
	require.NoError(t, err)
	assert.Equal(t, 4000, res.Request.GenerationConfig.MaxOutputTokens)
	require.NotNil(t, res.Request.GenerationConfig.ThinkingConfig)
}
