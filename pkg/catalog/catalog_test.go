package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupKnownModel(t *testing.T) {
	r := New()
	m := r.Lookup("claude-sonnet-4-5")
	assert.True(t, m.IsClaudeFamily)
	assert.True(t, m.SupportsThinking)
}

func TestLookupUnknownModelFallsBackToPassthrough(t *testing.T) {
	r := New()
	m := r.Lookup("some-future-model")
	assert.Equal(t, "some-future-model", m.UpstreamModel)
	assert.False(t, m.SupportsThinking)
}

func TestNewWithOverride(t *testing.T) {
	r := New(Model{PublicID: "claude-haiku-4-5", UpstreamModel: "claude-haiku-4-5", SupportsThinking: true, IsClaudeFamily: true})
	m := r.Lookup("claude-haiku-4-5")
	assert.True(t, m.SupportsThinking)
}

func TestListIncludesBuiltins(t *testing.T) {
	r := New()
	assert.GreaterOrEqual(t, len(r.List()), len(builtins))
}
