package sigcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		ToolThoughtTTL: time.Hour, ToolThoughtMax: 10,
		ThinkingTTL: time.Hour, ThinkingMax: 10,
		LastTTL: time.Hour, LastMax: 10,
		AssistantTTL: time.Hour, AssistantMax: 10,
	}
}

func TestToolThoughtSignatureRoundTrip(t *testing.T) {
	c := New(testConfig(), nil)
	c.CacheToolThoughtSignature("call_1", "sig-abc")
	sig, ok := c.GetCachedToolThoughtSignature("call_1")
	require.True(t, ok)
	assert.Equal(t, "sig-abc", sig)

	_, ok = c.GetCachedToolThoughtSignature("missing")
	assert.False(t, ok)
}

func TestClaudeThinkingSignatureMemoryOnly(t *testing.T) {
	c := New(testConfig(), nil)
	c.CacheClaudeThinkingSignature("toolu_1", "sig-1")
	sig, ok := c.GetCachedClaudeThinkingSignature("toolu_1")
	require.True(t, ok)
	assert.Equal(t, "sig-1", sig)
}

func TestClaudeLastThinkingSignatureFallback(t *testing.T) {
	c := New(testConfig(), nil)
	c.CacheClaudeLastThinkingSignature("user-1", "sig-last")
	sig, ok := c.GetCachedClaudeLastThinkingSignature("user-1")
	require.True(t, ok)
	assert.Equal(t, "sig-last", sig)
}

func TestAssistantSignatureByContentHash(t *testing.T) {
	c := New(testConfig(), nil)
	content := map[string]any{"b": 2, "a": 1}
	c.CacheClaudeAssistantSignature("user-1", content, "sig-content")

	// Same content, different key order, recovers the same signature.
	same := map[string]any{"a": 1, "b": 2}
	sig, ok := c.GetCachedClaudeAssistantSignature("user-1", same)
	require.True(t, ok)
	assert.Equal(t, "sig-content", sig)

	_, ok = c.GetCachedClaudeAssistantSignature("user-2", same)
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	cfg := testConfig()
	cfg.ToolThoughtMax = 2
	c := New(cfg, nil)
	c.CacheToolThoughtSignature("a", "1")
	c.CacheToolThoughtSignature("b", "2")
	c.CacheToolThoughtSignature("c", "3") // evicts "a"

	_, ok := c.GetCachedToolThoughtSignature("a")
	assert.False(t, ok)
	_, ok = c.GetCachedToolThoughtSignature("c")
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.ThinkingTTL = 10 * time.Millisecond
	c := New(cfg, nil)
	c.CacheClaudeThinkingSignature("toolu_x", "sig-x")
	time.Sleep(20 * time.Millisecond)
	_, ok := c.GetCachedClaudeThinkingSignature("toolu_x")
	assert.False(t, ok)
}

type memStore struct {
	rows map[Kind]map[string]struct {
		sig string
		at  int64
	}
}

func newMemStore() *memStore {
	return &memStore{rows: map[Kind]map[string]struct {
		sig string
		at  int64
	}{}}
}

func (m *memStore) Upsert(kind Kind, key, sig string, at int64) error {
	if m.rows[kind] == nil {
		m.rows[kind] = map[string]struct {
			sig string
			at  int64
		}{}
	}
	m.rows[kind][key] = struct {
		sig string
		at  int64
	}{sig, at}
	return nil
}

func (m *memStore) Get(kind Kind, key string) (string, int64, bool, error) {
	row, ok := m.rows[kind][key]
	if !ok {
		return "", 0, false, nil
	}
	return row.sig, row.at, true, nil
}

func (m *memStore) DeleteOlderThan(kind Kind, cutoff int64) error {
	for k, row := range m.rows[kind] {
		if row.at < cutoff {
			delete(m.rows[kind], k)
		}
	}
	return nil
}

func TestPersistedRestartSurvival(t *testing.T) {
	store := newMemStore()
	c1 := New(testConfig(), store)
	c1.CacheClaudeThinkingSignature("toolu_restart", "sig-restart")

	// Simulate a restart: a fresh in-memory cache over the same store.
	c2 := New(testConfig(), store)
	sig, ok := c2.GetCachedClaudeThinkingSignature("toolu_restart")
	require.True(t, ok)
	assert.Equal(t, "sig-restart", sig)
}

func TestCleanupThrottled(t *testing.T) {
	store := newMemStore()
	c := New(testConfig(), store)
	c.CacheClaudeThinkingSignature("toolu_old", "sig-old")
	c.Cleanup()
	last := c.lastCleanup
	c.Cleanup()
	assert.Equal(t, last, c.lastCleanup, "second call within throttle window should be a no-op")
}

func TestHashContentStableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"x": 1, "y": []any{1, 2, 3}}
	b := map[string]any{"y": []any{1, 2, 3}, "x": 1}
	assert.Equal(t, HashContent(a), HashContent(b))
}
