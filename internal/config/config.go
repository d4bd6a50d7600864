// Package config loads the flat environment-variable configuration
// surface described in spec §6.5, plus the upstream/listen settings
// the core needs to run standalone.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ThinkingOutputMode selects how reasoning is surfaced on the OpenAI
// chat-completions surface.
type ThinkingOutputMode string

const (
	ThinkingOutputReasoningContent ThinkingOutputMode = "reasoning_content"
	ThinkingOutputTags             ThinkingOutputMode = "tags"
	ThinkingOutputBoth             ThinkingOutputMode = "both"
)

// Config is the process-wide configuration. It is constructed once at
// startup and passed by value/pointer to constructors; nothing reads
// the environment after Load returns.
type Config struct {
	ListenAddr string

	LogLevel string // "debug", "info", "warn", "error"
	LogJSON  bool

	UpstreamBaseURL string
	OAuthClientID   string
	OAuthClientSecret string
	OAuthTokenURL   string

	MaxOutputTokensWithTools int // 0 = off

	OpenAIThinkingOutput       ThinkingOutputMode
	ClaudeOpenAIReplayThought  bool

	ToolResultMaxChars      int
	ToolResultTotalMaxChars int
	ToolResultTailChars     int
	ToolResultTruncateLog   bool

	ToolThoughtSignatureTTL    time.Duration
	ToolThoughtSignatureMax    int
	ClaudeThinkingSignatureTTL time.Duration
	ClaudeThinkingSignatureMax int
	ClaudeLastSignatureTTL     time.Duration
	ClaudeLastSignatureMax     int
	ClaudeAssistantSignatureTTL time.Duration
	ClaudeAssistantSignatureMax int

	MaxConcurrentPerModel int // 0 = off
	DisableLocalLimits    bool

	SameAccountRetries      int
	SameAccountRetryDelay   time.Duration
	ConfiguredRetries       int
	AccountSwitchDelay      time.Duration

	TokenRefreshInterval time.Duration
	QuotaSyncInterval    time.Duration

	SignatureStorePath string // sqlite file; empty = in-memory only

	// UpstreamRateLimitPerSec paces outbound upstream calls ahead of
	// the per-model concurrency gate (SPEC_FULL.md §6); <= 0 disables
	// pacing entirely.
	UpstreamRateLimitPerSec float64
	UpstreamRateLimitBurst  int

	TelemetryEnabled bool
	OTLPEndpoint     string // host:port; only read when TelemetryEnabled
	OTLPInsecure     bool
}

// Default returns the built-in defaults; every field here can be
// overridden by an environment variable in applyEnvOverrides.
func Default() *Config {
	return &Config{
		ListenAddr: ":8787",

		LogLevel: "info",
		LogJSON:  true,

		UpstreamBaseURL: "https://cloudcode-pa.googleapis.com",
		OAuthTokenURL:   "https://oauth2.googleapis.com/token",

		MaxOutputTokensWithTools: 0,

		OpenAIThinkingOutput:      ThinkingOutputReasoningContent,
		ClaudeOpenAIReplayThought: true,

		ToolResultMaxChars:      4000,
		ToolResultTotalMaxChars: 0,
		ToolResultTailChars:     400,
		ToolResultTruncateLog:   false,

		ToolThoughtSignatureTTL:     24 * time.Hour,
		ToolThoughtSignatureMax:     5000,
		ClaudeThinkingSignatureTTL:  24 * time.Hour,
		ClaudeThinkingSignatureMax:  5000,
		ClaudeLastSignatureTTL:      24 * time.Hour,
		ClaudeLastSignatureMax:      2000,
		ClaudeAssistantSignatureTTL: 10 * time.Minute,
		ClaudeAssistantSignatureMax: 2000,

		MaxConcurrentPerModel: 0,
		DisableLocalLimits:    false,

		SameAccountRetries:    2,
		SameAccountRetryDelay: 500 * time.Millisecond,
		ConfiguredRetries:     3,
		AccountSwitchDelay:    750 * time.Millisecond,

		TokenRefreshInterval: 50 * time.Minute,
		QuotaSyncInterval:    10 * time.Minute,

		SignatureStorePath: "",

		UpstreamRateLimitPerSec: 10,
		UpstreamRateLimitBurst:  20,

		TelemetryEnabled: false,
		OTLPEndpoint:     "localhost:4318",
		OTLPInsecure:     true,
	}
}

// Load builds a Config from defaults overlaid by the environment.
func Load() *Config {
	cfg := Default()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envDurationMs := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * time.Millisecond
			}
		}
	}

	envStr("LISTEN_ADDR", &c.ListenAddr)
	envStr("LOG_LEVEL", &c.LogLevel)
	envBool("LOG_JSON", &c.LogJSON)
	envStr("ANTIGRAVITY_BASE_URL", &c.UpstreamBaseURL)
	envStr("OAUTH_CLIENT_ID", &c.OAuthClientID)
	envStr("OAUTH_CLIENT_SECRET", &c.OAuthClientSecret)
	envStr("OAUTH_TOKEN_URL", &c.OAuthTokenURL)

	envInt("MAX_OUTPUT_TOKENS_WITH_TOOLS", &c.MaxOutputTokensWithTools)

	if v := os.Getenv("OPENAI_THINKING_OUTPUT"); v != "" {
		switch ThinkingOutputMode(v) {
		case ThinkingOutputReasoningContent, ThinkingOutputTags, ThinkingOutputBoth:
			c.OpenAIThinkingOutput = ThinkingOutputMode(v)
		}
	}
	envBool("CLAUDE_OPENAI_REPLAY_THOUGHT_TEXT", &c.ClaudeOpenAIReplayThought)

	envInt("TOOL_RESULT_MAX_CHARS", &c.ToolResultMaxChars)
	envInt("TOOL_RESULT_TOTAL_MAX_CHARS", &c.ToolResultTotalMaxChars)
	envInt("TOOL_RESULT_TAIL_CHARS", &c.ToolResultTailChars)
	envBool("TOOL_RESULT_TRUNCATE_LOG", &c.ToolResultTruncateLog)

	envDurationMs("TOOL_THOUGHT_SIGNATURE_TTL_MS", &c.ToolThoughtSignatureTTL)
	envInt("TOOL_THOUGHT_SIGNATURE_MAX", &c.ToolThoughtSignatureMax)
	envDurationMs("CLAUDE_THINKING_SIGNATURE_TTL_MS", &c.ClaudeThinkingSignatureTTL)
	envInt("CLAUDE_THINKING_SIGNATURE_MAX", &c.ClaudeThinkingSignatureMax)
	envDurationMs("CLAUDE_LAST_SIGNATURE_TTL_MS", &c.ClaudeLastSignatureTTL)
	envInt("CLAUDE_LAST_SIGNATURE_MAX", &c.ClaudeLastSignatureMax)
	envDurationMs("CLAUDE_ASSISTANT_SIGNATURE_TTL_MS", &c.ClaudeAssistantSignatureTTL)
	envInt("CLAUDE_ASSISTANT_SIGNATURE_MAX", &c.ClaudeAssistantSignatureMax)

	envInt("MAX_CONCURRENT_PER_MODEL", &c.MaxConcurrentPerModel)
	envBool("DISABLE_LOCAL_LIMITS", &c.DisableLocalLimits)

	envStr("SIGNATURE_STORE_PATH", &c.SignatureStorePath)

	if v := os.Getenv("UPSTREAM_RATE_LIMIT_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.UpstreamRateLimitPerSec = f
		}
	}
	envInt("UPSTREAM_RATE_LIMIT_BURST", &c.UpstreamRateLimitBurst)

	envBool("TELEMETRY_ENABLED", &c.TelemetryEnabled)
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	envBool("OTEL_EXPORTER_OTLP_INSECURE", &c.OTLPInsecure)
}
