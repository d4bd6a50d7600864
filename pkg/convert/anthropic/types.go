// Package anthropic converts between the Anthropic Messages wire
// format and the upstream Antigravity generateContent envelope (spec
// §4.5). Shapes mirror the teacher's pkg/providers/anthropic
// request/response structs, generalized to a gateway rather than a
// provider-facing SDK.
package anthropic

// MessagesRequest is the inbound Anthropic Messages v1 request.
type MessagesRequest struct {
	Model       string         `json:"model"`
	Messages    []InputMessage `json:"messages"`
	System      any            `json:"system,omitempty"` // string or []ContentBlock
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Tools       []ToolDef      `json:"tools,omitempty"`
	ToolChoice  any            `json:"tool_choice,omitempty"`
	Thinking    *ThinkingParam `json:"thinking,omitempty"`
}

type ThinkingParam struct {
	Type         string `json:"type"` // "enabled" | "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type InputMessage struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content any    `json:"content"` // string or []ContentBlock
}

// ContentBlock is one element of a message's content array. Only the
// fields relevant to Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content2  any    `json:"content,omitempty"` // tool_result content: string or []ContentBlock
	IsError   bool   `json:"is_error,omitempty"`

	Source *ImageSource `json:"source,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type ToolDef struct {
	Type        string         `json:"type,omitempty"` // builtin tool types, empty for custom
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// MessagesResponse is the non-streaming outbound response.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"` // "message"
	Role       string         `json:"role"` // "assistant"
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      MessageUsage   `json:"usage"`
}

type MessageUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSEEvent is one `event: <Type>\ndata: <json>` frame of the outbound
// stream.
type SSEEvent struct {
	Type string
	Data any
}

type MessageStartData struct {
	Type    string       `json:"type"`
	Message MessageShell `json:"message"`
}

type MessageShell struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Role    string         `json:"role"`
	Model   string         `json:"model"`
	Content []ContentBlock `json:"content"`
	Usage   MessageUsage   `json:"usage"`
}

type ContentBlockStartData struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

type ContentBlockDeltaData struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type ContentBlockStopData struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type MessageDeltaData struct {
	Type  string          `json:"type"`
	Delta MessageDeltaInner `json:"delta"`
	Usage MessageUsage    `json:"usage"`
}

type MessageDeltaInner struct {
	StopReason string `json:"stop_reason"`
}

type MessageStopData struct {
	Type string `json:"type"`
}

// ErrorResponse is the Anthropic-dialect error envelope (spec §7).
type ErrorResponse struct {
	Type  string        `json:"type"`
	Error ErrorBody     `json:"error"`
}

type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
