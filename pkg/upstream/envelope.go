// Package upstream models the Antigravity wire envelope (spec §3):
// the generateContent-style request/response shapes shared by every
// protocol converter.
package upstream

// Part is exactly one of Text, Thought, FunctionCall, FunctionResponse,
// or InlineData (spec §3). Only one of the typed pointer fields is
// ever set; the struct is marshalled/unmarshalled as the flat JSON
// object the upstream expects, not a tagged enum.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

func (p Part) IsThought() bool          { return p.Thought }
func (p Part) IsText() bool             { return p.Text != "" && !p.Thought && p.FunctionCall == nil && p.FunctionResponse == nil && p.InlineData == nil }
func (p Part) IsFunctionCall() bool     { return p.FunctionCall != nil }
func (p Part) IsFunctionResponse() bool { return p.FunctionResponse != nil }
func (p Part) IsInlineData() bool       { return p.InlineData != nil }

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Content is one turn of the conversation: "user" or "model".
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type SystemInstruction struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	CandidateCount  int             `json:"candidateCount"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type FunctionCallingConfig struct {
	Mode string `json:"mode"` // AUTO | ANY | NONE | VALIDATED
}

type ToolConfig struct {
	FunctionCallingConfig FunctionCallingConfig `json:"functionCallingConfig"`
}

// Request is the inner "request" object of the envelope.
type Request struct {
	Contents          []Content          `json:"contents"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
	GenerationConfig  GenerationConfig   `json:"generationConfig"`
	Tools             []Tool             `json:"tools,omitempty"`
	ToolConfig        *ToolConfig        `json:"toolConfig,omitempty"`
	SafetySettings    []SafetySetting    `json:"safetySettings,omitempty"`
	SessionID         string             `json:"sessionId,omitempty"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// Envelope is the full outbound request body (spec §3).
type Envelope struct {
	Project     string  `json:"project"`
	RequestID   string  `json:"requestId"`
	Request     Request `json:"request"`
	Model       string  `json:"model"`
	UserAgent   string  `json:"userAgent"`
	RequestType string  `json:"requestType"`
}

// NewRequestID mints a "agent-<uuid>" request id per spec §3.
func NewRequestID(uuidStr string) string { return "agent-" + uuidStr }

// Candidate is one entry of response.candidates.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// Response is the decoded {response: {...}} body the upstream returns,
// both for non-streaming calls and for each streamed JSON event.
type Response struct {
	Candidates     []Candidate     `json:"candidates"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
}

// Envelope-wrapping shape the upstream actually emits: {"response": {...}}.
type ResponseEnvelope struct {
	Response Response `json:"response"`
}

const (
	FinishStop         = "STOP"
	FinishMaxTokens     = "MAX_TOKENS"
	FinishSafety        = "SAFETY"
	FinishStopSequence  = "STOP_SEQUENCE"
	FinishOther         = "OTHER"
)

const (
	ToolModeAuto      = "AUTO"
	ToolModeAny       = "ANY"
	ToolModeNone      = "NONE"
	ToolModeValidated = "VALIDATED"
)

// RequiredPlaceholder is the synthetic property injected into tool
// parameter schemas with no non-empty `required` (spec §4.4.1), to
// force the model to emit tool calls. Stripped from args on the way
// back out to the client.
const RequiredPlaceholder = "__ag_required"
