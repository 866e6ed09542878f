// Package protocol translates request and response bodies between the four
// client-facing API dialects: OpenAI chat completions, Anthropic Messages,
// Gemini generateContent, and Ollama. Every conversion pivots through a
// Gemini-native intermediate form, so N dialects cost 2N codecs instead of
// N squared converter pairs.
package protocol

// Request is the pivot request form, shaped after Gemini generateContent.
type Request struct {
	Model  string
	Stream bool

	// System carries system-instruction text blocks in order.
	System []string

	// Messages is the alternating conversation history.
	Messages []Content

	// Tools are the callable function declarations.
	Tools []Tool

	// ToolChoice is "auto", "any", "none", or a specific tool name.
	ToolChoice string

	Generation GenerationConfig
}

// Content is one conversation turn.
type Content struct {
	// Role is "user" or "model" in pivot form.
	Role string

	Parts []Part
}

// Part is one unit of content inside a turn. Exactly one field group is set.
type Part struct {
	// Text content. Thought marks reasoning text (Anthropic thinking
	// blocks, Gemini thought parts).
	Text    string
	Thought bool

	// FunctionCall is a model-issued tool invocation.
	FunctionCall *FunctionCall

	// FunctionResponse is a client-supplied tool result.
	FunctionResponse *FunctionResponse

	// InlineData carries base64 media.
	InlineData *InlineData
}

// IsEmpty reports whether the part carries no content at all.
func (p *Part) IsEmpty() bool {
	return p.Text == "" && p.FunctionCall == nil && p.FunctionResponse == nil && p.InlineData == nil
}

// FunctionCall is a tool invocation with a protocol-stable identifier.
type FunctionCall struct {
	// ID survives round trips so tool results can reference their call.
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponse is the result of a tool invocation.
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any

	// IsError marks a failed tool execution (Anthropic is_error).
	IsError bool
}

// InlineData is base64-encoded media content.
type InlineData struct {
	MimeType string
	Data     string
}

// Tool declares one callable function.
type Tool struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object.
	Parameters map[string]any
}

// GenerationConfig carries sampling parameters. Pointer fields distinguish
// "unset" from zero.
type GenerationConfig struct {
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
}

// Response is the pivot response form.
type Response struct {
	Model        string
	ID           string
	Parts        []Part
	FinishReason FinishReason
	Usage        Usage
}

// FinishReason is the normalised stop cause.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishSafety    FinishReason = "safety"
	FinishError     FinishReason = "error"
)

// Usage is the normalised token accounting.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// Total sums every dimension.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// Chunk is one streaming increment in pivot form.
type Chunk struct {
	Parts        []Part
	FinishReason FinishReason

	// Usage arrives on the final chunk for most dialects.
	Usage *Usage

	// Final marks the last chunk of the stream.
	Final bool
}

// ModelInfo is one entry of a model list.
type ModelInfo struct {
	ID      string
	OwnedBy string
}
