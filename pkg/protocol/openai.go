package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// openAICodec speaks the chat-completions dialect.
type openAICodec struct{}

func (c *openAICodec) Dialect() Dialect { return DialectOpenAI }

type oaRequest struct {
	Model               string          `json:"model"`
	Messages            []oaMessage     `json:"messages"`
	Tools               []oaTool        `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
}

type oaMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []oaToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type oaContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

func (c *openAICodec) ParseRequest(body []byte) (*Request, error) {
	var raw oaRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectOpenAI, Reason: err.Error()}
	}
	if raw.Model == "" {
		return nil, &ErrMalformed{Dialect: DialectOpenAI, Reason: "model is required"}
	}

	req := &Request{
		Model:  raw.Model,
		Stream: raw.Stream,
		Generation: GenerationConfig{
			MaxTokens:   raw.MaxTokens,
			Temperature: raw.Temperature,
			TopP:        raw.TopP,
		},
	}
	if req.Generation.MaxTokens == 0 {
		req.Generation.MaxTokens = raw.MaxCompletionTokens
	}
	if len(raw.Stop) > 0 {
		var one string
		if err := json.Unmarshal(raw.Stop, &one); err == nil {
			req.Generation.StopSequences = []string{one}
		} else {
			_ = json.Unmarshal(raw.Stop, &req.Generation.StopSequences)
		}
	}
	if len(raw.ToolChoice) > 0 {
		req.ToolChoice = parseOAToolChoice(raw.ToolChoice)
	}
	for _, t := range raw.Tools {
		if t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	for _, msg := range raw.Messages {
		switch msg.Role {
		case "system", "developer":
			req.System = append(req.System, oaContentText(msg.Content))
		case "tool":
			part := Part{FunctionResponse: &FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.Name,
				Response: map[string]any{"result": oaContentText(msg.Content)},
			}}
			req.Messages = appendToTurn(req.Messages, "user", part)
		case "assistant":
			var parts []Part
			if text := oaContentText(msg.Content); text != "" {
				parts = append(parts, Part{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				}
				parts = append(parts, Part{FunctionCall: &FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			req.Messages = append(req.Messages, Content{Role: "model", Parts: parts})
		default: // user
			req.Messages = append(req.Messages, Content{Role: "user", Parts: oaContentParts(msg.Content)})
		}
	}
	return req, nil
}

func parseOAToolChoice(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "required" {
			return "any"
		}
		return s
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return obj.Function.Name
	}
	return ""
}

// oaContentText flattens a string-or-parts content field to plain text.
func oaContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []oaContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	out := ""
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

func oaContentParts(raw json.RawMessage) []Part {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Part{{Text: s}}
	}
	var rawParts []oaContentPart
	if err := json.Unmarshal(raw, &rawParts); err != nil {
		return nil
	}
	var parts []Part
	for _, p := range rawParts {
		switch p.Type {
		case "text":
			parts = append(parts, Part{Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				if mime, data, ok := splitDataURL(p.ImageURL.URL); ok {
					parts = append(parts, Part{InlineData: &InlineData{MimeType: mime, Data: data}})
				}
			}
		}
	}
	return parts
}

// appendToTurn merges consecutive same-role parts into one turn so tool
// results batch the way Gemini expects.
func appendToTurn(msgs []Content, role string, part Part) []Content {
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Parts = append(msgs[n-1].Parts, part)
		return msgs
	}
	return append(msgs, Content{Role: role, Parts: []Part{part}})
}

func (c *openAICodec) EncodeRequest(req *Request) ([]byte, error) {
	out := oaRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		MaxTokens:   req.Generation.MaxTokens,
		Temperature: req.Generation.Temperature,
		TopP:        req.Generation.TopP,
	}
	if len(req.Generation.StopSequences) > 0 {
		stop, _ := json.Marshal(req.Generation.StopSequences)
		out.Stop = stop
	}
	for _, sys := range req.System {
		content, _ := json.Marshal(sys)
		out.Messages = append(out.Messages, oaMessage{Role: "system", Content: content})
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, encodeOAMessage(msg)...)
	}
	for _, t := range req.Tools {
		var ot oaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ot)
	}
	switch req.ToolChoice {
	case "":
	case "auto", "none":
		out.ToolChoice = json.RawMessage(fmt.Sprintf("%q", req.ToolChoice))
	case "any":
		out.ToolChoice = json.RawMessage(`"required"`)
	default:
		out.ToolChoice = json.RawMessage(fmt.Sprintf(
			`{"type":"function","function":{"name":%q}}`, req.ToolChoice))
	}
	return json.Marshal(out)
}

func encodeOAMessage(msg Content) []oaMessage {
	role := msg.Role
	if role == "model" {
		role = "assistant"
	}

	var out []oaMessage
	current := oaMessage{Role: role}
	text := ""
	for _, p := range msg.Parts {
		switch {
		case p.FunctionResponse != nil:
			result, _ := json.Marshal(p.FunctionResponse.Response)
			out = append(out, oaMessage{
				Role:       "tool",
				ToolCallID: p.FunctionResponse.ID,
				Name:       p.FunctionResponse.Name,
				Content:    mustJSONString(string(result)),
			})
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			var tc oaToolCall
			tc.ID = p.FunctionCall.ID
			tc.Type = "function"
			tc.Function.Name = p.FunctionCall.Name
			tc.Function.Arguments = string(args)
			current.ToolCalls = append(current.ToolCalls, tc)
		case p.Thought:
			// OpenAI has no reasoning block on the wire; thought text drops.
		default:
			text += p.Text
		}
	}
	if text != "" {
		current.Content = mustJSONString(text)
	}
	if text != "" || len(current.ToolCalls) > 0 {
		out = append(out, current)
	}
	return out
}

func mustJSONString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

type oaResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int       `json:"index"`
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaUsage `json:"usage,omitempty"`
}

type oaUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	TotalTokens         int64 `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

func (c *openAICodec) ParseResponse(body []byte, model string) (*Response, error) {
	var raw oaResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectOpenAI, Reason: err.Error()}
	}
	resp := &Response{Model: raw.Model, ID: raw.ID}
	if resp.Model == "" {
		resp.Model = model
	}
	if len(raw.Choices) > 0 {
		choice := raw.Choices[0]
		if text := oaContentText(choice.Message.Content); text != "" {
			resp.Parts = append(resp.Parts, Part{Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			args := map[string]any{}
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			}
			resp.Parts = append(resp.Parts, Part{FunctionCall: &FunctionCall{
				ID: tc.ID, Name: tc.Function.Name, Args: args,
			}})
		}
		resp.FinishReason = oaFinishToPivot(choice.FinishReason)
	}
	if raw.Usage != nil {
		resp.Usage = Usage{
			InputTokens:  raw.Usage.PromptTokens,
			OutputTokens: raw.Usage.CompletionTokens,
		}
		if raw.Usage.PromptTokensDetails != nil {
			resp.Usage.CacheReadTokens = raw.Usage.PromptTokensDetails.CachedTokens
			resp.Usage.InputTokens -= raw.Usage.PromptTokensDetails.CachedTokens
		}
	}
	return resp, nil
}

func (c *openAICodec) EncodeResponse(resp *Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	msg := oaMessage{Role: "assistant"}
	text := ""
	for _, p := range resp.Parts {
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			var tc oaToolCall
			tc.ID = p.FunctionCall.ID
			tc.Type = "function"
			tc.Function.Name = p.FunctionCall.Name
			tc.Function.Arguments = string(args)
			msg.ToolCalls = append(msg.ToolCalls, tc)
		case p.Thought:
		default:
			text += p.Text
		}
	}
	if text != "" {
		msg.Content = mustJSONString(text)
	}

	cached := resp.Usage.CacheReadTokens
	out := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": pivotFinishToOA(resp.FinishReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens + cached,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + cached + resp.Usage.OutputTokens,
			"prompt_tokens_details": map[string]any{
				"cached_tokens": cached,
			},
		},
	}
	return json.Marshal(out)
}

func oaFinishToPivot(reason string) FinishReason {
	switch reason {
	case "length":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "content_filter":
		return FinishSafety
	default:
		return FinishStop
	}
}

func pivotFinishToOA(reason FinishReason) string {
	switch reason {
	case FinishLength:
		return "length"
	case FinishToolCalls:
		return "tool_calls"
	case FinishSafety:
		return "content_filter"
	default:
		return "stop"
	}
}

// oaStreamEncoder frames pivot chunks as chat.completion.chunk SSE events.
type oaStreamEncoder struct {
	id        string
	model     string
	created   int64
	roleSent  bool
	toolIndex int
}

func (c *openAICodec) NewStreamEncoder(model string) StreamEncoder {
	return &oaStreamEncoder{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
}

func (e *oaStreamEncoder) frame(delta map[string]any, finish string, usage *Usage) []byte {
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	payload := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{choice},
	}
	if usage != nil {
		cached := usage.CacheReadTokens
		payload["usage"] = map[string]any{
			"prompt_tokens":     usage.InputTokens + cached,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + cached + usage.OutputTokens,
		}
	}
	data, _ := json.Marshal(payload)
	return sseFrame(data)
}

func (e *oaStreamEncoder) Encode(chunk *Chunk) ([][]byte, error) {
	var frames [][]byte
	for _, p := range chunk.Parts {
		delta := map[string]any{}
		if !e.roleSent {
			delta["role"] = "assistant"
			e.roleSent = true
		}
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			delta["tool_calls"] = []map[string]any{{
				"index": e.toolIndex,
				"id":    p.FunctionCall.ID,
				"type":  "function",
				"function": map[string]any{
					"name":      p.FunctionCall.Name,
					"arguments": string(args),
				},
			}}
			e.toolIndex++
		case p.Thought:
			continue
		default:
			if p.Text == "" && len(delta) == 0 {
				continue
			}
			delta["content"] = p.Text
		}
		frames = append(frames, e.frame(delta, "", nil))
	}
	if chunk.Final || chunk.FinishReason != "" {
		frames = append(frames, e.frame(map[string]any{}, pivotFinishToOA(chunk.FinishReason), chunk.Usage))
	}
	return frames, nil
}

func (e *oaStreamEncoder) Finish() [][]byte {
	return [][]byte{sseDone()}
}

func (c *openAICodec) EncodeModelList(models []ModelInfo) ([]byte, error) {
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		owned := m.OwnedBy
		if owned == "" {
			owned = "organization"
		}
		data = append(data, map[string]any{
			"id":       m.ID,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": owned,
		})
	}
	return json.Marshal(map[string]any{"object": "list", "data": data})
}

func (c *openAICodec) EncodeError(status int, message string) []byte {
	out, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    oaErrorType(status),
			"code":    status,
		},
	})
	return out
}

func oaErrorType(status int) string {
	switch {
	case status == 401 || status == 403:
		return "authentication_error"
	case status == 429:
		return "rate_limit_exceeded"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}
