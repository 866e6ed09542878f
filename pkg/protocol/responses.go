package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// responsesCodec speaks the OpenAI Responses dialect used by Codex-style
// upstreams.
type responsesCodec struct{}

func (c *responsesCodec) Dialect() Dialect { return DialectOpenAIResponses }

type respRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
	Tools           []respTool      `json:"tools,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
}

type respTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type respInputItem struct {
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// function_call / function_call_output items
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type respContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (c *responsesCodec) ParseRequest(body []byte) (*Request, error) {
	var raw respRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectOpenAIResponses, Reason: err.Error()}
	}
	if raw.Model == "" {
		return nil, &ErrMalformed{Dialect: DialectOpenAIResponses, Reason: "model is required"}
	}
	req := &Request{
		Model:  raw.Model,
		Stream: raw.Stream,
		Generation: GenerationConfig{
			MaxTokens:   raw.MaxOutputTokens,
			Temperature: raw.Temperature,
			TopP:        raw.TopP,
		},
	}
	if raw.Instructions != "" {
		req.System = append(req.System, raw.Instructions)
	}
	for _, t := range raw.Tools {
		if t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, Tool{
			Name: t.Name, Description: t.Description, Parameters: t.Parameters,
		})
	}
	if len(raw.Input) > 0 {
		var plain string
		if err := json.Unmarshal(raw.Input, &plain); err == nil {
			req.Messages = append(req.Messages, Content{Role: "user", Parts: []Part{{Text: plain}}})
			return req, nil
		}
		var items []respInputItem
		if err := json.Unmarshal(raw.Input, &items); err != nil {
			return nil, &ErrMalformed{Dialect: DialectOpenAIResponses, Reason: "input must be a string or item array"}
		}
		for _, item := range items {
			switch item.Type {
			case "function_call":
				args := map[string]any{}
				if item.Arguments != "" {
					_ = json.Unmarshal([]byte(item.Arguments), &args)
				}
				part := Part{FunctionCall: &FunctionCall{ID: item.CallID, Name: item.Name, Args: args}}
				req.Messages = appendToTurn(req.Messages, "model", part)
			case "function_call_output":
				part := Part{FunctionResponse: &FunctionResponse{
					ID: item.CallID, Response: map[string]any{"result": item.Output},
				}}
				req.Messages = appendToTurn(req.Messages, "user", part)
			default: // message
				role := "user"
				if item.Role == "assistant" {
					role = "model"
				}
				if item.Role == "system" || item.Role == "developer" {
					req.System = append(req.System, respContentText(item.Content))
					continue
				}
				req.Messages = append(req.Messages, Content{
					Role: role, Parts: []Part{{Text: respContentText(item.Content)}},
				})
			}
		}
	}
	return req, nil
}

func respContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []respContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	out := ""
	for _, p := range parts {
		out += p.Text
	}
	return out
}

func (c *responsesCodec) EncodeRequest(req *Request) ([]byte, error) {
	out := respRequest{
		Model:           req.Model,
		Stream:          req.Stream,
		MaxOutputTokens: req.Generation.MaxTokens,
		Temperature:     req.Generation.Temperature,
		TopP:            req.Generation.TopP,
	}
	combined := ""
	for i, s := range req.System {
		if i > 0 {
			combined += "\n\n"
		}
		combined += s
	}
	out.Instructions = combined
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, respTool{
			Type: "function", Name: t.Name,
			Description: t.Description, Parameters: t.Parameters,
		})
	}

	var items []respInputItem
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "model" {
			role = "assistant"
		}
		text := ""
		for _, p := range msg.Parts {
			switch {
			case p.FunctionCall != nil:
				args, _ := json.Marshal(p.FunctionCall.Args)
				items = append(items, respInputItem{
					Type: "function_call", CallID: p.FunctionCall.ID,
					Name: p.FunctionCall.Name, Arguments: string(args),
				})
			case p.FunctionResponse != nil:
				output := ""
				if v, ok := p.FunctionResponse.Response["result"].(string); ok {
					output = v
				}
				items = append(items, respInputItem{
					Type: "function_call_output", CallID: p.FunctionResponse.ID, Output: output,
				})
			case p.Thought:
			default:
				text += p.Text
			}
		}
		if text != "" {
			kind := "input_text"
			if role == "assistant" {
				kind = "output_text"
			}
			content, _ := json.Marshal([]respContentPart{{Type: kind, Text: text}})
			items = append(items, respInputItem{Type: "message", Role: role, Content: content})
		}
	}
	input, _ := json.Marshal(items)
	out.Input = input
	return json.Marshal(out)
}

type respResponse struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Output []struct {
		Type      string            `json:"type"`
		Role      string            `json:"role,omitempty"`
		Content   []respContentPart `json:"content,omitempty"`
		CallID    string            `json:"call_id,omitempty"`
		Name      string            `json:"name,omitempty"`
		Arguments string            `json:"arguments,omitempty"`
	} `json:"output"`
	Status string `json:"status,omitempty"`
	Usage  *struct {
		InputTokens        int64 `json:"input_tokens"`
		OutputTokens       int64 `json:"output_tokens"`
		InputTokensDetails *struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"input_tokens_details,omitempty"`
	} `json:"usage,omitempty"`
}

func (c *responsesCodec) ParseResponse(body []byte, model string) (*Response, error) {
	var raw respResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectOpenAIResponses, Reason: err.Error()}
	}
	resp := &Response{Model: raw.Model, ID: raw.ID, FinishReason: FinishStop}
	if resp.Model == "" {
		resp.Model = model
	}
	for _, item := range raw.Output {
		switch item.Type {
		case "message":
			text := ""
			for _, p := range item.Content {
				text += p.Text
			}
			if text != "" {
				resp.Parts = append(resp.Parts, Part{Text: text})
			}
		case "function_call":
			args := map[string]any{}
			if item.Arguments != "" {
				_ = json.Unmarshal([]byte(item.Arguments), &args)
			}
			resp.Parts = append(resp.Parts, Part{FunctionCall: &FunctionCall{
				ID: item.CallID, Name: item.Name, Args: args,
			}})
			resp.FinishReason = FinishToolCalls
		}
	}
	if raw.Status == "incomplete" {
		resp.FinishReason = FinishLength
	}
	if raw.Usage != nil {
		resp.Usage = Usage{
			InputTokens:  raw.Usage.InputTokens,
			OutputTokens: raw.Usage.OutputTokens,
		}
		if raw.Usage.InputTokensDetails != nil {
			resp.Usage.CacheReadTokens = raw.Usage.InputTokensDetails.CachedTokens
			resp.Usage.InputTokens -= raw.Usage.InputTokensDetails.CachedTokens
		}
	}
	return resp, nil
}

func (c *responsesCodec) EncodeResponse(resp *Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	var output []map[string]any
	text := ""
	for _, p := range resp.Parts {
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			output = append(output, map[string]any{
				"type": "function_call", "call_id": p.FunctionCall.ID,
				"name": p.FunctionCall.Name, "arguments": string(args),
			})
		case p.Thought:
		default:
			text += p.Text
		}
	}
	if text != "" {
		output = append(output, map[string]any{
			"type": "message", "role": "assistant",
			"content": []map[string]any{{"type": "output_text", "text": text}},
		})
	}
	cached := resp.Usage.CacheReadTokens
	out := map[string]any{
		"id":         id,
		"object":     "response",
		"created_at": time.Now().Unix(),
		"model":      resp.Model,
		"status":     "completed",
		"output":     output,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens + cached,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.InputTokens + cached + resp.Usage.OutputTokens,
			"input_tokens_details": map[string]any{
				"cached_tokens": cached,
			},
		},
	}
	return json.Marshal(out)
}

// respStreamEncoder frames pivot chunks as Responses-API SSE events.
type respStreamEncoder struct {
	id      string
	model   string
	started bool
	text    string
	usage   *Usage
}

func (c *responsesCodec) NewStreamEncoder(model string) StreamEncoder {
	return &respStreamEncoder{id: "resp_" + uuid.NewString(), model: model}
}

func (e *respStreamEncoder) event(name string, payload map[string]any) []byte {
	payload["type"] = name
	data, _ := json.Marshal(payload)
	return sseEventFrame(name, data)
}

func (e *respStreamEncoder) Encode(chunk *Chunk) ([][]byte, error) {
	var frames [][]byte
	if !e.started {
		e.started = true
		frames = append(frames, e.event("response.created", map[string]any{
			"response": map[string]any{"id": e.id, "model": e.model, "status": "in_progress"},
		}))
	}
	for _, p := range chunk.Parts {
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			frames = append(frames, e.event("response.output_item.done", map[string]any{
				"item": map[string]any{
					"type": "function_call", "call_id": p.FunctionCall.ID,
					"name": p.FunctionCall.Name, "arguments": string(args),
				},
			}))
		case p.Thought:
		default:
			if p.Text == "" {
				continue
			}
			e.text += p.Text
			frames = append(frames, e.event("response.output_text.delta", map[string]any{
				"delta": p.Text,
			}))
		}
	}
	if chunk.Usage != nil {
		e.usage = chunk.Usage
	}
	return frames, nil
}

func (e *respStreamEncoder) Finish() [][]byte {
	resp := map[string]any{
		"id": e.id, "model": e.model, "status": "completed",
	}
	if e.usage != nil {
		cached := e.usage.CacheReadTokens
		resp["usage"] = map[string]any{
			"input_tokens":  e.usage.InputTokens + cached,
			"output_tokens": e.usage.OutputTokens,
			"total_tokens":  e.usage.InputTokens + cached + e.usage.OutputTokens,
		}
	}
	return [][]byte{e.event("response.completed", map[string]any{"response": resp})}
}

func (c *responsesCodec) EncodeModelList(models []ModelInfo) ([]byte, error) {
	return (&openAICodec{}).EncodeModelList(models)
}

func (c *responsesCodec) EncodeError(status int, message string) []byte {
	return (&openAICodec{}).EncodeError(status, message)
}
