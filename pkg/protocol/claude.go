package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// claudeCodec speaks the Anthropic Messages dialect.
type claudeCodec struct{}

func (c *claudeCodec) Dialect() Dialect { return DialectClaude }

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Tools         []claudeTool    `json:"tools,omitempty"`
	ToolChoice    *claudeToolPick `json:"tool_choice,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`
}

type claudeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type claudeToolPick struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

func (c *claudeCodec) ParseRequest(body []byte) (*Request, error) {
	var raw claudeRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectClaude, Reason: err.Error()}
	}
	if raw.Model == "" {
		return nil, &ErrMalformed{Dialect: DialectClaude, Reason: "model is required"}
	}

	req := &Request{
		Model:  raw.Model,
		Stream: raw.Stream,
		Generation: GenerationConfig{
			MaxTokens:     raw.MaxTokens,
			Temperature:   raw.Temperature,
			TopP:          raw.TopP,
			TopK:          raw.TopK,
			StopSequences: raw.StopSequences,
		},
	}
	if len(raw.System) > 0 {
		var s string
		if err := json.Unmarshal(raw.System, &s); err == nil {
			if s != "" {
				req.System = append(req.System, s)
			}
		} else {
			var blocks []claudeBlock
			if err := json.Unmarshal(raw.System, &blocks); err == nil {
				for _, b := range blocks {
					if b.Type == "text" && b.Text != "" {
						req.System = append(req.System, b.Text)
					}
				}
			}
		}
	}
	if raw.ToolChoice != nil {
		switch raw.ToolChoice.Type {
		case "tool":
			req.ToolChoice = raw.ToolChoice.Name
		case "any", "auto", "none":
			req.ToolChoice = raw.ToolChoice.Type
		}
	}
	for _, t := range raw.Tools {
		req.Tools = append(req.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	for _, msg := range raw.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		parts, err := claudeBlocksToParts(msg.Content)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, Content{Role: role, Parts: parts})
	}
	return req, nil
}

func claudeBlocksToParts(raw json.RawMessage) ([]Part, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Part{{Text: s}}, nil
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, &ErrMalformed{Dialect: DialectClaude, Reason: "content must be a string or block array"}
	}
	var parts []Part
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, Part{Text: b.Text})
		case "thinking":
			parts = append(parts, Part{Text: b.Thinking, Thought: true})
		case "tool_use":
			parts = append(parts, Part{FunctionCall: &FunctionCall{
				ID: b.ID, Name: b.Name, Args: b.Input,
			}})
		case "tool_result":
			resp := map[string]any{}
			if len(b.Content) > 0 {
				var text string
				if err := json.Unmarshal(b.Content, &text); err == nil {
					resp["result"] = text
				} else {
					var inner []claudeBlock
					if err := json.Unmarshal(b.Content, &inner); err == nil {
						combined := ""
						for _, ib := range inner {
							if ib.Type == "text" {
								combined += ib.Text
							}
						}
						resp["result"] = combined
					}
				}
			}
			parts = append(parts, Part{FunctionResponse: &FunctionResponse{
				ID: b.ToolUseID, Response: resp, IsError: b.IsError,
			}})
		case "image":
			if b.Source != nil && b.Source.Type == "base64" {
				parts = append(parts, Part{InlineData: &InlineData{
					MimeType: b.Source.MediaType, Data: b.Source.Data,
				}})
			}
		}
	}
	return parts, nil
}

func (c *claudeCodec) EncodeRequest(req *Request) ([]byte, error) {
	out := claudeRequest{
		Model:         req.Model,
		MaxTokens:     req.Generation.MaxTokens,
		Temperature:   req.Generation.Temperature,
		TopP:          req.Generation.TopP,
		TopK:          req.Generation.TopK,
		StopSequences: req.Generation.StopSequences,
		Stream:        req.Stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}
	if len(req.System) > 0 {
		combined := ""
		for i, s := range req.System {
			if i > 0 {
				combined += "\n\n"
			}
			combined += s
		}
		out.System = mustJSONString(combined)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, claudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	switch req.ToolChoice {
	case "":
	case "auto", "any", "none":
		out.ToolChoice = &claudeToolPick{Type: req.ToolChoice}
	default:
		out.ToolChoice = &claudeToolPick{Type: "tool", Name: req.ToolChoice}
	}
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "model" {
			role = "assistant"
		}
		blocks := partsToClaudeBlocks(msg.Parts)
		content, _ := json.Marshal(blocks)
		out.Messages = append(out.Messages, claudeMessage{Role: role, Content: content})
	}
	return json.Marshal(out)
}

func partsToClaudeBlocks(parts []Part) []map[string]any {
	blocks := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			input := p.FunctionCall.Args
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, map[string]any{
				"type": "tool_use", "id": p.FunctionCall.ID,
				"name": p.FunctionCall.Name, "input": input,
			})
		case p.FunctionResponse != nil:
			content := ""
			if v, ok := p.FunctionResponse.Response["result"].(string); ok {
				content = v
			} else if p.FunctionResponse.Response != nil {
				data, _ := json.Marshal(p.FunctionResponse.Response)
				content = string(data)
			}
			block := map[string]any{
				"type": "tool_result", "tool_use_id": p.FunctionResponse.ID,
				"content": content,
			}
			if p.FunctionResponse.IsError {
				block["is_error"] = true
			}
			blocks = append(blocks, block)
		case p.InlineData != nil:
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type": "base64", "media_type": p.InlineData.MimeType,
					"data": p.InlineData.Data,
				},
			})
		case p.Thought:
			blocks = append(blocks, map[string]any{"type": "thinking", "thinking": p.Text})
		default:
			if p.Text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
			}
		}
	}
	return blocks
}

type claudeResponse struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Content    []claudeBlock `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      *struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage,omitempty"`
}

func (c *claudeCodec) ParseResponse(body []byte, model string) (*Response, error) {
	var raw claudeResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectClaude, Reason: err.Error()}
	}
	resp := &Response{Model: raw.Model, ID: raw.ID}
	if resp.Model == "" {
		resp.Model = model
	}
	for _, b := range raw.Content {
		switch b.Type {
		case "text":
			resp.Parts = append(resp.Parts, Part{Text: b.Text})
		case "thinking":
			resp.Parts = append(resp.Parts, Part{Text: b.Thinking, Thought: true})
		case "tool_use":
			resp.Parts = append(resp.Parts, Part{FunctionCall: &FunctionCall{
				ID: b.ID, Name: b.Name, Args: b.Input,
			}})
		}
	}
	resp.FinishReason = claudeStopToPivot(raw.StopReason)
	if raw.Usage != nil {
		resp.Usage = Usage{
			InputTokens:         raw.Usage.InputTokens,
			OutputTokens:        raw.Usage.OutputTokens,
			CacheCreationTokens: raw.Usage.CacheCreationInputTokens,
			CacheReadTokens:     raw.Usage.CacheReadInputTokens,
		}
	}
	return resp, nil
}

func (c *claudeCodec) EncodeResponse(resp *Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	out := map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         resp.Model,
		"content":       partsToClaudeBlocks(resp.Parts),
		"stop_reason":   pivotFinishToClaude(resp.FinishReason),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":                resp.Usage.InputTokens,
			"output_tokens":               resp.Usage.OutputTokens,
			"cache_creation_input_tokens": resp.Usage.CacheCreationTokens,
			"cache_read_input_tokens":     resp.Usage.CacheReadTokens,
		},
	}
	return json.Marshal(out)
}

func claudeStopToPivot(reason string) FinishReason {
	switch reason {
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return FinishStop
	}
}

func pivotFinishToClaude(reason FinishReason) string {
	switch reason {
	case FinishLength:
		return "max_tokens"
	case FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// claudeStreamEncoder frames pivot chunks as the Anthropic event sequence:
// message_start, content_block_start/delta/stop per block, message_delta
// with the stop reason, message_stop.
type claudeStreamEncoder struct {
	id    string
	model string

	started    bool
	blockOpen  bool
	blockIndex int
	blockType  string // "text" or "tool_use"
	stopReason FinishReason
	usage      *Usage
	outputEst  int64
}

func (c *claudeCodec) NewStreamEncoder(model string) StreamEncoder {
	return &claudeStreamEncoder{id: "msg_" + uuid.NewString(), model: model}
}

func (e *claudeStreamEncoder) event(name string, payload map[string]any) []byte {
	payload["type"] = name
	data, _ := json.Marshal(payload)
	return sseEventFrame(name, data)
}

func (e *claudeStreamEncoder) start(inputTokens int64) []byte {
	e.started = true
	return e.event("message_start", map[string]any{
		"message": map[string]any{
			"id": e.id, "type": "message", "role": "assistant",
			"model": e.model, "content": []any{},
			"stop_reason": nil, "stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens": inputTokens, "output_tokens": 0,
			},
		},
	})
}

func (e *claudeStreamEncoder) openBlock(blockType string, block map[string]any) []byte {
	e.blockOpen = true
	e.blockType = blockType
	return e.event("content_block_start", map[string]any{
		"index": e.blockIndex, "content_block": block,
	})
}

func (e *claudeStreamEncoder) closeBlock() []byte {
	e.blockOpen = false
	frame := e.event("content_block_stop", map[string]any{"index": e.blockIndex})
	e.blockIndex++
	return frame
}

func (e *claudeStreamEncoder) Encode(chunk *Chunk) ([][]byte, error) {
	var frames [][]byte
	if !e.started {
		var input int64
		if chunk.Usage != nil {
			input = chunk.Usage.InputTokens
		}
		frames = append(frames, e.start(input))
	}

	for _, p := range chunk.Parts {
		switch {
		case p.FunctionCall != nil:
			if e.blockOpen {
				frames = append(frames, e.closeBlock())
			}
			frames = append(frames, e.openBlock("tool_use", map[string]any{
				"type": "tool_use", "id": p.FunctionCall.ID,
				"name": p.FunctionCall.Name, "input": map[string]any{},
			}))
			args, _ := json.Marshal(p.FunctionCall.Args)
			frames = append(frames, e.event("content_block_delta", map[string]any{
				"index": e.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(args)},
			}))
			frames = append(frames, e.closeBlock())
			e.stopReason = FinishToolCalls
		case p.Thought:
			if e.blockOpen && e.blockType != "thinking" {
				frames = append(frames, e.closeBlock())
			}
			if !e.blockOpen {
				frames = append(frames, e.openBlock("thinking", map[string]any{
					"type": "thinking", "thinking": "",
				}))
			}
			frames = append(frames, e.event("content_block_delta", map[string]any{
				"index": e.blockIndex,
				"delta": map[string]any{"type": "thinking_delta", "thinking": p.Text},
			}))
		default:
			if p.Text == "" {
				continue
			}
			if e.blockOpen && e.blockType != "text" {
				frames = append(frames, e.closeBlock())
			}
			if !e.blockOpen {
				frames = append(frames, e.openBlock("text", map[string]any{
					"type": "text", "text": "",
				}))
			}
			frames = append(frames, e.event("content_block_delta", map[string]any{
				"index": e.blockIndex,
				"delta": map[string]any{"type": "text_delta", "text": p.Text},
			}))
			e.outputEst += int64(len(p.Text) / 4)
		}
	}

	if chunk.FinishReason != "" {
		e.stopReason = chunk.FinishReason
	}
	if chunk.Usage != nil {
		e.usage = chunk.Usage
	}
	return frames, nil
}

func (e *claudeStreamEncoder) Finish() [][]byte {
	var frames [][]byte
	if !e.started {
		frames = append(frames, e.start(0))
	}
	if e.blockOpen {
		frames = append(frames, e.closeBlock())
	}
	output := e.outputEst
	usage := map[string]any{"output_tokens": output}
	if e.usage != nil {
		usage["output_tokens"] = e.usage.OutputTokens
		usage["input_tokens"] = e.usage.InputTokens
		usage["cache_creation_input_tokens"] = e.usage.CacheCreationTokens
		usage["cache_read_input_tokens"] = e.usage.CacheReadTokens
	}
	stop := e.stopReason
	if stop == "" {
		stop = FinishStop
	}
	frames = append(frames, e.event("message_delta", map[string]any{
		"delta": map[string]any{"stop_reason": pivotFinishToClaude(stop), "stop_sequence": nil},
		"usage": usage,
	}))
	frames = append(frames, e.event("message_stop", map[string]any{}))
	return frames
}

func (c *claudeCodec) EncodeModelList(models []ModelInfo) ([]byte, error) {
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id": m.ID, "type": "model", "display_name": m.ID,
		})
	}
	return json.Marshal(map[string]any{"data": data, "has_more": false})
}

func (c *claudeCodec) EncodeError(status int, message string) []byte {
	out, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    claudeErrorType(status),
			"message": message,
		},
	})
	return out
}

func claudeErrorType(status int) string {
	switch {
	case status == 401:
		return "authentication_error"
	case status == 403:
		return "permission_error"
	case status == 404:
		return "not_found_error"
	case status == 429:
		return "rate_limit_error"
	case status == 529:
		return "overloaded_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}
