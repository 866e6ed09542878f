package protocol

import (
	"encoding/json"
	"time"
)

// ollamaCodec speaks the Ollama local-API dialect: /api/chat bodies in,
// NDJSON chunks out.
type ollamaCodec struct{}

func (c *ollamaCodec) Dialect() Dialect { return DialectOllama }

type olRequest struct {
	Model    string      `json:"model"`
	Messages []olMessage `json:"messages"`
	Stream   *bool       `json:"stream,omitempty"`
	Options  *olOptions  `json:"options,omitempty"`
}

type olMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type olOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

func (c *ollamaCodec) ParseRequest(body []byte) (*Request, error) {
	var raw olRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectOllama, Reason: err.Error()}
	}
	if raw.Model == "" {
		return nil, &ErrMalformed{Dialect: DialectOllama, Reason: "model is required"}
	}

	// Ollama streams unless stream=false is explicit.
	req := &Request{Model: raw.Model, Stream: raw.Stream == nil || *raw.Stream}
	if raw.Options != nil {
		req.Generation = GenerationConfig{
			MaxTokens:     raw.Options.NumPredict,
			Temperature:   raw.Options.Temperature,
			TopP:          raw.Options.TopP,
			TopK:          raw.Options.TopK,
			StopSequences: raw.Options.Stop,
		}
	}
	for _, msg := range raw.Messages {
		switch msg.Role {
		case "system":
			req.System = append(req.System, msg.Content)
		case "assistant":
			req.Messages = append(req.Messages, Content{Role: "model", Parts: []Part{{Text: msg.Content}}})
		default:
			parts := []Part{{Text: msg.Content}}
			for _, img := range msg.Images {
				parts = append(parts, Part{InlineData: &InlineData{MimeType: "image/png", Data: img}})
			}
			req.Messages = append(req.Messages, Content{Role: "user", Parts: parts})
		}
	}
	return req, nil
}

// ParseGenerateRequest handles the /api/generate prompt shape.
func ParseGenerateRequest(body []byte) (*Request, error) {
	var raw struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		System string `json:"system,omitempty"`
		Stream *bool  `json:"stream,omitempty"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectOllama, Reason: err.Error()}
	}
	if raw.Model == "" {
		return nil, &ErrMalformed{Dialect: DialectOllama, Reason: "model is required"}
	}
	req := &Request{Model: raw.Model, Stream: raw.Stream == nil || *raw.Stream}
	if raw.System != "" {
		req.System = append(req.System, raw.System)
	}
	req.Messages = append(req.Messages, Content{Role: "user", Parts: []Part{{Text: raw.Prompt}}})
	return req, nil
}

func (c *ollamaCodec) EncodeRequest(req *Request) ([]byte, error) {
	stream := req.Stream
	out := olRequest{Model: req.Model, Stream: &stream}
	for _, sys := range req.System {
		out.Messages = append(out.Messages, olMessage{Role: "system", Content: sys})
	}
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "model" {
			role = "assistant"
		}
		text := ""
		var images []string
		for _, p := range msg.Parts {
			if p.InlineData != nil {
				images = append(images, p.InlineData.Data)
				continue
			}
			if !p.Thought {
				text += p.Text
			}
		}
		out.Messages = append(out.Messages, olMessage{Role: role, Content: text, Images: images})
	}
	g := req.Generation
	if g.MaxTokens > 0 || g.Temperature != nil || g.TopP != nil || g.TopK != nil || len(g.StopSequences) > 0 {
		out.Options = &olOptions{
			Temperature: g.Temperature,
			TopP:        g.TopP,
			TopK:        g.TopK,
			NumPredict:  g.MaxTokens,
			Stop:        g.StopSequences,
		}
	}
	return json.Marshal(out)
}

type olResponse struct {
	Model           string    `json:"model"`
	CreatedAt       time.Time `json:"created_at"`
	Message         olMessage `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason,omitempty"`
	PromptEvalCount int64     `json:"prompt_eval_count,omitempty"`
	EvalCount       int64     `json:"eval_count,omitempty"`
}

func (c *ollamaCodec) ParseResponse(body []byte, model string) (*Response, error) {
	var raw olResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectOllama, Reason: err.Error()}
	}
	resp := &Response{Model: raw.Model}
	if resp.Model == "" {
		resp.Model = model
	}
	if raw.Message.Content != "" {
		resp.Parts = append(resp.Parts, Part{Text: raw.Message.Content})
	}
	if raw.DoneReason == "length" {
		resp.FinishReason = FinishLength
	} else {
		resp.FinishReason = FinishStop
	}
	resp.Usage = Usage{InputTokens: raw.PromptEvalCount, OutputTokens: raw.EvalCount}
	return resp, nil
}

func (c *ollamaCodec) EncodeResponse(resp *Response) ([]byte, error) {
	text := ""
	for _, p := range resp.Parts {
		if !p.Thought {
			text += p.Text
		}
	}
	out := olResponse{
		Model:           resp.Model,
		CreatedAt:       time.Now().UTC(),
		Message:         olMessage{Role: "assistant", Content: text},
		Done:            true,
		DoneReason:      pivotFinishToOllama(resp.FinishReason),
		PromptEvalCount: resp.Usage.InputTokens + resp.Usage.CacheReadTokens,
		EvalCount:       resp.Usage.OutputTokens,
	}
	return json.Marshal(out)
}

func pivotFinishToOllama(reason FinishReason) string {
	if reason == FinishLength {
		return "length"
	}
	return "stop"
}

// olStreamEncoder frames pivot chunks as NDJSON lines; the final line
// carries done=true plus eval counts.
type olStreamEncoder struct {
	model string
	usage *Usage
	stop  FinishReason
	done  bool
}

func (c *ollamaCodec) NewStreamEncoder(model string) StreamEncoder {
	return &olStreamEncoder{model: model}
}

func (e *olStreamEncoder) Encode(chunk *Chunk) ([][]byte, error) {
	var frames [][]byte
	for _, p := range chunk.Parts {
		if p.Thought || p.Text == "" {
			continue
		}
		line, _ := json.Marshal(olResponse{
			Model:     e.model,
			CreatedAt: time.Now().UTC(),
			Message:   olMessage{Role: "assistant", Content: p.Text},
		})
		frames = append(frames, ndjsonFrame(line))
	}
	if chunk.Usage != nil {
		e.usage = chunk.Usage
	}
	if chunk.FinishReason != "" {
		e.stop = chunk.FinishReason
	}
	return frames, nil
}

func (e *olStreamEncoder) Finish() [][]byte {
	if e.done {
		return nil
	}
	e.done = true
	final := olResponse{
		Model:      e.model,
		CreatedAt:  time.Now().UTC(),
		Message:    olMessage{Role: "assistant", Content: ""},
		Done:       true,
		DoneReason: pivotFinishToOllama(e.stop),
	}
	if e.usage != nil {
		final.PromptEvalCount = e.usage.InputTokens + e.usage.CacheReadTokens
		final.EvalCount = e.usage.OutputTokens
	}
	line, _ := json.Marshal(final)
	return [][]byte{ndjsonFrame(line)}
}

func (c *ollamaCodec) EncodeModelList(models []ModelInfo) ([]byte, error) {
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"name":        m.ID,
			"model":       m.ID,
			"modified_at": time.Now().UTC().Format(time.RFC3339),
			"size":        0,
			"digest":      "",
			"details": map[string]any{
				"format": "api", "family": m.OwnedBy,
				"parameter_size": "", "quantization_level": "",
			},
		})
	}
	return json.Marshal(map[string]any{"models": data})
}

// EncodeShowResponse renders the /api/show stub for a proxied model.
func EncodeShowResponse(model string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"modelfile":  "# proxied model, no local modelfile",
		"parameters": "",
		"template":   "{{ .Prompt }}",
		"details": map[string]any{
			"format": "api", "family": "proxy",
			"parameter_size": "", "quantization_level": "",
		},
		"model_info": map[string]any{
			"general.architecture": "proxy",
			"general.name":         model,
		},
	})
}

// EncodeVersionResponse renders the /api/version stub.
func EncodeVersionResponse(version string) ([]byte, error) {
	return json.Marshal(map[string]string{"version": version})
}

func (c *ollamaCodec) EncodeError(status int, message string) []byte {
	out, _ := json.Marshal(map[string]string{"error": message})
	return out
}
