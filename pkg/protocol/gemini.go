package protocol

import (
	"encoding/json"
	"strings"
)

// geminiCodec speaks the generateContent dialect. The pivot form is modelled
// on it, so both directions are close to structural copies.
type geminiCodec struct{}

func (c *geminiCodec) Dialect() Dialect { return DialectGemini }

type gemRequest struct {
	Contents          []gemContent `json:"contents"`
	SystemInstruction *gemContent  `json:"systemInstruction,omitempty"`
	Tools             []gemTool    `json:"tools,omitempty"`
	ToolConfig        *gemToolCfg  `json:"toolConfig,omitempty"`
	GenerationConfig  *gemGenCfg   `json:"generationConfig,omitempty"`
	Model             string       `json:"model,omitempty"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []gemPart `json:"parts"`
}

type gemPart struct {
	Text             string         `json:"text,omitempty"`
	Thought          bool           `json:"thought,omitempty"`
	FunctionCall     *gemFuncCall   `json:"functionCall,omitempty"`
	FunctionResponse *gemFuncResp   `json:"functionResponse,omitempty"`
	InlineData       *gemInlineData `json:"inlineData,omitempty"`
}

type gemFuncCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type gemFuncResp struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

type gemInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type gemTool struct {
	FunctionDeclarations []gemFuncDecl `json:"functionDeclarations,omitempty"`
}

type gemFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type gemToolCfg struct {
	FunctionCallingConfig struct {
		Mode                 string   `json:"mode,omitempty"`
		AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
	} `json:"functionCallingConfig"`
}

type gemGenCfg struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

func (c *geminiCodec) ParseRequest(body []byte) (*Request, error) {
	var raw gemRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectGemini, Reason: err.Error()}
	}
	if len(raw.Contents) == 0 {
		return nil, &ErrMalformed{Dialect: DialectGemini, Reason: "contents is required"}
	}

	req := &Request{Model: raw.Model}
	if raw.SystemInstruction != nil {
		for _, p := range raw.SystemInstruction.Parts {
			if p.Text != "" {
				req.System = append(req.System, p.Text)
			}
		}
	}
	if raw.GenerationConfig != nil {
		req.Generation = GenerationConfig{
			MaxTokens:     raw.GenerationConfig.MaxOutputTokens,
			Temperature:   raw.GenerationConfig.Temperature,
			TopP:          raw.GenerationConfig.TopP,
			TopK:          raw.GenerationConfig.TopK,
			StopSequences: raw.GenerationConfig.StopSequences,
		}
	}
	if raw.ToolConfig != nil {
		switch raw.ToolConfig.FunctionCallingConfig.Mode {
		case "ANY":
			if names := raw.ToolConfig.FunctionCallingConfig.AllowedFunctionNames; len(names) == 1 {
				req.ToolChoice = names[0]
			} else {
				req.ToolChoice = "any"
			}
		case "AUTO":
			req.ToolChoice = "auto"
		case "NONE":
			req.ToolChoice = "none"
		}
	}
	for _, t := range raw.Tools {
		for _, fd := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}
	for _, content := range raw.Contents {
		role := content.Role
		if role == "" {
			role = "user"
		}
		req.Messages = append(req.Messages, Content{Role: role, Parts: gemPartsToPivot(content.Parts)})
	}
	return req, nil
}

func gemPartsToPivot(parts []gemPart) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			out = append(out, Part{FunctionCall: &FunctionCall{
				ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: p.FunctionCall.Args,
			}})
		case p.FunctionResponse != nil:
			out = append(out, Part{FunctionResponse: &FunctionResponse{
				ID: p.FunctionResponse.ID, Name: p.FunctionResponse.Name,
				Response: p.FunctionResponse.Response,
			}})
		case p.InlineData != nil:
			out = append(out, Part{InlineData: &InlineData{
				MimeType: p.InlineData.MimeType, Data: p.InlineData.Data,
			}})
		default:
			out = append(out, Part{Text: p.Text, Thought: p.Thought})
		}
	}
	return out
}

func pivotPartsToGem(parts []Part) []gemPart {
	out := make([]gemPart, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			out = append(out, gemPart{FunctionCall: &gemFuncCall{
				ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: p.FunctionCall.Args,
			}})
		case p.FunctionResponse != nil:
			out = append(out, gemPart{FunctionResponse: &gemFuncResp{
				ID: p.FunctionResponse.ID, Name: p.FunctionResponse.Name,
				Response: p.FunctionResponse.Response,
			}})
		case p.InlineData != nil:
			out = append(out, gemPart{InlineData: &gemInlineData{
				MimeType: p.InlineData.MimeType, Data: p.InlineData.Data,
			}})
		default:
			if p.Text == "" {
				continue
			}
			out = append(out, gemPart{Text: p.Text, Thought: p.Thought})
		}
	}
	return out
}

func (c *geminiCodec) EncodeRequest(req *Request) ([]byte, error) {
	out := gemRequest{}
	if len(req.System) > 0 {
		sys := &gemContent{}
		for _, s := range req.System {
			sys.Parts = append(sys.Parts, gemPart{Text: s})
		}
		out.SystemInstruction = sys
	}
	for _, msg := range req.Messages {
		out.Contents = append(out.Contents, gemContent{
			Role: msg.Role, Parts: pivotPartsToGem(msg.Parts),
		})
	}
	if len(req.Tools) > 0 {
		var decls []gemFuncDecl
		for _, t := range req.Tools {
			decls = append(decls, gemFuncDecl{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
			})
		}
		out.Tools = []gemTool{{FunctionDeclarations: decls}}
	}
	switch req.ToolChoice {
	case "":
	case "auto":
		cfg := &gemToolCfg{}
		cfg.FunctionCallingConfig.Mode = "AUTO"
		out.ToolConfig = cfg
	case "any":
		cfg := &gemToolCfg{}
		cfg.FunctionCallingConfig.Mode = "ANY"
		out.ToolConfig = cfg
	case "none":
		cfg := &gemToolCfg{}
		cfg.FunctionCallingConfig.Mode = "NONE"
		out.ToolConfig = cfg
	default:
		cfg := &gemToolCfg{}
		cfg.FunctionCallingConfig.Mode = "ANY"
		cfg.FunctionCallingConfig.AllowedFunctionNames = []string{req.ToolChoice}
		out.ToolConfig = cfg
	}
	g := req.Generation
	if g.MaxTokens > 0 || g.Temperature != nil || g.TopP != nil || g.TopK != nil || len(g.StopSequences) > 0 {
		out.GenerationConfig = &gemGenCfg{
			MaxOutputTokens: req.Generation.MaxTokens,
			Temperature:     req.Generation.Temperature,
			TopP:            req.Generation.TopP,
			TopK:            req.Generation.TopK,
			StopSequences:   req.Generation.StopSequences,
		}
	}
	return json.Marshal(out)
}

type gemResponse struct {
	Candidates []struct {
		Content      gemContent `json:"content"`
		FinishReason string     `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount        int64 `json:"promptTokenCount"`
		CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
		CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
		TotalTokenCount         int64 `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	ModelVersion string `json:"modelVersion,omitempty"`
}

func (c *geminiCodec) ParseResponse(body []byte, model string) (*Response, error) {
	var raw gemResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrMalformed{Dialect: DialectGemini, Reason: err.Error()}
	}
	resp := &Response{Model: model}
	if raw.ModelVersion != "" {
		resp.Model = raw.ModelVersion
	}
	if len(raw.Candidates) > 0 {
		cand := raw.Candidates[0]
		resp.Parts = gemPartsToPivot(cand.Content.Parts)
		resp.FinishReason = gemFinishToPivot(cand.FinishReason)
		// Tool calls dominate the finish reason regardless of the label.
		for _, p := range resp.Parts {
			if p.FunctionCall != nil {
				resp.FinishReason = FinishToolCalls
				break
			}
		}
	}
	if raw.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:     raw.UsageMetadata.PromptTokenCount - raw.UsageMetadata.CachedContentTokenCount,
			OutputTokens:    raw.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: raw.UsageMetadata.CachedContentTokenCount,
		}
	}
	return resp, nil
}

func (c *geminiCodec) EncodeResponse(resp *Response) ([]byte, error) {
	prompt := resp.Usage.InputTokens + resp.Usage.CacheReadTokens
	out := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": pivotPartsToGem(resp.Parts),
			},
			"finishReason": pivotFinishToGem(resp.FinishReason),
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":        prompt,
			"candidatesTokenCount":    resp.Usage.OutputTokens,
			"cachedContentTokenCount": resp.Usage.CacheReadTokens,
			"totalTokenCount":         prompt + resp.Usage.OutputTokens,
		},
		"modelVersion": resp.Model,
	}
	return json.Marshal(out)
}

func gemFinishToPivot(reason string) FinishReason {
	switch strings.ToUpper(reason) {
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT":
		return FinishSafety
	default:
		return FinishStop
	}
}

func pivotFinishToGem(reason FinishReason) string {
	switch reason {
	case FinishLength:
		return "MAX_TOKENS"
	case FinishSafety:
		return "SAFETY"
	default:
		return "STOP"
	}
}

// gemStreamEncoder frames pivot chunks as generateContent SSE candidates.
// Gemini streams have no terminal marker beyond the finishReason field.
type gemStreamEncoder struct {
	codec *geminiCodec
	model string
	done  bool
}

func (c *geminiCodec) NewStreamEncoder(model string) StreamEncoder {
	return &gemStreamEncoder{codec: c, model: model}
}

func (e *gemStreamEncoder) Encode(chunk *Chunk) ([][]byte, error) {
	cand := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": pivotPartsToGem(chunk.Parts),
		},
		"index": 0,
	}
	if chunk.Final || chunk.FinishReason != "" {
		reason := chunk.FinishReason
		if reason == "" {
			reason = FinishStop
		}
		cand["finishReason"] = pivotFinishToGem(reason)
		e.done = true
	}
	payload := map[string]any{
		"candidates":   []map[string]any{cand},
		"modelVersion": e.model,
	}
	if chunk.Usage != nil {
		prompt := chunk.Usage.InputTokens + chunk.Usage.CacheReadTokens
		payload["usageMetadata"] = map[string]any{
			"promptTokenCount":     prompt,
			"candidatesTokenCount": chunk.Usage.OutputTokens,
			"totalTokenCount":      prompt + chunk.Usage.OutputTokens,
		}
	}
	data, _ := json.Marshal(payload)
	return [][]byte{sseFrame(data)}, nil
}

func (e *gemStreamEncoder) Finish() [][]byte {
	if e.done {
		return nil
	}
	payload, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []any{}},
			"finishReason": "STOP",
			"index":        0,
		}},
		"modelVersion": e.model,
	})
	return [][]byte{sseFrame(payload)}
}

func (c *geminiCodec) EncodeModelList(models []ModelInfo) ([]byte, error) {
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"name":                       "models/" + m.ID,
			"displayName":                m.ID,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	return json.Marshal(map[string]any{"models": data})
}

func (c *geminiCodec) EncodeError(status int, message string) []byte {
	out, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"status":  gemErrorStatus(status),
		},
	})
	return out
}

func gemErrorStatus(status int) string {
	switch status {
	case 400:
		return "INVALID_ARGUMENT"
	case 401:
		return "UNAUTHENTICATED"
	case 403:
		return "PERMISSION_DENIED"
	case 404:
		return "NOT_FOUND"
	case 429:
		return "RESOURCE_EXHAUSTED"
	default:
		return "INTERNAL"
	}
}
