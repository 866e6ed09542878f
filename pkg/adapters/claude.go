package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// claudeAdapter serves Anthropic Messages upstreams: API-key endpoints and
// the orchids OAuth variant.
type claudeAdapter struct {
	m *Manager
	t store.ProviderType
}

func (a *claudeAdapter) Type() store.ProviderType { return a.t }

func (a *claudeAdapter) endpoint(base string) string {
	if base == "" {
		base = "https://api.anthropic.com"
	}
	return base + "/v1/messages"
}

func (a *claudeAdapter) headers(key string) map[string]string {
	h := map[string]string{"anthropic-version": "2023-06-01"}
	if a.t == store.TypeClaudeCustom {
		h["x-api-key"] = key
	}
	return h
}

// bearer returns the Authorization bearer value, empty for API-key auth.
func (a *claudeAdapter) bearer(key string) string {
	if a.t == store.TypeClaudeCustom {
		return ""
	}
	return key
}

func (a *claudeAdapter) GenerateContent(ctx context.Context, acc *store.Account, req *protocol.Request) (*protocol.Response, error) {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return nil, err
	}
	codec, _ := protocol.ForDialect(protocol.DialectClaude)

	wire := *req
	wire.Stream = false
	payload, err := codec.EncodeRequest(&wire)
	if err != nil {
		return nil, err
	}
	body, err := a.m.postJSON(ctx, a.t, a.endpoint(base), a.bearer(key), a.headers(key), payload)
	if err != nil {
		return nil, err
	}
	return codec.ParseResponse(body, req.Model)
}

func (a *claudeAdapter) GenerateContentStream(ctx context.Context, acc *store.Account, req *protocol.Request, fn func(*protocol.Chunk) error) error {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return err
	}
	codec, _ := protocol.ForDialect(protocol.DialectClaude)

	wire := *req
	wire.Stream = true
	payload, err := codec.EncodeRequest(&wire)
	if err != nil {
		return err
	}

	state := &claudeChunkState{}
	err = a.m.streamSSE(ctx, a.t, a.endpoint(base), a.bearer(key), a.headers(key), payload, func(data []byte) error {
		chunk, err := state.parse(data)
		if err != nil || chunk == nil {
			return err
		}
		return fn(chunk)
	})
	if err != nil {
		return err
	}
	if final := state.finish(); final != nil {
		return fn(final)
	}
	return nil
}

func (a *claudeAdapter) ListModels(ctx context.Context, acc *store.Account) ([]protocol.ModelInfo, error) {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return nil, err
	}
	if base == "" {
		base = "https://api.anthropic.com"
	}
	body, err := a.m.getJSON(ctx, a.t, base+"/v1/models", a.bearer(key), a.headers(key))
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("adapters: model list: %w", err)
	}
	out := make([]protocol.ModelInfo, 0, len(parsed.Data))
	for _, mdl := range parsed.Data {
		out = append(out, protocol.ModelInfo{ID: mdl.ID, OwnedBy: "anthropic"})
	}
	return out, nil
}

func (a *claudeAdapter) RefreshCredential(ctx context.Context, tok *store.Token) (*store.Token, error) {
	if a.t == store.TypeClaudeCustom {
		return tok, nil
	}
	return refreshOAuthToken(ctx, a.m.direct, tok)
}

func (a *claudeAdapter) CountTokens(ctx context.Context, acc *store.Account, req *protocol.Request) (int64, error) {
	return estimateRequestTokens(req), nil
}

// claudeChunkState translates the Anthropic event stream back into pivot
// chunks: text and thinking deltas pass through, tool-use blocks accumulate
// their partial JSON until content_block_stop.
type claudeChunkState struct {
	toolID   string
	toolName string
	toolArgs []byte
	inTool   bool

	finishReason protocol.FinishReason
	usage        *protocol.Usage
}

func (s *claudeChunkState) parse(data []byte) (*protocol.Chunk, error) {
	var ev struct {
		Type         string `json:"type"`
		ContentBlock *struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
		Delta *struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Thinking    string `json:"thinking"`
			PartialJSON string `json:"partial_json"`
			StopReason  string `json:"stop_reason"`
		} `json:"delta"`
		Usage *struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("adapters: claude stream event: %w", err)
	}

	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			s.inTool = true
			s.toolID = ev.ContentBlock.ID
			s.toolName = ev.ContentBlock.Name
			s.toolArgs = nil
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				return &protocol.Chunk{Parts: []protocol.Part{{Text: ev.Delta.Text}}}, nil
			}
		case "thinking_delta":
			if ev.Delta.Thinking != "" {
				return &protocol.Chunk{Parts: []protocol.Part{{Text: ev.Delta.Thinking, Thought: true}}}, nil
			}
		case "input_json_delta":
			s.toolArgs = append(s.toolArgs, ev.Delta.PartialJSON...)
		}
	case "content_block_stop":
		if s.inTool {
			s.inTool = false
			args := map[string]any{}
			if len(s.toolArgs) > 0 {
				_ = json.Unmarshal(s.toolArgs, &args)
			}
			return &protocol.Chunk{Parts: []protocol.Part{{
				FunctionCall: &protocol.FunctionCall{ID: s.toolID, Name: s.toolName, Args: args},
			}}}, nil
		}
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			switch ev.Delta.StopReason {
			case "max_tokens":
				s.finishReason = protocol.FinishLength
			case "tool_use":
				s.finishReason = protocol.FinishToolCalls
			default:
				s.finishReason = protocol.FinishStop
			}
		}
		if ev.Usage != nil {
			s.usage = &protocol.Usage{
				InputTokens:         ev.Usage.InputTokens,
				OutputTokens:        ev.Usage.OutputTokens,
				CacheCreationTokens: ev.Usage.CacheCreationInputTokens,
				CacheReadTokens:     ev.Usage.CacheReadInputTokens,
			}
		}
	}
	return nil, nil
}

func (s *claudeChunkState) finish() *protocol.Chunk {
	if s.finishReason == "" && s.usage == nil {
		return nil
	}
	return &protocol.Chunk{Final: true, FinishReason: s.finishReason, Usage: s.usage}
}
