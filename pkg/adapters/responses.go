package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// responsesAdapter serves OpenAI Responses-API upstreams, including the
// codex OAuth variant.
type responsesAdapter struct {
	m *Manager
	t store.ProviderType
}

func (a *responsesAdapter) Type() store.ProviderType { return a.t }

func (a *responsesAdapter) endpoint(base string) string {
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return base + "/responses"
}

func (a *responsesAdapter) GenerateContent(ctx context.Context, acc *store.Account, req *protocol.Request) (*protocol.Response, error) {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return nil, err
	}
	codec, _ := protocol.ForDialect(protocol.DialectOpenAIResponses)

	wire := *req
	wire.Stream = false
	payload, err := codec.EncodeRequest(&wire)
	if err != nil {
		return nil, err
	}
	body, err := a.m.postJSON(ctx, a.t, a.endpoint(base), key, nil, payload)
	if err != nil {
		return nil, err
	}
	return codec.ParseResponse(body, req.Model)
}

func (a *responsesAdapter) GenerateContentStream(ctx context.Context, acc *store.Account, req *protocol.Request, fn func(*protocol.Chunk) error) error {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return err
	}
	codec, _ := protocol.ForDialect(protocol.DialectOpenAIResponses)

	wire := *req
	wire.Stream = true
	payload, err := codec.EncodeRequest(&wire)
	if err != nil {
		return err
	}

	state := &responsesChunkState{}
	err = a.m.streamSSE(ctx, a.t, a.endpoint(base), key, nil, payload, func(data []byte) error {
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

func (a *responsesAdapter) ListModels(ctx context.Context, acc *store.Account) ([]protocol.ModelInfo, error) {
	// The Responses API shares the chat-completions model listing.
	shim := &openAIAdapter{m: a.m, t: a.t}
	return shim.ListModels(ctx, acc)
}

func (a *responsesAdapter) RefreshCredential(ctx context.Context, tok *store.Token) (*store.Token, error) {
	if a.t == store.TypeOpenAIResponses {
		return tok, nil
	}
	return refreshOAuthToken(ctx, a.m.direct, tok)
}

func (a *responsesAdapter) CountTokens(ctx context.Context, acc *store.Account, req *protocol.Request) (int64, error) {
	return estimateRequestTokens(req), nil
}

// responsesChunkState translates Responses-API stream events into pivot
// chunks.
type responsesChunkState struct {
	finishReason protocol.FinishReason
	usage        *protocol.Usage
	calls        []protocol.Part
}

func (s *responsesChunkState) parse(data []byte) (*protocol.Chunk, error) {
	var ev struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
		Item  *struct {
			Type      string `json:"type"`
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"item"`
		Response *struct {
			Usage *struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("adapters: responses stream event: %w", err)
	}

	switch ev.Type {
	case "response.output_text.delta":
		if ev.Delta != "" {
			return &protocol.Chunk{Parts: []protocol.Part{{Text: ev.Delta}}}, nil
		}
	case "response.output_item.done":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			args := map[string]any{}
			if ev.Item.Arguments != "" {
				_ = json.Unmarshal([]byte(ev.Item.Arguments), &args)
			}
			s.calls = append(s.calls, protocol.Part{
				FunctionCall: &protocol.FunctionCall{ID: ev.Item.CallID, Name: ev.Item.Name, Args: args},
			})
			s.finishReason = protocol.FinishToolCalls
		}
	case "response.completed":
		if s.finishReason == "" {
			s.finishReason = protocol.FinishStop
		}
		if ev.Response != nil && ev.Response.Usage != nil {
			s.usage = &protocol.Usage{
				InputTokens:  ev.Response.Usage.InputTokens,
				OutputTokens: ev.Response.Usage.OutputTokens,
			}
		}
	}
	return nil, nil
}

func (s *responsesChunkState) finish() *protocol.Chunk {
	if s.finishReason == "" && s.usage == nil && len(s.calls) == 0 {
		return nil
	}
	return &protocol.Chunk{
		Final:        true,
		FinishReason: s.finishReason,
		Usage:        s.usage,
		Parts:        s.calls,
	}
}
