package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// openAIAdapter serves every OpenAI-compatible chat-completions upstream:
// plain API-key endpoints and the OAuth variants (qwen, iflow) that share
// the same wire shape but refresh their bearer.
type openAIAdapter struct {
	m *Manager
	t store.ProviderType
}

func (a *openAIAdapter) Type() store.ProviderType { return a.t }

func (a *openAIAdapter) endpoint(base string) string {
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return base + "/chat/completions"
}

func (a *openAIAdapter) GenerateContent(ctx context.Context, acc *store.Account, req *protocol.Request) (*protocol.Response, error) {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return nil, err
	}
	codec, _ := protocol.ForDialect(protocol.DialectOpenAI)

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

func (a *openAIAdapter) GenerateContentStream(ctx context.Context, acc *store.Account, req *protocol.Request, fn func(*protocol.Chunk) error) error {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return err
	}
	codec, _ := protocol.ForDialect(protocol.DialectOpenAI)

	wire := *req
	wire.Stream = true
	payload, err := codec.EncodeRequest(&wire)
	if err != nil {
		return err
	}

	state := newOAChunkState()
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

func (a *openAIAdapter) ListModels(ctx context.Context, acc *store.Account) ([]protocol.ModelInfo, error) {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return nil, err
	}
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	body, err := a.m.getJSON(ctx, a.t, base+"/models", key, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("adapters: model list: %w", err)
	}
	out := make([]protocol.ModelInfo, 0, len(parsed.Data))
	for _, mdl := range parsed.Data {
		out = append(out, protocol.ModelInfo{ID: mdl.ID, OwnedBy: mdl.OwnedBy})
	}
	return out, nil
}

func (a *openAIAdapter) RefreshCredential(ctx context.Context, tok *store.Token) (*store.Token, error) {
	if a.t == store.TypeOpenAICustom {
		// Static API key, nothing to mint.
		return tok, nil
	}
	return refreshOAuthToken(ctx, a.m.direct, tok)
}

func (a *openAIAdapter) CountTokens(ctx context.Context, acc *store.Account, req *protocol.Request) (int64, error) {
	return estimateRequestTokens(req), nil
}

// oaChunkState accumulates streamed tool calls; OpenAI splits function
// arguments across deltas keyed by index.
type oaChunkState struct {
	calls map[int]*oaCallBuild
	order []int

	finishReason protocol.FinishReason
	usage        *protocol.Usage
}

type oaCallBuild struct {
	id   string
	name string
	args []byte
}

func newOAChunkState() *oaChunkState {
	return &oaChunkState{calls: make(map[int]*oaCallBuild)}
}

type oaWireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int64 `json:"prompt_tokens"`
		CompletionTokens    int64 `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// parse turns one SSE payload into a pivot chunk; tool-call deltas
// accumulate silently and surface in finish.
func (s *oaChunkState) parse(data []byte) (*protocol.Chunk, error) {
	var wire oaWireChunk
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("adapters: stream chunk: %w", err)
	}
	if wire.Usage != nil {
		s.usage = &protocol.Usage{
			InputTokens:     wire.Usage.PromptTokens - wire.Usage.PromptTokensDetails.CachedTokens,
			OutputTokens:    wire.Usage.CompletionTokens,
			CacheReadTokens: wire.Usage.PromptTokensDetails.CachedTokens,
		}
	}
	if len(wire.Choices) == 0 {
		return nil, nil
	}
	choice := wire.Choices[0]

	for _, tc := range choice.Delta.ToolCalls {
		build, ok := s.calls[tc.Index]
		if !ok {
			build = &oaCallBuild{}
			s.calls[tc.Index] = build
			s.order = append(s.order, tc.Index)
		}
		if tc.ID != "" {
			build.id = tc.ID
		}
		if tc.Function.Name != "" {
			build.name = tc.Function.Name
		}
		build.args = append(build.args, tc.Function.Arguments...)
	}
	if choice.FinishReason != nil {
		switch *choice.FinishReason {
		case "length":
			s.finishReason = protocol.FinishLength
		case "tool_calls":
			s.finishReason = protocol.FinishToolCalls
		case "content_filter":
			s.finishReason = protocol.FinishSafety
		default:
			s.finishReason = protocol.FinishStop
		}
	}

	if choice.Delta.Content == "" {
		return nil, nil
	}
	return &protocol.Chunk{Parts: []protocol.Part{{Text: choice.Delta.Content}}}, nil
}

// finish emits the accumulated tool calls, finish reason, and usage as the
// terminal chunk. Nil means the stream carried nothing terminal.
func (s *oaChunkState) finish() *protocol.Chunk {
	chunk := &protocol.Chunk{Final: true, FinishReason: s.finishReason, Usage: s.usage}
	for _, idx := range s.order {
		build := s.calls[idx]
		args := map[string]any{}
		if len(build.args) > 0 {
			_ = json.Unmarshal(build.args, &args)
		}
		chunk.Parts = append(chunk.Parts, protocol.Part{
			FunctionCall: &protocol.FunctionCall{ID: build.id, Name: build.name, Args: args},
		})
	}
	if len(chunk.Parts) == 0 && chunk.FinishReason == "" && chunk.Usage == nil {
		return nil
	}
	return chunk
}

// estimateRequestTokens is the shared four-bytes-per-token estimate used
// when an upstream offers no counting endpoint.
func estimateRequestTokens(req *protocol.Request) int64 {
	var n int
	for _, s := range req.System {
		n += len(s)
	}
	for _, msg := range req.Messages {
		for _, p := range msg.Parts {
			n += len(p.Text)
		}
	}
	return int64(n / 4)
}
