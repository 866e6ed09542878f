package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// geminiAdapter serves Gemini generateContent upstreams through OAuth bearer
// credentials (gemini-cli and antigravity flavours share the wire shape).
type geminiAdapter struct {
	m *Manager
	t store.ProviderType
}

func (a *geminiAdapter) Type() store.ProviderType { return a.t }

func (a *geminiAdapter) base(stored string) string {
	if stored != "" {
		return stored
	}
	return "https://generativelanguage.googleapis.com/v1beta"
}

func (a *geminiAdapter) GenerateContent(ctx context.Context, acc *store.Account, req *protocol.Request) (*protocol.Response, error) {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return nil, err
	}
	codec, _ := protocol.ForDialect(protocol.DialectGemini)

	payload, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", a.base(base), req.Model)
	body, err := a.m.postJSON(ctx, a.t, url, key, nil, payload)
	if err != nil {
		return nil, err
	}
	return codec.ParseResponse(body, req.Model)
}

func (a *geminiAdapter) GenerateContentStream(ctx context.Context, acc *store.Account, req *protocol.Request, fn func(*protocol.Chunk) error) error {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return err
	}
	codec, _ := protocol.ForDialect(protocol.DialectGemini)

	payload, err := codec.EncodeRequest(req)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.base(base), req.Model)

	// Gemini stream chunks share the response shape, so the response parser
	// handles each SSE payload.
	sawFinish := false
	err = a.m.streamSSE(ctx, a.t, url, key, nil, payload, func(data []byte) error {
		resp, err := codec.ParseResponse(data, req.Model)
		if err != nil {
			return err
		}
		chunk := &protocol.Chunk{Parts: resp.Parts}
		if resp.FinishReason != "" {
			chunk.FinishReason = resp.FinishReason
			chunk.Final = true
			sawFinish = true
			if resp.Usage != (protocol.Usage{}) {
				u := resp.Usage
				chunk.Usage = &u
			}
		}
		return fn(chunk)
	})
	if err != nil {
		return err
	}
	if !sawFinish {
		return fn(&protocol.Chunk{Final: true, FinishReason: protocol.FinishStop})
	}
	return nil
}

func (a *geminiAdapter) ListModels(ctx context.Context, acc *store.Account) ([]protocol.ModelInfo, error) {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return nil, err
	}
	body, err := a.m.getJSON(ctx, a.t, a.base(base)+"/models", key, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("adapters: model list: %w", err)
	}
	out := make([]protocol.ModelInfo, 0, len(parsed.Models))
	for _, mdl := range parsed.Models {
		name := mdl.Name
		// Wire names arrive as "models/<id>".
		if len(name) > len("models/") && name[:len("models/")] == "models/" {
			name = name[len("models/"):]
		}
		out = append(out, protocol.ModelInfo{ID: name, OwnedBy: "google"})
	}
	return out, nil
}

func (a *geminiAdapter) RefreshCredential(ctx context.Context, tok *store.Token) (*store.Token, error) {
	return refreshOAuthToken(ctx, a.m.direct, tok)
}

func (a *geminiAdapter) CountTokens(ctx context.Context, acc *store.Account, req *protocol.Request) (int64, error) {
	base, key, _, err := a.m.credentials(ctx, a.t, acc.UUID)
	if err != nil {
		return 0, err
	}
	codec, _ := protocol.ForDialect(protocol.DialectGemini)
	payload, err := codec.EncodeRequest(req)
	if err != nil {
		return 0, err
	}
	url := fmt.Sprintf("%s/models/%s:countTokens", a.base(base), req.Model)
	body, err := a.m.postJSON(ctx, a.t, url, key, nil, payload)
	if err != nil {
		// The endpoint is best-effort; fall back to the local estimate.
		return estimateRequestTokens(req), nil
	}
	var parsed struct {
		TotalTokens int64 `json:"totalTokens"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return estimateRequestTokens(req), nil
	}
	return parsed.TotalTokens, nil
}
