package adapters

import (
	"context"

	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// forwardAdapter passes OpenAI-shaped traffic straight through to an
// operator-configured endpoint. No translation beyond the pivot round trip.
type forwardAdapter struct {
	m *Manager
}

func (a *forwardAdapter) Type() store.ProviderType { return store.TypeForwardAPI }

func (a *forwardAdapter) shim() *openAIAdapter {
	return &openAIAdapter{m: a.m, t: store.TypeForwardAPI}
}

func (a *forwardAdapter) GenerateContent(ctx context.Context, acc *store.Account, req *protocol.Request) (*protocol.Response, error) {
	return a.shim().GenerateContent(ctx, acc, req)
}

func (a *forwardAdapter) GenerateContentStream(ctx context.Context, acc *store.Account, req *protocol.Request, fn func(*protocol.Chunk) error) error {
	return a.shim().GenerateContentStream(ctx, acc, req, fn)
}

func (a *forwardAdapter) ListModels(ctx context.Context, acc *store.Account) ([]protocol.ModelInfo, error) {
	return a.shim().ListModels(ctx, acc)
}

func (a *forwardAdapter) RefreshCredential(ctx context.Context, tok *store.Token) (*store.Token, error) {
	return tok, nil
}

func (a *forwardAdapter) CountTokens(ctx context.Context, acc *store.Account, req *protocol.Request) (int64, error) {
	return estimateRequestTokens(req), nil
}
