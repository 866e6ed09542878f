// Package adapters binds provider types to their upstream call shapes:
// request dispatch, streaming, model listing, credential refresh, and the
// HTTP-status-to-health mapping the pool manager consumes. One adapter
// instance is cached per (provider type, account) pair.
package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"mercator-hq/saturn/pkg/kiro"
	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// Adapter is the per-provider-type upstream surface.
type Adapter interface {
	// Type names the provider type this adapter serves.
	Type() store.ProviderType

	// GenerateContent performs one non-streaming completion.
	GenerateContent(ctx context.Context, acc *store.Account, req *protocol.Request) (*protocol.Response, error)

	// GenerateContentStream performs a streaming completion, invoking fn for
	// every pivot chunk. fn returning an error aborts the stream.
	GenerateContentStream(ctx context.Context, acc *store.Account, req *protocol.Request, fn func(*protocol.Chunk) error) error

	// ListModels returns the models this account can serve.
	ListModels(ctx context.Context, acc *store.Account) ([]protocol.ModelInfo, error)

	// RefreshCredential mints a fresh token from the stored one. Adapters
	// for static-key providers return the token unchanged.
	RefreshCredential(ctx context.Context, tok *store.Token) (*store.Token, error)

	// CountTokens estimates the input token count for a request.
	CountTokens(ctx context.Context, acc *store.Account, req *protocol.Request) (int64, error)
}

// Config tunes the adapter manager.
type Config struct {
	// ProxyURL, when set, routes proxy-enabled provider types through an
	// outbound HTTP proxy.
	ProxyURL string

	// Timeout is the non-streaming request ceiling. Default 120s.
	Timeout time.Duration

	// TokenTTL is the refresh-lock TTL used during credential refresh.
	// Default 30s.
	TokenTTL time.Duration

	// Kiro tunes the CodeWhisperer client shared with pkg/kiro.
	Kiro kiro.ClientConfig
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 30 * time.Second
	}
	return c
}

// proxyEnabledProviders lists the types whose traffic honours ProxyURL.
// OAuth token endpoints always go direct.
var proxyEnabledProviders = map[store.ProviderType]bool{
	store.TypeOpenAICustom:    true,
	store.TypeOpenAIResponses: true,
	store.TypeClaudeCustom:    true,
	store.TypeForwardAPI:      true,
}

type cacheKey struct {
	t    store.ProviderType
	uuid string
}

// Manager owns one adapter per provider type plus the per-account instance
// cache. It satisfies the pool manager's Adapters contract.
type Manager struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger

	direct  *http.Client
	proxied *http.Client
	kiro    *kiro.Client

	mu       sync.Mutex
	byType   map[store.ProviderType]Adapter
	instance map[cacheKey]Adapter
}

// New builds the manager and its per-type adapters.
func New(st store.Store, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	direct := &http.Client{Timeout: cfg.Timeout}
	proxied := direct
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("adapters: invalid proxy url: %w", err)
		}
		proxied = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(u)},
		}
	}

	m := &Manager{
		store:    st,
		cfg:      cfg,
		logger:   slog.Default().With("component", "adapters"),
		direct:   direct,
		proxied:  proxied,
		kiro:     kiro.NewClient(cfg.Kiro),
		byType:   make(map[store.ProviderType]Adapter),
		instance: make(map[cacheKey]Adapter),
	}

	register := func(a Adapter) { m.byType[a.Type()] = a }
	register(&openAIAdapter{m: m, t: store.TypeOpenAICustom})
	register(&openAIAdapter{m: m, t: store.TypeOpenAIQwenOAuth})
	register(&openAIAdapter{m: m, t: store.TypeOpenAIIFlow})
	register(&responsesAdapter{m: m, t: store.TypeOpenAIResponses})
	register(&responsesAdapter{m: m, t: store.TypeOpenAICodexOAuth})
	register(&claudeAdapter{m: m, t: store.TypeClaudeCustom})
	register(&claudeAdapter{m: m, t: store.TypeClaudeOrchidsOAuth})
	register(&geminiAdapter{m: m, t: store.TypeGeminiCLIOAuth})
	register(&geminiAdapter{m: m, t: store.TypeGeminiAntigravity})
	register(&kiroAdapter{m: m})
	register(&forwardAdapter{m: m})
	return m, nil
}

// KiroClient exposes the shared CodeWhisperer client for the streaming
// handler.
func (m *Manager) KiroClient() *kiro.Client { return m.kiro }

// For returns the cached adapter instance for an account.
func (m *Manager) For(t store.ProviderType, uuid string) (Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cacheKey{t, uuid}
	if a, ok := m.instance[key]; ok {
		return a, nil
	}
	a, ok := m.byType[t]
	if !ok {
		return nil, &store.UnknownTypeError{Type: t}
	}
	m.instance[key] = a
	return a, nil
}

// client returns the HTTP client for a provider type, honouring ProxyURL.
func (m *Manager) client(t store.ProviderType) *http.Client {
	if proxyEnabledProviders[t] {
		return m.proxied
	}
	return m.direct
}

// HealthCheck sends a minimal completion probe. Part of the pool manager's
// Adapters contract.
func (m *Manager) HealthCheck(ctx context.Context, acc *store.Account, model string) error {
	a, err := m.For(acc.ProviderType, acc.UUID)
	if err != nil {
		return err
	}
	if model == "" {
		model = defaultProbeModel(acc.ProviderType)
	}
	probe := &protocol.Request{
		Model:    model,
		Messages: []protocol.Content{{Role: "user", Parts: []protocol.Part{{Text: "hi"}}}},
		Generation: protocol.GenerationConfig{MaxTokens: 1},
	}
	_, err = a.GenerateContent(ctx, acc, probe)
	return err
}

// RefreshToken refreshes the account's credential under the store's refresh
// lock, with a compare-and-swap write so concurrent workers never clobber
// each other's tokens. Part of the pool manager's Adapters contract.
func (m *Manager) RefreshToken(ctx context.Context, acc *store.Account, force bool) error {
	a, err := m.For(acc.ProviderType, acc.UUID)
	if err != nil {
		return err
	}

	lock, err := m.store.GetTokenWithLock(ctx, acc.ProviderType, acc.UUID, m.cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("adapters: token lock: %w", err)
	}
	if lock.AlreadyLocked {
		// Another worker is refreshing; treat as done.
		m.logger.Debug("refresh already in progress elsewhere",
			"type", acc.ProviderType, "uuid", acc.UUID)
		return nil
	}
	defer func() {
		if lock.LockID != "" {
			_ = m.store.ReleaseTokenLock(context.WithoutCancel(ctx), acc.ProviderType, acc.UUID, lock.LockID)
		}
	}()

	tok := lock.Token
	if tok == nil {
		return fmt.Errorf("adapters: no stored token for %s/%s", acc.ProviderType, acc.UUID)
	}
	if !force {
		if exp := tok.ExpiryTime(); !exp.IsZero() && time.Until(exp) > 5*time.Minute {
			return nil
		}
	}

	fresh, err := a.RefreshCredential(ctx, tok)
	if err != nil {
		return err
	}
	if fresh == tok {
		return nil
	}

	if acc.ProviderType == store.TypeClaudeKiroOAuth {
		res, err := m.store.SetKiroToken(ctx, acc.UUID, fresh)
		if err != nil {
			return err
		}
		if res.Duplicate {
			return fmt.Errorf("adapters: refresh token already owned by account %s", res.ExistingUUID)
		}
		return nil
	}

	res, err := m.store.AtomicTokenUpdate(ctx, acc.ProviderType, acc.UUID, fresh, tok.RefreshToken, 0)
	if err != nil {
		return err
	}
	if res.Conflict {
		// Someone else already rotated it; their token wins.
		m.logger.Debug("token already rotated by another worker",
			"type", acc.ProviderType, "uuid", acc.UUID)
	}
	return nil
}

// IsExpiryDateNear reports whether the account's stored token expires within
// the window.
func (m *Manager) IsExpiryDateNear(ctx context.Context, acc *store.Account, within time.Duration) bool {
	tok, err := m.store.GetToken(ctx, acc.ProviderType, acc.UUID)
	if err != nil {
		return false
	}
	exp := tok.ExpiryTime()
	return !exp.IsZero() && time.Until(exp) < within
}

func defaultProbeModel(t store.ProviderType) string {
	switch protocol.DialectFor(t) {
	case protocol.DialectGemini:
		return "gemini-2.0-flash"
	case protocol.DialectClaude:
		return "claude-3-5-haiku-20241022"
	default:
		return "gpt-4o-mini"
	}
}
