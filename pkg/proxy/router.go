// Package proxy is the client-facing HTTP surface: route resolution,
// authentication, provider override, and dispatch into the adapter layer
// with per-dialect protocol translation.
package proxy

import (
	"log/slog"
	"net/http"
	"strings"

	"mercator-hq/saturn/pkg/adapters"
	"mercator-hq/saturn/pkg/kiro"
	"mercator-hq/saturn/pkg/pool"
	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/proxy/middleware"
	"mercator-hq/saturn/pkg/store"
	"mercator-hq/saturn/pkg/telemetry/metrics"
	"mercator-hq/saturn/pkg/usage"
)

// Config tunes the router.
type Config struct {
	// APIKey authorises requests via Authorization: Bearer, x-api-key, or
	// x-goog-api-key. Empty disables auth (local development).
	APIKey string

	// DefaultProviders picks the provider type per dialect when neither a
	// model prefix nor an override names one.
	DefaultProviders map[protocol.Dialect]store.ProviderType

	// Version is reported by the Ollama version stub.
	Version string

	// SystemPrompt, when set, is injected into every completion request.
	// SystemPromptMode "override" replaces the client's system text;
	// "append" (default) adds to it.
	SystemPrompt     string
	SystemPromptMode string
}

func (c Config) withDefaults() Config {
	if c.DefaultProviders == nil {
		c.DefaultProviders = map[protocol.Dialect]store.ProviderType{}
	}
	defaults := map[protocol.Dialect]store.ProviderType{
		protocol.DialectOpenAI:          store.TypeOpenAICustom,
		protocol.DialectOpenAIResponses: store.TypeOpenAIResponses,
		protocol.DialectClaude:          store.TypeClaudeKiroOAuth,
		protocol.DialectGemini:          store.TypeGeminiCLIOAuth,
		protocol.DialectOllama:          store.TypeOpenAICustom,
	}
	for d, t := range defaults {
		if _, ok := c.DefaultProviders[d]; !ok {
			c.DefaultProviders[d] = t
		}
	}
	if c.Version == "" {
		c.Version = "0.0.0"
	}
	return c
}

// Server routes client requests.
type Server struct {
	store    store.Store
	pool     *pool.Manager
	adapters *adapters.Manager
	kiro     *kiro.Handler
	cfg      Config
	prompts  *PromptLogger
	metrics  *metrics.Collector
	ledger   *usage.Ledger
	logger   *slog.Logger
}

// SetPromptLogger attaches an optional prompt mirror.
func (s *Server) SetPromptLogger(p *PromptLogger) { s.prompts = p }

// SetMetrics attaches an optional Prometheus collector.
func (s *Server) SetMetrics(c *metrics.Collector) { s.metrics = c }

// SetLedger attaches an optional usage ledger; completed requests append
// one row each.
func (s *Server) SetLedger(l *usage.Ledger) { s.ledger = l }

// NewServer wires the router.
func NewServer(st store.Store, pm *pool.Manager, am *adapters.Manager, kh *kiro.Handler, cfg Config) *Server {
	return &Server{
		store:    st,
		pool:     pm,
		adapters: am,
		kiro:     kh,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "proxy"),
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return middleware.Chain(http.HandlerFunc(s.route),
		middleware.CORS,
		middleware.RequestID,
		middleware.Logging,
		middleware.Recovery,
	)
}

// route resolves requests in a fixed order: health endpoints, the Ollama
// path family, provider override, auth, count-tokens, native endpoints.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// Unauthenticated surface.
	switch {
	case r.Method == http.MethodGet && path == "/health":
		s.handleHealth(w, r)
		return
	case r.Method == http.MethodGet && path == "/provider_health":
		s.handleProviderHealth(w, r)
		return
	case r.Method == http.MethodPost && path == "/api/event_logging/batch":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
		return
	case r.Method == http.MethodGet && path == "/api/version":
		body, _ := protocol.EncodeVersionResponse(s.cfg.Version)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
		return
	}

	// Ollama path family resolves before override and auth; local tooling
	// sends no key and the pool picks the dialect default.
	switch {
	case r.Method == http.MethodGet && (path == "/api/tags" || path == "/ollama/api/tags" || path == "/v1/models"):
		d := protocol.DialectOllama
		if path == "/v1/models" {
			d = protocol.DialectOpenAI
		}
		s.handleModelList(w, r, d)
		return
	case r.Method == http.MethodPost && (path == "/api/chat" || path == "/ollama/api/chat"):
		s.handleOllamaChat(w, r, "")
		return
	case r.Method == http.MethodPost && (path == "/api/generate" || path == "/ollama/api/generate"):
		s.handleOllamaGenerate(w, r, "")
		return
	case r.Method == http.MethodPost && (path == "/api/show" || path == "/ollama/api/show"):
		s.handleOllamaShow(w, r)
		return
	}

	// Provider override: Model-Provider header or a leading path segment
	// naming a known provider type. Values outside the enumeration are
	// ignored, not errors.
	var override store.ProviderType
	if h := store.ProviderType(r.Header.Get("Model-Provider")); h != "" && store.ValidProviderType(h) {
		override = h
	}
	if seg, rest := splitFirstSegment(path); seg != "" {
		if t := store.ProviderType(seg); store.ValidProviderType(t) {
			override = t
			path = rest
		}
	}

	if !s.authorize(r) {
		s.writeErrorFor(w, dialectForPath(path), http.StatusUnauthorized, "invalid or missing API key")
		return
	}

	if r.Method == http.MethodPost && strings.HasSuffix(path, "/count_tokens") {
		s.handleCountTokens(w, r, "", override)
		return
	}

	switch {
	case r.Method == http.MethodPost && path == "/v1/chat/completions":
		s.handleCompletion(w, r, protocol.DialectOpenAI, override)
	case r.Method == http.MethodPost && path == "/v1/responses":
		s.handleCompletion(w, r, protocol.DialectOpenAIResponses, override)
	case r.Method == http.MethodPost && path == "/v1/messages":
		s.handleMessages(w, r, override)
	case r.Method == http.MethodGet && path == "/v1/models":
		// Reached with a provider segment stripped, e.g. /openai-custom/v1/models.
		s.handleModelList(w, r, protocol.DialectOpenAI)
	case r.Method == http.MethodGet && path == "/v1beta/models":
		s.handleModelList(w, r, protocol.DialectGemini)
	case strings.HasPrefix(path, "/v1beta/models/") && r.Method == http.MethodPost:
		s.handleGemini(w, r, strings.TrimPrefix(path, "/v1beta/models/"), override)
	default:
		s.writeErrorFor(w, dialectForPath(path), http.StatusNotFound, "not found: "+r.Method+" "+path)
	}
}

// authorize checks the three accepted credential headers against the
// configured key.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	if bearer := r.Header.Get("Authorization"); bearer != "" {
		if strings.TrimPrefix(bearer, "Bearer ") == s.cfg.APIKey {
			return true
		}
	}
	if r.Header.Get("x-api-key") == s.cfg.APIKey {
		return true
	}
	return r.Header.Get("x-goog-api-key") == s.cfg.APIKey
}

// splitFirstSegment returns the first path segment and the remaining path.
func splitFirstSegment(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx <= 0 {
		return "", path
	}
	return trimmed[:idx], trimmed[idx:]
}

// dialectForPath picks the error envelope dialect from the path shape.
func dialectForPath(path string) protocol.Dialect {
	switch {
	case strings.HasPrefix(path, "/v1beta/"):
		return protocol.DialectGemini
	case path == "/v1/messages" || strings.HasPrefix(path, "/v1/messages/"):
		return protocol.DialectClaude
	case strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/ollama/"):
		return protocol.DialectOllama
	default:
		return protocol.DialectOpenAI
	}
}

// writeErrorFor renders an error in the dialect's native envelope.
func (s *Server) writeErrorFor(w http.ResponseWriter, d protocol.Dialect, status int, message string) {
	codec, err := protocol.ForDialect(d)
	if err != nil {
		codec, _ = protocol.ForDialect(protocol.DialectOpenAI)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(codec.EncodeError(status, message))
}
