package proxy

import (
	"encoding/json"
	"net/http"

	"mercator-hq/saturn/pkg/pool"
	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// handleCountTokens delegates to the adapter's token counter. The body is
// parsed in the dialect the path implies; modelHint overrides the body's
// model for path-addressed dialects (Gemini).
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request, modelHint string, override store.ProviderType) {
	d := dialectForPath(r.URL.Path)
	codec, err := protocol.ForDialect(d)
	if err != nil {
		codec, _ = protocol.ForDialect(protocol.DialectOpenAI)
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	req, err := codec.ParseRequest(body)
	if err != nil {
		s.writeError(w, codec, http.StatusBadRequest, err.Error())
		return
	}
	if modelHint != "" {
		req.Model = modelHint
	}

	model, pinned, _ := protocol.StripModelPrefix(req.Model)
	req.Model = model
	t := s.resolveType(d, pinned, override)

	// Counting is not billable and must not rotate the pool position.
	acc := s.pool.SelectProvider(t, req.Model, pool.SelectOptions{SkipUsageCount: true})
	if acc == nil {
		s.writeError(w, codec, http.StatusServiceUnavailable,
			"no healthy account available for provider "+string(t))
		return
	}
	adapter, err := s.adapters.For(t, acc.UUID)
	if err != nil {
		s.writeError(w, codec, http.StatusInternalServerError, err.Error())
		return
	}
	count, err := adapter.CountTokens(r.Context(), acc, req)
	if err != nil {
		s.writeError(w, codec, http.StatusBadGateway, err.Error())
		return
	}

	var out []byte
	switch d {
	case protocol.DialectGemini:
		out, _ = json.Marshal(map[string]int64{"totalTokens": count})
	default:
		out, _ = json.Marshal(map[string]int64{"input_tokens": count})
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
