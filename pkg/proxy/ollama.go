package proxy

import (
	"encoding/json"
	"net/http"

	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// handleOllamaChat serves /api/chat through the generic flow with NDJSON
// streaming.
func (s *Server) handleOllamaChat(w http.ResponseWriter, r *http.Request, override store.ProviderType) {
	s.handleCompletion(w, r, protocol.DialectOllama, override)
}

// handleOllamaGenerate serves the prompt-shaped /api/generate body.
func (s *Server) handleOllamaGenerate(w http.ResponseWriter, r *http.Request, override store.ProviderType) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	codec, _ := protocol.ForDialect(protocol.DialectOllama)
	req, err := protocol.ParseGenerateRequest(body)
	if err != nil {
		s.writeError(w, codec, http.StatusBadRequest, err.Error())
		return
	}
	s.runCompletion(w, r, codec, req, override)
}

// handleOllamaShow returns the modelfile stub for a proxied model.
func (s *Server) handleOllamaShow(w http.ResponseWriter, r *http.Request) {
	codec, _ := protocol.ForDialect(protocol.DialectOllama)
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var raw struct {
		Model string `json:"model"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		s.writeError(w, codec, http.StatusBadRequest, err.Error())
		return
	}
	model := raw.Model
	if model == "" {
		model = raw.Name
	}
	if model == "" {
		s.writeError(w, codec, http.StatusBadRequest, "model is required")
		return
	}
	out, err := protocol.EncodeShowResponse(model)
	if err != nil {
		s.writeError(w, codec, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
