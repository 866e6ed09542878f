package proxy

import (
	"net/http"
	"strings"

	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// handleGemini serves /v1beta/models/{model}:{action}. The model name lives
// in the path, not the body, and the action suffix selects streaming.
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request, rest string, override store.ProviderType) {
	codec, _ := protocol.ForDialect(protocol.DialectGemini)

	model, action, ok := strings.Cut(rest, ":")
	if !ok || model == "" {
		s.writeError(w, codec, http.StatusNotFound, "expected models/{model}:generateContent")
		return
	}
	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	case "countTokens":
		s.handleCountTokens(w, r, model, override)
		return
	default:
		s.writeError(w, codec, http.StatusNotFound, "unknown action "+action)
		return
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
	req.Model = model
	req.Stream = stream
	s.runCompletion(w, r, codec, req, override)
}
