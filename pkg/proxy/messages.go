package proxy

import (
	"bytes"
	"io"
	"net/http"

	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// handleMessages serves the Anthropic Messages endpoint. Requests that
// resolve to the Kiro pool take the dedicated streaming handler; everything
// else goes through the generic completion flow.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, override store.ProviderType) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	codec, _ := protocol.ForDialect(protocol.DialectClaude)
	req, err := codec.ParseRequest(body)
	if err != nil {
		s.writeError(w, codec, http.StatusBadRequest, err.Error())
		return
	}

	_, pinned, _ := protocol.StripModelPrefix(req.Model)
	t := s.resolveType(protocol.DialectClaude, pinned, override)
	if t == store.TypeClaudeKiroOAuth && s.kiro != nil {
		// The Kiro handler owns parsing, retry, and stream translation.
		r.Body = io.NopCloser(bytes.NewReader(body))
		s.kiro.ServeMessages(w, r)
		return
	}

	s.runCompletion(w, r, codec, req, override)
}
