package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"mercator-hq/saturn/pkg/adapters"
	"mercator-hq/saturn/pkg/pool"
	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
	"mercator-hq/saturn/pkg/usage"
)

// maxBodyBytes bounds client request bodies.
const maxBodyBytes = 32 << 20

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		s.writeErrorFor(w, dialectForPath(r.URL.Path), http.StatusBadRequest, "unable to read request body")
		return nil, false
	}
	return body, true
}

// resolveType picks the provider type for a request. A model-prefix pin wins
// over an explicit override, which wins over the dialect default.
func (s *Server) resolveType(d protocol.Dialect, pinned, override store.ProviderType) store.ProviderType {
	if pinned != "" {
		return pinned
	}
	if override != "" {
		return override
	}
	return s.cfg.DefaultProviders[d]
}

// handleCompletion is the generic completion flow for every dialect that is
// not Kiro-special-cased: parse, resolve a provider, run the adapter, encode
// the response back in the client's dialect.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request, d protocol.Dialect, override store.ProviderType) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	codec, err := protocol.ForDialect(d)
	if err != nil {
		s.writeErrorFor(w, protocol.DialectOpenAI, http.StatusInternalServerError, err.Error())
		return
	}
	req, err := codec.ParseRequest(body)
	if err != nil {
		s.writeError(w, codec, http.StatusBadRequest, err.Error())
		return
	}
	s.runCompletion(w, r, codec, req, override)
}

// runCompletion executes an already-parsed pivot request.
func (s *Server) runCompletion(w http.ResponseWriter, r *http.Request, codec protocol.Codec, req *protocol.Request, override store.ProviderType) {
	model, pinned, _ := protocol.StripModelPrefix(req.Model)
	req.Model = model

	s.injectSystemPrompt(req)
	s.prompts.Log(req)

	t := s.resolveType(codec.Dialect(), pinned, override)
	sel, ok := s.pool.SelectProviderWithFallback(t, req.Model)
	if !ok {
		s.writeError(w, codec, http.StatusServiceUnavailable,
			"no healthy account available for provider "+string(t))
		return
	}
	if sel.IsFallback {
		s.metrics.RecordFallback(t, sel.ActualType)
	}
	clientModel := req.Model
	req.Model = sel.ActualModel

	adapter, err := s.adapters.For(sel.ActualType, sel.Account.UUID)
	if err != nil {
		s.writeError(w, codec, http.StatusInternalServerError, err.Error())
		return
	}

	start := time.Now()
	if req.Stream {
		s.streamCompletion(r.Context(), w, codec, req, sel, adapter, clientModel, start)
		return
	}

	resp, err := adapter.GenerateContent(r.Context(), sel.Account, req)
	if err != nil {
		s.surfaceUpstream(r.Context(), w, codec, sel, clientModel, start, err)
		return
	}
	resp.Model = clientModel
	out, err := codec.EncodeResponse(resp)
	if err != nil {
		s.writeError(w, codec, http.StatusInternalServerError, err.Error())
		return
	}
	s.pool.RecordSuccess(sel.ActualType, sel.Account.UUID)
	s.accountRequest(r.Context(), sel, clientModel, "ok", start, &resp.Usage)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

// accountRequest feeds the metrics collector and the usage ledger.
func (s *Server) accountRequest(ctx context.Context, sel pool.Selection, model, status string, start time.Time, u *protocol.Usage) {
	s.metrics.RecordRequest(sel.ActualType, model, status, time.Since(start))
	if u != nil {
		s.metrics.RecordTokens(sel.ActualType, u.InputTokens, u.OutputTokens,
			u.CacheCreationTokens, u.CacheReadTokens)
	}
	if s.ledger == nil {
		return
	}
	row := usage.Row{
		ProviderType: sel.ActualType,
		AccountUUID:  sel.Account.UUID,
		Model:        model,
		Status:       status,
	}
	if u != nil {
		row.InputTokens = u.InputTokens
		row.OutputTokens = u.OutputTokens
		row.CacheCreationTokens = u.CacheCreationTokens
		row.CacheReadTokens = u.CacheReadTokens
	}
	if err := s.ledger.Record(ctx, row); err != nil {
		s.logger.Warn("usage ledger write failed", "error", err)
	}
}

// streamCompletion runs the adapter stream through the dialect's frame
// encoder. Until the first frame is flushed an upstream failure still turns
// into a proper error response; after that the stream just ends.
func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, codec protocol.Codec, req *protocol.Request, sel pool.Selection, adapter adapters.Adapter, clientModel string, start time.Time) {
	flusher, _ := w.(http.Flusher)
	enc := codec.NewStreamEncoder(clientModel)
	flushed := false
	var streamUsage *protocol.Usage

	writeFrames := func(frames [][]byte) error {
		for _, frame := range frames {
			if !flushed {
				w.Header().Set("Content-Type", streamContentType(codec.Dialect()))
				w.Header().Set("Cache-Control", "no-cache")
				w.WriteHeader(http.StatusOK)
			}
			if _, err := w.Write(frame); err != nil {
				return err
			}
			flushed = true
			if flusher != nil {
				flusher.Flush()
			}
		}
		return nil
	}

	err := adapter.GenerateContentStream(ctx, sel.Account, req, func(chunk *protocol.Chunk) error {
		if chunk.Usage != nil {
			streamUsage = chunk.Usage
		}
		frames, encErr := enc.Encode(chunk)
		if encErr != nil {
			return encErr
		}
		return writeFrames(frames)
	})
	if err != nil {
		if !flushed {
			s.surfaceUpstream(ctx, w, codec, sel, clientModel, start, err)
			return
		}
		s.logger.Warn("stream aborted mid-flight",
			"provider", sel.ActualType, "uuid", sel.Account.UUID, "error", err)
		return
	}

	if err := writeFrames(enc.Finish()); err != nil {
		return
	}
	s.pool.RecordSuccess(sel.ActualType, sel.Account.UUID)
	s.accountRequest(ctx, sel, clientModel, "ok", start, streamUsage)
}

// surfaceUpstream records the failure against the account and renders it in
// the client's dialect. Transport-level failures surface as 502.
func (s *Server) surfaceUpstream(ctx context.Context, w http.ResponseWriter, codec protocol.Codec, sel pool.Selection, clientModel string, start time.Time, err error) {
	s.accountRequest(ctx, sel, clientModel, "error", start, nil)
	var ue *pool.UpstreamError
	if errors.As(err, &ue) {
		s.pool.RecordError(ctx, sel.ActualType, sel.Account.UUID, ue)
		s.metrics.RecordUpstreamError(sel.ActualType, ue.Status)
		status := ue.Status
		if status == 0 || status < 400 {
			status = http.StatusBadGateway
		}
		s.writeError(w, codec, status, ue.Message)
		return
	}
	s.metrics.RecordUpstreamError(sel.ActualType, 0)
	s.writeError(w, codec, http.StatusBadGateway, err.Error())
}

// injectSystemPrompt applies the configured system prompt to the request.
func (s *Server) injectSystemPrompt(req *protocol.Request) {
	if s.cfg.SystemPrompt == "" {
		return
	}
	if s.cfg.SystemPromptMode == "override" {
		req.System = []string{s.cfg.SystemPrompt}
		return
	}
	req.System = append(req.System, s.cfg.SystemPrompt)
}

func streamContentType(d protocol.Dialect) string {
	if d == protocol.DialectOllama {
		return "application/x-ndjson"
	}
	return "text/event-stream"
}

func (s *Server) writeError(w http.ResponseWriter, codec protocol.Codec, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(codec.EncodeError(status, message))
}
