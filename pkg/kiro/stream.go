package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/saturn/pkg/pool"
	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
)

// HandlerConfig tunes the streaming handler. Zero values take the defaults.
type HandlerConfig struct {
	// MaxRetries bounds how many accounts one request may try. Default 3.
	MaxRetries int

	// AccountCacheTTL bounds how long a read token is reused before going
	// back to the store. Default 3s.
	AccountCacheTTL time.Duration

	// MaxBodyBytes caps the client request body. Default 32MB.
	MaxBodyBytes int64
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.AccountCacheTTL <= 0 {
		c.AccountCacheTTL = 3 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 32 << 20
	}
	return c
}

type cachedToken struct {
	tok     *store.Token
	expires time.Time
}

// Handler serves Anthropic Messages requests off the Kiro account pool,
// translating to the CodeWhisperer event stream and back. Account choice is
// round-robin over the healthy set through the store's shared counter, so
// every worker process advances the same cursor.
type Handler struct {
	store  store.Store
	pool   *pool.Manager
	client *Client
	dumper *Dumper
	cfg    HandlerConfig
	logger *slog.Logger

	mu       sync.Mutex
	tokCache map[string]cachedToken
}

// NewHandler wires the handler.
func NewHandler(st store.Store, pm *pool.Manager, client *Client, dumper *Dumper, cfg HandlerConfig) *Handler {
	return &Handler{
		store:    st,
		pool:     pm,
		client:   client,
		dumper:   dumper,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "kiro"),
		tokCache: make(map[string]cachedToken),
	}
}

// ServeMessages handles one POST /v1/messages request against the Kiro pool.
func (h *Handler) ServeMessages(w http.ResponseWriter, r *http.Request) {
	codec, _ := protocol.ForDialect(protocol.DialectClaude)

	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		h.writeError(w, codec, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := codec.ParseRequest(body)
	if err != nil {
		h.writeError(w, codec, http.StatusBadRequest, err.Error())
		return
	}
	if model, t, ok := protocol.StripModelPrefix(req.Model); ok && t == store.TypeClaudeKiroOAuth {
		req.Model = model
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	sess := h.dumper.StartSession(uuid.NewString(), requestID, req.Model)
	sess.Request(body)

	ctx := r.Context()
	tried := make(map[string]bool)
	lastStatus := http.StatusServiceUnavailable
	lastMsg := "no healthy kiro accounts available"

	for attempt := 0; attempt < h.cfg.MaxRetries; attempt++ {
		acc := h.nextAccount(ctx, tried)
		if acc == nil {
			break
		}
		tried[acc.UUID] = true
		sess.TriedAccount(acc.UUID)

		tok, err := h.token(ctx, acc.UUID)
		if err != nil {
			h.logger.Warn("kiro token unavailable", "uuid", acc.UUID, "error", err)
			h.pool.RequestRefresh(store.TypeClaudeKiroOAuth, acc.UUID, false)
			lastStatus, lastMsg = http.StatusUnauthorized, "account token unavailable"
			continue
		}

		upBody, err := BuildUpstreamRequest(req, tok.ProfileArn)
		if err != nil {
			sess.Finish(http.StatusBadRequest, false, err.Error(), "request_translation")
			h.writeError(w, codec, http.StatusBadRequest, err.Error())
			return
		}
		sess.UpstreamRequest(upBody)

		resp, err := h.client.Send(ctx, tok.AccessToken, upBody)
		if err != nil {
			if ctx.Err() != nil {
				sess.Finish(0, false, ctx.Err().Error(), "client_disconnect")
				return
			}
			h.pool.RecordError(ctx, store.TypeClaudeKiroOAuth, acc.UUID,
				&pool.UpstreamError{Message: err.Error()})
			lastStatus, lastMsg = http.StatusBadGateway, err.Error()
			continue
		}

		if resp.StatusCode == http.StatusOK {
			done, retryMsg := h.serve(ctx, w, codec, req, resp, acc, sess)
			if done {
				return
			}
			// The stream failed before anything reached the client, so the
			// next account can still serve this request.
			lastStatus, lastMsg = http.StatusBadGateway, retryMsg
			continue
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		msg := upstreamErrorMessage(errBody, resp.StatusCode)
		h.logger.Warn("kiro upstream rejected request",
			"uuid", acc.UUID, "status", resp.StatusCode, "error", msg)

		switch resp.StatusCode {
		case http.StatusBadRequest:
			// A 400 is the request's fault, not the account's; surface it
			// without burning further accounts.
			sess.Exception("bad_request", errBody)
			sess.Finish(resp.StatusCode, false, msg, "bad_request")
			h.writeError(w, codec, http.StatusBadRequest, msg)
			return
		case http.StatusUnauthorized, http.StatusForbidden:
			h.invalidateToken(acc.UUID)
			h.pool.RecordError(ctx, store.TypeClaudeKiroOAuth, acc.UUID,
				&pool.UpstreamError{Status: resp.StatusCode, Message: msg})
			h.pool.RequestRefresh(store.TypeClaudeKiroOAuth, acc.UUID, true)
		case http.StatusTooManyRequests:
			h.pool.RecordError(ctx, store.TypeClaudeKiroOAuth, acc.UUID,
				&pool.UpstreamError{Status: resp.StatusCode, Message: msg})
		default:
			h.pool.RecordError(ctx, store.TypeClaudeKiroOAuth, acc.UUID,
				&pool.UpstreamError{Status: resp.StatusCode, Message: msg})
		}
		lastStatus, lastMsg = resp.StatusCode, msg
	}

	sess.Finish(lastStatus, false, lastMsg, "exhausted")
	h.writeError(w, codec, lastStatus, lastMsg)
}

// nextAccount advances the shared round-robin cursor over the healthy pool,
// skipping accounts this request already tried.
func (h *Handler) nextAccount(ctx context.Context, tried map[string]bool) *store.Account {
	accounts := h.pool.HealthyAccounts(store.TypeClaudeKiroOAuth)
	if len(accounts) == 0 {
		return nil
	}
	counter, err := h.store.KiroRoundRobinNext(ctx)
	if err != nil {
		h.logger.Warn("round-robin counter unavailable, falling back to first healthy", "error", err)
		counter = 1
	}
	start := int((counter - 1) % int64(len(accounts)))
	for i := 0; i < len(accounts); i++ {
		acc := accounts[(start+i)%len(accounts)]
		if !tried[acc.UUID] {
			return acc
		}
	}
	return nil
}

func (h *Handler) token(ctx context.Context, id string) (*store.Token, error) {
	now := time.Now()
	h.mu.Lock()
	if c, ok := h.tokCache[id]; ok && now.Before(c.expires) {
		h.mu.Unlock()
		return c.tok, nil
	}
	h.mu.Unlock()

	tok, err := h.store.GetToken(ctx, store.TypeClaudeKiroOAuth, id)
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("kiro: account %s has no access token", id)
	}
	h.mu.Lock()
	h.tokCache[id] = cachedToken{tok: tok, expires: now.Add(h.cfg.AccountCacheTTL)}
	h.mu.Unlock()
	return tok, nil
}

func (h *Handler) invalidateToken(id string) {
	h.mu.Lock()
	delete(h.tokCache, id)
	h.mu.Unlock()
}

// Upstream event payload shapes.
type assistantEvent struct {
	Content string `json:"content"`
}

type toolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

// serve translates one 200 upstream stream to the client, in the dialect's
// streaming frames or as a single collected body per the request's stream
// flag. done is false when the stream failed before anything was written,
// meaning the caller may retry another account.
func (h *Handler) serve(ctx context.Context, w http.ResponseWriter, codec protocol.Codec, req *protocol.Request, resp *http.Response, acc *store.Account, sess *Session) (done bool, retryMsg string) {
	defer resp.Body.Close()

	if req.Stream {
		return h.serveStream(ctx, w, codec, req, resp, acc, sess)
	}
	return h.serveCollected(ctx, w, codec, req, resp, acc, sess)
}

func (h *Handler) serveStream(ctx context.Context, w http.ResponseWriter, codec protocol.Codec, req *protocol.Request, resp *http.Response, acc *store.Account, sess *Session) (bool, string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	enc := codec.NewStreamEncoder(req.Model)
	var (
		flushed       bool
		contentClosed bool
		outputText    bytes.Buffer
		toolArgs      bytes.Buffer
		toolID        string
		toolName      string
		ghost         bool
		streamErr     string
	)

	emit := func(chunk *protocol.Chunk) {
		frames, err := enc.Encode(chunk)
		if err != nil {
			return
		}
		for _, f := range frames {
			if bytes.Contains(f, []byte("content_block_stop")) {
				contentClosed = true
			}
			if _, err := w.Write(f); err != nil {
				return
			}
			sess.ClientEvent(f)
			flushed = true
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	dec := NewFrameDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err.Error()
			h.logger.Error("kiro stream decode failed", "uuid", acc.UUID, "error", err)
			break
		}
		sess.UpstreamFrame(frame)

		if frame.IsException() {
			sess.Exception(frame.ExceptionType(), frame.Payload)
			if contentClosed {
				// The response already completed; trailing exceptions are
				// noise from upstream connection teardown.
				ghost = true
				h.logger.Warn("ignoring exception after completed content",
					"uuid", acc.UUID, "exceptionType", frame.ExceptionType())
				continue
			}
			streamErr = fmt.Sprintf("upstream exception %s: %s",
				frame.ExceptionType(), truncate(frame.Payload, 200))
			h.pool.RecordError(ctx, store.TypeClaudeKiroOAuth, acc.UUID,
				&pool.UpstreamError{Status: http.StatusBadGateway, Message: streamErr})
			break
		}

		switch frame.EventType() {
		case "assistantResponseEvent":
			var ev assistantEvent
			if json.Unmarshal(frame.Payload, &ev) != nil || ev.Content == "" {
				continue
			}
			outputText.WriteString(ev.Content)
			emit(&protocol.Chunk{Parts: []protocol.Part{{Text: ev.Content}}})
		case "toolUseEvent":
			var ev toolUseEvent
			if json.Unmarshal(frame.Payload, &ev) != nil {
				continue
			}
			if ev.ToolUseID != "" {
				toolID = ev.ToolUseID
			}
			if ev.Name != "" {
				toolName = ev.Name
			}
			toolArgs.WriteString(ev.Input)
			if !ev.Stop {
				continue
			}
			args := map[string]any{}
			if toolArgs.Len() > 0 {
				_ = json.Unmarshal(toolArgs.Bytes(), &args)
			}
			emit(&protocol.Chunk{Parts: []protocol.Part{{
				FunctionCall: &protocol.FunctionCall{ID: toolID, Name: toolName, Args: args},
			}}})
			toolArgs.Reset()
			toolID, toolName = "", ""
		}
	}

	if streamErr != "" && !flushed {
		// Nothing reached the client yet; another account may still serve
		// this request.
		return false, streamErr
	}

	// Final usage correction before the terminal frames. Upstream never
	// reports token counts, so they are estimated and split into the billing
	// dimensions clients expect.
	total := EstimateTokens([]byte(joinSystem(req) + outputText.String()))
	input, cacheCreation, cacheRead := DistributeTokens(total)
	emit(&protocol.Chunk{
		Final: true,
		Usage: &protocol.Usage{
			InputTokens:         input,
			OutputTokens:        EstimateTokens(outputText.Bytes()),
			CacheCreationTokens: cacheCreation,
			CacheReadTokens:     cacheRead,
		},
	})
	for _, f := range enc.Finish() {
		_, _ = w.Write(f)
		sess.ClientEvent(f)
	}
	if flusher != nil {
		flusher.Flush()
	}

	h.pool.NoteUsage(store.TypeClaudeKiroOAuth, acc.UUID)
	h.pool.RecordSuccess(store.TypeClaudeKiroOAuth, acc.UUID)
	switch {
	case ghost:
		sess.Finish(http.StatusOK, true, "", "success_with_warning")
	case streamErr != "":
		sess.Finish(http.StatusOK, false, streamErr, "upstream_exception")
	default:
		sess.Finish(http.StatusOK, true, "", "")
	}
	return true, ""
}

// serveCollected drains the whole upstream stream and answers with one
// non-streaming response body.
func (h *Handler) serveCollected(ctx context.Context, w http.ResponseWriter, codec protocol.Codec, req *protocol.Request, resp *http.Response, acc *store.Account, sess *Session) (bool, string) {
	var (
		text     bytes.Buffer
		parts    []protocol.Part
		toolArgs bytes.Buffer
		toolID   string
		toolName string
		finish   = protocol.FinishStop
		sawTool  bool
	)

	dec := NewFrameDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Nothing has been written in collected mode, so retry is safe.
			return false, err.Error()
		}
		sess.UpstreamFrame(frame)

		if frame.IsException() {
			sess.Exception(frame.ExceptionType(), frame.Payload)
			if text.Len() > 0 || sawTool {
				// Content already arrived; keep it and drop the trailing
				// exception.
				h.logger.Warn("ignoring exception after completed content",
					"uuid", acc.UUID, "exceptionType", frame.ExceptionType())
				continue
			}
			msg := fmt.Sprintf("upstream exception %s: %s",
				frame.ExceptionType(), truncate(frame.Payload, 200))
			h.pool.RecordError(ctx, store.TypeClaudeKiroOAuth, acc.UUID,
				&pool.UpstreamError{Status: http.StatusBadGateway, Message: msg})
			return false, msg
		}

		switch frame.EventType() {
		case "assistantResponseEvent":
			var ev assistantEvent
			if json.Unmarshal(frame.Payload, &ev) == nil {
				text.WriteString(ev.Content)
			}
		case "toolUseEvent":
			var ev toolUseEvent
			if json.Unmarshal(frame.Payload, &ev) != nil {
				continue
			}
			if ev.ToolUseID != "" {
				toolID = ev.ToolUseID
			}
			if ev.Name != "" {
				toolName = ev.Name
			}
			toolArgs.WriteString(ev.Input)
			if !ev.Stop {
				continue
			}
			args := map[string]any{}
			if toolArgs.Len() > 0 {
				_ = json.Unmarshal(toolArgs.Bytes(), &args)
			}
			parts = append(parts, protocol.Part{
				FunctionCall: &protocol.FunctionCall{ID: toolID, Name: toolName, Args: args},
			})
			sawTool = true
			finish = protocol.FinishToolCalls
			toolArgs.Reset()
			toolID, toolName = "", ""
		}
	}

	if text.Len() > 0 {
		parts = append([]protocol.Part{{Text: text.String()}}, parts...)
	}

	total := EstimateTokens([]byte(joinSystem(req) + text.String()))
	input, cacheCreation, cacheRead := DistributeTokens(total)
	out := &protocol.Response{
		Model:        req.Model,
		ID:           "msg_" + uuid.NewString(),
		Parts:        parts,
		FinishReason: finish,
		Usage: protocol.Usage{
			InputTokens:         input,
			OutputTokens:        EstimateTokens(text.Bytes()),
			CacheCreationTokens: cacheCreation,
			CacheReadTokens:     cacheRead,
		},
	}
	body, err := codec.EncodeResponse(out)
	if err != nil {
		sess.Finish(http.StatusInternalServerError, false, err.Error(), "encode")
		h.writeError(w, codec, http.StatusInternalServerError, err.Error())
		return true, ""
	}
	sess.Response(body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	h.pool.NoteUsage(store.TypeClaudeKiroOAuth, acc.UUID)
	h.pool.RecordSuccess(store.TypeClaudeKiroOAuth, acc.UUID)
	sess.Finish(http.StatusOK, true, "", "")
	return true, ""
}

func (h *Handler) writeError(w http.ResponseWriter, codec protocol.Codec, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(codec.EncodeError(status, message))
}

// joinSystem concatenates the request's textual content for token
// estimation.
func joinSystem(req *protocol.Request) string {
	var b bytes.Buffer
	for _, s := range req.System {
		b.WriteString(s)
	}
	for _, msg := range req.Messages {
		for _, p := range msg.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// upstreamErrorMessage extracts a readable message from an upstream error
// body.
func upstreamErrorMessage(body []byte, status int) string {
	var parsed struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Reason != "" {
			return parsed.Reason
		}
	}
	if len(body) > 0 {
		return truncate(body, 200)
	}
	return http.StatusText(status)
}
