package kiro

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Dumper writes per-session debug artifacts. Sessions accumulate under
// temp/ while in flight and move to success/ or errors/ at finalisation;
// successful sessions are kept only when full dumping is enabled.
type Dumper struct {
	dir      string
	dumpAll  bool // keep successful sessions too
	dumpErrs bool
	logger   *slog.Logger
}

// NewDumper prepares the dump directory tree. A nil Dumper (empty dir) is
// valid and discards everything.
func NewDumper(dir string, dumpAll, dumpErrs bool) *Dumper {
	if dir == "" || (!dumpAll && !dumpErrs) {
		return nil
	}
	for _, sub := range []string{"temp", "success", "errors"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			slog.Warn("debug dump directory unavailable, dumping disabled", "dir", dir, "error", err)
			return nil
		}
	}
	return &Dumper{
		dir:      dir,
		dumpAll:  dumpAll,
		dumpErrs: dumpErrs,
		logger:   slog.Default().With("component", "kiro.dump"),
	}
}

// SessionMetadata is the metadata.json document.
type SessionMetadata struct {
	SessionID        string   `json:"session_id"`
	RequestID        string   `json:"request_id"`
	AccountUUID      string   `json:"account_uuid"`
	Model            string   `json:"model"`
	StartTime        string   `json:"start_time"`
	EndTime          string   `json:"end_time"`
	StatusCode       int      `json:"status_code"`
	Error            string   `json:"error"`
	ErrorType        string   `json:"error_type"`
	ExceptionPayload string   `json:"exception_payload"`
	TriedAccounts    []string `json:"tried_accounts"`
	Success          bool     `json:"success"`
}

// Session collects one request's artifacts.
type Session struct {
	d    *Dumper
	id   string
	dir  string
	meta SessionMetadata

	mu         sync.Mutex
	kiroChunks *os.File
	sseChunks  *os.File
}

// StartSession opens a new dump session. Returns nil when dumping is off.
func (d *Dumper) StartSession(sessionID, requestID, model string) *Session {
	if d == nil {
		return nil
	}
	dir := filepath.Join(d.dir, "temp", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.logger.Warn("failed to open dump session", "sessionId", sessionID, "error", err)
		return nil
	}
	return &Session{
		d:   d,
		id:  sessionID,
		dir: dir,
		meta: SessionMetadata{
			SessionID: sessionID,
			RequestID: requestID,
			Model:     model,
			StartTime: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

func (s *Session) writeJSON(name string, v any) {
	if s == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(s.dir, name), data, 0o644)
}

// Request records the client's original request body.
func (s *Session) Request(body json.RawMessage) {
	if s == nil {
		return
	}
	_ = os.WriteFile(filepath.Join(s.dir, "request.json"), body, 0o644)
}

// UpstreamRequest records the translated CodeWhisperer body.
func (s *Session) UpstreamRequest(body []byte) {
	if s == nil {
		return
	}
	_ = os.WriteFile(filepath.Join(s.dir, "kiro_request.json"), body, 0o644)
}

// Response records a non-streaming response body.
func (s *Session) Response(body []byte) {
	if s == nil {
		return
	}
	_ = os.WriteFile(filepath.Join(s.dir, "response.json"), body, 0o644)
}

// TriedAccount appends an account to the attempt list and marks it current.
func (s *Session) TriedAccount(uuid string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.meta.TriedAccounts = append(s.meta.TriedAccounts, uuid)
	s.meta.AccountUUID = uuid
	s.mu.Unlock()
}

// UpstreamFrame appends one decoded frame to kiro_chunks.jsonl.
func (s *Session) UpstreamFrame(f *Frame) {
	if s == nil {
		return
	}
	line, err := json.Marshal(map[string]any{
		"headers": f.Headers,
		"payload": json.RawMessage(normalizeJSON(f.Payload)),
	})
	if err != nil {
		return
	}
	s.appendLine(&s.kiroChunks, "kiro_chunks.jsonl", line)
}

// ClientEvent appends one translated SSE frame to claude_chunks.jsonl.
func (s *Session) ClientEvent(frame []byte) {
	if s == nil {
		return
	}
	line, err := json.Marshal(map[string]string{"event": string(frame)})
	if err != nil {
		return
	}
	s.appendLine(&s.sseChunks, "claude_chunks.jsonl", line)
}

func (s *Session) appendLine(file **os.File, name string, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *file == nil {
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		*file = f
	}
	_, _ = (*file).Write(append(line, '\n'))
}

// Exception records an upstream exception payload.
func (s *Session) Exception(errType string, payload []byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.meta.ErrorType = errType
	s.meta.ExceptionPayload = string(payload)
	s.mu.Unlock()
}

// Finish closes the session and files it under success/ or errors/.
// errorType "success_with_warning" counts as success.
func (s *Session) Finish(statusCode int, success bool, errMsg, errType string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.kiroChunks != nil {
		_ = s.kiroChunks.Close()
	}
	if s.sseChunks != nil {
		_ = s.sseChunks.Close()
	}
	s.meta.EndTime = time.Now().UTC().Format(time.RFC3339Nano)
	s.meta.StatusCode = statusCode
	s.meta.Success = success
	if errMsg != "" {
		s.meta.Error = errMsg
	}
	if errType != "" {
		s.meta.ErrorType = errType
	}
	s.mu.Unlock()

	s.writeJSON("metadata.json", &s.meta)

	dest := "errors"
	if success {
		if !s.d.dumpAll {
			_ = os.RemoveAll(s.dir)
			return
		}
		dest = "success"
	}
	target := filepath.Join(s.d.dir, dest, s.id)
	if err := os.Rename(s.dir, target); err != nil {
		s.d.logger.Warn("failed to file dump session", "sessionId", s.id, "error", err)
	}
}

// normalizeJSON keeps valid JSON verbatim and string-wraps anything else so
// the jsonl stays parseable.
func normalizeJSON(payload []byte) []byte {
	if json.Valid(payload) {
		return payload
	}
	wrapped, err := json.Marshal(string(payload))
	if err != nil {
		return []byte(fmt.Sprintf("%q", "unencodable payload"))
	}
	return wrapped
}
