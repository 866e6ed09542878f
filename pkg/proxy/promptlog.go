package proxy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mercator-hq/saturn/pkg/protocol"
)

// PromptLogger mirrors request prompts to the log or to per-day files.
// A nil logger is a no-op.
type PromptLogger struct {
	mode     string
	baseName string
	dir      string
	logger   *slog.Logger

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewPromptLogger builds a logger for mode "console" or "file". Any other
// mode returns nil.
func NewPromptLogger(mode, dir, baseName string) *PromptLogger {
	if mode != "console" && mode != "file" {
		return nil
	}
	if baseName == "" {
		baseName = "prompt"
	}
	return &PromptLogger{
		mode:     mode,
		baseName: baseName,
		dir:      dir,
		logger:   slog.Default().With("component", "promptlog"),
	}
}

// Log records the prompt text of one request. File mode appends one line
// per request to <baseName>-<date>.log, rotating at midnight.
func (p *PromptLogger) Log(req *protocol.Request) {
	if p == nil {
		return
	}
	var sb strings.Builder
	for _, sys := range req.System {
		sb.WriteString("[system] ")
		sb.WriteString(sys)
		sb.WriteString("\n")
	}
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if part.Text == "" || part.Thought {
				continue
			}
			fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, part.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return
	}

	if p.mode == "console" {
		p.logger.Info("prompt", "model", req.Model, "text", text)
		return
	}
	p.appendToFile(req.Model, text)
}

func (p *PromptLogger) appendToFile(model, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	day := time.Now().Format("2006-01-02")
	if p.file == nil || p.day != day {
		if p.file != nil {
			_ = p.file.Close()
		}
		name := fmt.Sprintf("%s-%s.log", p.baseName, day)
		f, err := os.OpenFile(filepath.Join(p.dir, name),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			p.logger.Warn("prompt log unavailable", "error", err)
			return
		}
		p.file = f
		p.day = day
	}
	fmt.Fprintf(p.file, "%s model=%s\n%s\n", time.Now().Format(time.RFC3339), model, text)
}

// Close releases the current log file.
func (p *PromptLogger) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		_ = p.file.Close()
		p.file = nil
	}
}
