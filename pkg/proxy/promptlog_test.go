package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mercator-hq/saturn/pkg/adapters"
	"mercator-hq/saturn/pkg/pool"
	"mercator-hq/saturn/pkg/protocol"
	"mercator-hq/saturn/pkg/store"
	"mercator-hq/saturn/pkg/store/filestore"
)

func TestPromptLoggerFileMode(t *testing.T) {
	dir := t.TempDir()
	p := NewPromptLogger("file", dir, "prompts")
	defer p.Close()

	p.Log(&protocol.Request{
		Model:  "gpt-4o",
		System: []string{"be terse"},
		Messages: []protocol.Content{
			{Role: "user", Parts: []protocol.Part{{Text: "hello"}}},
		},
	})
	p.Close()

	name := "prompts-" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "[system] be terse") || !strings.Contains(out, "[user] hello") {
		t.Errorf("log content = %q", out)
	}
}

func TestPromptLoggerUnknownModeIsNil(t *testing.T) {
	if NewPromptLogger("", "", "") != nil {
		t.Error("empty mode should disable the logger")
	}
	var p *PromptLogger
	p.Log(&protocol.Request{Model: "m"}) // nil receiver is a no-op
}

func TestSystemPromptInjection(t *testing.T) {
	ctx := context.Background()

	var gotSystem string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&raw)
		for _, m := range raw.Messages {
			if m.Role == "system" {
				gotSystem = m.Content
			}
		}
		w.Write([]byte(`{"id":"cmpl-1","choices":[{"index":0,` +
			`"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer up.Close()

	st, err := filestore.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("filestore.Open() error = %v", err)
	}
	defer st.Close()
	acc := &store.Account{UUID: "oa-1", ProviderType: store.TypeOpenAICustom, IsHealthy: true}
	if err := st.AddProvider(ctx, acc); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}
	tok := &store.Token{AccessToken: "k", Extra: map[string]any{"baseUrl": up.URL}}
	if err := st.SetToken(ctx, acc.ProviderType, acc.UUID, tok, 0); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}

	am, err := adapters.New(st, adapters.Config{})
	if err != nil {
		t.Fatalf("adapters.New() error = %v", err)
	}
	pm, err := pool.New(ctx, st, am, pool.Config{})
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}
	defer pm.Close()

	srv := NewServer(st, pm, am, nil, Config{
		SystemPrompt:     "Always answer in English.",
		SystemPromptMode: "append",
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(gotSystem, "Always answer in English.") {
		t.Errorf("system prompt = %q, injection missing", gotSystem)
	}
}
