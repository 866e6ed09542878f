package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mercator-hq/saturn/pkg/adapters"
	"mercator-hq/saturn/pkg/pool"
	"mercator-hq/saturn/pkg/store"
	"mercator-hq/saturn/pkg/store/filestore"
)

const testAPIKey = "sk-saturn-test"

// newTestServer wires the full router over a filestore pool and a single
// fake OpenAI-compatible upstream.
func newTestServer(t *testing.T, upstream http.HandlerFunc) (*httptest.Server, store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := filestore.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("filestore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	acc := &store.Account{UUID: "oa-1", ProviderType: store.TypeOpenAICustom, IsHealthy: true}
	if err := st.AddProvider(ctx, acc); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}
	tok := &store.Token{AccessToken: "sk-up", Extra: map[string]any{"baseUrl": up.URL}}
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
	t.Cleanup(pm.Close)

	srv := NewServer(st, pm, am, nil, Config{APIKey: testAPIKey, Version: "0.9.9"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func authedPost(t *testing.T, url, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	return resp
}

func openAIUpstream(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			var raw struct {
				Stream bool `json:"stream"`
			}
			_ = json.NewDecoder(r.Body).Decode(&raw)
			if raw.Stream {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Write([]byte(
					`data: {"choices":[{"delta":{"content":"pong"}}]}` + "\n\n" +
						`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":1}}` + "\n\n" +
						"data: [DONE]\n\n"))
				return
			}
			w.Write([]byte(`{"id":"cmpl-1","choices":[{"index":0,` +
				`"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],` +
				`"usage":{"prompt_tokens":2,"completion_tokens":1}}`))
		case "/models":
			w.Write([]byte(`{"data":[{"id":"gpt-4o","owned_by":"openai"}]}`))
		default:
			t.Errorf("unexpected upstream path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body["status"] != "ok" || body["provider"] != "saturn" || body["timestamp"] == "" {
		t.Errorf("body = %v", body)
	}
}

// downStore reports the backing medium unreachable.
type downStore struct{ store.Store }

func (downStore) Healthy() bool { return false }

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	ctx := context.Background()
	st, err := filestore.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("filestore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	am, err := adapters.New(st, adapters.Config{})
	if err != nil {
		t.Fatalf("adapters.New() error = %v", err)
	}
	pm, err := pool.New(ctx, st, am, pool.Config{})
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}
	t.Cleanup(pm.Close)

	srv := NewServer(downStore{st}, pm, am, nil, Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %q, want degraded", body["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Error.Message == "" {
		t.Error("error message missing")
	}
}

func TestAuthAlternateHeaders(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	for _, header := range []string{"x-api-key", "x-goog-api-key"} {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1beta/models", nil)
		req.Header.Set(header, testAPIKey)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", header, resp.StatusCode)
		}
	}
}

func TestChatCompletionNonStreaming(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp := authedPost(t, ts.URL+"/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"ping"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(body.Choices) != 1 || body.Choices[0].Message.Content != "pong" {
		t.Errorf("choices = %+v", body.Choices)
	}
	if body.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", body.Model)
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp := authedPost(t, ts.URL+"/v1/chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"ping"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream error = %v", err)
	}
	out := string(raw)
	if !strings.Contains(out, "pong") {
		t.Errorf("stream missing content: %q", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Errorf("stream missing terminator: %q", out)
	}
}

func TestModelPrefixPinsProvider(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	// A [OpenAI] prefix pins the type and is stripped before the upstream
	// call; the response echoes the bare model.
	resp := authedPost(t, ts.URL+"/v1/chat/completions",
		`{"model":"[OpenAI] gpt-4o","messages":[{"role":"user","content":"ping"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Model string `json:"model"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", body.Model)
	}
}

func TestPathSegmentOverride(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp := authedPost(t, ts.URL+"/openai-custom/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"ping"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestUnknownSegmentIsNotAnOverride(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp := authedPost(t, ts.URL+"/not-a-provider/v1/chat/completions", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNoHealthyProvider(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	// No gemini accounts exist, so a gemini-native request finds no pool.
	resp := authedPost(t, ts.URL+"/v1beta/models/gemini-2.5-pro:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestUnifiedModelList(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].ID != "[OpenAI] gpt-4o" {
		t.Errorf("data = %+v", body.Data)
	}
}

func TestProviderHealthSnapshot(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp, err := http.Get(ts.URL + "/provider_health")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		SummaryHealth bool                       `json:"summaryHealth"`
		Total         int                        `json:"totalAccounts"`
		Providers     map[string][]accountHealth `json:"providers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if !body.SummaryHealth || body.Total != 1 {
		t.Errorf("summaryHealth = %v total = %d", body.SummaryHealth, body.Total)
	}
	rows := body.Providers[string(store.TypeOpenAICustom)]
	if len(rows) != 1 || rows[0].UUID != "oa-1" || !rows[0].IsHealthy {
		t.Errorf("rows = %+v", rows)
	}

	// A provider filter that matches nothing reports unhealthy.
	resp2, err := http.Get(ts.URL + "/provider_health?provider=gemini-cli-oauth")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp2.Body.Close()
	var filtered struct {
		SummaryHealth bool `json:"summaryHealth"`
		Total         int  `json:"totalAccounts"`
	}
	_ = json.NewDecoder(resp2.Body).Decode(&filtered)
	if filtered.SummaryHealth || filtered.Total != 0 {
		t.Errorf("filtered = %+v", filtered)
	}
}

func TestOllamaSurface(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	var ver map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&ver)
	if ver["version"] != "0.9.9" {
		t.Errorf("version = %q", ver["version"])
	}

	show := authedPost(t, ts.URL+"/api/show", `{"model":"gpt-4o"}`)
	defer show.Body.Close()
	if show.StatusCode != http.StatusOK {
		t.Errorf("show status = %d", show.StatusCode)
	}

	// Local Ollama tooling sends no credentials; the path family skips auth.
	tags, err := http.Get(ts.URL + "/api/tags")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer tags.Body.Close()
	var tagBody struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(tags.Body).Decode(&tagBody); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(tagBody.Models) != 1 || tagBody.Models[0].Name != "[OpenAI] gpt-4o" {
		t.Errorf("models = %+v", tagBody.Models)
	}
}

func TestOllamaGenerate(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp := authedPost(t, ts.URL+"/api/generate",
		`{"model":"gpt-4o","prompt":"ping","stream":false}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Done bool `json:"done"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if !body.Done || body.Message.Content != "pong" {
		t.Errorf("body = %+v", body)
	}
}

func TestCountTokensViaOverride(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/completions/count_tokens",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"count these tokens"}]}`))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body["input_tokens"] <= 0 {
		t.Errorf("input_tokens = %d, want > 0", body["input_tokens"])
	}
}

func TestMalformedBody(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp := authedPost(t, ts.URL+"/v1/chat/completions", `{"messages":`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEventLoggingNoOp(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp, err := http.Post(ts.URL+"/api/event_logging/batch", "application/json",
		strings.NewReader(`{"events":[]}`))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestNotFound(t *testing.T) {
	ts, _ := newTestServer(t, openAIUpstream(t))

	resp := authedPost(t, ts.URL+"/v2/does/not/exist", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
