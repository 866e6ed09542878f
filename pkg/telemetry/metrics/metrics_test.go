package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercator-hq/saturn/pkg/store"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(body)
}

func TestRecordRequestAppearsInScrape(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(store.TypeClaudeKiroOAuth, "claude-sonnet-4-5", "ok", 250*time.Millisecond)
	c.RecordRequest(store.TypeClaudeKiroOAuth, "claude-sonnet-4-5", "ok", 100*time.Millisecond)
	c.RecordRequest(store.TypeOpenAICustom, "gpt-4o", "error", time.Second)

	out := scrape(t, c)
	if !strings.Contains(out,
		`saturn_requests_total{model="claude-sonnet-4-5",provider="claude-kiro-oauth",status="ok"} 2`) {
		t.Errorf("missing kiro counter:\n%s", out)
	}
	if !strings.Contains(out,
		`saturn_requests_total{model="gpt-4o",provider="openai-custom",status="error"} 1`) {
		t.Errorf("missing openai counter:\n%s", out)
	}
}

func TestRecordTokensDimensions(t *testing.T) {
	c := NewCollector()
	c.RecordTokens(store.TypeClaudeKiroOAuth, 100, 20, 200, 2500)

	out := scrape(t, c)
	for _, dim := range []string{"input", "output", "cache_creation", "cache_read"} {
		if !strings.Contains(out, `type="`+dim+`"`) {
			t.Errorf("missing token dimension %q", dim)
		}
	}
}

func TestUpstreamErrorLabels(t *testing.T) {
	c := NewCollector()
	c.RecordUpstreamError(store.TypeOpenAICustom, 429)
	c.RecordUpstreamError(store.TypeOpenAICustom, 503)
	c.RecordUpstreamError(store.TypeOpenAICustom, 0)

	out := scrape(t, c)
	for _, label := range []string{`status="429"`, `status="5xx"`, `status="transport"`} {
		if !strings.Contains(out, label) {
			t.Errorf("missing error label %s", label)
		}
	}
}

func TestHealthyAccountsGauge(t *testing.T) {
	c := NewCollector()
	c.SetHealthyAccounts(store.TypeClaudeKiroOAuth, 4)
	c.SetHealthyAccounts(store.TypeClaudeKiroOAuth, 3)

	out := scrape(t, c)
	if !strings.Contains(out, `saturn_pool_healthy_accounts{provider="claude-kiro-oauth"} 3`) {
		t.Errorf("gauge not updated:\n%s", out)
	}
}

func TestNilCollectorIsNoOp(t *testing.T) {
	var c *Collector
	c.RecordRequest(store.TypeOpenAICustom, "m", "ok", time.Second)
	c.RecordTokens(store.TypeOpenAICustom, 1, 1, 0, 0)
	c.RecordUpstreamError(store.TypeOpenAICustom, 500)
	c.RecordRetry(store.TypeOpenAICustom)
	c.SetHealthyAccounts(store.TypeOpenAICustom, 1)
}
