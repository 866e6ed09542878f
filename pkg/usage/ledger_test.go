package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/saturn/pkg/store"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "usage.db"),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndSummarize(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	rows := []Row{
		{ProviderType: store.TypeClaudeKiroOAuth, AccountUUID: "a", Model: "claude-sonnet-4-5", InputTokens: 100, OutputTokens: 20},
		{ProviderType: store.TypeClaudeKiroOAuth, AccountUUID: "b", Model: "claude-sonnet-4-5", InputTokens: 50, OutputTokens: 10, CacheReadTokens: 30},
		{ProviderType: store.TypeOpenAICustom, AccountUUID: "c", Model: "gpt-4o", InputTokens: 7, OutputTokens: 3, Status: "error"},
	}
	for _, row := range rows {
		if err := l.Record(ctx, row); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	summaries, err := l.Summarize(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("summaries = %d, want 2", len(summaries))
	}

	byType := map[store.ProviderType]Summary{}
	for _, s := range summaries {
		byType[s.ProviderType] = s
	}
	kiro := byType[store.TypeClaudeKiroOAuth]
	if kiro.Requests != 2 || kiro.InputTokens != 150 || kiro.OutputTokens != 30 || kiro.CacheReadTokens != 30 {
		t.Errorf("kiro summary = %+v", kiro)
	}
	oa := byType[store.TypeOpenAICustom]
	if oa.Requests != 1 || oa.InputTokens != 7 {
		t.Errorf("openai summary = %+v", oa)
	}
}

func TestSummarizeWindowExcludesOldRows(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	old := Row{
		Timestamp:    time.Now().Add(-48 * time.Hour),
		ProviderType: store.TypeOpenAICustom,
		AccountUUID:  "a",
		Model:        "gpt-4o",
		InputTokens:  99,
	}
	fresh := old
	fresh.Timestamp = time.Now()
	fresh.InputTokens = 1

	if err := l.Record(ctx, old); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := l.Record(ctx, fresh); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	summaries, err := l.Summarize(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if len(summaries) != 1 || summaries[0].InputTokens != 1 {
		t.Errorf("summaries = %+v", summaries)
	}
}

func TestAccountTotals(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Record(ctx, Row{ProviderType: store.TypeClaudeKiroOAuth, AccountUUID: "a", Model: "m"}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := l.Record(ctx, Row{ProviderType: store.TypeClaudeKiroOAuth, AccountUUID: "b", Model: "m"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	totals, err := l.AccountTotals(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("AccountTotals() error = %v", err)
	}
	if totals["a"] != 3 || totals["b"] != 1 {
		t.Errorf("totals = %v", totals)
	}
}

func TestPrune(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Record(ctx, Row{
		Timestamp:    time.Now().Add(-72 * time.Hour),
		ProviderType: store.TypeOpenAICustom,
		AccountUUID:  "a",
		Model:        "gpt-4o",
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := l.Record(ctx, Row{
		ProviderType: store.TypeOpenAICustom,
		AccountUUID:  "a",
		Model:        "gpt-4o",
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	n, err := l.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	summaries, err := l.Summarize(ctx, time.Now().Add(-96*time.Hour))
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if len(summaries) != 1 || summaries[0].Requests != 1 {
		t.Errorf("summaries = %+v", summaries)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("Open() with empty path succeeded")
	}
}
