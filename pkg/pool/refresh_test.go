package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"mercator-hq/saturn/pkg/store"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefreshSuccessClearsFlags(t *testing.T) {
	stale := healthyAccount(store.TypeOpenAIQwenOAuth, "a")
	stale.NeedsRefresh = true
	stale.RefreshCount = 2

	m, fa := newTestManager(t, Config{}, stale)

	// A small pool sits below the bypass threshold, so the request skips
	// the buffer and executes immediately.
	m.RequestRefresh(store.TypeOpenAIQwenOAuth, "a", false)

	waitFor(t, "refresh to clear flags", func() bool {
		snap := m.Snapshot()[store.TypeOpenAIQwenOAuth][0]
		return !snap.NeedsRefresh && snap.RefreshCount == 0
	})
	if fa.refreshCount() != 1 {
		t.Errorf("refresh calls = %d, want 1", fa.refreshCount())
	}
}

func TestRefreshCapMarksUnhealthy(t *testing.T) {
	m, fa := newTestManager(t, Config{MaxRefreshAttempts: 3},
		healthyAccount(store.TypeClaudeKiroOAuth, "a"))
	fa.refreshErr = errors.New("refresh endpoint 500")

	for i := 1; i <= 3; i++ {
		m.RequestRefresh(store.TypeClaudeKiroOAuth, "a", false)
		i := i
		waitFor(t, "refresh attempt to record", func() bool {
			return fa.refreshCount() == i
		})
	}

	waitFor(t, "cap to mark unhealthy", func() bool {
		snap := m.Snapshot()[store.TypeClaudeKiroOAuth][0]
		return !snap.IsHealthy
	})
	snap := m.Snapshot()[store.TypeClaudeKiroOAuth][0]
	if snap.LastErrorMessage != maxRefreshReachedMsg {
		t.Errorf("lastErrorMessage = %q, want %q", snap.LastErrorMessage, maxRefreshReachedMsg)
	}

	// A fourth request must not reach the adapter again.
	m.RequestRefresh(store.TypeClaudeKiroOAuth, "a", false)
	time.Sleep(50 * time.Millisecond)
	if fa.refreshCount() != 3 {
		t.Errorf("refresh calls = %d, want 3 (capped)", fa.refreshCount())
	}
}

func TestDuplicateRefreshRequestsCollapse(t *testing.T) {
	m, fa := newTestManager(t, Config{},
		healthyAccount(store.TypeOpenAIIFlow, "a"))
	fa.refreshDelay = 50 * time.Millisecond

	m.RequestRefresh(store.TypeOpenAIIFlow, "a", false)
	waitFor(t, "first refresh to start", func() bool { return fa.refreshCount() == 1 })

	// Requests landing while the account is actively refreshing are dropped.
	m.RequestRefresh(store.TypeOpenAIIFlow, "a", false)
	m.RequestRefresh(store.TypeOpenAIIFlow, "a", true)

	time.Sleep(120 * time.Millisecond)
	if fa.refreshCount() != 1 {
		t.Errorf("refresh calls = %d, want 1", fa.refreshCount())
	}
}

func TestRefreshBufferDeduplicatesBursts(t *testing.T) {
	// Six healthy accounts keep the pool above the bypass threshold, so
	// requests buffer and deduplicate.
	accounts := make([]*store.Account, 6)
	for i := range accounts {
		accounts[i] = healthyAccount(store.TypeGeminiCLIOAuth, string(rune('a'+i)))
	}
	m, fa := newTestManager(t, Config{RefreshBufferDelay: 30 * time.Millisecond}, accounts...)

	for i := 0; i < 5; i++ {
		m.RequestRefresh(store.TypeGeminiCLIOAuth, "a", false)
	}
	time.Sleep(10 * time.Millisecond)
	if fa.refreshCount() != 0 {
		t.Fatal("buffered requests must not execute before the flush delay")
	}

	waitFor(t, "buffer flush", func() bool { return fa.refreshCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if fa.refreshCount() != 1 {
		t.Errorf("refresh calls = %d, want 1 after dedup", fa.refreshCount())
	}
}

func TestWarmupQueuesUnusedAccounts(t *testing.T) {
	used := healthyAccount(store.TypeOpenAICodexOAuth, "used")
	used.UsageCount = 10
	freshA := healthyAccount(store.TypeOpenAICodexOAuth, "a-fresh")
	freshB := healthyAccount(store.TypeOpenAICodexOAuth, "b-fresh")

	m, fa := newTestManager(t, Config{WarmupTarget: 2}, used, freshA, freshB)

	m.Warmup()
	waitFor(t, "warmup refreshes", func() bool { return fa.refreshCount() == 2 })

	fa.mu.Lock()
	defer fa.mu.Unlock()
	for _, id := range fa.refreshed {
		if id == "used" {
			t.Error("warmup should prefer unused accounts")
		}
	}
}

func TestRefreshNearExpiry(t *testing.T) {
	m, fa := newTestManager(t, Config{},
		healthyAccount(store.TypeOpenAIQwenOAuth, "soon"),
		healthyAccount(store.TypeOpenAIQwenOAuth, "later"))
	ctx := context.Background()

	soon := &store.Token{ExpiresAt: time.Now().Add(5 * time.Minute).Format(time.RFC3339)}
	later := &store.Token{ExpiresAt: time.Now().Add(2 * time.Hour).Format(time.RFC3339)}
	if err := m.store.SetToken(ctx, store.TypeOpenAIQwenOAuth, "soon", soon, 0); err != nil {
		t.Fatalf("SetToken(soon) error = %v", err)
	}
	if err := m.store.SetToken(ctx, store.TypeOpenAIQwenOAuth, "later", later, 0); err != nil {
		t.Fatalf("SetToken(later) error = %v", err)
	}

	m.RefreshNearExpiry(ctx, 15*time.Minute)
	waitFor(t, "near-expiry refresh", func() bool { return fa.refreshCount() == 1 })

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.refreshed[0] != "soon" {
		t.Errorf("refreshed = %v, want only the soon-to-expire account", fa.refreshed)
	}
}
