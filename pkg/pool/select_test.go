package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"mercator-hq/saturn/pkg/store"
	"mercator-hq/saturn/pkg/store/filestore"
)

type fakeAdapters struct {
	mu           sync.Mutex
	healthErr    error
	refreshErr   error
	refreshDelay time.Duration
	probed       []string
	refreshed    []string
}

func (f *fakeAdapters) HealthCheck(ctx context.Context, acc *store.Account, model string) error {
	f.mu.Lock()
	f.probed = append(f.probed, acc.UUID)
	err := f.healthErr
	f.mu.Unlock()
	return err
}

func (f *fakeAdapters) RefreshToken(ctx context.Context, acc *store.Account, force bool) error {
	f.mu.Lock()
	f.refreshed = append(f.refreshed, acc.UUID)
	err := f.refreshErr
	delay := f.refreshDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (f *fakeAdapters) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshed)
}

func newTestManager(t *testing.T, cfg Config, accounts ...*store.Account) (*Manager, *fakeAdapters) {
	t.Helper()
	ctx := context.Background()
	st, err := filestore.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("filestore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	for _, acc := range accounts {
		if err := st.AddProvider(ctx, acc); err != nil {
			t.Fatalf("AddProvider() error = %v", err)
		}
	}

	fa := &fakeAdapters{}
	m, err := New(ctx, st, fa, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(m.Close)
	return m, fa
}

func healthyAccount(t store.ProviderType, id string) *store.Account {
	return &store.Account{UUID: id, ProviderType: t, IsHealthy: true}
}

func TestSelectEmptyPoolReturnsNil(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	if acc := m.SelectProvider(store.TypeOpenAICustom, "", SelectOptions{}); acc != nil {
		t.Errorf("SelectProvider() = %v, want nil", acc)
	}
}

func TestSelectSingleAccountAlwaysReturnsIt(t *testing.T) {
	m, _ := newTestManager(t, Config{},
		healthyAccount(store.TypeOpenAICustom, "only"))

	for i := 0; i < 10; i++ {
		acc := m.SelectProvider(store.TypeOpenAICustom, "", SelectOptions{})
		if acc == nil || acc.UUID != "only" {
			t.Fatalf("selection %d = %v, want the single account", i, acc)
		}
	}
	// In-memory usage reflects every selection immediately.
	acc := m.SelectProvider(store.TypeOpenAICustom, "", SelectOptions{})
	if acc.UsageCount != 11 {
		t.Errorf("usageCount = %d, want 11", acc.UsageCount)
	}
}

func TestSkipUsageCountLeavesCounter(t *testing.T) {
	m, _ := newTestManager(t, Config{},
		healthyAccount(store.TypeClaudeCustom, "a"))

	acc := m.SelectProvider(store.TypeClaudeCustom, "", SelectOptions{SkipUsageCount: true})
	if acc.UsageCount != 0 {
		t.Errorf("usageCount = %d, want 0", acc.UsageCount)
	}
}

func TestAntiRepeatAlternatesUnderBurst(t *testing.T) {
	m, _ := newTestManager(t, Config{AntiRepeatWindow: time.Second},
		healthyAccount(store.TypeOpenAICustom, "a"),
		healthyAccount(store.TypeOpenAICustom, "b"))

	first := m.SelectProvider(store.TypeOpenAICustom, "", SelectOptions{})
	second := m.SelectProvider(store.TypeOpenAICustom, "", SelectOptions{})
	if first.UUID == second.UUID {
		t.Errorf("back-to-back selections both chose %s", first.UUID)
	}
}

func TestModelFilterExcludesUnsupported(t *testing.T) {
	a := healthyAccount(store.TypeGeminiCLIOAuth, "a")
	a.NotSupportedModels = []string{"gemini-2.5-pro"}
	b := healthyAccount(store.TypeGeminiCLIOAuth, "b")

	m, _ := newTestManager(t, Config{AntiRepeatWindow: time.Nanosecond}, a, b)

	for i := 0; i < 5; i++ {
		acc := m.SelectProvider(store.TypeGeminiCLIOAuth, "gemini-2.5-pro", SelectOptions{})
		if acc == nil || acc.UUID != "b" {
			t.Fatalf("selection = %v, want b only", acc)
		}
	}
}

func TestFreshAfterWarmupJumpsQueue(t *testing.T) {
	busy := healthyAccount(store.TypeOpenAICustom, "busy")
	busy.UsageCount = 500
	busy.LastUsed = time.Now().UnixMilli()
	fresh := healthyAccount(store.TypeOpenAICustom, "fresh")
	fresh.LastHealthCheckTime = time.Now().UnixMilli()

	m, _ := newTestManager(t, Config{}, busy, fresh)

	acc := m.SelectProvider(store.TypeOpenAICustom, "", SelectOptions{})
	if acc.UUID != "fresh" {
		t.Errorf("selection = %s, want the freshly warmed account", acc.UUID)
	}
}

func TestDisabledAndNeedsRefreshExcluded(t *testing.T) {
	disabled := healthyAccount(store.TypeOpenAICustom, "disabled")
	disabled.IsDisabled = true
	stale := healthyAccount(store.TypeOpenAICustom, "stale")
	stale.NeedsRefresh = true

	m, _ := newTestManager(t, Config{}, disabled, stale)
	if acc := m.SelectProvider(store.TypeOpenAICustom, "", SelectOptions{}); acc != nil {
		t.Errorf("SelectProvider() = %v, want nil", acc)
	}
}

func TestLeastLoadedWins(t *testing.T) {
	heavy := healthyAccount(store.TypeClaudeCustom, "heavy")
	heavy.UsageCount = 100
	heavy.LastUsed = time.Now().UnixMilli()
	light := healthyAccount(store.TypeClaudeCustom, "light")
	light.UsageCount = 1
	light.LastUsed = time.Now().Add(-time.Hour).UnixMilli()

	m, _ := newTestManager(t, Config{}, heavy, light)

	acc := m.SelectProvider(store.TypeClaudeCustom, "", SelectOptions{})
	if acc.UUID != "light" {
		t.Errorf("selection = %s, want the lighter account", acc.UUID)
	}
}

func TestFallbackSkipsOtherFamilies(t *testing.T) {
	m, _ := newTestManager(t, Config{
		ProviderFallbackChain: map[store.ProviderType][]store.ProviderType{
			store.TypeClaudeCustom: {store.TypeOpenAICustom, store.TypeClaudeOrchidsOAuth},
		},
	},
		healthyAccount(store.TypeOpenAICustom, "wrong-family"),
		healthyAccount(store.TypeClaudeOrchidsOAuth, "right-family"))

	sel, ok := m.SelectProviderWithFallback(store.TypeClaudeCustom, "")
	if !ok {
		t.Fatal("fallback selection failed")
	}
	if sel.ActualType != store.TypeClaudeOrchidsOAuth || !sel.IsFallback {
		t.Errorf("selection = %+v, want same-family fallback", sel)
	}
}

func TestFallbackHonoursProviderModels(t *testing.T) {
	m, _ := newTestManager(t, Config{
		ProviderFallbackChain: map[store.ProviderType][]store.ProviderType{
			store.TypeOpenAICustom: {store.TypeOpenAIIFlow, store.TypeOpenAIQwenOAuth},
		},
		ProviderModels: map[store.ProviderType][]string{
			store.TypeOpenAIIFlow: {"other-model"},
		},
	},
		healthyAccount(store.TypeOpenAIIFlow, "limited"),
		healthyAccount(store.TypeOpenAIQwenOAuth, "open"))

	sel, ok := m.SelectProviderWithFallback(store.TypeOpenAICustom, "gpt-4o")
	if !ok {
		t.Fatal("fallback selection failed")
	}
	if sel.ActualType != store.TypeOpenAIQwenOAuth {
		t.Errorf("actualType = %s, want the type whose model list allows gpt-4o", sel.ActualType)
	}
}

func TestModelFallbackMapping(t *testing.T) {
	m, _ := newTestManager(t, Config{
		ModelFallbackMapping: map[string]ModelFallback{
			"claude-sonnet-4": {TargetProviderType: store.TypeGeminiCLIOAuth, TargetModel: "gemini-2.5-pro"},
		},
	},
		healthyAccount(store.TypeGeminiCLIOAuth, "g1"))

	sel, ok := m.SelectProviderWithFallback(store.TypeClaudeCustom, "claude-sonnet-4")
	if !ok {
		t.Fatal("model fallback failed")
	}
	if sel.ActualType != store.TypeGeminiCLIOAuth || sel.ActualModel != "gemini-2.5-pro" || !sel.IsFallback {
		t.Errorf("selection = %+v", sel)
	}
}

func TestProtocolFamily(t *testing.T) {
	cases := []struct {
		t    store.ProviderType
		want string
	}{
		{store.TypeGeminiAntigravity, "gemini"},
		{store.TypeClaudeKiroOAuth, "claude"},
		{store.TypeOpenAICodexOAuth, "openai"},
		{store.TypeForwardAPI, "forward-api"},
	}
	for _, tc := range cases {
		if got := ProtocolFamily(tc.t); got != tc.want {
			t.Errorf("ProtocolFamily(%s) = %s, want %s", tc.t, got, tc.want)
		}
	}
}
