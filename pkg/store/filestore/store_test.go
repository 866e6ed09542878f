package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mercator-hq/saturn/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddGetDeleteProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc := &store.Account{UUID: "a1", ProviderType: store.TypeOpenAICustom, IsHealthy: true}
	if err := s.AddProvider(ctx, acc); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}
	if err := s.AddProvider(ctx, acc); err == nil {
		t.Error("duplicate AddProvider should fail")
	}

	got, err := s.GetProvider(ctx, store.TypeOpenAICustom, "a1")
	if err != nil {
		t.Fatalf("GetProvider() error = %v", err)
	}
	// The returned value is a copy; mutating it must not leak back.
	got.UsageCount = 999
	again, _ := s.GetProvider(ctx, store.TypeOpenAICustom, "a1")
	if again.UsageCount != 0 {
		t.Error("GetProvider must return a copy")
	}

	if err := s.DeleteProvider(ctx, store.TypeOpenAICustom, "a1"); err != nil {
		t.Fatalf("DeleteProvider() error = %v", err)
	}
	if _, err := s.GetProvider(ctx, store.TypeOpenAICustom, "a1"); err != store.ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCountersSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = s.AddProvider(ctx, &store.Account{UUID: "a1", ProviderType: store.TypeClaudeCustom, IsHealthy: true})
	if _, err := s.IncrementUsage(ctx, store.TypeClaudeCustom, "a1"); err != nil {
		t.Fatalf("IncrementUsage() error = %v", err)
	}
	if _, err := s.IncrementError(ctx, store.TypeClaudeCustom, "a1", true, "boom"); err != nil {
		t.Fatalf("IncrementError() error = %v", err)
	}
	_ = s.Close()

	s2, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	acc, err := s2.GetProvider(ctx, store.TypeClaudeCustom, "a1")
	if err != nil {
		t.Fatalf("GetProvider() error = %v", err)
	}
	if acc.UsageCount != 1 || acc.ErrorCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", acc.UsageCount, acc.ErrorCount)
	}
	if acc.IsHealthy {
		t.Error("unhealthy mark should persist across reopen")
	}
	if acc.LastErrorMessage != "boom" {
		t.Errorf("lastErrorMessage = %q", acc.LastErrorMessage)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.AddProvider(ctx, &store.Account{UUID: "a1", ProviderType: store.TypeOpenAIIFlow, IsHealthy: true})

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.IncrementUsage(ctx, store.TypeOpenAIIFlow, "a1"); err != nil {
				t.Errorf("IncrementUsage() error = %v", err)
			}
		}()
	}
	wg.Wait()

	acc, _ := s.GetProvider(ctx, store.TypeOpenAIIFlow, "a1")
	if acc.UsageCount != n {
		t.Errorf("usageCount = %d, want %d", acc.UsageCount, n)
	}
}

func TestTokenWriteLandsInTokensDir(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	typ := store.TypeClaudeKiroOAuth

	if err := s.SetToken(ctx, typ, "a1", &store.Token{AccessToken: "at", RefreshToken: "r"}, 0); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	if _, err := os.Stat(s.tokenPath(typ, "a1")); err != nil {
		t.Fatalf("token file missing: %v", err)
	}

	// No temp-file leftovers next to the token after a completed write.
	entries, err := os.ReadDir(filepath.Join(s.dir, tokensDir))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Errorf("unexpected file in tokens dir: %s", e.Name())
		}
	}

	tok, err := s.GetToken(ctx, typ, "a1")
	if err != nil || tok.AccessToken != "at" {
		t.Fatalf("GetToken() = %+v, err = %v", tok, err)
	}
}

func TestTokenTTLAndCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	typ := store.TypeOpenAIQwenOAuth

	if err := s.SetToken(ctx, typ, "a1", &store.Token{RefreshToken: "r0"}, 0); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}

	res, err := s.AtomicTokenUpdate(ctx, typ, "a1", &store.Token{RefreshToken: "r1"}, "r0", 0)
	if err != nil || !res.Success {
		t.Fatalf("CAS = %+v, err = %v, want success", res, err)
	}
	res, err = s.AtomicTokenUpdate(ctx, typ, "a1", &store.Token{RefreshToken: "r2"}, "r0", 0)
	if err != nil || !res.Conflict {
		t.Fatalf("stale CAS = %+v, err = %v, want conflict", res, err)
	}

	// An expired token reads as missing.
	if err := s.SetToken(ctx, typ, "ttl", &store.Token{RefreshToken: "x"}, time.Millisecond); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.GetToken(ctx, typ, "ttl"); err != store.ErrNotFound {
		t.Errorf("expired token error = %v, want ErrNotFound", err)
	}
}

func TestTokenLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	typ := store.TypeClaudeKiroOAuth
	if err := s.SetToken(ctx, typ, "a1", &store.Token{RefreshToken: "r"}, 0); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}

	first, err := s.GetTokenWithLock(ctx, typ, "a1", 50*time.Millisecond)
	if err != nil || first.LockID == "" {
		t.Fatalf("first lock = %+v, err = %v", first, err)
	}
	second, _ := s.GetTokenWithLock(ctx, typ, "a1", 50*time.Millisecond)
	if !second.AlreadyLocked {
		t.Error("second caller should see the lock held")
	}

	// Expiry frees the lock without an explicit release.
	time.Sleep(60 * time.Millisecond)
	third, _ := s.GetTokenWithLock(ctx, typ, "a1", 50*time.Millisecond)
	if third.AlreadyLocked {
		t.Error("expired lock should be reclaimable")
	}
	_ = s.ReleaseTokenLock(ctx, typ, "a1", third.LockID)
}

func TestKiroDedupIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.SetKiroToken(ctx, "a1", &store.Token{RefreshToken: "rt"})
	if err != nil || !res.Success {
		t.Fatalf("SetKiroToken() = %+v, err = %v", res, err)
	}
	res, err = s.SetKiroToken(ctx, "a2", &store.Token{RefreshToken: "rt"})
	if err != nil {
		t.Fatalf("SetKiroToken() error = %v", err)
	}
	if !res.Duplicate || res.ExistingUUID != "a1" {
		t.Fatalf("result = %+v, want duplicate owned by a1", res)
	}

	if err := s.DeleteKiroToken(ctx, "a1"); err != nil {
		t.Fatalf("DeleteKiroToken() error = %v", err)
	}
	check, _ := s.CheckKiroRefreshTokenExists(ctx, "rt")
	if check.IsDuplicate {
		t.Error("index entry should be gone after delete")
	}
}

func TestRoundRobinPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, _ := Open(ctx, dir)
	first, err := s.KiroRoundRobinNext(ctx)
	if err != nil {
		t.Fatalf("KiroRoundRobinNext() error = %v", err)
	}
	second, _ := s.KiroRoundRobinNext(ctx)
	if second != first+1 {
		t.Errorf("counter did not advance: %d then %d", first, second)
	}
	_ = s.Close()

	s2, _ := Open(ctx, dir)
	defer s2.Close()
	third, _ := s2.KiroRoundRobinNext(ctx)
	if third != second+1 {
		t.Errorf("counter reset across reopen: %d then %d", second, third)
	}
}

func TestSessionExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash := store.SessionTokenHash([]byte("tok"))
	if err := s.SetSession(ctx, hash, &store.Session{Username: "admin"}, 10*time.Millisecond); err != nil {
		t.Fatalf("SetSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, hash); err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.GetSession(ctx, hash); err != store.ErrNotFound {
		t.Errorf("expired session error = %v, want ErrNotFound", err)
	}
}

func TestExternalPoolsEditReloads(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	_ = s.AddProvider(ctx, &store.Account{UUID: "a1", ProviderType: store.TypeGeminiCLIOAuth, IsHealthy: true})

	// Simulate an operator editing the pools file out of band.
	pools := map[store.ProviderType][]*store.Account{
		store.TypeGeminiCLIOAuth: {
			{UUID: "a1", ProviderType: store.TypeGeminiCLIOAuth, IsHealthy: true},
			{UUID: "a2", ProviderType: store.TypeGeminiCLIOAuth, IsHealthy: true},
		},
	}
	data, _ := json.Marshal(pools)
	if err := os.WriteFile(filepath.Join(dir, "provider_pools.json"), data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := s.GetProviderPools(ctx)
		if len(got[store.TypeGeminiCLIOAuth]) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("external edit was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AddProvider(ctx, &store.Account{UUID: "x", ProviderType: "not-a-type"})
	if err == nil {
		t.Fatal("unknown provider type should be rejected")
	}
	var ute *store.UnknownTypeError
	if !errors.As(err, &ute) {
		t.Errorf("error type = %T", err)
	}
}
