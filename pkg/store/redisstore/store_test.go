package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"mercator-hq/saturn/pkg/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	s, err := Open(context.Background(), Config{
		URL: "redis://" + mr.Addr(),
		// Keep the monitor quiet during tests.
		PingInterval: time.Hour,
		MirrorTTL:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func seedAccount(t *testing.T, s *Store, typ store.ProviderType, id string) {
	t.Helper()
	acc := &store.Account{
		UUID:         id,
		ProviderType: typ,
		IsHealthy:    true,
	}
	if err := s.AddProvider(context.Background(), acc); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}
}

func TestAddAndGetProvider(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, store.TypeOpenAICustom, "acct-1")

	acc, err := s.GetProvider(ctx, store.TypeOpenAICustom, "acct-1")
	if err != nil {
		t.Fatalf("GetProvider() error = %v", err)
	}
	if !acc.IsHealthy {
		t.Error("account should start healthy")
	}

	if _, err := s.GetProvider(ctx, store.TypeOpenAICustom, "missing"); err != store.ErrNotFound {
		t.Errorf("GetProvider(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetProvider(ctx, store.ProviderType("bogus"), "x"); err == nil {
		t.Error("GetProvider with unknown type should fail")
	}
}

func TestIncrementUsageConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, store.TypeClaudeKiroOAuth, "acct-1")

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.IncrementUsage(ctx, store.TypeClaudeKiroOAuth, "acct-1"); err != nil {
				t.Errorf("IncrementUsage() error = %v", err)
			}
		}()
	}
	wg.Wait()

	acc, err := s.GetProvider(ctx, store.TypeClaudeKiroOAuth, "acct-1")
	if err != nil {
		t.Fatalf("GetProvider() error = %v", err)
	}
	if acc.UsageCount != n {
		t.Errorf("usageCount = %d, want %d", acc.UsageCount, n)
	}
	if acc.LastUsed == 0 {
		t.Error("lastUsed not stamped")
	}
}

func TestIncrementErrorMarksUnhealthy(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, store.TypeOpenAICustom, "acct-1")

	count, err := s.IncrementError(ctx, store.TypeOpenAICustom, "acct-1", false, "transient")
	if err != nil {
		t.Fatalf("IncrementError() error = %v", err)
	}
	if count != 1 {
		t.Errorf("errorCount = %d, want 1", count)
	}

	acc, _ := s.GetProvider(ctx, store.TypeOpenAICustom, "acct-1")
	if !acc.IsHealthy {
		t.Error("account should remain healthy without markUnhealthy")
	}

	if _, err := s.IncrementError(ctx, store.TypeOpenAICustom, "acct-1", true, "auth failed"); err != nil {
		t.Fatalf("IncrementError() error = %v", err)
	}
	acc, _ = s.GetProvider(ctx, store.TypeOpenAICustom, "acct-1")
	if acc.IsHealthy {
		t.Error("markUnhealthy should clear isHealthy in the same write")
	}
	if acc.LastErrorMessage != "auth failed" {
		t.Errorf("lastErrorMessage = %q", acc.LastErrorMessage)
	}
	if acc.LastErrorTime == 0 {
		t.Error("lastErrorTime not stamped")
	}
}

func TestUpdateHealthStatusClearsErrors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, store.TypeOpenAICustom, "acct-1")
	_, _ = s.IncrementError(ctx, store.TypeOpenAICustom, "acct-1", true, "down")

	if err := s.UpdateHealthStatus(ctx, store.TypeOpenAICustom, "acct-1", true); err != nil {
		t.Fatalf("UpdateHealthStatus() error = %v", err)
	}

	acc, _ := s.GetProvider(ctx, store.TypeOpenAICustom, "acct-1")
	if !acc.IsHealthy {
		t.Error("account should be healthy")
	}
	if acc.ErrorCount != 0 {
		t.Errorf("errorCount = %d, want 0 after recovery", acc.ErrorCount)
	}
	if acc.LastHealthCheckTime == 0 {
		t.Error("lastHealthCheckTime not stamped")
	}
}

func TestUpdateProviderPartialMerge(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, store.TypeGeminiCLIOAuth, "acct-1")
	_, _ = s.IncrementUsage(ctx, store.TypeGeminiCLIOAuth, "acct-1")

	disabled := true
	name := "primary"
	err := s.UpdateProvider(ctx, store.TypeGeminiCLIOAuth, "acct-1", &store.AccountUpdate{
		IsDisabled: &disabled,
		CustomName: &name,
	})
	if err != nil {
		t.Fatalf("UpdateProvider() error = %v", err)
	}

	acc, _ := s.GetProvider(ctx, store.TypeGeminiCLIOAuth, "acct-1")
	if !acc.IsDisabled {
		t.Error("isDisabled not merged")
	}
	if acc.CustomName != "primary" {
		t.Errorf("customName = %q", acc.CustomName)
	}
	// Untouched fields survive the merge.
	if acc.UsageCount != 1 {
		t.Errorf("usageCount = %d, want 1", acc.UsageCount)
	}
}

func TestAtomicTokenUpdateCAS(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	typ := store.TypeOpenAIQwenOAuth
	orig := &store.Token{AccessToken: "a0", RefreshToken: "r0"}
	if err := s.SetToken(ctx, typ, "acct-1", orig, 0); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}

	// Matching expectation wins.
	res, err := s.AtomicTokenUpdate(ctx, typ, "acct-1",
		&store.Token{AccessToken: "a1", RefreshToken: "r1"}, "r0", 0)
	if err != nil {
		t.Fatalf("AtomicTokenUpdate() error = %v", err)
	}
	if !res.Success || res.Conflict {
		t.Fatalf("result = %+v, want success", res)
	}

	// Stale expectation conflicts and leaves the token unchanged.
	res, err = s.AtomicTokenUpdate(ctx, typ, "acct-1",
		&store.Token{AccessToken: "a2", RefreshToken: "r2"}, "r0", 0)
	if err != nil {
		t.Fatalf("AtomicTokenUpdate() error = %v", err)
	}
	if res.Success || !res.Conflict {
		t.Fatalf("result = %+v, want conflict", res)
	}

	tok, err := s.GetToken(ctx, typ, "acct-1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if tok.AccessToken != "a1" || tok.RefreshToken != "r1" {
		t.Errorf("stored token = %+v, want winner's payload", tok)
	}
}

func TestAtomicTokenUpdateContention(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	typ := store.TypeClaudeKiroOAuth
	if err := s.SetToken(ctx, typ, "acct-1", &store.Token{RefreshToken: "shared"}, 0); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}

	results := make(chan store.TokenUpdateResult, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := &store.Token{AccessToken: "new", RefreshToken: "winner-" + string(rune('a'+i))}
			res, err := s.AtomicTokenUpdate(ctx, typ, "acct-1", tok, "shared", 0)
			if err != nil {
				t.Errorf("AtomicTokenUpdate() error = %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for res := range results {
		if res.Success {
			successes++
		}
		if res.Conflict {
			conflicts++
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Errorf("successes = %d, conflicts = %d; want exactly one of each", successes, conflicts)
	}
}

func TestTokenLockLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	typ := store.TypeClaudeCustom
	_ = s.SetToken(ctx, typ, "acct-1", &store.Token{RefreshToken: "r"}, 0)

	first, err := s.GetTokenWithLock(ctx, typ, "acct-1", 30*time.Second)
	if err != nil {
		t.Fatalf("GetTokenWithLock() error = %v", err)
	}
	if first.LockID == "" || first.AlreadyLocked {
		t.Fatalf("first lock = %+v, want held", first)
	}

	second, err := s.GetTokenWithLock(ctx, typ, "acct-1", 30*time.Second)
	if err != nil {
		t.Fatalf("GetTokenWithLock() error = %v", err)
	}
	if !second.AlreadyLocked {
		t.Error("second caller should see the lock held")
	}
	if second.Token == nil || second.Token.RefreshToken != "r" {
		t.Error("locked reads must still return the token")
	}

	// A stale lock id must not release the lock.
	if err := s.ReleaseTokenLock(ctx, typ, "acct-1", "not-the-lock"); err != nil {
		t.Fatalf("ReleaseTokenLock() error = %v", err)
	}
	third, _ := s.GetTokenWithLock(ctx, typ, "acct-1", 30*time.Second)
	if !third.AlreadyLocked {
		t.Error("lock should survive mismatched release")
	}

	if err := s.ReleaseTokenLock(ctx, typ, "acct-1", first.LockID); err != nil {
		t.Fatalf("ReleaseTokenLock() error = %v", err)
	}
	fourth, _ := s.GetTokenWithLock(ctx, typ, "acct-1", 30*time.Second)
	if fourth.AlreadyLocked {
		t.Error("lock should be free after matching release")
	}
}

func TestSetKiroTokenDedup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.SetKiroToken(ctx, "acct-1", &store.Token{RefreshToken: "rt-1", AccessToken: "a"})
	if err != nil {
		t.Fatalf("SetKiroToken() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}

	// Same refresh token under a different account is refused.
	res, err = s.SetKiroToken(ctx, "acct-2", &store.Token{RefreshToken: "rt-1", AccessToken: "b"})
	if err != nil {
		t.Fatalf("SetKiroToken() error = %v", err)
	}
	if !res.Duplicate || res.ExistingUUID != "acct-1" {
		t.Fatalf("result = %+v, want duplicate owned by acct-1", res)
	}

	// The duplicate write must not have clobbered anything.
	if _, err := s.GetToken(ctx, store.TypeClaudeKiroOAuth, "acct-2"); err != store.ErrNotFound {
		t.Errorf("acct-2 token error = %v, want ErrNotFound", err)
	}

	check, err := s.CheckKiroRefreshTokenExists(ctx, "rt-1")
	if err != nil {
		t.Fatalf("CheckKiroRefreshTokenExists() error = %v", err)
	}
	if !check.IsDuplicate || check.ExistingUUID != "acct-1" {
		t.Errorf("check = %+v", check)
	}

	// Re-writing under the same account is allowed (token rotation).
	res, err = s.SetKiroToken(ctx, "acct-1", &store.Token{RefreshToken: "rt-1", AccessToken: "a2"})
	if err != nil || !res.Success {
		t.Fatalf("rotate result = %+v, err = %v", res, err)
	}

	if err := s.DeleteKiroToken(ctx, "acct-1"); err != nil {
		t.Fatalf("DeleteKiroToken() error = %v", err)
	}
	check, _ = s.CheckKiroRefreshTokenExists(ctx, "rt-1")
	if check.IsDuplicate {
		t.Error("index entry should be gone after delete")
	}
}

func TestKiroRoundRobinCounter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.KiroRoundRobinNext(ctx)
	if err != nil {
		t.Fatalf("KiroRoundRobinNext() error = %v", err)
	}
	second, _ := s.KiroRoundRobinNext(ctx)
	if second != first+1 {
		t.Errorf("counter did not advance: %d then %d", first, second)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	hash := store.SessionTokenHash([]byte("session-token"))
	sess := &store.Session{Username: "admin", LoginTime: time.Now().UTC().Truncate(time.Second)}
	if err := s.SetSession(ctx, hash, sess, time.Minute); err != nil {
		t.Fatalf("SetSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, hash)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Username != "admin" {
		t.Errorf("username = %q", got.Username)
	}

	// TTL expiry removes the session.
	mr.FastForward(2 * time.Minute)
	if _, err := s.GetSession(ctx, hash); err != store.ErrNotFound {
		t.Errorf("expired session error = %v, want ErrNotFound", err)
	}
}

func TestDisconnectedWritesQueueAndMirrorServesReads(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, store.TypeOpenAICustom, "acct-1")

	// Warm the mirror, then simulate a lost connection.
	if _, err := s.GetProviderPools(ctx); err != nil {
		t.Fatalf("GetProviderPools() error = %v", err)
	}
	s.connected.Store(false)

	pools, err := s.GetProviderPools(ctx)
	if err != nil {
		t.Fatalf("GetProviderPools() while down error = %v", err)
	}
	if len(pools[store.TypeOpenAICustom]) != 1 {
		t.Fatalf("mirror should serve pools while down, got %v", pools)
	}

	if _, err := s.IncrementUsage(ctx, store.TypeOpenAICustom, "acct-1"); err != nil {
		t.Fatalf("IncrementUsage() while down error = %v", err)
	}
	if s.Queue().Len() != 1 {
		t.Errorf("queue depth = %d, want 1", s.Queue().Len())
	}

	// The deferred increment is visible through the mirror.
	acc, err := s.GetProvider(ctx, store.TypeOpenAICustom, "acct-1")
	if err != nil {
		t.Fatalf("GetProvider() while down error = %v", err)
	}
	if acc.UsageCount != 1 {
		t.Errorf("mirrored usageCount = %d, want 1", acc.UsageCount)
	}

	// Reconnect and replay; the backend converges to the deferred state.
	s.connected.Store(true)
	if err := s.Queue().Replay(ctx, s.rdb); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	s.invalidateMirror("")

	acc, err = s.GetProvider(ctx, store.TypeOpenAICustom, "acct-1")
	if err != nil {
		t.Fatalf("GetProvider() after replay error = %v", err)
	}
	if acc.UsageCount != 1 {
		t.Errorf("replayed usageCount = %d, want 1", acc.UsageCount)
	}
}

func TestDisconnectedProviderMutationsPatchMirror(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, store.TypeOpenAICustom, "acct-1")

	// Warm the mirror, then simulate a lost connection.
	if _, err := s.GetProviderPools(ctx); err != nil {
		t.Fatalf("GetProviderPools() error = %v", err)
	}
	s.connected.Store(false)

	// A health-state persist while down must not wipe the pool view.
	disabled := true
	if err := s.UpdateProvider(ctx, store.TypeOpenAICustom, "acct-1",
		&store.AccountUpdate{IsDisabled: &disabled}); err != nil {
		t.Fatalf("UpdateProvider() while down error = %v", err)
	}
	pools, err := s.GetProviderPools(ctx)
	if err != nil {
		t.Fatalf("GetProviderPools() while down error = %v", err)
	}
	if len(pools[store.TypeOpenAICustom]) != 1 {
		t.Fatalf("pools while down = %v, want acct-1 still visible", pools)
	}
	if !pools[store.TypeOpenAICustom][0].IsDisabled {
		t.Error("deferred patch not visible through the mirror")
	}

	// An add appears in the mirror immediately.
	if err := s.AddProvider(ctx, &store.Account{
		UUID:         "acct-2",
		ProviderType: store.TypeOpenAICustom,
		IsHealthy:    true,
	}); err != nil {
		t.Fatalf("AddProvider() while down error = %v", err)
	}
	pools, _ = s.GetProviderPools(ctx)
	if len(pools[store.TypeOpenAICustom]) != 2 {
		t.Fatalf("pools after deferred add = %v, want both accounts", pools)
	}

	// A delete disappears from the mirror immediately.
	if err := s.DeleteProvider(ctx, store.TypeOpenAICustom, "acct-1"); err != nil {
		t.Fatalf("DeleteProvider() while down error = %v", err)
	}
	pools, _ = s.GetProviderPools(ctx)
	if len(pools[store.TypeOpenAICustom]) != 1 || pools[store.TypeOpenAICustom][0].UUID != "acct-2" {
		t.Fatalf("pools after deferred delete = %v, want only acct-2", pools)
	}

	if got := s.Queue().Len(); got != 3 {
		t.Errorf("queue depth = %d, want 3", got)
	}

	// Reconnect and replay; the backend converges to the mirrored state.
	s.connected.Store(true)
	if err := s.Queue().Replay(ctx, s.rdb); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	s.invalidateMirror("")

	pools, err = s.GetProviderPools(ctx)
	if err != nil {
		t.Fatalf("GetProviderPools() after replay error = %v", err)
	}
	if len(pools[store.TypeOpenAICustom]) != 1 || pools[store.TypeOpenAICustom][0].UUID != "acct-2" {
		t.Fatalf("pools after replay = %v, want only acct-2", pools)
	}
}

func TestMetadata(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SetMetadataField(ctx, "version", "2"); err != nil {
		t.Fatalf("SetMetadataField() error = %v", err)
	}
	meta, err := s.GetMetadata(ctx)
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if meta["version"] != "2" {
		t.Errorf("metadata = %v", meta)
	}
}
