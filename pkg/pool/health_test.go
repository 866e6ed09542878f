package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"mercator-hq/saturn/pkg/store"
)

func TestAuthFailureImmediatelyUnhealthy(t *testing.T) {
	m, _ := newTestManager(t, Config{},
		healthyAccount(store.TypeOpenAICustom, "a"))
	ctx := context.Background()

	m.RecordError(ctx, store.TypeOpenAICustom, "a", &UpstreamError{Status: 401, Message: "bad key"})

	if acc := m.SelectProvider(store.TypeOpenAICustom, "", SelectOptions{}); acc != nil {
		t.Errorf("unhealthy account was selected: %v", acc)
	}
	snap := m.Snapshot()[store.TypeOpenAICustom][0]
	if snap.IsHealthy {
		t.Error("account should be unhealthy after 401")
	}
	if snap.ErrorCount != int64(m.cfg.MaxErrorCount) {
		t.Errorf("errorCount = %d, want max %d", snap.ErrorCount, m.cfg.MaxErrorCount)
	}
	if snap.LastErrorMessage != "bad key" {
		t.Errorf("lastErrorMessage = %q", snap.LastErrorMessage)
	}
}

func TestWindowedErrorsCrossThreshold(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxErrorCount: 3},
		healthyAccount(store.TypeOpenAICustom, "a"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		m.RecordError(ctx, store.TypeOpenAICustom, "a", &UpstreamError{Status: 500, Message: "boom"})
	}
	if snap := m.Snapshot()[store.TypeOpenAICustom][0]; !snap.IsHealthy {
		t.Fatal("two errors must not flip the account below threshold 3")
	}

	m.RecordError(ctx, store.TypeOpenAICustom, "a", &UpstreamError{Status: 500, Message: "boom"})
	if snap := m.Snapshot()[store.TypeOpenAICustom][0]; snap.IsHealthy {
		t.Error("third windowed error should flip the account unhealthy")
	}
}

func TestErrorWindowResetsCount(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxErrorCount: 2, ErrorWindow: 20 * time.Millisecond},
		healthyAccount(store.TypeOpenAICustom, "a"))
	ctx := context.Background()

	m.RecordError(ctx, store.TypeOpenAICustom, "a", &UpstreamError{Status: 500, Message: "x"})
	time.Sleep(30 * time.Millisecond)
	m.RecordError(ctx, store.TypeOpenAICustom, "a", &UpstreamError{Status: 500, Message: "y"})

	snap := m.Snapshot()[store.TypeOpenAICustom][0]
	if !snap.IsHealthy {
		t.Error("errors in separate windows must not accumulate")
	}
	if snap.ErrorCount != 1 {
		t.Errorf("errorCount = %d, want 1 after window restart", snap.ErrorCount)
	}
}

func TestCooldownExcludesThenRecovers(t *testing.T) {
	m, _ := newTestManager(t, Config{HealthCooldown: 30 * time.Millisecond},
		healthyAccount(store.TypeClaudeKiroOAuth, "a"))
	ctx := context.Background()

	m.RecordError(ctx, store.TypeClaudeKiroOAuth, "a", &UpstreamError{Status: 429, Message: "slow down"})
	if acc := m.SelectProvider(store.TypeClaudeKiroOAuth, "", SelectOptions{}); acc != nil {
		t.Error("cooled-down account was selected")
	}
	// A 429 is transient; durable health state is untouched.
	if snap := m.Snapshot()[store.TypeClaudeKiroOAuth][0]; !snap.IsHealthy {
		t.Error("429 must not mark the account durably unhealthy")
	}

	time.Sleep(40 * time.Millisecond)
	if acc := m.SelectProvider(store.TypeClaudeKiroOAuth, "", SelectOptions{}); acc == nil {
		t.Error("account should be selectable after cool-down expiry")
	}
}

func TestScheduledRecoveryRestoresAccount(t *testing.T) {
	m, _ := newTestManager(t, Config{},
		healthyAccount(store.TypeGeminiCLIOAuth, "a"))
	ctx := context.Background()

	m.RecordError(ctx, store.TypeGeminiCLIOAuth, "a", &UpstreamError{
		Status:  402,
		Message: "quota exhausted",
		ResetAt: time.Now().Add(20 * time.Millisecond),
	})
	if acc := m.SelectProvider(store.TypeGeminiCLIOAuth, "", SelectOptions{}); acc != nil {
		t.Error("quota-exhausted account was selected before its reset time")
	}

	time.Sleep(30 * time.Millisecond)
	// The empty-pool path forces a recovery sweep.
	acc := m.SelectProvider(store.TypeGeminiCLIOAuth, "", SelectOptions{})
	if acc == nil {
		t.Fatal("account should recover once the reset time passes")
	}
	if acc.ScheduledRecoveryTime != 0 || acc.ErrorCount != 0 {
		t.Errorf("recovered account = %+v, want cleared error state", acc)
	}
}

func TestProbeSuccessRestoresHealth(t *testing.T) {
	sick := healthyAccount(store.TypeOpenAICustom, "a")
	sick.IsHealthy = false
	sick.ErrorCount = 5
	sick.CheckHealth = true

	m, fa := newTestManager(t, Config{}, sick)

	if err := m.CheckAccountHealth(context.Background(), store.TypeOpenAICustom, "a"); err != nil {
		t.Fatalf("CheckAccountHealth() error = %v", err)
	}
	if len(fa.probed) != 1 {
		t.Fatalf("probe count = %d, want 1", len(fa.probed))
	}
	snap := m.Snapshot()[store.TypeOpenAICustom][0]
	if !snap.IsHealthy || snap.ErrorCount != 0 {
		t.Errorf("account = %+v, want healthy with cleared errors", snap)
	}
	if snap.LastHealthCheckTime == 0 {
		t.Error("lastHealthCheckTime not stamped")
	}
}

func TestProbeFailureMarksUnhealthy(t *testing.T) {
	m, fa := newTestManager(t, Config{},
		healthyAccount(store.TypeOpenAICustom, "a"))
	fa.healthErr = errors.New("upstream says no")

	if err := m.CheckAccountHealth(context.Background(), store.TypeOpenAICustom, "a"); err == nil {
		t.Fatal("CheckAccountHealth() should surface the probe error")
	}
	if snap := m.Snapshot()[store.TypeOpenAICustom][0]; snap.IsHealthy {
		t.Error("account should be unhealthy after a failed probe")
	}
}

func TestOAuthPreCheckSkipsNetwork(t *testing.T) {
	m, fa := newTestManager(t, Config{},
		healthyAccount(store.TypeOpenAIQwenOAuth, "a"))
	ctx := context.Background()

	// Token expiring inside the safety window fails without a probe.
	expiring := &store.Token{
		AccessToken: "x",
		ExpiresAt:   time.Now().Add(5 * time.Second).Format(time.RFC3339),
	}
	if err := m.store.SetToken(ctx, store.TypeOpenAIQwenOAuth, "a", expiring, 0); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}

	if err := m.CheckAccountHealth(ctx, store.TypeOpenAIQwenOAuth, "a"); err == nil {
		t.Fatal("near-expiry token should fail the health check")
	}
	if len(fa.probed) != 0 {
		t.Errorf("probe count = %d, want 0 (pre-check short-circuits)", len(fa.probed))
	}
}

func TestHealthSweepSkipsRecentErrors(t *testing.T) {
	recent := healthyAccount(store.TypeOpenAICustom, "recent")
	recent.CheckHealth = true
	recent.LastErrorTime = time.Now().UnixMilli()
	quiet := healthyAccount(store.TypeOpenAICustom, "quiet")
	quiet.CheckHealth = true
	optedOut := healthyAccount(store.TypeOpenAICustom, "opted-out")

	m, fa := newTestManager(t, Config{}, recent, quiet, optedOut)

	m.RunHealthSweep(context.Background(), 10*time.Minute)
	if len(fa.probed) != 1 || fa.probed[0] != "quiet" {
		t.Errorf("probed = %v, want only the quiet opted-in account", fa.probed)
	}
}
