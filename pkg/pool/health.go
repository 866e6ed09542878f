package pool

import (
	"context"
	"fmt"
	"time"

	"mercator-hq/saturn/pkg/store"
)

// UpstreamError classifies an upstream failure for the health state machine.
type UpstreamError struct {
	// Status is the upstream HTTP status, 0 for transport errors.
	Status int

	// Message is recorded as the account's last error.
	Message string

	// ResetAt, when non-zero alongside a 402, schedules automatic recovery.
	ResetAt time.Time
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// RecordSuccess notes a completed request. Counter persistence rides the
// usage batch; nothing else changes.
func (m *Manager) RecordSuccess(t store.ProviderType, id string) {
	if e, ok := m.lookup(id); ok {
		e.mu.Lock()
		e.acc.LastErrorMessage = ""
		e.mu.Unlock()
	}
}

// RecordError drives the health state machine for one upstream failure.
//
//	401/403            unhealthy immediately, error count jumps to the max
//	402 with reset-at  unhealthy with a scheduled recovery time
//	429                in-memory cool-down only, no durable error
//	anything else      windowed error count, unhealthy at the threshold
func (m *Manager) RecordError(ctx context.Context, t store.ProviderType, id string, ue *UpstreamError) {
	e, ok := m.lookup(id)
	if !ok {
		return
	}

	switch {
	case ue.Status == 401 || ue.Status == 403:
		m.markUnhealthyImmediate(ctx, e, t, id, ue.Message)

	case ue.Status == 402 && !ue.ResetAt.IsZero():
		resetMs := ue.ResetAt.UnixMilli()
		e.mu.Lock()
		e.acc.IsHealthy = false
		e.acc.ScheduledRecoveryTime = resetMs
		e.acc.LastErrorTime = time.Now().UnixMilli()
		e.acc.LastErrorMessage = ue.Message
		e.mu.Unlock()

		unhealthy := false
		m.persistUpdate(ctx, t, id, &store.AccountUpdate{
			IsHealthy:             &unhealthy,
			ScheduledRecoveryTime: &resetMs,
			LastErrorMessage:      &ue.Message,
		})
		m.logger.Warn("account quota exhausted, recovery scheduled",
			"type", t, "uuid", id, "resetAt", ue.ResetAt)

	case ue.Status == 429:
		m.MarkCooldown(id, m.cfg.HealthCooldown)

	default:
		m.recordWindowedError(ctx, e, t, id, ue.Message)
	}
}

func (m *Manager) markUnhealthyImmediate(ctx context.Context, e *entry, t store.ProviderType, id, message string) {
	now := time.Now().UnixMilli()
	e.mu.Lock()
	e.acc.IsHealthy = false
	e.acc.ErrorCount = int64(m.cfg.MaxErrorCount)
	e.acc.LastErrorTime = now
	e.acc.LastErrorMessage = message
	e.mu.Unlock()

	if _, err := m.store.IncrementError(ctx, t, id, true, message); err != nil {
		m.logger.Error("failed to persist unhealthy mark", "type", t, "uuid", id, "error", err)
	}
	m.logger.Warn("account marked unhealthy", "type", t, "uuid", id, "reason", message)
}

// recordWindowedError counts errors inside the rolling window; crossing the
// threshold flips the account unhealthy in the same mutation.
func (m *Manager) recordWindowedError(ctx context.Context, e *entry, t store.ProviderType, id, message string) {
	now := time.Now().UnixMilli()

	e.mu.Lock()
	if now-e.acc.LastErrorTime > m.cfg.ErrorWindow.Milliseconds() {
		e.acc.ErrorCount = 0
	}
	e.acc.ErrorCount++
	e.acc.LastErrorTime = now
	e.acc.LastUsed = now
	e.acc.LastErrorMessage = message
	crossed := e.acc.ErrorCount >= int64(m.cfg.MaxErrorCount)
	if crossed {
		e.acc.IsHealthy = false
	}
	count := e.acc.ErrorCount
	e.mu.Unlock()

	if count == 1 {
		// Window restart needs an absolute write, not an increment.
		one := int64(1)
		upd := &store.AccountUpdate{ErrorCount: &one, LastErrorTime: &now, LastErrorMessage: &message}
		if crossed {
			unhealthy := false
			upd.IsHealthy = &unhealthy
		}
		m.persistUpdate(ctx, t, id, upd)
	} else if _, err := m.store.IncrementError(ctx, t, id, crossed, message); err != nil {
		m.logger.Error("failed to persist error count", "type", t, "uuid", id, "error", err)
	}

	if crossed {
		m.logger.Warn("account crossed error threshold",
			"type", t, "uuid", id, "errorCount", count)
	}
}

// MarkCooldown excludes the account from selection for the duration without
// touching durable state.
func (m *Manager) MarkCooldown(id string, d time.Duration) {
	if e, ok := m.lookup(id); ok {
		e.mu.Lock()
		e.cooldownUntil = time.Now().Add(d).UnixMilli()
		e.mu.Unlock()
	}
}

func (m *Manager) persistUpdate(ctx context.Context, t store.ProviderType, id string, upd *store.AccountUpdate) {
	if err := m.store.UpdateProvider(ctx, t, id, upd); err != nil {
		m.logger.Error("failed to persist account update", "type", t, "uuid", id, "error", err)
	}
}

// sweepScheduledRecovery restores every account whose scheduled recovery
// time has passed. Throttled to once per RecoverySweepInterval unless
// forced.
func (m *Manager) sweepScheduledRecovery(force bool) {
	now := time.Now().UnixMilli()
	last := m.lastSweep.Load()
	if !force && now-last < m.cfg.RecoverySweepInterval.Milliseconds() {
		return
	}
	if !m.lastSweep.CompareAndSwap(last, now) {
		return
	}

	m.mu.RLock()
	var due []struct {
		t  store.ProviderType
		id string
	}
	for t, list := range m.pools {
		for _, e := range list {
			e.mu.Lock()
			if !e.acc.IsHealthy && e.acc.ScheduledRecoveryTime > 0 && e.acc.ScheduledRecoveryTime <= now {
				e.acc.IsHealthy = true
				e.acc.ScheduledRecoveryTime = 0
				e.acc.ErrorCount = 0
				due = append(due, struct {
					t  store.ProviderType
					id string
				}{t, e.acc.UUID})
			}
			e.mu.Unlock()
		}
	}
	m.mu.RUnlock()

	if len(due) == 0 {
		return
	}
	// Persistence runs off the selection path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		healthy := true
		var zero int64
		zeroCount := int64(0)
		for _, d := range due {
			m.persistUpdate(ctx, d.t, d.id, &store.AccountUpdate{
				IsHealthy:             &healthy,
				ScheduledRecoveryTime: &zero,
				ErrorCount:            &zeroCount,
			})
			m.logger.Info("account recovered on schedule", "type", d.t, "uuid", d.id)
		}
	}()
}

// CheckAccountHealth probes one account and applies the result to the state
// machine. OAuth accounts get a token pre-check: a cached credential inside
// the expiry safety window fails without a network call.
func (m *Manager) CheckAccountHealth(ctx context.Context, t store.ProviderType, id string) error {
	e, ok := m.lookup(id)
	if !ok {
		return store.ErrNotFound
	}

	e.mu.Lock()
	model := e.acc.CheckModelName
	e.mu.Unlock()

	if isOAuthType(t) {
		if tok, err := m.store.GetToken(ctx, t, id); err == nil {
			if exp := tok.ExpiryTime(); !exp.IsZero() && time.Until(exp) < m.cfg.OAuthExpirySafety {
				m.applyProbeResult(ctx, e, t, id, model, fmt.Errorf("cached token expires at %s", exp.Format(time.RFC3339)))
				return fmt.Errorf("pool: token near expiry for %s", id)
			}
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	snap := e.snapshot()
	err := m.adapters.HealthCheck(probeCtx, snap, model)
	m.applyProbeResult(ctx, e, t, id, model, err)
	return err
}

func (m *Manager) applyProbeResult(ctx context.Context, e *entry, t store.ProviderType, id, model string, probeErr error) {
	now := time.Now().UnixMilli()
	healthy := probeErr == nil

	e.mu.Lock()
	e.acc.LastHealthCheckTime = now
	if model != "" {
		e.acc.LastHealthCheckModel = model
	}
	if healthy {
		e.acc.IsHealthy = true
		e.acc.ErrorCount = 0
	} else {
		e.acc.IsHealthy = false
		e.acc.LastErrorMessage = probeErr.Error()
	}
	e.mu.Unlock()

	if err := m.store.UpdateHealthStatus(ctx, t, id, healthy); err != nil {
		m.logger.Error("failed to persist health status", "type", t, "uuid", id, "error", err)
	}
	if model != "" {
		m.persistUpdate(ctx, t, id, &store.AccountUpdate{LastHealthCheckModel: &model})
	}
	if healthy {
		m.logger.Debug("health probe passed", "type", t, "uuid", id)
	} else {
		m.logger.Warn("health probe failed", "type", t, "uuid", id, "error", probeErr)
	}
}

// RunHealthSweep probes every checkHealth-opted-in account whose last error
// is older than the sweep interval.
func (m *Manager) RunHealthSweep(ctx context.Context, interval time.Duration) {
	now := time.Now().UnixMilli()
	for t, list := range m.Snapshot() {
		for _, acc := range list {
			if !acc.CheckHealth || acc.IsDisabled {
				continue
			}
			if acc.LastErrorTime > 0 && now-acc.LastErrorTime < interval.Milliseconds() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			_ = m.CheckAccountHealth(ctx, t, acc.UUID)
		}
	}
}

func isOAuthType(t store.ProviderType) bool {
	switch t {
	case store.TypeGeminiCLIOAuth, store.TypeGeminiAntigravity, store.TypeClaudeKiroOAuth,
		store.TypeOpenAIQwenOAuth, store.TypeOpenAICodexOAuth, store.TypeClaudeOrchidsOAuth,
		store.TypeOpenAIIFlow:
		return true
	default:
		return false
	}
}
