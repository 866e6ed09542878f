package pool

import (
	"math"
	"time"

	"mercator-hq/saturn/pkg/store"
)

// SelectOptions tunes one selection call.
type SelectOptions struct {
	// SkipUsageCount leaves usageCount untouched (health probes and other
	// non-billable calls).
	SkipUsageCount bool
}

// Selection is the result of a fallback-aware selection.
type Selection struct {
	Account     *store.Account
	ActualType  store.ProviderType
	ActualModel string
	IsFallback  bool
}

// SelectProvider picks the least-recently-loaded healthy account of a type,
// or nil when the pool has no candidate. requestedModel, when non-empty,
// excludes accounts that list it as unsupported.
func (m *Manager) SelectProvider(t store.ProviderType, requestedModel string, opts SelectOptions) *store.Account {
	m.sweepScheduledRecovery(false)

	candidates := m.selectable(t, requestedModel)
	if len(candidates) == 0 {
		// The throttled sweep may have skipped a due recovery; force one
		// pass before giving up.
		m.sweepScheduledRecovery(true)
		candidates = m.selectable(t, requestedModel)
	}
	if len(candidates) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	best, second := m.rank(candidates, now)

	// Anti-repeat: a candidate chosen within the rolling window yields to
	// the runner-up when one exists.
	best.mu.Lock()
	repeated := now-best.lastSelectedAt < m.cfg.AntiRepeatWindow.Milliseconds()
	best.mu.Unlock()
	if repeated && second != nil {
		best = second
	}

	seq := m.sequenceBase + m.seqCounter.Add(1)
	best.mu.Lock()
	best.acc.LastUsed = now
	best.lastSelectionSeq = seq
	best.lastSelectedAt = now
	if !opts.SkipUsageCount {
		best.acc.UsageCount++
	}
	snap := best.acc
	best.mu.Unlock()

	if !opts.SkipUsageCount {
		m.usage.Add(t, snap.UUID)
	}
	return &snap
}

// selectable filters the pool to entries eligible for selection right now.
func (m *Manager) selectable(t store.ProviderType, requestedModel string) []*entry {
	now := time.Now().UnixMilli()
	var out []*entry
	for _, e := range m.entries(t) {
		e.mu.Lock()
		ok := e.acc.IsHealthy && !e.acc.IsDisabled && !e.acc.NeedsRefresh && e.cooldownUntil <= now
		if ok && requestedModel != "" {
			ok = e.acc.SupportsModel(requestedModel)
		}
		e.mu.Unlock()
		if ok {
			out = append(out, e)
		}
	}
	return out
}

// rank returns the best and second-best entries by ascending score, breaking
// ties by lexical UUID order.
func (m *Manager) rank(candidates []*entry, now int64) (best, second *entry) {
	var bestScore, secondScore int64 = math.MaxInt64, math.MaxInt64
	freshWindow := m.cfg.FreshAfterWarmup.Milliseconds()

	for _, e := range candidates {
		e.mu.Lock()
		score := m.score(&e.acc, e.lastSelectionSeq, now, freshWindow)
		id := e.acc.UUID
		e.mu.Unlock()

		better := score < bestScore
		if !better && score == bestScore && best != nil {
			best.mu.Lock()
			better = id < best.acc.UUID
			best.mu.Unlock()
		}
		if better {
			second, secondScore = best, bestScore
			best, bestScore = e, score
			continue
		}
		if score < secondScore {
			second, secondScore = e, score
		}
	}
	return best, second
}

// score implements the selection ordering. Lower is more attractive. An
// account never used in this process scores as if last used a day ago; an
// unused account freshly health-checked jumps the whole queue.
func (m *Manager) score(acc *store.Account, lastSeq int64, now, freshWindow int64) int64 {
	if acc.UsageCount == 0 && acc.LastHealthCheckTime > 0 && now-acc.LastHealthCheckTime < freshWindow {
		return math.MinInt64 / 2
	}
	last := acc.LastUsed
	if last == 0 {
		last = now - 24*time.Hour.Milliseconds()
	}
	return last + acc.UsageCount*10000 + lastSeq*1000
}

// SelectProviderWithFallback walks the configured fallback chain when the
// primary pool is empty, then the model fallback mapping. Fallback types
// whose wire-protocol family differs from the primary, or whose model list
// excludes the requested model, are skipped.
func (m *Manager) SelectProviderWithFallback(t store.ProviderType, model string) (Selection, bool) {
	if acc := m.SelectProvider(t, model, SelectOptions{}); acc != nil {
		return Selection{Account: acc, ActualType: t, ActualModel: model}, true
	}

	primaryFamily := ProtocolFamily(t)
	for _, fb := range m.cfg.ProviderFallbackChain[t] {
		if ProtocolFamily(fb) != primaryFamily {
			continue
		}
		if !m.typeServesModel(fb, model) {
			continue
		}
		if acc := m.SelectProvider(fb, model, SelectOptions{}); acc != nil {
			m.logger.Info("provider fallback engaged",
				"from", t, "to", fb, "model", model)
			return Selection{Account: acc, ActualType: fb, ActualModel: model, IsFallback: true}, true
		}
	}

	if mf, ok := m.cfg.ModelFallbackMapping[model]; ok {
		target := mf.TargetModel
		if target == "" {
			target = model
		}
		if acc := m.SelectProvider(mf.TargetProviderType, target, SelectOptions{}); acc != nil {
			m.logger.Info("model fallback engaged",
				"from", t, "to", mf.TargetProviderType, "model", model, "targetModel", target)
			return Selection{Account: acc, ActualType: mf.TargetProviderType, ActualModel: target, IsFallback: true}, true
		}
		// One recursion level: the target's own chain.
		for _, fb := range m.cfg.ProviderFallbackChain[mf.TargetProviderType] {
			if ProtocolFamily(fb) != ProtocolFamily(mf.TargetProviderType) {
				continue
			}
			if !m.typeServesModel(fb, target) {
				continue
			}
			if acc := m.SelectProvider(fb, target, SelectOptions{}); acc != nil {
				return Selection{Account: acc, ActualType: fb, ActualModel: target, IsFallback: true}, true
			}
		}
	}
	return Selection{}, false
}

func (m *Manager) typeServesModel(t store.ProviderType, model string) bool {
	if model == "" {
		return true
	}
	models, ok := m.cfg.ProviderModels[t]
	if !ok || len(models) == 0 {
		return true
	}
	for _, mm := range models {
		if mm == model {
			return true
		}
	}
	return false
}

// ProtocolFamily groups provider types by the wire protocol their upstream
// speaks. Fallback never crosses families.
func ProtocolFamily(t store.ProviderType) string {
	switch t {
	case store.TypeGeminiCLIOAuth, store.TypeGeminiAntigravity:
		return "gemini"
	case store.TypeClaudeKiroOAuth, store.TypeClaudeCustom, store.TypeClaudeOrchidsOAuth:
		return "claude"
	case store.TypeOpenAICustom, store.TypeOpenAIResponses, store.TypeOpenAIQwenOAuth,
		store.TypeOpenAIIFlow, store.TypeOpenAICodexOAuth:
		return "openai"
	default:
		return string(t)
	}
}
