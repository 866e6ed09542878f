// Package pool manages the per-type provider account pools: selection,
// health transitions, scheduled recovery, token-refresh scheduling, and
// batched usage accounting. Selection is purely in-memory and lock-free at
// the pool level; durable counters converge through the store's atomic
// primitives.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/saturn/pkg/store"
)

// Adapters supplies the per-account upstream operations the manager needs.
// The concrete implementation lives in the adapter layer; the manager only
// drives probes and refreshes through it.
type Adapters interface {
	// HealthCheck sends a minimal completion probe for the account.
	HealthCheck(ctx context.Context, acc *store.Account, model string) error

	// RefreshToken refreshes the account's credential. force bypasses the
	// adapter's own freshness check.
	RefreshToken(ctx context.Context, acc *store.Account, force bool) error
}

// ModelFallback redirects a model to another provider type when the primary
// pool is empty.
type ModelFallback struct {
	TargetProviderType store.ProviderType
	TargetModel        string
}

// Config tunes the pool manager. Zero values take the documented defaults.
type Config struct {
	// MaxErrorCount is the windowed error threshold that flips an account
	// unhealthy. Default 3.
	MaxErrorCount int

	// ErrorWindow is the rolling window for error counting. Default 10s.
	ErrorWindow time.Duration

	// AntiRepeatWindow suppresses back-to-back selection of the same
	// account. Default 100ms.
	AntiRepeatWindow time.Duration

	// RecoverySweepInterval throttles the scheduled-recovery sweep.
	// Default 1s.
	RecoverySweepInterval time.Duration

	// HealthCooldown is the 429 cool-down period. Default 6s.
	HealthCooldown time.Duration

	// FreshAfterWarmup is the window after a health check during which an
	// unused account is scored as maximally attractive. Default 2m.
	FreshAfterWarmup time.Duration

	// OAuthExpirySafety is the pre-check window: a cached token expiring
	// inside it fails the probe without a network call. Default 30s.
	OAuthExpirySafety time.Duration

	// ProbeTimeout is the health-check wall clock limit. Default 15s.
	ProbeTimeout time.Duration

	// ProviderFallbackChain lists fallback provider types per primary type.
	ProviderFallbackChain map[store.ProviderType][]store.ProviderType

	// ProviderModels restricts which models a fallback type may serve.
	// A type with no entry serves any model.
	ProviderModels map[store.ProviderType][]string

	// ModelFallbackMapping redirects a model to another provider when every
	// pool in the primary chain is empty.
	ModelFallbackMapping map[string]ModelFallback

	// Refresh queue tuning.
	RefreshBufferDelay   time.Duration // default 5s
	RefreshBypassHealthy int           // buffer bypass threshold, default 5
	RefreshPerProvider   int           // default 1
	RefreshGlobal        int           // default 1
	MaxRefreshAttempts   int           // default 3

	// WarmupTarget is how many accounts per type warmup refreshes.
	// Default 2.
	WarmupTarget int

	// Usage batch flush bounds. Defaults 10ms and 100ms.
	UsageFlushMin time.Duration
	UsageFlushMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxErrorCount <= 0 {
		c.MaxErrorCount = 3
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = 10 * time.Second
	}
	if c.AntiRepeatWindow <= 0 {
		c.AntiRepeatWindow = 100 * time.Millisecond
	}
	if c.RecoverySweepInterval <= 0 {
		c.RecoverySweepInterval = time.Second
	}
	if c.HealthCooldown <= 0 {
		c.HealthCooldown = 6 * time.Second
	}
	if c.FreshAfterWarmup <= 0 {
		c.FreshAfterWarmup = 2 * time.Minute
	}
	if c.OAuthExpirySafety <= 0 {
		c.OAuthExpirySafety = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 15 * time.Second
	}
	if c.RefreshBufferDelay <= 0 {
		c.RefreshBufferDelay = 5 * time.Second
	}
	if c.RefreshBypassHealthy <= 0 {
		c.RefreshBypassHealthy = 5
	}
	if c.RefreshPerProvider <= 0 {
		c.RefreshPerProvider = 1
	}
	if c.RefreshGlobal <= 0 {
		c.RefreshGlobal = 1
	}
	if c.MaxRefreshAttempts <= 0 {
		c.MaxRefreshAttempts = 3
	}
	if c.WarmupTarget <= 0 {
		c.WarmupTarget = 2
	}
	if c.UsageFlushMin <= 0 {
		c.UsageFlushMin = 10 * time.Millisecond
	}
	if c.UsageFlushMax <= 0 {
		c.UsageFlushMax = 100 * time.Millisecond
	}
	return c
}

// entry is the in-memory mirror of one account plus selection-only runtime
// state that never persists.
type entry struct {
	mu  sync.Mutex
	acc store.Account

	lastSelectionSeq int64
	lastSelectedAt   int64 // epoch ms, anti-repeat window
	cooldownUntil    int64 // epoch ms, 429 cool-down
}

func (e *entry) snapshot() *store.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.acc
	if e.acc.NotSupportedModels != nil {
		out.NotSupportedModels = append([]string(nil), e.acc.NotSupportedModels...)
	}
	return &out
}

// Manager owns the pools.
type Manager struct {
	cfg      Config
	store    store.Store
	adapters Adapters
	logger   *slog.Logger

	mu    sync.RWMutex
	pools map[store.ProviderType][]*entry
	index map[string]*entry

	// sequenceBase anchors selection sequence numbers to process start so
	// they keep increasing across restarts.
	sequenceBase int64
	seqCounter   atomic.Int64

	lastSweep atomic.Int64 // epoch ms of the last recovery sweep

	usage   *usageBatch
	refresh *refreshQueue
}

// New loads all pools from the store and starts the usage batcher and the
// refresh queue.
func New(ctx context.Context, st store.Store, adapters Adapters, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:          cfg,
		store:        st,
		adapters:     adapters,
		logger:       slog.Default().With("component", "pool"),
		pools:        make(map[store.ProviderType][]*entry),
		index:        make(map[string]*entry),
		sequenceBase: time.Now().UnixMilli() * 1000,
	}
	if err := m.Reload(ctx); err != nil {
		return nil, err
	}
	m.usage = newUsageBatch(m, cfg.UsageFlushMin, cfg.UsageFlushMax)
	m.refresh = newRefreshQueue(m)
	return m, nil
}

// Reload replaces the in-memory mirror with the store's current pools.
// Runtime selection state is carried over by UUID.
func (m *Manager) Reload(ctx context.Context) error {
	pools, err := m.store.GetProviderPools(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.index
	m.pools = make(map[store.ProviderType][]*entry, len(pools))
	m.index = make(map[string]*entry)
	for t, accs := range pools {
		list := make([]*entry, 0, len(accs))
		for _, acc := range accs {
			e := &entry{acc: *acc}
			if prev, ok := old[acc.UUID]; ok {
				prev.mu.Lock()
				e.lastSelectionSeq = prev.lastSelectionSeq
				e.lastSelectedAt = prev.lastSelectedAt
				e.cooldownUntil = prev.cooldownUntil
				prev.mu.Unlock()
			}
			list = append(list, e)
			m.index[acc.UUID] = e
		}
		m.pools[t] = list
	}
	return nil
}

// entries returns the live entry slice for a type.
func (m *Manager) entries(t store.ProviderType) []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[t]
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.index[id]
	return e, ok
}

// AddAccount inserts a new account into both the store and the mirror.
func (m *Manager) AddAccount(ctx context.Context, acc *store.Account) error {
	if err := m.store.AddProvider(ctx, acc); err != nil {
		return err
	}
	e := &entry{acc: *acc}
	m.mu.Lock()
	m.pools[acc.ProviderType] = append(m.pools[acc.ProviderType], e)
	m.index[acc.UUID] = e
	m.mu.Unlock()
	return nil
}

// RemoveAccount deletes an account from both the store and the mirror.
func (m *Manager) RemoveAccount(ctx context.Context, t store.ProviderType, id string) error {
	if err := m.store.DeleteProvider(ctx, t, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.pools[t]
	for i, e := range list {
		if e.acc.UUID == id {
			m.pools[t] = append(list[:i], list[i+1:]...)
			break
		}
	}
	delete(m.index, id)
	return nil
}

// HealthyCount reports how many accounts of a type are currently selectable.
func (m *Manager) HealthyCount(t store.ProviderType) int {
	n := 0
	now := time.Now().UnixMilli()
	for _, e := range m.entries(t) {
		e.mu.Lock()
		if e.acc.IsHealthy && !e.acc.IsDisabled && !e.acc.NeedsRefresh && e.cooldownUntil <= now {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// HealthyAccounts returns copies of every currently selectable account of a
// type, in pool order. The round-robin paths index into this list.
func (m *Manager) HealthyAccounts(t store.ProviderType) []*store.Account {
	now := time.Now().UnixMilli()
	var out []*store.Account
	for _, e := range m.entries(t) {
		e.mu.Lock()
		ok := e.acc.IsHealthy && !e.acc.IsDisabled && !e.acc.NeedsRefresh && e.cooldownUntil <= now
		e.mu.Unlock()
		if ok {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// Snapshot returns a copy of every account for health reporting.
func (m *Manager) Snapshot() map[store.ProviderType][]*store.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[store.ProviderType][]*store.Account, len(m.pools))
	for t, list := range m.pools {
		accs := make([]*store.Account, len(list))
		for i, e := range list {
			accs[i] = e.snapshot()
		}
		out[t] = accs
	}
	return out
}

// NoteUsage records one completed request for an account chosen outside
// SelectProvider (the round-robin paths). Persistence rides the usage batch.
func (m *Manager) NoteUsage(t store.ProviderType, id string) {
	now := time.Now().UnixMilli()
	if e, ok := m.lookup(id); ok {
		e.mu.Lock()
		e.acc.UsageCount++
		e.acc.LastUsed = now
		e.mu.Unlock()
	}
	m.usage.Add(t, id)
}

// RequestRefresh queues a token refresh for the account.
func (m *Manager) RequestRefresh(t store.ProviderType, id string, force bool) {
	m.refresh.Request(t, id, force)
}

// Close stops background workers and flushes pending usage.
func (m *Manager) Close() {
	m.usage.Close()
	m.refresh.Close()
}
