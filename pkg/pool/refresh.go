package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"mercator-hq/saturn/pkg/store"
)

const maxRefreshReachedMsg = "Maximum refresh count reached"

// refreshQueue is the two-stage token-refresh pipeline. Requests first land
// in a per-type buffer that deduplicates bursts over a short delay; when a
// type's healthy count is low the buffer is bypassed. Execution honours a
// global and a per-type concurrency cap, and an active set prevents two
// refreshes of the same account.
type refreshQueue struct {
	m *Manager

	mu      sync.Mutex
	buffers map[store.ProviderType]map[string]bool // uuid -> force
	timers  map[store.ProviderType]*time.Timer
	active  map[string]bool

	globalSem chan struct{}
	typeSems  map[store.ProviderType]chan struct{}

	closed bool
	wg     sync.WaitGroup
}

func newRefreshQueue(m *Manager) *refreshQueue {
	return &refreshQueue{
		m:         m,
		buffers:   make(map[store.ProviderType]map[string]bool),
		timers:    make(map[store.ProviderType]*time.Timer),
		active:    make(map[string]bool),
		globalSem: make(chan struct{}, m.cfg.RefreshGlobal),
		typeSems:  make(map[store.ProviderType]chan struct{}),
	}
}

// Request enqueues a refresh. Duplicate requests for an account already
// buffered or executing collapse; a later force request upgrades a buffered
// non-force one.
func (q *refreshQueue) Request(t store.ProviderType, id string, force bool) {
	q.mu.Lock()
	if q.closed || q.active[id] {
		q.mu.Unlock()
		return
	}

	bypass := q.m.HealthyCount(t) < q.m.cfg.RefreshBypassHealthy
	if bypass {
		q.mu.Unlock()
		q.dispatch(t, map[string]bool{id: force})
		return
	}

	buf, ok := q.buffers[t]
	if !ok {
		buf = make(map[string]bool)
		q.buffers[t] = buf
	}
	buf[id] = buf[id] || force

	if _, running := q.timers[t]; !running {
		q.timers[t] = time.AfterFunc(q.m.cfg.RefreshBufferDelay, func() {
			q.flush(t)
		})
	}
	q.mu.Unlock()
}

// flush drains one type's buffer into execution.
func (q *refreshQueue) flush(t store.ProviderType) {
	q.mu.Lock()
	buf := q.buffers[t]
	delete(q.buffers, t)
	delete(q.timers, t)
	closed := q.closed
	q.mu.Unlock()

	if closed || len(buf) == 0 {
		return
	}
	q.dispatch(t, buf)
}

func (q *refreshQueue) dispatch(t store.ProviderType, batch map[string]bool) {
	// Stable execution order keeps retries predictable.
	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		q.mu.Lock()
		if q.closed || q.active[id] {
			q.mu.Unlock()
			continue
		}
		q.active[id] = true
		q.wg.Add(1)
		q.mu.Unlock()

		go q.execute(t, id, batch[id])
	}
}

func (q *refreshQueue) typeSem(t store.ProviderType) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	sem, ok := q.typeSems[t]
	if !ok {
		sem = make(chan struct{}, q.m.cfg.RefreshPerProvider)
		q.typeSems[t] = sem
	}
	return sem
}

func (q *refreshQueue) execute(t store.ProviderType, id string, force bool) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		delete(q.active, id)
		q.mu.Unlock()
	}()

	sem := q.typeSem(t)
	q.globalSem <- struct{}{}
	sem <- struct{}{}
	defer func() {
		<-sem
		<-q.globalSem
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	e, ok := q.m.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	attempts := e.acc.RefreshCount
	snap := e.acc
	e.mu.Unlock()

	if attempts >= q.m.cfg.MaxRefreshAttempts {
		q.m.markUnhealthyImmediate(ctx, e, t, id, maxRefreshReachedMsg)
		return
	}

	err := q.m.adapters.RefreshToken(ctx, &snap, force)
	if err == nil {
		e.mu.Lock()
		e.acc.NeedsRefresh = false
		e.acc.RefreshCount = 0
		e.mu.Unlock()

		clear := false
		zero := 0
		q.m.persistUpdate(ctx, t, id, &store.AccountUpdate{
			NeedsRefresh: &clear,
			RefreshCount: &zero,
		})
		q.m.logger.Info("token refreshed", "type", t, "uuid", id)
		return
	}

	attempts++
	e.mu.Lock()
	e.acc.RefreshCount = attempts
	e.mu.Unlock()
	q.m.persistUpdate(ctx, t, id, &store.AccountUpdate{RefreshCount: &attempts})
	q.m.logger.Warn("token refresh failed",
		"type", t, "uuid", id, "attempt", attempts, "error", err)

	if attempts >= q.m.cfg.MaxRefreshAttempts {
		q.m.markUnhealthyImmediate(ctx, e, t, id, maxRefreshReachedMsg)
	}
}

func (q *refreshQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for t, timer := range q.timers {
		timer.Stop()
		delete(q.timers, t)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Warmup enqueues refreshes for up to warmupTarget unused accounts per type
// so the pool carries warm tokens before traffic arrives.
func (m *Manager) Warmup() {
	for t, list := range m.Snapshot() {
		// Unused accounts first, then least used.
		sort.Slice(list, func(i, j int) bool {
			if list[i].UsageCount != list[j].UsageCount {
				return list[i].UsageCount < list[j].UsageCount
			}
			return list[i].UUID < list[j].UUID
		})
		n := 0
		for _, acc := range list {
			if acc.IsDisabled {
				continue
			}
			if n >= m.cfg.WarmupTarget {
				break
			}
			m.refresh.Request(t, acc.UUID, false)
			n++
		}
	}
}

// RefreshNearExpiry enqueues refreshes for accounts whose token expires
// inside the window.
func (m *Manager) RefreshNearExpiry(ctx context.Context, window time.Duration) {
	for t, list := range m.Snapshot() {
		if !isOAuthType(t) {
			continue
		}
		for _, acc := range list {
			if acc.IsDisabled {
				continue
			}
			tok, err := m.store.GetToken(ctx, t, acc.UUID)
			if err != nil {
				continue
			}
			exp := tok.ExpiryTime()
			if exp.IsZero() {
				continue
			}
			if until := time.Until(exp); until < window {
				m.logger.Info("token near expiry, refresh queued",
					"type", t, "uuid", acc.UUID, "expiresIn", until.Round(time.Second))
				m.refresh.Request(t, acc.UUID, false)
			}
		}
	}
}
