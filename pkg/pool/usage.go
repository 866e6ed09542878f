package pool

import (
	"context"
	"sync"
	"time"

	"mercator-hq/saturn/pkg/store"
)

// usageBatch coalesces usage increments and flushes them to the store on an
// adaptive interval: a deep queue flushes fast, a quiet one slow.
type usageBatch struct {
	m   *Manager
	min time.Duration
	max time.Duration

	mu      sync.Mutex
	pending map[usageKey]int64

	stop chan struct{}
	done chan struct{}
}

type usageKey struct {
	t  store.ProviderType
	id string
}

func newUsageBatch(m *Manager, min, max time.Duration) *usageBatch {
	b := &usageBatch{
		m:       m,
		min:     min,
		max:     max,
		pending: make(map[usageKey]int64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.loop()
	return b
}

// Add records one usage increment for the account.
func (b *usageBatch) Add(t store.ProviderType, id string) {
	b.mu.Lock()
	b.pending[usageKey{t, id}]++
	b.mu.Unlock()
}

func (b *usageBatch) loop() {
	defer close(b.done)
	interval := b.max
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-b.stop:
			b.flush()
			return
		case <-timer.C:
			depth := b.flush()
			switch {
			case depth > 50:
				interval = b.min
			case depth < 10:
				interval = b.max
			default:
				interval = (b.min + b.max) / 2
			}
			timer.Reset(interval)
		}
	}
}

// flush persists and clears the pending map, returning the depth it saw.
func (b *usageBatch) flush() int {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return 0
	}
	batch := b.pending
	b.pending = make(map[usageKey]int64)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for k, n := range batch {
		for i := int64(0); i < n; i++ {
			if _, err := b.m.store.IncrementUsage(ctx, k.t, k.id); err != nil {
				b.m.logger.Error("usage flush failed", "type", k.t, "uuid", k.id, "error", err)
				break
			}
		}
	}
	return len(batch)
}

func (b *usageBatch) Close() {
	close(b.stop)
	<-b.done
}
