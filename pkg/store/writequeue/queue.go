// Package writequeue buffers store writes while the backing medium is down
// and replays them once it returns. The queue is bounded: when full it drops
// the oldest entry and notifies overflow listeners, so a long outage degrades
// to losing the oldest deferred writes rather than growing without bound.
package writequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Operation is a deferred write. It receives the reconnected backend client
// and must be safe to run more than once; replay retries failed entries.
type Operation func(ctx context.Context, client any) error

// item is one queued operation with its retry bookkeeping.
type item struct {
	op          Operation
	description string
	retries     int
	enqueuedAt  time.Time
}

// OverflowListener is notified with the description of each dropped entry.
type OverflowListener func(droppedDescription string)

// Queue is a bounded FIFO of deferred writes.
type Queue struct {
	mu        sync.Mutex
	items     []item
	maxSize   int
	maxRetry  int
	retryWait time.Duration

	replaying bool

	listeners []OverflowListener

	// Failed counts operations abandoned after maxRetry attempts.
	failed int64
	// Dropped counts operations lost to overflow.
	dropped int64

	logger *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxSize bounds the queue length. Default 1000.
func WithMaxSize(n int) Option { return func(q *Queue) { q.maxSize = n } }

// WithMaxRetries bounds per-operation replay attempts. Default 3.
func WithMaxRetries(n int) Option { return func(q *Queue) { q.maxRetry = n } }

// WithRetryDelay sets the pause between replay attempts of a failed entry.
func WithRetryDelay(d time.Duration) Option { return func(q *Queue) { q.retryWait = d } }

// New creates a write queue with the defaults from the service contract.
func New(opts ...Option) *Queue {
	q := &Queue{
		maxSize:   1000,
		maxRetry:  3,
		retryWait: 100 * time.Millisecond,
		logger:    slog.Default().With("component", "store.writequeue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// OnOverflow registers a listener invoked whenever an entry is dropped.
func (q *Queue) OnOverflow(fn OverflowListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Push appends an operation. When the queue is full the oldest entry is
// dropped and overflow listeners fire.
func (q *Queue) Push(op Operation, description string) {
	var droppedDesc string
	var listeners []OverflowListener

	q.mu.Lock()
	if len(q.items) >= q.maxSize {
		droppedDesc = q.items[0].description
		q.items = q.items[1:]
		q.dropped++
		listeners = append(listeners, q.listeners...)
	}
	q.items = append(q.items, item{op: op, description: description, enqueuedAt: time.Now()})
	depth := len(q.items)
	q.mu.Unlock()

	if droppedDesc != "" || listeners != nil {
		q.logger.Warn("write queue overflow, dropped oldest entry",
			"dropped", droppedDesc,
			"depth", depth,
		)
		for _, fn := range listeners {
			fn(droppedDesc)
		}
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns the number of permanently failed and dropped operations.
func (q *Queue) Stats() (failed, dropped int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed, q.dropped
}

// Replay drains the queue serially against the reconnected client. A failing
// entry is re-queued until its retry budget is spent, after which it is
// counted as permanently failed. Replay refuses to run concurrently with
// itself; the second caller returns immediately with no error.
func (q *Queue) Replay(ctx context.Context, client any) error {
	q.mu.Lock()
	if q.replaying {
		q.mu.Unlock()
		return nil
	}
	q.replaying = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.replaying = false
		q.mu.Unlock()
	}()

	replayed := 0
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			break
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			// Put the entry back so a later replay can finish the drain.
			q.mu.Lock()
			q.items = append([]item{it}, q.items...)
			q.mu.Unlock()
			return err
		}

		if err := it.op(ctx, client); err != nil {
			it.retries++
			if it.retries >= q.maxRetry {
				q.mu.Lock()
				q.failed++
				q.mu.Unlock()
				q.logger.Error("write queue entry permanently failed",
					"description", it.description,
					"retries", it.retries,
					"error", err,
				)
				continue
			}
			q.logger.Warn("write queue entry failed, re-queueing",
				"description", it.description,
				"retries", it.retries,
				"error", err,
			)
			q.mu.Lock()
			q.items = append(q.items, it)
			q.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.retryWait):
			}
			continue
		}
		replayed++
	}

	if replayed > 0 {
		q.logger.Info("write queue replay complete", "replayed", replayed)
	}
	return nil
}

// String describes the queue for diagnostics.
func (q *Queue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("writequeue{depth=%d, failed=%d, dropped=%d}", len(q.items), q.failed, q.dropped)
}
