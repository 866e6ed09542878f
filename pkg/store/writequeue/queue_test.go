package writequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPushAndReplayInOrder(t *testing.T) {
	q := New()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		q.Push(func(ctx context.Context, client any) error {
			got = append(got, i)
			return nil
		}, "op")
	}

	if q.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", q.Len())
	}

	if err := q.Replay(context.Background(), nil); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	for i, v := range got {
		if v != i {
			t.Errorf("replay order[%d] = %d, want %d", i, v, i)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() after replay = %d, want 0", q.Len())
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	q := New(WithMaxSize(3))

	var dropped []string
	q.OnOverflow(func(desc string) { dropped = append(dropped, desc) })

	var executed []string
	push := func(name string) {
		q.Push(func(ctx context.Context, client any) error {
			executed = append(executed, name)
			return nil
		}, name)
	}

	push("a")
	push("b")
	push("c")
	push("d") // drops "a"

	if len(dropped) != 1 || dropped[0] != "a" {
		t.Fatalf("dropped = %v, want [a]", dropped)
	}

	if err := q.Replay(context.Background(), nil); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	want := []string{"b", "c", "d"}
	if len(executed) != len(want) {
		t.Fatalf("executed = %v, want %v", executed, want)
	}
	for i := range want {
		if executed[i] != want[i] {
			t.Errorf("executed[%d] = %q, want %q", i, executed[i], want[i])
		}
	}

	_, droppedCount := q.Stats()
	if droppedCount != 1 {
		t.Errorf("dropped count = %d, want 1", droppedCount)
	}
}

func TestReplayRetriesThenFails(t *testing.T) {
	q := New(WithMaxRetries(3), WithRetryDelay(time.Millisecond))

	attempts := 0
	q.Push(func(ctx context.Context, client any) error {
		attempts++
		return errors.New("backend still down")
	}, "always-fails")

	if err := q.Replay(context.Background(), nil); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	failed, _ := q.Stats()
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestReplayTransientFailureEventuallySucceeds(t *testing.T) {
	q := New(WithMaxRetries(3), WithRetryDelay(time.Millisecond))

	attempts := 0
	q.Push(func(ctx context.Context, client any) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}, "flaky")

	if err := q.Replay(context.Background(), nil); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	failed, _ := q.Stats()
	if failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}
}

func TestReplayRefusesConcurrentRuns(t *testing.T) {
	q := New()

	started := make(chan struct{})
	release := make(chan struct{})
	var running atomic.Int32
	var maxConcurrent atomic.Int32

	for i := 0; i < 3; i++ {
		q.Push(func(ctx context.Context, client any) error {
			n := running.Add(1)
			if n > maxConcurrent.Load() {
				maxConcurrent.Store(n)
			}
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			running.Add(-1)
			return nil
		}, "slow")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = q.Replay(context.Background(), nil)
	}()
	<-started
	go func() {
		defer wg.Done()
		// Second replay must return immediately without touching items.
		_ = q.Replay(context.Background(), nil)
	}()

	close(release)
	wg.Wait()

	if maxConcurrent.Load() != 1 {
		t.Errorf("max concurrent executions = %d, want 1", maxConcurrent.Load())
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestReplayHonoursContextCancellation(t *testing.T) {
	q := New()

	ctx, cancel := context.WithCancel(context.Background())

	ran := 0
	q.Push(func(ctx context.Context, client any) error {
		ran++
		cancel()
		return nil
	}, "first")
	q.Push(func(ctx context.Context, client any) error {
		ran++
		return nil
	}, "second")

	err := q.Replay(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Replay() error = %v, want context.Canceled", err)
	}
	if ran != 1 {
		t.Errorf("ran = %d, want 1", ran)
	}
	// The unexecuted entry stays queued for the next replay.
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}
