package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedLock_MutualExclusion(t *testing.T) {
	l := newKeyedLock()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.lock(ctx, "k"); err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			l.unlock("k")
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxInside.Load())
	}
	if len(l.slots) != 0 {
		t.Errorf("expected slots to be released, got %d", len(l.slots))
	}
}

func TestKeyedLock_IndependentKeys(t *testing.T) {
	l := newKeyedLock()
	ctx := context.Background()

	if err := l.lock(ctx, "a"); err != nil {
		t.Fatalf("lock a failed: %v", err)
	}
	defer l.unlock("a")

	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := l.lock(ctx, "b"); err != nil {
		t.Fatalf("expected b to be free, got: %v", err)
	}
	l.unlock("b")
}

func TestKeyedLock_ContextCancelled(t *testing.T) {
	l := newKeyedLock()

	if err := l.lock(context.Background(), "k"); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.lock(ctx, "k")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got: %v", err)
	}

	l.unlock("k")
	if len(l.slots) != 0 {
		t.Errorf("expected slots to be released, got %d", len(l.slots))
	}
}
