package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/medstock/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestLookup_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, "catalog:amox-500")
	err := adapter.PutCatalogEntry(ctx, domain.CatalogEntry{
		ItemID:      "amox-500",
		Name:        "Amoxicillin 500mg",
		GenericName: "amoxicillin",
		Form:        "capsule",
		Strength:    "500mg",
	}, time.Minute)
	if err != nil {
		t.Fatalf("PutCatalogEntry failed: %v", err)
	}

	// Test
	entry, err := adapter.Lookup(ctx, "amox-500")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Name != "Amoxicillin 500mg" {
		t.Errorf("expected name 'Amoxicillin 500mg', got %s", entry.Name)
	}
	if entry.Form != "capsule" {
		t.Errorf("expected form 'capsule', got %s", entry.Form)
	}

	// Verify ttl applied
	ttl := client.TTL(ctx, "catalog:amox-500").Val()
	if ttl <= 0 {
		t.Errorf("expected positive ttl, got %v", ttl)
	}
}

func TestLookup_NotFound(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, "catalog:missing-item")

	_, err := adapter.Lookup(ctx, "missing-item")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestLease_Exclusive(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	client.Del(ctx, "lease:test-lease")

	first := NewRedisAdapter(client)
	second := NewRedisAdapter(client)

	ok, err := first.Acquire(ctx, "test-lease", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = second.Acquire(ctx, "test-lease", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second acquire to fail while lease is held")
	}

	// Holder can extend
	ok, err = first.Acquire(ctx, "test-lease", time.Minute)
	if err != nil || !ok {
		t.Errorf("expected holder to extend lease, got ok=%v err=%v", ok, err)
	}

	// Non-holder release is a no-op
	if err := second.Release(ctx, "test-lease"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Exists(ctx, "lease:test-lease").Val() != 1 {
		t.Error("expected lease to survive release by non-holder")
	}

	if err := first.Release(ctx, "test-lease"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, err = second.Acquire(ctx, "test-lease", time.Minute)
	if err != nil || !ok {
		t.Errorf("expected acquire after release to succeed, got ok=%v err=%v", ok, err)
	}
	second.Release(ctx, "test-lease")
}

func TestLease_ExpiredHolderCannotRelease(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	client.Del(ctx, "lease:short-lease")

	first := NewRedisAdapter(client)
	second := NewRedisAdapter(client)

	if ok, _ := first.Acquire(ctx, "short-lease", 50*time.Millisecond); !ok {
		t.Fatal("expected first acquire to succeed")
	}
	time.Sleep(100 * time.Millisecond)

	if ok, _ := second.Acquire(ctx, "short-lease", time.Minute); !ok {
		t.Fatal("expected second acquire to succeed after expiry")
	}

	// First holder's stale release must not delete the new lease
	first.Release(ctx, "short-lease")
	if client.Exists(ctx, "lease:short-lease").Val() != 1 {
		t.Error("expected lease to survive stale release")
	}
	second.Release(ctx, "short-lease")
}

func TestLease_ConcurrentAcquire(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	client.Del(ctx, "lease:race-lease")

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adapter := NewRedisAdapter(client)
			if ok, err := adapter.Acquire(ctx, "race-lease", time.Minute); err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners.Load())
	}
	client.Del(ctx, "lease:race-lease")
}
