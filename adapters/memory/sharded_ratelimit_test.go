package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/artpar/utter/adapters/clock"
	"github.com/artpar/utter/adapters/memory"
)

func TestShardedCounter_DefaultConfig(t *testing.T) {
	store := memory.NewShardedCounter(memory.ShardedCounterConfig{})
	defer store.Close()

	if store.Len() != 0 {
		t.Errorf("new store should be empty, got %d entries", store.Len())
	}
}

func TestShardedCounter_WindowBoundary(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	store := memory.NewShardedCounter(memory.ShardedCounterConfig{Now: fake.Now})
	defer store.Close()
	ctx := context.Background()

	for i := 1; i <= 21; i++ {
		count, ttl, err := store.Increment(ctx, "rl:tier1:user:u1", 300*time.Second)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if count != int64(i) {
			t.Fatalf("count = %d, want %d", count, i)
		}
		if ttl != 300*time.Second {
			t.Errorf("ttl = %v, want 300s", ttl)
		}
	}

	fake.Advance(299 * time.Second)
	count, ttl, _ := store.Increment(ctx, "rl:tier1:user:u1", 300*time.Second)
	if count != 22 || ttl != time.Second {
		t.Errorf("count = %d ttl = %v, want 22 and 1s", count, ttl)
	}

	fake.Advance(time.Second)
	count, _, _ = store.Increment(ctx, "rl:tier1:user:u1", 300*time.Second)
	if count != 1 {
		t.Errorf("count after window = %d, want 1", count)
	}
}

func TestShardedCounter_KeysAreIndependent(t *testing.T) {
	store := memory.NewShardedCounter(memory.ShardedCounterConfig{NumShards: 4})
	defer store.Close()
	ctx := context.Background()

	store.Increment(ctx, "a", time.Minute)
	store.Increment(ctx, "a", time.Minute)
	count, _, _ := store.Increment(ctx, "b", time.Minute)

	if count != 1 {
		t.Errorf("b count = %d, want 1", count)
	}
	if store.Len() != 2 {
		t.Errorf("Len = %d, want 2", store.Len())
	}
}

func TestShardedCounter_Concurrent(t *testing.T) {
	store := memory.NewShardedCounter(memory.ShardedCounterConfig{})
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Increment(ctx, "shared", time.Minute)
		}()
	}
	wg.Wait()

	count, _, _ := store.Increment(ctx, "shared", time.Minute)
	if count != 101 {
		t.Errorf("count = %d, want 101", count)
	}
}

func TestShardedCounter_CloseTwice(t *testing.T) {
	store := memory.NewShardedCounter(memory.ShardedCounterConfig{})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
