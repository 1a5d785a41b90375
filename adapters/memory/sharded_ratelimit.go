// Package memory provides in-process implementations of ports for
// single-instance deployments and tests.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/artpar/utter/domain/ratelimit"
	"github.com/artpar/utter/ports"
)

// counterShard is a single shard of the counter store.
type counterShard struct {
	mu    sync.Mutex
	state map[string]ratelimit.WindowState
}

// ShardedCounter is a sharded in-memory ports.RateCounter.
// Counters are only shared within one process.
type ShardedCounter struct {
	shards    []*counterShard
	numShards int
	now       func() time.Time
	cleanup   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// ShardedCounterConfig configures the sharded counter.
type ShardedCounterConfig struct {
	NumShards       int           // Number of shards (default: 32)
	CleanupInterval time.Duration // How often to drop closed windows (default: 5m)
	Now             func() time.Time
}

// NewShardedCounter creates a sharded in-memory counter and starts its cleanup loop.
func NewShardedCounter(cfg ShardedCounterConfig) *ShardedCounter {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &ShardedCounter{
		shards:    make([]*counterShard, cfg.NumShards),
		numShards: cfg.NumShards,
		now:       cfg.Now,
		done:      make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &counterShard{state: make(map[string]ratelimit.WindowState)}
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

func (s *ShardedCounter) getShard(key string) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Increment counts one hit and returns the count and remaining window.
func (s *ShardedCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now()
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	next := ratelimit.Advance(shard.state[key], window, now)
	shard.state[key] = next
	return next.Count, next.TTL(now), nil
}

func (s *ShardedCounter) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.doCleanup()
		case <-s.done:
			return
		}
	}
}

func (s *ShardedCounter) doCleanup() {
	now := s.now()
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, state := range shard.state {
			if state.Expired(now) {
				delete(shard.state, key)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (s *ShardedCounter) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cleanup.Stop()
	})
	return nil
}

// Len returns the total number of tracked keys (for testing).
func (s *ShardedCounter) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.state)
		shard.mu.Unlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.RateCounter = (*ShardedCounter)(nil)
