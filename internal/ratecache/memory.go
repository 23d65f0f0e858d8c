package ratecache

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const (
	shardCount = 64

	// One bucket length plus slack, matching the cache lifecycle of the
	// admission model: an entry only has to survive its own minute.
	defaultTTL = 61 * time.Second

	defaultSweepEvery = 2 * time.Minute
)

type entry struct {
	count     int64
	limit     int64
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Memory is the in-process Cache implementation: a sharded map keyed by
// key:bucket with lazy expiry on access and a periodic janitor sweep.
type Memory struct {
	shards     [shardCount]*shard
	ttl        time.Duration
	sweepEvery time.Duration
}

var _ Cache = (*Memory)(nil)

type MemoryOption func(*Memory)

// WithTTL overrides the entry lifetime. Intended for tests.
func WithTTL(d time.Duration) MemoryOption {
	return func(m *Memory) { m.ttl = d }
}

// WithSweepInterval overrides how often the janitor reclaims expired entries.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) { m.sweepEvery = d }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		ttl:        defaultTTL,
		sweepEvery: defaultSweepEvery,
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func cacheKey(key string, bucket int64) string {
	return key + ":" + strconv.FormatInt(bucket, 10)
}

func (m *Memory) shardFor(composite string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(composite))
	return m.shards[h.Sum32()%shardCount]
}

// Admit implements Cache. The whole read-check-increment sequence runs
// under the shard lock.
func (m *Memory) Admit(_ context.Context, key string, bucket int64) (Result, error) {
	composite := cacheKey(key, bucket)
	s := m.shardFor(composite)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[composite]
	if !ok {
		return Result{State: Miss}, nil
	}
	if now.After(ent.expiresAt) {
		delete(s.entries, composite)
		return Result{State: Miss}, nil
	}

	if ent.count >= ent.limit {
		return Result{State: Denied, Count: ent.count, Limit: ent.limit}, nil
	}

	ent.count++
	return Result{State: Allowed, Count: ent.count, Limit: ent.limit}, nil
}

// Seed implements Cache. An existing live entry is not overwritten: it
// may already have advanced past the durable count via cache hits.
func (m *Memory) Seed(_ context.Context, key string, bucket, count, limit int64) error {
	composite := cacheKey(key, bucket)
	s := m.shardFor(composite)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[composite]; ok && now.Before(ent.expiresAt) {
		return nil
	}
	s.entries[composite] = &entry{
		count:     count,
		limit:     limit,
		expiresAt: now.Add(m.ttl),
	}
	return nil
}

// Sweep removes expired entries from all shards.
func (m *Memory) Sweep() {
	now := time.Now()
	for _, s := range m.shards {
		s.mu.Lock()
		for k, ent := range s.entries {
			if now.After(ent.expiresAt) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// StartJanitor launches a background goroutine that sweeps expired
// entries periodically. Stops when the context is cancelled.
func (m *Memory) StartJanitor(ctx context.Context) {
	if m.sweepEvery <= 0 {
		return
	}

	t := time.NewTicker(m.sweepEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}

// Len reports the number of live entries across all shards.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
