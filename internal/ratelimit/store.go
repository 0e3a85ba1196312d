package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Window is the state of one fixed window after an increment
type Window struct {
	Key   string
	Start time.Time
	Count int
}

// Store counts requests per key in fixed windows. Implementations must make
// Increment atomic per key.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error)
	Ping(ctx context.Context) error
	Name() string
}

// MemoryStore implements Store in process memory
type MemoryStore struct {
	shards []*memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	start  time.Time
	count  int
	expiry time.Time
}

const memoryShards = 32

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{shards: make([]*memoryShard, memoryShards)}
	for i := range s.shards {
		s.shards[i] = &memoryShard{windows: make(map[string]*memoryWindow)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, exists := sh.windows[key]
	if !exists || !now.Before(w.expiry) {
		w = &memoryWindow{start: now, expiry: now.Add(window)}
		sh.windows[key] = w
	}
	w.count++
	return Window{Key: key, Start: w.start, Count: w.count}, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Name() string { return "memory" }

// Len is the number of windows held, expired ones included
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// Sweep drops expired windows and reports how many were removed
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, w := range sh.windows {
			if !now.Before(w.expiry) {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Start runs Sweep every interval until ctx is cancelled
func (s *MemoryStore) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}
