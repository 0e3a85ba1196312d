package detection

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Record is the per-client behavior history
type Record struct {
	Identifier         string    `json:"identifier"`
	RequestCount       int       `json:"request_count"`
	LastRequestAt      time.Time `json:"last_request_at"`
	CumulativeMaxScore float64   `json:"cumulative_max_score"`
}

// BurstRule flags clients sending more than Threshold requests with less
// than Interval between consecutive requests.
type BurstRule struct {
	Interval  time.Duration
	Threshold int
	Penalty   float64
}

// DefaultBurstRule: more than 10 requests within a second costs 0.8
var DefaultBurstRule = BurstRule{
	Interval:  time.Second,
	Threshold: 10,
	Penalty:   0.8,
}

// Observation is the outcome of recording one request
type Observation struct {
	Record  Record
	Burst   bool
	Penalty float64
	// Score is the request score including Penalty
	Score float64
}

// BehaviorTracker stores and updates per-client behavior records
type BehaviorTracker interface {
	Observe(identifier string, now time.Time, score float64) Observation
	Lookup(identifier string, now time.Time) (Record, bool)
	Len() int
}

// TrackerConfig bounds the memory tracker
type TrackerConfig struct {
	MaxClients int
	IdleTTL    time.Duration
	Shards     int
	Burst      BurstRule
}

const (
	defaultMaxClients = 100_000
	defaultShards     = 32
)

// MemoryBehaviorTracker keeps records in sharded LRUs. The shard lock covers
// lookup-or-create and is held until the record's own lock is taken, so a
// concurrent Sweep cannot drop a record between lookup and update. Locks are
// always taken shard first, then record.
type MemoryBehaviorTracker struct {
	shards  []*trackerShard
	idleTTL time.Duration
	burst   BurstRule
}

type trackerShard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *clientState]
}

type clientState struct {
	mu  sync.Mutex
	rec Record
}

// NewMemoryBehaviorTracker creates an in-memory tracker. Zero fields in
// cfg select defaults; an IdleTTL of zero disables idle expiry.
func NewMemoryBehaviorTracker(cfg TrackerConfig) *MemoryBehaviorTracker {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.Shards > cfg.MaxClients {
		cfg.Shards = cfg.MaxClients
	}
	if cfg.Burst == (BurstRule{}) {
		cfg.Burst = DefaultBurstRule
	}
	perShard := (cfg.MaxClients + cfg.Shards - 1) / cfg.Shards

	t := &MemoryBehaviorTracker{
		shards:  make([]*trackerShard, cfg.Shards),
		idleTTL: cfg.IdleTTL,
		burst:   cfg.Burst,
	}
	for i := range t.shards {
		// only fails for a non-positive size
		l, _ := simplelru.NewLRU[string, *clientState](perShard, nil)
		t.shards[i] = &trackerShard{lru: l}
	}
	return t
}

func (t *MemoryBehaviorTracker) shard(identifier string) *trackerShard {
	return t.shards[xxhash.Sum64String(identifier)%uint64(len(t.shards))]
}

func (t *MemoryBehaviorTracker) expired(rec Record, now time.Time) bool {
	return t.idleTTL > 0 && !rec.LastRequestAt.IsZero() && now.Sub(rec.LastRequestAt) > t.idleTTL
}

// Observe records one request with the given pattern score and returns the
// updated record. CumulativeMaxScore never decreases while the record lives.
func (t *MemoryBehaviorTracker) Observe(identifier string, now time.Time, score float64) Observation {
	sh := t.shard(identifier)
	sh.mu.Lock()
	st, ok := sh.lru.Get(identifier)
	if !ok {
		st = &clientState{rec: Record{Identifier: identifier}}
		sh.lru.Add(identifier, st)
	}
	st.mu.Lock()
	sh.mu.Unlock()
	defer st.mu.Unlock()

	if t.expired(st.rec, now) {
		st.rec = Record{Identifier: identifier}
	}

	obs := Observation{Score: score}
	if !st.rec.LastRequestAt.IsZero() &&
		now.Sub(st.rec.LastRequestAt) < t.burst.Interval &&
		st.rec.RequestCount+1 > t.burst.Threshold {
		obs.Burst = true
		obs.Penalty = t.burst.Penalty
		obs.Score += t.burst.Penalty
	}

	st.rec.RequestCount++
	st.rec.LastRequestAt = now
	if obs.Score > st.rec.CumulativeMaxScore {
		st.rec.CumulativeMaxScore = obs.Score
	}
	obs.Record = st.rec
	return obs
}

// Lookup returns a copy of the record if it exists and has not gone idle
func (t *MemoryBehaviorTracker) Lookup(identifier string, now time.Time) (Record, bool) {
	sh := t.shard(identifier)
	sh.mu.Lock()
	st, ok := sh.lru.Peek(identifier)
	sh.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if t.expired(st.rec, now) {
		return Record{}, false
	}
	return st.rec, true
}

// Len is the number of records currently held, idle ones included
func (t *MemoryBehaviorTracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += sh.lru.Len()
		sh.mu.Unlock()
	}
	return n
}

// Sweep drops records idle for longer than the TTL and reports how many
// were removed. Each shard is walked from its least recently used end.
func (t *MemoryBehaviorTracker) Sweep(now time.Time) int {
	if t.idleTTL <= 0 {
		return 0
	}
	removed := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for {
			key, st, ok := sh.lru.GetOldest()
			if !ok {
				break
			}
			st.mu.Lock()
			idle := t.expired(st.rec, now)
			st.mu.Unlock()
			if !idle {
				break
			}
			sh.lru.Remove(key)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

// Start runs Sweep every interval until ctx is cancelled
func (t *MemoryBehaviorTracker) Start(ctx context.Context, interval time.Duration) {
	if t.idleTTL <= 0 || interval <= 0 {
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
				t.Sweep(now)
			}
		}
	}()
}
