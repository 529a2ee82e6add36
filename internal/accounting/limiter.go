// Package accounting implements the relay's per-principal rate limiting and
// usage ledger.
//
// [Limiter] is a classic token bucket keyed by principal id. [Ledger] keeps
// additive usage counters. Both spread their per-principal state across the
// same 16-shard lock layout so hot principals do not contend on a global
// mutex. Cost projection over a ledger snapshot is a pure function and never
// mutates stored counters.
package accounting

import (
	"hash/fnv"
	"sync"
	"time"
)

// Default token-bucket parameters: 100 events, refilled at 100 per 60 s.
const (
	DefaultRateCapacity = 100
	DefaultRefillPerMin = 100
)

// Limiter is a per-principal token-bucket rate limiter. Buckets are created
// lazily on first use with the default parameters unless [Limiter.Configure]
// installed tier-specific ones. Safe for concurrent use.
type Limiter struct {
	capacity  float64
	refillPer float64 // tokens per second

	shards [shardCount]limiterShard
	now    func() time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	capacity  float64
	refillPer float64 // tokens per second
	tokens    float64
	last      time.Time
}

// NewLimiter creates a Limiter with process-wide defaults. capacity and
// refillPerMin zero or negative fall back to the built-in defaults.
func NewLimiter(capacity, refillPerMin float64) *Limiter {
	if capacity <= 0 {
		capacity = DefaultRateCapacity
	}
	if refillPerMin <= 0 {
		refillPerMin = DefaultRefillPerMin
	}
	l := &Limiter{
		capacity:  capacity,
		refillPer: refillPerMin / 60,
		now:       time.Now,
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

func (l *Limiter) bucketShardFor(principalID string) *limiterShard {
	h := fnv.New32a()
	h.Write([]byte(principalID))
	return &l.shards[h.Sum32()%shardCount]
}

// Configure installs tier-specific bucket parameters for a principal. An
// existing bucket is resized in place; its current fill is clamped to the new
// capacity.
func (l *Limiter) Configure(principalID string, capacity, refillPerMin float64) {
	if capacity <= 0 || refillPerMin <= 0 {
		return
	}
	s := l.bucketShardFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[principalID]
	if !ok {
		s.buckets[principalID] = &bucket{
			capacity:  capacity,
			refillPer: refillPerMin / 60,
			tokens:    capacity,
			last:      l.now(),
		}
		return
	}
	b.capacity = capacity
	b.refillPer = refillPerMin / 60
	if b.tokens > capacity {
		b.tokens = capacity
	}
}

// Allow consumes one token from the principal's bucket. When the bucket is
// empty it reports false and the seconds until one token becomes available.
func (l *Limiter) Allow(principalID string) (ok bool, retryAfter float64) {
	s := l.bucketShardFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	b, found := s.buckets[principalID]
	if !found {
		b = &bucket{
			capacity:  l.capacity,
			refillPer: l.refillPer,
			tokens:    l.capacity,
			last:      now,
		}
		s.buckets[principalID] = b
	}

	// Refill.
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillPer
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, (1 - b.tokens) / b.refillPer
}

// setClock replaces the time source; test hook, call before any traffic.
func (l *Limiter) setClock(now func() time.Time) {
	l.now = now
}
