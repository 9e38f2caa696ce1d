package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token-bucket limiter for one gated resource. Tokens accrue
// proportionally to elapsed wall-clock time and each permitted call spends
// exactly one. Denials never block: callers fall back to a cached value.
type Bucket struct {
	mu        sync.Mutex
	capacity  float64
	refillPer float64
	tokens    float64
	last      time.Time
	allowed   uint64
	denied    uint64
	now       func() time.Time
}

// Stats is a point-in-time copy of bucket counters for telemetry.
type Stats struct {
	Capacity     float64 `json:"capacity"`
	RefillPerSec float64 `json:"refill_per_sec"`
	Tokens       float64 `json:"tokens"`
	AllowedCount uint64  `json:"allowed_count"`
	DeniedCount  uint64  `json:"denied_count"`
}

// NewBucket constructs a bucket that starts full.
func NewBucket(capacity, refillPerSec float64) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSec < 0 {
		refillPerSec = 0
	}
	b := &Bucket{
		capacity:  capacity,
		refillPer: refillPerSec,
		tokens:    capacity,
		now:       time.Now,
	}
	b.last = b.now()
	return b
}

// Allow reports whether one more call may proceed, spending a token if so.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens >= 1 {
		b.tokens--
		b.allowed++
		return true
	}
	b.denied++
	return false
}

// Stats returns a copy of the current counters.
func (b *Bucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return Stats{
		Capacity:     b.capacity,
		RefillPerSec: b.refillPer,
		Tokens:       b.tokens,
		AllowedCount: b.allowed,
		DeniedCount:  b.denied,
	}
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	// Clock jitter can report a tick slightly in the past; ignore it and keep
	// the high-water mark so the next positive reading is not double counted.
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPer
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}
