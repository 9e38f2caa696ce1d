package orderguard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Side of an intended order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Intent carries the economically relevant fields of an order about to be
// submitted. Price and quantity ride along for logging and reconciliation;
// the duplicate key is derived from symbol, side, and the coarse time bucket
// only, so two submissions of "the same" order inside one bucket collide.
type Intent struct {
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Options tune the guard.
type Options struct {
	BucketSeconds int
	TTL           time.Duration
	MaxEntries    int
}

// Stats is a counters snapshot for telemetry.
type Stats struct {
	Entries    int    `json:"entries"`
	Admitted   uint64 `json:"admitted"`
	Suppressed uint64 `json:"suppressed"`
}

type record struct {
	key       string
	firstSeen time.Time
}

// Guard rejects re-submission of an order intent within a time window. The
// key set is bounded: entries expire after the TTL and the oldest are evicted
// once the capacity threshold is exceeded.
type Guard struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]time.Time
	queue   []record
	logger  zerolog.Logger

	admitted   uint64
	suppressed uint64
	now        func() time.Time
}

// NewGuard constructs a duplicate-order guard.
func NewGuard(opts Options, logger zerolog.Logger) *Guard {
	if opts.BucketSeconds <= 0 {
		opts.BucketSeconds = 5
	}
	if opts.TTL <= 0 {
		opts.TTL = 90 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 4096
	}
	return &Guard{
		opts:    opts,
		entries: make(map[string]time.Time),
		logger:  logger.With().Str("component", "order_guard").Logger(),
		now:     time.Now,
	}
}

// IsDuplicate reports whether this intent was already seen inside the current
// time bucket. A true return means the caller must drop the order.
func (g *Guard) IsDuplicate(intent Intent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.expireLocked(now)

	key := g.keyFor(intent, now)
	if _, seen := g.entries[key]; seen {
		g.suppressed++
		g.logger.Warn().
			Str("symbol", intent.Symbol).
			Str("side", string(intent.Side)).
			Str("idempotency_key", key).
			Str("quantity", intent.Quantity.String()).
			Msg("duplicate order suppressed")
		return true
	}

	g.entries[key] = now
	g.queue = append(g.queue, record{key: key, firstSeen: now})
	g.admitted++

	for len(g.queue) > g.opts.MaxEntries {
		delete(g.entries, g.queue[0].key)
		g.queue = g.queue[1:]
	}
	return false
}

// Stats returns a copy of the guard counters.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Entries: len(g.entries), Admitted: g.admitted, Suppressed: g.suppressed}
}

// keyFor derives the stable idempotency key: symbol, side, and the coarse
// time slot "now" falls into. Two legitimately distinct orders issued for the
// same symbol and side inside one slot are indistinguishable here and the
// later one is dropped.
func (g *Guard) keyFor(intent Intent, now time.Time) string {
	slot := now.Unix() / int64(g.opts.BucketSeconds)
	data := fmt.Sprintf("%s:%s:%d", intent.Symbol, intent.Side, slot)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func (g *Guard) expireLocked(now time.Time) {
	cutoff := now.Add(-g.opts.TTL)
	for len(g.queue) > 0 && g.queue[0].firstSeen.Before(cutoff) {
		delete(g.entries, g.queue[0].key)
		g.queue = g.queue[1:]
	}
}
