package slo

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Breach reasons, one per violated target.
const (
	ReasonUptime     = "uptime"
	ReasonErrorRate  = "error_rate"
	ReasonLatencyP95 = "latency_p95"
)

// Sample is one observation of system health appended on every evaluation tick.
type Sample struct {
	TS           time.Time `json:"ts"`
	UptimePct    float64   `json:"uptime_pct"`
	ErrorRatePct float64   `json:"error_rate_pct"`
	LatencyP95MS float64   `json:"latency_p95_ms"`
}

// Targets are the configured objectives the rolling window is held against.
type Targets struct {
	MinUptimePct    float64 `json:"min_uptime_pct"`
	MaxErrorRatePct float64 `json:"max_error_rate_pct"`
	MaxLatencyP95MS float64 `json:"max_latency_p95_ms"`
}

// Aggregates are the window-level rollups breaches are decided on.
type Aggregates struct {
	AvgUptimePct    float64 `json:"avg_uptime_pct"`
	AvgErrorRatePct float64 `json:"avg_error_rate_pct"`
	MaxLatencyP95MS float64 `json:"max_latency_p95_ms"`
	SampleCount     int     `json:"sample_count"`
}

// BreachEvent records one detected violation. Immutable once appended.
type BreachEvent struct {
	ID      string     `json:"id"`
	TS      time.Time  `json:"ts"`
	Reasons []string   `json:"reasons"`
	Metrics Aggregates `json:"metrics"`
}

// BreachHook is invoked after a breach event is committed to history.
// Detection is level-triggered: the hook re-fires on every tick while the
// condition persists, so consumers must be idempotent.
type BreachHook func(BreachEvent)

// Evaluator keeps a fixed-duration rolling window of health samples and
// declares breaches against the configured targets.
type Evaluator struct {
	mu          sync.Mutex
	window      time.Duration
	targets     Targets
	samples     []Sample
	breaches    []BreachEvent
	maxBreaches int
	hook        BreachHook
	now         func() time.Time
}

// NewEvaluator constructs an evaluator over the given window duration.
func NewEvaluator(window time.Duration, targets Targets, maxBreaches int) *Evaluator {
	if window <= 0 {
		window = 30 * time.Minute
	}
	if maxBreaches <= 0 {
		maxBreaches = 64
	}
	return &Evaluator{
		window:      window,
		targets:     targets,
		maxBreaches: maxBreaches,
		now:         time.Now,
	}
}

// SetBreachHook wires the fail-safe callback fired on each breach tick.
func (e *Evaluator) SetBreachHook(hook BreachHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = hook
}

// Record appends one sample, evicts anything older than the window, and
// re-evaluates the aggregates. It returns the breach event and true when any
// target is violated on this tick.
func (e *Evaluator) Record(sample Sample) (BreachEvent, bool) {
	e.mu.Lock()

	if sample.TS.IsZero() {
		sample.TS = e.now()
	}
	e.samples = append(e.samples, sample)
	e.evictLocked(sample.TS)

	agg := e.aggregateLocked()
	reasons := e.violationsLocked(agg)
	if len(reasons) == 0 {
		e.mu.Unlock()
		return BreachEvent{}, false
	}

	event := BreachEvent{
		ID:      uuid.New().String(),
		TS:      sample.TS,
		Reasons: reasons,
		Metrics: agg,
	}
	e.breaches = append(e.breaches, event)
	if len(e.breaches) > e.maxBreaches {
		e.breaches = e.breaches[len(e.breaches)-e.maxBreaches:]
	}
	hook := e.hook
	e.mu.Unlock()

	// The hook runs after the event is committed so a consumer reading
	// history mid-callback observes the breach it is reacting to.
	if hook != nil {
		hook(event)
	}
	return event, true
}

// Aggregates reports the current window rollup.
func (e *Evaluator) Aggregates() Aggregates {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregateLocked()
}

// RecentSamples copies up to n of the newest window samples, oldest first.
func (e *Evaluator) RecentSamples(n int) []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.samples) {
		n = len(e.samples)
	}
	out := make([]Sample, n)
	copy(out, e.samples[len(e.samples)-n:])
	return out
}

// Breaches copies the bounded breach history, oldest first.
func (e *Evaluator) Breaches() []BreachEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BreachEvent, len(e.breaches))
	copy(out, e.breaches)
	return out
}

func (e *Evaluator) evictLocked(now time.Time) {
	cutoff := now.Add(-e.window)
	idx := 0
	for idx < len(e.samples) && !e.samples[idx].TS.After(cutoff) {
		idx++
	}
	if idx > 0 {
		e.samples = append(e.samples[:0], e.samples[idx:]...)
	}
}

func (e *Evaluator) aggregateLocked() Aggregates {
	agg := Aggregates{SampleCount: len(e.samples)}
	if len(e.samples) == 0 {
		return agg
	}
	for _, s := range e.samples {
		agg.AvgUptimePct += s.UptimePct
		agg.AvgErrorRatePct += s.ErrorRatePct
		if s.LatencyP95MS > agg.MaxLatencyP95MS {
			agg.MaxLatencyP95MS = s.LatencyP95MS
		}
	}
	agg.AvgUptimePct /= float64(len(e.samples))
	agg.AvgErrorRatePct /= float64(len(e.samples))
	return agg
}

func (e *Evaluator) violationsLocked(agg Aggregates) []string {
	if agg.SampleCount == 0 {
		return nil
	}
	var reasons []string
	if e.targets.MinUptimePct > 0 && agg.AvgUptimePct < e.targets.MinUptimePct {
		reasons = append(reasons, ReasonUptime)
	}
	if e.targets.MaxErrorRatePct > 0 && agg.AvgErrorRatePct > e.targets.MaxErrorRatePct {
		reasons = append(reasons, ReasonErrorRate)
	}
	if e.targets.MaxLatencyP95MS > 0 && agg.MaxLatencyP95MS > e.targets.MaxLatencyP95MS {
		reasons = append(reasons, ReasonLatencyP95)
	}
	return reasons
}
