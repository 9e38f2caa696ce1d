package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MonitorOptions tune the breaker around one integration.
type MonitorOptions struct {
	Class         string
	Retries       int
	Backoff       time.Duration
	Timeout       time.Duration
	FailThreshold int
	Cooldown      time.Duration
}

// TransitionHook observes breaker state changes.
type TransitionHook func(name, from, to, reason string)

// AttemptHook observes individual probe attempts.
type AttemptHook func(name, outcome string, latency time.Duration)

// IntervalStats carries the golden signals accumulated since the last
// drain. The evaluation phase consumes and resets them each window.
type IntervalStats struct {
	Name      string
	Class     string
	Attempts  int
	Failures  int
	Latencies []time.Duration
	Open      bool
}

// Snapshot is a point-in-time view of one monitor for status surfaces.
type Snapshot struct {
	Name                string     `json:"name"`
	Class               string     `json:"class"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastLatencyMS       float64    `json:"last_latency_ms"`
	LastChecked         time.Time  `json:"last_checked_ts"`
	LastOK              time.Time  `json:"last_ok_ts"`
	OpenedAt            *time.Time `json:"circuit_open_ts,omitempty"`
	Attempts            uint64     `json:"attempts"`
	Failures            uint64     `json:"failures"`
	FastFails           uint64     `json:"fast_fails"`
}

type intervalAccum struct {
	attempts  int
	failures  int
	latencies []time.Duration
}

// Monitor wraps a prober in a circuit breaker. A probe cycle makes up to
// 1+Retries attempts with a fixed backoff; only a fully failed cycle
// counts against the threshold. While open, calls fail fast until the
// cooldown elapses, then a single trial probe decides the next state.
type Monitor struct {
	mu     sync.Mutex
	opts   MonitorOptions
	prober Prober
	logger zerolog.Logger

	state            string
	consecutiveFails int
	openedAt         time.Time
	lastErr          string
	lastLatency      time.Duration
	lastChecked      time.Time
	lastOK           time.Time
	totalAttempts    uint64
	totalFailures    uint64
	fastFails        uint64
	interval         intervalAccum
	forceFailN       int

	onTransition TransitionHook
	onAttempt    AttemptHook
	now          func() time.Time
}

// NewMonitor wires a breaker around the given prober.
func NewMonitor(prober Prober, opts MonitorOptions, logger zerolog.Logger) *Monitor {
	if opts.Class == "" {
		opts.Class = ClassDependency
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	return &Monitor{
		opts:   opts,
		prober: prober,
		logger: logger.With().Str("component", "integration_monitor").Str("integration", prober.Name()).Logger(),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the wrapped integration name.
func (m *Monitor) Name() string { return m.prober.Name() }

// Class returns the integration class.
func (m *Monitor) Class() string { return m.opts.Class }

// State returns the current breaker state.
func (m *Monitor) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetTransitionHook registers a callback fired after open/close
// transitions, outside the monitor lock.
func (m *Monitor) SetTransitionHook(h TransitionHook) {
	m.mu.Lock()
	m.onTransition = h
	m.mu.Unlock()
}

// SetAttemptHook registers a callback fired after each probe attempt.
func (m *Monitor) SetAttemptHook(h AttemptHook) {
	m.mu.Lock()
	m.onAttempt = h
	m.mu.Unlock()
}

// ForceFail makes the next n probe attempts fail without reaching the
// upstream. Drills use it to exercise the breaker path.
func (m *Monitor) ForceFail(n int) {
	m.mu.Lock()
	m.forceFailN = n
	m.mu.Unlock()
}

// Check runs one probe cycle. While the circuit is open and cooling it
// returns the stored error immediately without touching the upstream.
func (m *Monitor) Check(ctx context.Context) error {
	m.mu.Lock()
	now := m.now()
	halfOpen := false
	if m.state == StateOpen {
		if now.Sub(m.openedAt) < m.opts.Cooldown {
			m.fastFails++
			err := fmt.Errorf("circuit open: %s", m.lastErr)
			m.mu.Unlock()
			return err
		}
		halfOpen = true
	}
	m.mu.Unlock()

	attempts := 1 + m.opts.Retries
	if halfOpen {
		// One trial probe decides; no retry burst against a struggling upstream.
		attempts = 1
	}

	var lastErr error
	var lastLatency time.Duration
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, m.opts.Backoff); err != nil {
				break
			}
		}
		latency, err := m.probeOnce(ctx)
		if err == nil {
			m.recordSuccess(latency)
			return nil
		}
		lastErr = err
		lastLatency = latency
	}
	m.recordFailure(lastErr, lastLatency)
	return lastErr
}

func (m *Monitor) probeOnce(ctx context.Context) (time.Duration, error) {
	actx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	start := m.now()
	err := m.injectedOrProbe(actx)
	latency := m.now().Sub(start)

	m.mu.Lock()
	m.totalAttempts++
	m.interval.attempts++
	m.interval.latencies = append(m.interval.latencies, latency)
	if err != nil {
		m.totalFailures++
		m.interval.failures++
	}
	hook := m.onAttempt
	m.mu.Unlock()

	if hook != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		hook(m.prober.Name(), outcome, latency)
	}
	return latency, err
}

func (m *Monitor) injectedOrProbe(ctx context.Context) error {
	m.mu.Lock()
	if m.forceFailN > 0 {
		m.forceFailN--
		m.mu.Unlock()
		return errors.New("injected probe failure")
	}
	m.mu.Unlock()
	return m.prober.Probe(ctx)
}

func (m *Monitor) recordSuccess(latency time.Duration) {
	m.mu.Lock()
	from := m.state
	m.state = StateClosed
	m.consecutiveFails = 0
	m.lastErr = ""
	m.lastLatency = latency
	m.lastChecked = m.now()
	m.lastOK = m.lastChecked
	hook := m.onTransition
	m.mu.Unlock()

	if from == StateOpen {
		m.logger.Info().Msg("trial probe succeeded, circuit closed")
		if hook != nil {
			hook(m.prober.Name(), from, StateClosed, "probe succeeded")
		}
	}
}

func (m *Monitor) recordFailure(err error, latency time.Duration) {
	m.mu.Lock()
	now := m.now()
	m.lastErr = err.Error()
	m.lastLatency = latency
	m.lastChecked = now
	m.consecutiveFails++
	from := m.state
	opened := false
	rearmed := false
	if m.state == StateOpen {
		m.openedAt = now
		rearmed = true
	} else if m.consecutiveFails >= m.opts.FailThreshold {
		m.state = StateOpen
		m.openedAt = now
		opened = true
	}
	fails := m.consecutiveFails
	hook := m.onTransition
	m.mu.Unlock()

	switch {
	case opened:
		m.logger.Warn().Int("consecutive_failures", fails).Str("error", err.Error()).Msg("circuit opened")
		if hook != nil {
			hook(m.prober.Name(), from, StateOpen, err.Error())
		}
	case rearmed:
		m.logger.Warn().Str("error", err.Error()).Msg("trial probe failed, circuit stays open")
	}
}

// TakeInterval drains the golden signals accumulated since the last call.
func (m *Monitor) TakeInterval() IntervalStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := IntervalStats{
		Name:      m.prober.Name(),
		Class:     m.opts.Class,
		Attempts:  m.interval.attempts,
		Failures:  m.interval.failures,
		Latencies: m.interval.latencies,
		Open:      m.state == StateOpen,
	}
	m.interval = intervalAccum{}
	return out
}

// Snapshot returns the current monitor view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Name:                m.prober.Name(),
		Class:               m.opts.Class,
		State:               m.state,
		ConsecutiveFailures: m.consecutiveFails,
		LastError:           m.lastErr,
		LastLatencyMS:       float64(m.lastLatency.Microseconds()) / 1000.0,
		LastChecked:         m.lastChecked,
		LastOK:              m.lastOK,
		Attempts:            m.totalAttempts,
		Failures:            m.totalFailures,
		FastFails:           m.fastFails,
	}
	if m.state == StateOpen {
		opened := m.openedAt
		snap.OpenedAt = &opened
	}
	return snap
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Set holds monitors in declaration order.
type Set struct {
	monitors []*Monitor
}

// NewSet builds an empty monitor set.
func NewSet() *Set { return &Set{} }

// Add appends a monitor. Order is preserved for deterministic checks.
func (s *Set) Add(m *Monitor) { s.monitors = append(s.monitors, m) }

// All returns the monitors in declaration order.
func (s *Set) All() []*Monitor { return s.monitors }

// CheckAll runs every monitor once in declaration order. Individual
// failures are recorded by the monitors themselves.
func (s *Set) CheckAll(ctx context.Context) {
	for _, m := range s.monitors {
		if ctx.Err() != nil {
			return
		}
		_ = m.Check(ctx)
	}
}

// Snapshots returns a snapshot per monitor in declaration order.
func (s *Set) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m.Snapshot())
	}
	return out
}

// TakeIntervals drains the interval stats of every monitor.
func (s *Set) TakeIntervals() []IntervalStats {
	out := make([]IntervalStats, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m.TakeInterval())
	}
	return out
}
