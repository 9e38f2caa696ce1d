// Package chaos exercises the plane's own safety machinery on a
// schedule and reconciles internal bot state against an external
// ledger. A drill that fails is a detection gap worth an alert.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade-warden/internal/heartbeat"
	"trade-warden/internal/integration"
	"trade-warden/internal/ratelimit"
)

// Drill names.
const (
	DrillHeartbeatLapse = "heartbeat_lapse"
	DrillCircuitTrip    = "circuit_trip"
	DrillBudgetDrain    = "budget_drain"
	DrillLatencySpike   = "latency_spike"
)

// Drill outcomes.
const (
	OutcomePassed = "passed"
	OutcomeFailed = "failed"
)

// SyntheticName identifies the always-healthy monitor the circuit trip
// drill manipulates.
const SyntheticName = "chaos.synthetic"

const (
	syntheticThreshold = 2
	syntheticCooldown  = 50 * time.Millisecond
	canarySubsystem    = "chaos.canary"
	spikeProbeName     = "chaos.spike"
	spikeTimeout       = 5 * time.Millisecond
)

// NewSyntheticMonitor builds the drill target. Registering it with the
// shared monitor set keeps its breaker state visible on status surfaces
// while its synthetic class keeps it out of the service level numbers.
func NewSyntheticMonitor(logger zerolog.Logger) *integration.Monitor {
	probe := integration.ProbeFunc{
		ProbeName: SyntheticName,
		Fn:        func(ctx context.Context) error { return nil },
	}
	return integration.NewMonitor(probe, integration.MonitorOptions{
		Class:         integration.ClassSynthetic,
		Backoff:       time.Millisecond,
		Timeout:       time.Second,
		FailThreshold: syntheticThreshold,
		Cooldown:      syntheticCooldown,
	}, logger)
}

// DrillEvent records one drill execution.
type DrillEvent struct {
	ID      string         `json:"id"`
	TS      time.Time      `json:"ts"`
	Drill   string         `json:"drill"`
	Outcome string         `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Options tune the injector.
type Options struct {
	Drills       []string
	BudgetCap    float64
	BudgetRefill float64
	History      int
}

// Injector runs resilience drills. Drills act on private fixtures or
// the synthetic monitor, never on live integrations.
type Injector struct {
	mu        sync.Mutex
	opts      Options
	synthetic *integration.Monitor
	logger    zerolog.Logger
	events    []DrillEvent
	now       func() time.Time
	sleep     func(time.Duration)
}

// NewInjector wires the drill runner. synthetic may be nil, which makes
// the circuit trip drill report a failure instead of running.
func NewInjector(opts Options, synthetic *integration.Monitor, logger zerolog.Logger) *Injector {
	if len(opts.Drills) == 0 {
		opts.Drills = []string{DrillHeartbeatLapse, DrillCircuitTrip, DrillBudgetDrain, DrillLatencySpike}
	}
	if opts.BudgetCap <= 0 {
		opts.BudgetCap = 10
	}
	if opts.BudgetRefill <= 0 {
		opts.BudgetRefill = 1
	}
	if opts.History <= 0 {
		opts.History = 32
	}
	return &Injector{
		opts:      opts,
		synthetic: synthetic,
		logger:    logger.With().Str("component", "chaos").Logger(),
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// RunAll executes every configured drill in order and returns their
// events, newest last.
func (i *Injector) RunAll(ctx context.Context) []DrillEvent {
	out := make([]DrillEvent, 0, len(i.opts.Drills))
	for _, name := range i.opts.Drills {
		if ctx.Err() != nil {
			return out
		}
		ev, err := i.Run(ctx, name)
		if err != nil {
			i.logger.Error().Err(err).Str("drill", name).Msg("drill not runnable")
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Run executes a single drill by name.
func (i *Injector) Run(ctx context.Context, name string) (DrillEvent, error) {
	var outcome, reason string
	var detail map[string]any

	switch name {
	case DrillHeartbeatLapse:
		outcome, reason, detail = i.drillHeartbeatLapse()
	case DrillCircuitTrip:
		outcome, reason, detail = i.drillCircuitTrip(ctx)
	case DrillBudgetDrain:
		outcome, reason, detail = i.drillBudgetDrain()
	case DrillLatencySpike:
		outcome, reason, detail = i.drillLatencySpike(ctx)
	default:
		return DrillEvent{}, fmt.Errorf("unknown drill %q", name)
	}

	ev := DrillEvent{
		ID:      uuid.New().String(),
		TS:      i.now().UTC(),
		Drill:   name,
		Outcome: outcome,
		Reason:  reason,
		Detail:  detail,
	}
	i.record(ev)

	if outcome == OutcomePassed {
		i.logger.Info().Str("drill", name).Msg("drill passed")
	} else {
		i.logger.Warn().Str("drill", name).Str("reason", reason).Msg("drill failed")
	}
	return ev, nil
}

// drillHeartbeatLapse verifies a silent subsystem is detected. It runs
// against a private registry so the scan does not inflate the missed
// counts of real subsystems.
func (i *Injector) drillHeartbeatLapse() (string, string, map[string]any) {
	reg := heartbeat.NewRegistry(time.Nanosecond)
	reg.Beat(canarySubsystem)
	i.sleep(2 * time.Millisecond)

	overdue := reg.Scan()
	if len(overdue) != 1 || overdue[0].Name != canarySubsystem {
		return OutcomeFailed, "lapsed canary was not reported overdue", nil
	}
	if overdue[0].MissedCount != 1 {
		return OutcomeFailed, "missed count did not increment", nil
	}
	return OutcomePassed, "", map[string]any{"missed_count": overdue[0].MissedCount}
}

// drillCircuitTrip walks the synthetic breaker through its full
// lifecycle: forced failures to open, fail-fast while cooling, trial
// probe to close.
func (i *Injector) drillCircuitTrip(ctx context.Context) (string, string, map[string]any) {
	m := i.synthetic
	if m == nil {
		return OutcomeFailed, "no synthetic monitor registered", nil
	}

	m.ForceFail(syntheticThreshold)
	for j := 0; j < syntheticThreshold; j++ {
		_ = m.Check(ctx)
	}
	if m.State() != integration.StateOpen {
		return OutcomeFailed, "breaker did not open at threshold", nil
	}

	if err := m.Check(ctx); err == nil {
		return OutcomeFailed, "open breaker did not fail fast", nil
	}

	i.sleep(syntheticCooldown + 10*time.Millisecond)
	if err := m.Check(ctx); err != nil {
		return OutcomeFailed, "trial probe did not run: " + err.Error(), nil
	}
	if m.State() != integration.StateClosed {
		return OutcomeFailed, "breaker did not close after trial probe", nil
	}
	return OutcomePassed, "", map[string]any{"threshold": syntheticThreshold}
}

// drillBudgetDrain exhausts a private clone of the quote budget and
// verifies the bucket denies once empty.
func (i *Injector) drillBudgetDrain() (string, string, map[string]any) {
	b := ratelimit.NewBucket(i.opts.BudgetCap, i.opts.BudgetRefill)

	limit := int(i.opts.BudgetCap) + 2
	drained := 0
	for drained < limit && b.Allow() {
		drained++
	}
	if drained >= limit {
		return OutcomeFailed, "bucket never exhausted", map[string]any{"drained": drained}
	}

	stats := b.Stats()
	if stats.DeniedCount == 0 {
		return OutcomeFailed, "denial was not counted", nil
	}
	return OutcomePassed, "", map[string]any{"drained": drained}
}

// drillLatencySpike points a short-timeout monitor at a probe that never
// returns and verifies the attempt is cut off at the deadline and counted
// as a failure, without opening the breaker.
func (i *Injector) drillLatencySpike(ctx context.Context) (string, string, map[string]any) {
	probe := integration.ProbeFunc{
		ProbeName: spikeProbeName,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	m := integration.NewMonitor(probe, integration.MonitorOptions{
		Class:         integration.ClassSynthetic,
		Backoff:       time.Millisecond,
		Timeout:       spikeTimeout,
		FailThreshold: 3,
		Cooldown:      time.Minute,
	}, i.logger)

	err := m.Check(ctx)
	if err == nil {
		return OutcomeFailed, "hung probe was not cut off", nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return OutcomeFailed, "probe failed for the wrong reason: " + err.Error(), nil
	}

	snap := m.Snapshot()
	if snap.Failures != 1 {
		return OutcomeFailed, "timed out attempt was not counted", nil
	}
	if snap.State != integration.StateClosed {
		return OutcomeFailed, "breaker opened on a single spike", nil
	}
	return OutcomePassed, "", map[string]any{"latency_ms": snap.LastLatencyMS}
}

func (i *Injector) record(ev DrillEvent) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = append(i.events, ev)
	if len(i.events) > i.opts.History {
		i.events = i.events[len(i.events)-i.opts.History:]
	}
}

// Events returns the recorded drill history, oldest first.
func (i *Injector) Events() []DrillEvent {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]DrillEvent, len(i.events))
	copy(out, i.events)
	return out
}
