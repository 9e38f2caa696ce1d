package plane

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"trade-warden/internal/alerting"
	"trade-warden/internal/chaos"
	"trade-warden/internal/failsafe"
	"trade-warden/internal/integration"
	"trade-warden/internal/scheduler"
	"trade-warden/internal/slo"
)

// Register wires the supervision phases onto the scheduler. Registration
// order is execution order within a tick: the self pulse first, then
// liveness, integrations, regime, the synthetic phases, and evaluation
// after every other check. Snapshot housekeeping runs last. Optional
// phases are skipped when their component is absent.
func (p *ControlPlane) Register(s *scheduler.Scheduler) {
	s.Register("pulse", 0, p.pulse)
	s.Register("heartbeats", p.opts.HeartbeatScanEvery, p.tracked(p.scanHeartbeats))
	s.Register("integrations", p.opts.IntegrationEvery, p.tracked(p.sweepIntegrations))
	if p.c.Classifier != nil {
		s.Register("regime", p.opts.RegimeEvery, p.tracked(p.refreshRegime))
	}
	if p.c.Chaos != nil && p.opts.ChaosEvery > 0 {
		s.Register("chaos", p.opts.ChaosEvery, p.tracked(p.runDrills))
	}
	if p.c.Reconciler != nil && p.opts.ReconcileEvery > 0 {
		s.Register("reconcile", p.opts.ReconcileEvery, p.tracked(p.reconcile))
	}
	s.Register("evaluation", p.opts.SLOEvery, p.tracked(p.evaluate))
	if p.c.Snapshot != nil && p.opts.SnapshotEvery > 0 {
		s.Register("snapshot", p.opts.SnapshotEvery, p.tracked(p.writeSnapshot))
	}
}

// tracked marks the tick bad when a phase fails so the pulse can count
// consecutive degraded scans.
func (p *ControlPlane) tracked(fn scheduler.JobFunc) scheduler.JobFunc {
	return func(ctx context.Context, now time.Time) error {
		err := fn(ctx, now)
		if err != nil {
			p.mu.Lock()
			p.tickBad = true
			p.mu.Unlock()
		}
		return err
	}
}

// pulse runs first on every tick: it beats the plane's own heartbeat and
// settles the previous tick's failure bookkeeping. The supervisor watching
// everything else must itself be watched.
func (p *ControlPlane) pulse(ctx context.Context, now time.Time) error {
	p.Beat("control_plane")

	p.mu.Lock()
	p.lastTick = now
	if p.tickBad {
		p.consecutiveBad++
	} else {
		p.consecutiveBad = 0
	}
	p.tickBad = false
	bad := p.consecutiveBad
	p.mu.Unlock()

	if bad >= p.opts.MissEscalationScans {
		p.logger.Error().Int("consecutive_failures", bad).Msg("supervision phases failing repeatedly")
		p.alert(alerting.SeverityCritical, "control_plane",
			"supervision scans degraded",
			fmt.Sprintf("%d consecutive ticks had failing phases", bad))
	}
	return nil
}

// scanHeartbeats sweeps the liveness registry. A subsystem that stays
// silent past its timeout is logged on every scan; once it has missed
// enough consecutive scans it escalates into the degradation inputs.
func (p *ControlPlane) scanHeartbeats(ctx context.Context, now time.Time) error {
	overdue := p.c.Heartbeats.Scan()
	escalated := make([]string, 0, len(overdue))
	for _, rec := range overdue {
		p.c.Metrics.HeartbeatMisses.WithLabelValues(rec.Name).Inc()
		p.logger.Warn().
			Str("subsystem", rec.Name).
			Int("missed_count", rec.MissedCount).
			Time("last_seen", rec.LastSeen).
			Msg("subsystem heartbeat overdue")
		p.auditEvent("heartbeat_missed", rec.Name, map[string]any{
			"missed_count": rec.MissedCount,
		})
		if rec.MissedCount >= p.opts.MissEscalationScans {
			escalated = append(escalated, rec.Name)
			p.alert(alerting.SeverityCritical, rec.Name,
				"subsystem heartbeat lost",
				fmt.Sprintf("missed %d consecutive scans", rec.MissedCount))
		}
	}

	p.mu.Lock()
	p.overdue = overdue
	p.escalated = escalated
	p.mu.Unlock()
	return nil
}

// sweepIntegrations probes every monitor once. Outcomes flow through the
// attempt and transition hooks; failures here never abort the tick.
func (p *ControlPlane) sweepIntegrations(ctx context.Context, now time.Time) error {
	p.c.Monitors.CheckAll(ctx)
	return nil
}

// refreshRegime asks the classifier for a fresh observation, gated by the
// quote budget. A denial is normal operation: the committed regime simply
// persists until the next allowed call.
func (p *ControlPlane) refreshRegime(ctx context.Context, now time.Time) error {
	allowed := p.c.Budget.Allow()
	p.c.Metrics.RecordBudget(allowed, p.c.Budget.Stats().Tokens)
	if !allowed {
		p.mu.Lock()
		p.denied++
		p.mu.Unlock()
		p.logger.Debug().Msg("quote budget exhausted, classifier call skipped")
		return nil
	}

	obs, err := p.c.Classifier.Classify(ctx)
	if err != nil {
		return fmt.Errorf("classify market regime: %w", err)
	}
	p.c.Metrics.RegimeConfidence.Set(obs.Confidence)

	event, changed := p.c.Regime.Observe(obs.Label, obs.Confidence)
	if !changed {
		return nil
	}
	p.c.Metrics.RegimeTransitions.WithLabelValues(event.Type).Inc()
	p.logger.Info().
		Str("from", event.From).
		Str("to", event.To).
		Float64("confidence", event.Confidence).
		Msg("market regime transition committed")
	p.auditEvent("regime_"+event.Type, "regime", map[string]any{
		"from":       event.From,
		"to":         event.To,
		"confidence": event.Confidence,
	})
	p.alert(alerting.SeverityInfo, "regime",
		fmt.Sprintf("market regime %s: %s", event.Type, event.To),
		fmt.Sprintf("confidence %.2f", event.Confidence))
	return nil
}

// evaluate drains the probe intervals into one health sample, re-checks
// the objectives, and feeds the combined degradation picture into the
// fail-safe ladder.
func (p *ControlPlane) evaluate(ctx context.Context, now time.Time) error {
	intervals := p.c.Monitors.TakeIntervals()
	sample := p.buildSample(now, intervals)
	event, breached := p.c.SLO.Record(sample)
	agg := p.c.SLO.Aggregates()
	p.c.Metrics.RecordSLOWindow(agg.AvgUptimePct, agg.AvgErrorRatePct, agg.MaxLatencyP95MS)

	if p.c.History != nil {
		if err := p.c.History.SaveSLOSample(ctx, sample, agg); err != nil {
			p.logger.Warn().Err(err).Msg("sample history write failed")
		}
	}

	var breachReasons []string
	if breached {
		breachReasons = event.Reasons
		p.c.Metrics.SLOBreaches.Inc()
		p.logger.Warn().
			Strs("reasons", event.Reasons).
			Float64("uptime_pct", agg.AvgUptimePct).
			Float64("error_rate_pct", agg.AvgErrorRatePct).
			Float64("latency_p95_ms", agg.MaxLatencyP95MS).
			Msg("service level objectives breached")
		p.auditEvent("slo_breach", "slo", map[string]any{
			"breach_id": event.ID,
			"reasons":   event.Reasons,
		})
		p.alert(alerting.SeverityCritical, "slo",
			"service level objectives breached", strings.Join(event.Reasons, ", "))
		if p.c.History != nil {
			if err := p.c.History.SaveBreach(ctx, event); err != nil {
				p.logger.Warn().Err(err).Msg("breach history write failed")
			}
		}
	}

	p.mu.Lock()
	p.lastBreach = breachReasons
	escalated := append([]string(nil), p.escalated...)
	bad := p.consecutiveBad
	p.mu.Unlock()

	open := openDependencies(p.c.Monitors)
	scanDegraded := bad >= p.opts.MissEscalationScans
	degraded := breached || len(open) > 0 || len(escalated) > 0 || scanDegraded
	p.c.FailSafe.Assess(ctx, failsafe.Inputs{
		Degraded:      degraded,
		Reason:        degradationReason(breachReasons, open, escalated, bad, scanDegraded),
		BreachReasons: breachReasons,
	})
	return nil
}

// runDrills executes the configured resilience drills back to back.
func (p *ControlPlane) runDrills(ctx context.Context, now time.Time) error {
	for _, ev := range p.c.Chaos.RunAll(ctx) {
		p.recordDrill(ev)
	}
	return nil
}

func (p *ControlPlane) recordDrill(ev chaos.DrillEvent) {
	p.c.Metrics.ChaosDrills.WithLabelValues(ev.Drill, ev.Outcome).Inc()
	p.auditEvent("chaos_drill", ev.Drill, map[string]any{
		"outcome": ev.Outcome,
		"reason":  ev.Reason,
	})
	if ev.Outcome == chaos.OutcomeFailed {
		p.alert(alerting.SeverityWarning, "chaos",
			fmt.Sprintf("drill %s failed", ev.Drill), ev.Reason)
	}
}

// reconcile compares the internal position book against the external
// source of truth. A mismatch is a critical operational event even when
// every integration looks healthy.
func (p *ControlPlane) reconcile(ctx context.Context, now time.Time) error {
	res := p.c.Reconciler.Run(ctx)
	p.c.Metrics.Reconciliations.WithLabelValues(res.Outcome).Inc()

	switch res.Outcome {
	case chaos.OutcomeMismatch:
		symbols := make([]string, 0, len(res.Mismatches))
		for _, m := range res.Mismatches {
			symbols = append(symbols, m.Symbol)
		}
		p.auditEvent("reconcile_mismatch", "reconciler", map[string]any{
			"symbols": symbols,
		})
		p.alert(alerting.SeverityCritical, "reconciler",
			"position books disagree", strings.Join(symbols, ", "))
	case chaos.OutcomeError:
		p.auditEvent("reconcile_error", "reconciler", map[string]any{
			"error": res.Error,
		})
		p.alert(alerting.SeverityWarning, "reconciler",
			"reconciliation run failed", res.Error)
		return fmt.Errorf("reconcile positions: %s", res.Error)
	}
	return nil
}

// writeSnapshot persists the full status document for external watchdogs.
// The file's age doubles as the plane's own liveness signal.
func (p *ControlPlane) writeSnapshot(ctx context.Context, now time.Time) error {
	if err := p.c.Snapshot.Write(p.Status(now)); err != nil {
		return fmt.Errorf("write status snapshot: %w", err)
	}
	return nil
}

// buildSample folds the drained probe intervals into one health sample.
// Synthetic monitors are excluded so drills cannot move the numbers.
// Uptime reads the live breaker states rather than the drained flags so an
// open circuit keeps dragging the number down on windows with no traffic.
func (p *ControlPlane) buildSample(now time.Time, intervals []integration.IntervalStats) slo.Sample {
	var (
		attempts  int
		failures  int
		latencies []time.Duration
	)
	for _, iv := range intervals {
		if iv.Class == integration.ClassSynthetic {
			continue
		}
		attempts += iv.Attempts
		failures += iv.Failures
		latencies = append(latencies, iv.Latencies...)
	}

	monitors, up := 0, 0
	for _, m := range p.c.Monitors.All() {
		if m.Class() == integration.ClassSynthetic {
			continue
		}
		monitors++
		if m.State() != integration.StateOpen {
			up++
		}
	}

	sample := slo.Sample{TS: now, UptimePct: 100}
	if monitors > 0 {
		sample.UptimePct = 100 * float64(up) / float64(monitors)
	}
	if attempts > 0 {
		sample.ErrorRatePct = 100 * float64(failures) / float64(attempts)
	}
	sample.LatencyP95MS = float64(percentile(latencies, 0.95)) / float64(time.Millisecond)
	return sample
}

// percentile computes the nearest-rank percentile. Empty input yields zero.
func percentile(latencies []time.Duration, q float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// openDependencies lists open circuits that count toward degradation.
// Synthetic monitors are drill fixtures and never degrade the plane.
func openDependencies(set *integration.Set) []string {
	var open []string
	for _, m := range set.All() {
		if m.Class() == integration.ClassSynthetic {
			continue
		}
		if m.State() == integration.StateOpen {
			open = append(open, m.Name())
		}
	}
	return open
}

func degradationReason(breach, open, missed []string, bad int, scanDegraded bool) string {
	var parts []string
	if len(breach) > 0 {
		parts = append(parts, "slo: "+strings.Join(breach, ","))
	}
	if len(open) > 0 {
		parts = append(parts, "open circuits: "+strings.Join(open, ","))
	}
	if len(missed) > 0 {
		parts = append(parts, "missed heartbeats: "+strings.Join(missed, ","))
	}
	if scanDegraded {
		parts = append(parts, fmt.Sprintf("%d consecutive failed scans", bad))
	}
	return strings.Join(parts, "; ")
}
