// Package plane assembles the supervision components and drives them from
// one scheduler loop: liveness scans, integration probes, regime refresh,
// service level evaluation, fail-safe assessment, and the slow housekeeping
// phases (drills, reconciliation, snapshots).
package plane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"trade-warden/internal/alerting"
	"trade-warden/internal/audit"
	"trade-warden/internal/chaos"
	"trade-warden/internal/failsafe"
	"trade-warden/internal/heartbeat"
	"trade-warden/internal/integration"
	"trade-warden/internal/metrics"
	"trade-warden/internal/orderguard"
	"trade-warden/internal/ratelimit"
	"trade-warden/internal/regime"
	"trade-warden/internal/slo"
)

// HistorySink persists evaluation history when a database is configured.
// A nil sink disables persistence without branching at every call site.
type HistorySink interface {
	SaveSLOSample(ctx context.Context, sample slo.Sample, agg slo.Aggregates) error
	SaveBreach(ctx context.Context, event slo.BreachEvent) error
	SaveAlert(ctx context.Context, note alerting.Notification) error
}

// Options tune the coordinator cadences. Zero cadences fall back to
// defaults; optional phases are skipped when their component is absent.
type Options struct {
	AppName             string
	HeartbeatScanEvery  time.Duration
	MissEscalationScans int
	IntegrationEvery    time.Duration
	RegimeEvery         time.Duration
	SLOEvery            time.Duration
	ChaosEvery          time.Duration
	ReconcileEvery      time.Duration
	SnapshotEvery       time.Duration
	SLOTargets          slo.Targets
}

// Components carries the assembled parts. Heartbeats, Monitors, Budget,
// Regime, SLO, FailSafe, and OrderGuard are required; the rest are
// optional and skipped when nil.
type Components struct {
	Heartbeats *heartbeat.Registry
	Monitors   *integration.Set
	Budget     *ratelimit.Bucket
	Classifier regime.Classifier
	Regime     *regime.Hysteresis
	SLO        *slo.Evaluator
	FailSafe   *failsafe.Controller
	OrderGuard *orderguard.Guard
	Chaos      *chaos.Injector
	Reconciler *chaos.Reconciler
	Audit      *audit.Log
	Snapshot   *audit.SnapshotWriter
	Alerts     *alerting.Dispatcher
	Metrics    *metrics.Metrics
	History    HistorySink
}

// ControlPlane owns the supervision state machine. All mutation happens on
// the scheduler goroutine; the mutex only covers the bookkeeping read by
// Status callers.
type ControlPlane struct {
	opts   Options
	c      Components
	logger zerolog.Logger

	mu             sync.Mutex
	started        time.Time
	lastTick       time.Time
	tickBad        bool
	consecutiveBad int
	overdue        []heartbeat.Record
	escalated      []string
	lastBreach     []string
	denied         uint64
}

// New wires the components together: monitor hooks feed metrics, audit,
// and alerts; the fail-safe mode hook mirrors posture flips the same way.
func New(opts Options, c Components, logger zerolog.Logger) *ControlPlane {
	if opts.HeartbeatScanEvery <= 0 {
		opts.HeartbeatScanEvery = 30 * time.Second
	}
	if opts.MissEscalationScans <= 0 {
		opts.MissEscalationScans = 3
	}
	if opts.IntegrationEvery <= 0 {
		opts.IntegrationEvery = 15 * time.Second
	}
	if opts.RegimeEvery <= 0 {
		opts.RegimeEvery = time.Minute
	}
	if opts.SLOEvery <= 0 {
		opts.SLOEvery = time.Minute
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}

	p := &ControlPlane{
		opts:    opts,
		c:       c,
		logger:  logger.With().Str("component", "control_plane").Logger(),
		started: time.Now().UTC(),
	}

	for _, m := range c.Monitors.All() {
		m.SetTransitionHook(p.onCircuitTransition)
		m.SetAttemptHook(p.onProbeAttempt)
	}
	c.FailSafe.SetModeHook(p.onModeChange)
	if c.Alerts != nil {
		c.Alerts.SetResultHook(func(channel, outcome string) {
			p.c.Metrics.AlertsSent.WithLabelValues(channel, outcome).Inc()
		})
	}
	c.Metrics.SetFailsafeMode(c.FailSafe.Mode(), failsafe.Modes())

	return p
}

// Beat records proof of liveness for an external subsystem.
func (p *ControlPlane) Beat(name string) {
	p.c.Heartbeats.Beat(name)
	p.c.Metrics.HeartbeatBeats.WithLabelValues(name).Inc()
}

// CheckOrder runs one intent through the duplicate guard and reports true
// when the submission must be suppressed.
func (p *ControlPlane) CheckOrder(intent orderguard.Intent) bool {
	dup := p.c.OrderGuard.IsDuplicate(intent)
	if dup {
		p.c.Metrics.OrdersSuppressed.Inc()
		p.auditEvent("order_suppressed", "order_guard", map[string]any{
			"symbol": intent.Symbol,
			"side":   string(intent.Side),
		})
	} else {
		p.c.Metrics.OrdersAdmitted.Inc()
	}
	return dup
}

// ResetFailSafe clears the latched posture after operator intervention.
func (p *ControlPlane) ResetFailSafe() {
	p.c.FailSafe.Reset()
	p.auditEvent("failsafe_reset", "failsafe", nil)
}

// RunDrill executes a single named drill outside the schedule.
func (p *ControlPlane) RunDrill(ctx context.Context, name string) (chaos.DrillEvent, error) {
	if p.c.Chaos == nil {
		return chaos.DrillEvent{}, fmt.Errorf("chaos drills are not configured")
	}
	ev, err := p.c.Chaos.Run(ctx, name)
	if err != nil {
		return chaos.DrillEvent{}, err
	}
	p.recordDrill(ev)
	return ev, nil
}

func (p *ControlPlane) onProbeAttempt(name, outcome string, latency time.Duration) {
	p.c.Metrics.RecordProbe(name, outcome, latency.Seconds())
}

func (p *ControlPlane) onCircuitTransition(name, from, to, reason string) {
	p.c.Metrics.RecordCircuitTransition(name, to)
	p.c.Metrics.SetCircuitOpen(name, to == integration.StateOpen)
	p.auditEvent("circuit_transition", name, map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	})

	if to == integration.StateOpen {
		p.alert(alerting.SeverityCritical, name, "circuit breaker opened", reason)
	} else {
		p.alert(alerting.SeverityInfo, name, "circuit breaker closed", "trial probe succeeded")
	}
}

func (p *ControlPlane) onModeChange(mode string) {
	p.c.Metrics.SetFailsafeMode(mode, failsafe.Modes())
	p.auditEvent("failsafe_mode", "failsafe", map[string]any{"mode": mode})

	severity := alerting.SeverityCritical
	if mode == failsafe.ModeNormal {
		severity = alerting.SeverityInfo
	}
	state := p.c.FailSafe.State()
	p.alert(severity, "failsafe", fmt.Sprintf("posture changed to %s", mode), state.LastReason)
}

// alert fans a notification out through the dispatcher and the history
// sink. Hooks fire outside the scheduler phases so a stalled notifier
// cannot wedge probing.
func (p *ControlPlane) alert(severity, component, summary, detail string) {
	note := alerting.Notification{
		TS:        time.Now().UTC(),
		Severity:  severity,
		Component: component,
		Summary:   summary,
		Detail:    detail,
	}
	if p.c.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.c.History.SaveAlert(ctx, note); err != nil {
			p.logger.Warn().Err(err).Msg("alert history write failed")
		}
		cancel()
	}
	if p.c.Alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.c.Alerts.Dispatch(ctx, note)
}

func (p *ControlPlane) auditEvent(kind, component string, detail map[string]any) {
	if p.c.Audit == nil {
		return
	}
	p.c.Audit.Append(kind, component, detail)
}
