package plane

import (
	"time"

	"trade-warden/internal/chaos"
	"trade-warden/internal/failsafe"
	"trade-warden/internal/heartbeat"
	"trade-warden/internal/integration"
	"trade-warden/internal/orderguard"
	"trade-warden/internal/ratelimit"
	"trade-warden/internal/regime"
	"trade-warden/internal/slo"
	"trade-warden/internal/version"
)

// statusSampleCap bounds the sample tail included in the document.
const statusSampleCap = 20

// Status is the full point-in-time document served over the API and
// persisted by the snapshot phase. Every slice is a fresh copy; callers
// may hold or mutate it freely.
type Status struct {
	App              string                 `json:"app"`
	Version          string                 `json:"version"`
	GeneratedAt      time.Time              `json:"generated_at_ts"`
	StartedAt        time.Time              `json:"started_at_ts"`
	UptimeSeconds    int64                  `json:"uptime_seconds"`
	Mode             string                 `json:"mode"`
	FailSafe         failsafe.State         `json:"failsafe"`
	Heartbeats       []heartbeat.Record     `json:"heartbeats"`
	Integrations     []integration.Snapshot `json:"integrations"`
	QuoteBudget      ratelimit.Stats        `json:"quote_budget"`
	Regime           *regime.State          `json:"regime,omitempty"`
	RegimeEvents     []regime.Event         `json:"regime_events,omitempty"`
	SLO              slo.Aggregates         `json:"slo"`
	SLOTargets       slo.Targets            `json:"slo_targets"`
	SLOSamples       []slo.Sample           `json:"recent_slo_samples,omitempty"`
	Breaches         []slo.BreachEvent      `json:"recent_breaches,omitempty"`
	OrderGuard       orderguard.Stats       `json:"order_guard"`
	Drills           []chaos.DrillEvent     `json:"recent_drills,omitempty"`
	Reconciliations  []chaos.Result         `json:"recent_reconciliations,omitempty"`
	ScanFailures     int                    `json:"consecutive_scan_failures"`
	ClassifierDenied uint64                 `json:"classifier_calls_denied"`
	AuditDropped     uint64                 `json:"audit_events_dropped,omitempty"`
}

// Status assembles the document. Cheap enough to build on every request;
// nothing is cached between calls.
func (p *ControlPlane) Status(now time.Time) Status {
	p.mu.Lock()
	started := p.started
	bad := p.consecutiveBad
	denied := p.denied
	p.mu.Unlock()

	uptime := int64(now.Sub(started).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	st := Status{
		App:              p.opts.AppName,
		Version:          version.Version,
		GeneratedAt:      now.UTC(),
		StartedAt:        started,
		UptimeSeconds:    uptime,
		Mode:             p.c.FailSafe.Mode(),
		FailSafe:         p.c.FailSafe.State(),
		Heartbeats:       p.c.Heartbeats.Snapshot(),
		Integrations:     p.c.Monitors.Snapshots(),
		QuoteBudget:      p.c.Budget.Stats(),
		RegimeEvents:     p.c.Regime.Transitions(),
		SLO:              p.c.SLO.Aggregates(),
		SLOTargets:       p.opts.SLOTargets,
		SLOSamples:       p.c.SLO.RecentSamples(statusSampleCap),
		Breaches:         p.c.SLO.Breaches(),
		OrderGuard:       p.c.OrderGuard.Stats(),
		ScanFailures:     bad,
		ClassifierDenied: denied,
	}
	if state, ok := p.c.Regime.State(); ok {
		st.Regime = &state
	}
	if p.c.Chaos != nil {
		st.Drills = p.c.Chaos.Events()
	}
	if p.c.Reconciler != nil {
		st.Reconciliations = p.c.Reconciler.Results()
	}
	if p.c.Audit != nil {
		st.AuditDropped = p.c.Audit.Dropped()
	}
	return st
}
