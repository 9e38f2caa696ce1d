package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Probe metrics
	ProbeAttempts *prometheus.CounterVec
	ProbeDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitOpen        *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec

	// Heartbeat metrics
	HeartbeatBeats  *prometheus.CounterVec
	HeartbeatMisses *prometheus.CounterVec

	// Quote budget metrics
	BudgetAllowed prometheus.Counter
	BudgetDenied  prometheus.Counter
	BudgetTokens  prometheus.Gauge

	// Regime metrics
	RegimeTransitions *prometheus.CounterVec
	RegimeConfidence  prometheus.Gauge

	// SLO metrics
	SLOBreaches   prometheus.Counter
	SLOUptime     prometheus.Gauge
	SLOErrorRate  prometheus.Gauge
	SLOLatencyP95 prometheus.Gauge

	// Fail-safe posture, one labeled series per mode flipped 0/1
	FailsafeMode *prometheus.GaugeVec

	// Order guard metrics
	OrdersAdmitted   prometheus.Counter
	OrdersSuppressed prometheus.Counter

	// Drill metrics
	ChaosDrills     *prometheus.CounterVec
	Reconciliations *prometheus.CounterVec

	// Alerting metrics
	AlertsSent *prometheus.CounterVec
}

// NewMetrics creates metrics registered against reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProbeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_probe_attempts_total",
				Help: "Integration probe attempts by outcome",
			},
			[]string{"integration", "outcome"},
		),

		ProbeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_probe_duration_seconds",
				Help:    "Integration probe latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"integration"},
		),

		CircuitOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_circuit_open",
				Help: "Circuit breaker state, 1 when open",
			},
			[]string{"integration"},
		),

		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_circuit_transitions_total",
				Help: "Circuit breaker transitions by target state",
			},
			[]string{"integration", "to"},
		),

		HeartbeatBeats: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_heartbeat_beats_total",
				Help: "Heartbeats recorded per subsystem",
			},
			[]string{"subsystem"},
		),

		HeartbeatMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_heartbeat_misses_total",
				Help: "Missed heartbeat scans per subsystem",
			},
			[]string{"subsystem"},
		),

		BudgetAllowed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_quote_budget_allowed_total",
				Help: "Quote budget requests admitted",
			},
		),

		BudgetDenied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_quote_budget_denied_total",
				Help: "Quote budget requests denied",
			},
		),

		BudgetTokens: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_quote_budget_tokens",
				Help: "Quote budget tokens currently available",
			},
		),

		RegimeTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_regime_transitions_total",
				Help: "Regime state transitions by event type",
			},
			[]string{"event_type"},
		),

		RegimeConfidence: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_regime_confidence",
				Help: "Confidence of the committed regime",
			},
		),

		SLOBreaches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_slo_breaches_total",
				Help: "SLO breach events emitted",
			},
		),

		SLOUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_slo_uptime_pct",
				Help: "Average uptime over the rolling window",
			},
		),

		SLOErrorRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_slo_error_rate_pct",
				Help: "Average error rate over the rolling window",
			},
		),

		SLOLatencyP95: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_slo_latency_p95_ms",
				Help: "Worst p95 latency over the rolling window",
			},
		),

		FailsafeMode: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_failsafe_mode",
				Help: "Active fail-safe posture indicator",
			},
			[]string{"mode"},
		),

		OrdersAdmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_orders_admitted_total",
				Help: "Order intents admitted by the duplicate guard",
			},
		),

		OrdersSuppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_orders_suppressed_total",
				Help: "Order intents suppressed as duplicates",
			},
		),

		ChaosDrills: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_chaos_drills_total",
				Help: "Chaos drills by type and outcome",
			},
			[]string{"drill", "outcome"},
		),

		Reconciliations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_reconciliations_total",
				Help: "Ledger reconciliation runs by outcome",
			},
			[]string{"outcome"},
		),

		AlertsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_alerts_sent_total",
				Help: "Alert deliveries by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
	}
}

// RecordProbe records one probe attempt
func (m *Metrics) RecordProbe(integration, outcome string, seconds float64) {
	m.ProbeAttempts.WithLabelValues(integration, outcome).Inc()
	m.ProbeDuration.WithLabelValues(integration).Observe(seconds)
}

// SetCircuitOpen flips the breaker state gauge
func (m *Metrics) SetCircuitOpen(integration string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.CircuitOpen.WithLabelValues(integration).Set(v)
}

// RecordCircuitTransition records a breaker state change
func (m *Metrics) RecordCircuitTransition(integration, to string) {
	m.CircuitTransitions.WithLabelValues(integration, to).Inc()
}

// SetFailsafeMode raises one mode series and clears the others so
// dashboards can key off a single metric name
func (m *Metrics) SetFailsafeMode(active string, all []string) {
	for _, mode := range all {
		v := 0.0
		if mode == active {
			v = 1.0
		}
		m.FailsafeMode.WithLabelValues(mode).Set(v)
	}
}

// RecordBudget mirrors token bucket counters into Prometheus
func (m *Metrics) RecordBudget(allowed bool, tokens float64) {
	if allowed {
		m.BudgetAllowed.Inc()
	} else {
		m.BudgetDenied.Inc()
	}
	m.BudgetTokens.Set(tokens)
}

// RecordSLOWindow updates the rolling aggregate gauges
func (m *Metrics) RecordSLOWindow(uptimePct, errorRatePct, latencyP95MS float64) {
	m.SLOUptime.Set(uptimePct)
	m.SLOErrorRate.Set(errorRatePct)
	m.SLOLatencyP95.Set(latencyP95MS)
}
