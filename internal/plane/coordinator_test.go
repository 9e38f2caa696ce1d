package plane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-warden/internal/alerting"
	"trade-warden/internal/audit"
	"trade-warden/internal/chaos"
	"trade-warden/internal/failsafe"
	"trade-warden/internal/heartbeat"
	"trade-warden/internal/integration"
	"trade-warden/internal/orderguard"
	"trade-warden/internal/ratelimit"
	"trade-warden/internal/regime"
	"trade-warden/internal/slo"
)

var errDown = errors.New("connection refused")

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type stubProbe struct {
	name string
	mu   sync.Mutex
	fail error
}

func (s *stubProbe) Name() string { return s.name }

func (s *stubProbe) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *stubProbe) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

type stubClassifier struct {
	mu    sync.Mutex
	obs   regime.Observation
	err   error
	calls int
}

func (s *stubClassifier) Classify(ctx context.Context) (regime.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return regime.Observation{}, s.err
	}
	return s.obs, nil
}

func (s *stubClassifier) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubClassifier) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type stubEngine struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubEngine) SetShadowMode(ctx context.Context, enabled bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("shadow:%t", enabled))
	return nil
}

func (s *stubEngine) ArmKillSwitch(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "kill")
	return nil
}

func (s *stubEngine) RequestRollback(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "rollback")
	return nil
}

func (s *stubEngine) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Notify(ctx context.Context, n alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return nil
}

func (c *captureNotifier) find(summary string) (alerting.Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.notes {
		if strings.Contains(n.Summary, summary) {
			return n, true
		}
	}
	return alerting.Notification{}, false
}

type stubLedger struct {
	name      string
	positions []chaos.Position
	err       error
}

func (s *stubLedger) Name() string { return s.name }

func (s *stubLedger) Fetch(ctx context.Context) ([]chaos.Position, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.positions, nil
}

// fixture assembles a plane from real components with scripted edges.
// Replace individual components before calling build.
type fixture struct {
	opts       Options
	comp       Components
	engine     *stubEngine
	sink       *captureNotifier
	classifier *stubClassifier
}

func newFixture() *fixture {
	f := &fixture{
		engine:     &stubEngine{},
		sink:       &captureNotifier{},
		classifier: &stubClassifier{obs: regime.Observation{Label: "trending_up", Confidence: 0.9}},
	}

	dispatcher := alerting.NewDispatcher(alerting.DispatcherOptions{
		MinSeverity: alerting.SeverityInfo,
		Cooldown:    time.Hour,
	}, testLogger())
	dispatcher.Register("capture", f.sink)

	f.opts = Options{
		AppName:             "tradewarden-test",
		HeartbeatScanEvery:  30 * time.Second,
		MissEscalationScans: 3,
		IntegrationEvery:    15 * time.Second,
		RegimeEvery:         time.Minute,
		SLOEvery:            time.Minute,
	}
	f.comp = Components{
		Heartbeats: heartbeat.NewRegistry(time.Hour),
		Monitors:   integration.NewSet(),
		Budget:     ratelimit.NewBucket(100, 100),
		Classifier: f.classifier,
		Regime:     regime.NewHysteresis(0.7, 0.4, 16),
		SLO:        slo.NewEvaluator(30*time.Minute, slo.Targets{}, 16),
		FailSafe: failsafe.NewController(failsafe.Options{
			ShadowAfter:     time.Hour,
			KillSwitchAfter: 2 * time.Hour,
		}, f.engine, testLogger()),
		OrderGuard: orderguard.NewGuard(orderguard.Options{
			BucketSeconds: 5,
			TTL:           time.Minute,
			MaxEntries:    64,
		}, testLogger()),
		Alerts: dispatcher,
	}
	return f
}

func (f *fixture) addMonitor(name, class string, fail error) *stubProbe {
	probe := &stubProbe{name: name, fail: fail}
	f.comp.Monitors.Add(integration.NewMonitor(probe, integration.MonitorOptions{
		Class:         class,
		Backoff:       time.Millisecond,
		Timeout:       time.Second,
		FailThreshold: 1,
		Cooldown:      time.Hour,
	}, testLogger()))
	return probe
}

func (f *fixture) build() *ControlPlane {
	return New(f.opts, f.comp, testLogger())
}

func TestPulseBeatsOwnHeartbeat(t *testing.T) {
	f := newFixture()
	p := f.build()

	if err := p.pulse(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("pulse failed: %v", err)
	}

	for _, rec := range f.comp.Heartbeats.Snapshot() {
		if rec.Name == "control_plane" {
			return
		}
	}
	t.Fatal("控制平面必须为自身记录心跳")
}

func TestPulseCountsConsecutiveFailedScans(t *testing.T) {
	f := newFixture()
	p := f.build()
	ctx := context.Background()
	now := time.Now().UTC()

	f.classifier.setErr(errors.New("classifier upstream down"))
	failing := p.tracked(p.refreshRegime)

	for i := 0; i < 2; i++ {
		_ = p.pulse(ctx, now)
		_ = failing(ctx, now)
	}
	_ = p.pulse(ctx, now)

	if got := p.Status(now).ScanFailures; got != 2 {
		t.Fatalf("ScanFailures = %d, want 2", got)
	}
	if _, ok := f.sink.find("supervision scans degraded"); ok {
		t.Fatal("未达阈值不应触发升级告警")
	}

	_ = failing(ctx, now)
	_ = p.pulse(ctx, now)

	if got := p.Status(now).ScanFailures; got != 3 {
		t.Fatalf("ScanFailures = %d, want 3", got)
	}
	if _, ok := f.sink.find("supervision scans degraded"); !ok {
		t.Fatal("expected escalation alert after three consecutive failed scans")
	}

	f.classifier.setErr(nil)
	_ = failing(ctx, now)
	_ = p.pulse(ctx, now)

	if got := p.Status(now).ScanFailures; got != 0 {
		t.Fatalf("连续失败计数应在恢复后清零, got %d", got)
	}
}

func TestScanHeartbeatsEscalatesAfterMissedScans(t *testing.T) {
	f := newFixture()
	f.opts.MissEscalationScans = 2
	f.comp.Heartbeats.SetTimeout("risk_engine", time.Nanosecond)
	p := f.build()
	ctx := context.Background()
	now := time.Now().UTC()

	f.comp.Heartbeats.Beat("risk_engine")
	time.Sleep(2 * time.Millisecond)

	if err := p.scanHeartbeats(ctx, now); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if _, ok := f.sink.find("subsystem heartbeat lost"); ok {
		t.Fatal("第一次超时不应立即升级")
	}

	if err := p.scanHeartbeats(ctx, now); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if _, ok := f.sink.find("subsystem heartbeat lost"); !ok {
		t.Fatal("expected escalation after two consecutive missed scans")
	}

	if err := p.evaluate(ctx, now); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	state := f.comp.FailSafe.State()
	if state.DegradedSince == nil {
		t.Fatal("escalated heartbeat loss must start a degradation episode")
	}
	if !strings.Contains(state.LastReason, "missed heartbeats: risk_engine") {
		t.Fatalf("reason %q does not name the lost subsystem", state.LastReason)
	}
}

func TestEvaluateFoldsProbeIntervals(t *testing.T) {
	f := newFixture()
	f.addMonitor("venue", integration.ClassDependency, nil)
	f.addMonitor("oracle", integration.ClassDependency, errDown)
	p := f.build()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := p.sweepIntegrations(ctx, now); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if err := p.evaluate(ctx, now); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	agg := f.comp.SLO.Aggregates()
	if agg.SampleCount != 1 {
		t.Fatalf("SampleCount = %d, want 1", agg.SampleCount)
	}
	if agg.AvgErrorRatePct != 50 {
		t.Fatalf("AvgErrorRatePct = %v, want 50", agg.AvgErrorRatePct)
	}
	if agg.AvgUptimePct != 50 {
		t.Fatalf("AvgUptimePct = %v, want 50 with one of two circuits open", agg.AvgUptimePct)
	}

	samples := p.Status(now).SLOSamples
	if len(samples) != 1 || samples[0].ErrorRatePct != 50 {
		t.Fatalf("status must carry the sample tail, got %+v", samples)
	}

	if f.comp.FailSafe.State().DegradedSince == nil {
		t.Fatal("开路的关键依赖应开启降级事件")
	}
	if calls := f.engine.snapshot(); len(calls) != 0 {
		t.Fatalf("no engine action expected before the shadow window, got %v", calls)
	}
}

func TestEvaluateExcludesSyntheticMonitors(t *testing.T) {
	f := newFixture()
	f.addMonitor("venue", integration.ClassDependency, nil)
	f.addMonitor(chaos.SyntheticName, integration.ClassSynthetic, errDown)
	p := f.build()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := p.sweepIntegrations(ctx, now); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if err := p.evaluate(ctx, now); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	agg := f.comp.SLO.Aggregates()
	if agg.AvgUptimePct != 100 || agg.AvgErrorRatePct != 0 {
		t.Fatalf("合成监控不应计入服务指标: uptime=%v error=%v", agg.AvgUptimePct, agg.AvgErrorRatePct)
	}
	if f.comp.FailSafe.State().DegradedSince != nil {
		t.Fatal("an open synthetic circuit must not degrade the plane")
	}
}

func TestBreachEscalatesToShadowAndRollback(t *testing.T) {
	f := newFixture()
	f.addMonitor("venue", integration.ClassDependency, errDown)
	f.comp.SLO = slo.NewEvaluator(30*time.Minute, slo.Targets{MinUptimePct: 99}, 16)
	f.comp.FailSafe = failsafe.NewController(failsafe.Options{
		ShadowAfter:     time.Millisecond,
		KillSwitchAfter: time.Hour,
		RollbackOn:      []string{slo.ReasonUptime},
	}, f.engine, testLogger())
	p := f.build()
	ctx := context.Background()

	if err := p.sweepIntegrations(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if err := p.evaluate(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := p.evaluate(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	calls := f.engine.snapshot()
	if len(calls) != 2 || calls[0] != "rollback" || calls[1] != "shadow:true" {
		t.Fatalf("engine calls = %v, want [rollback shadow:true]", calls)
	}
	if got := p.Status(time.Now().UTC()).Mode; got != failsafe.ModeShadow {
		t.Fatalf("mode = %q, want %q", got, failsafe.ModeShadow)
	}
	if note, ok := f.sink.find("service level objectives breached"); !ok {
		t.Fatal("SLO 连续违约必须产生告警")
	} else if note.Severity != alerting.SeverityCritical {
		t.Fatalf("breach alert severity = %q, want critical", note.Severity)
	}
}

func TestCircuitTransitionEmitsAlertAndAudit(t *testing.T) {
	f := newFixture()
	probe := &stubProbe{name: "venue", fail: errDown}
	f.comp.Monitors.Add(integration.NewMonitor(probe, integration.MonitorOptions{
		Class:         integration.ClassDependency,
		Backoff:       time.Millisecond,
		Timeout:       time.Second,
		FailThreshold: 1,
		Cooldown:      time.Millisecond,
	}, testLogger()))

	log, err := audit.NewLog(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	defer log.Close()
	f.comp.Audit = log
	p := f.build()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := p.sweepIntegrations(ctx, now); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if note, ok := f.sink.find("circuit breaker opened"); !ok {
		t.Fatal("熔断器打开必须产生告警")
	} else if note.Severity != alerting.SeverityCritical {
		t.Fatalf("open alert severity = %q, want critical", note.Severity)
	}

	probe.setFail(nil)
	time.Sleep(3 * time.Millisecond)
	if err := p.sweepIntegrations(ctx, now); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if _, ok := f.sink.find("circuit breaker closed"); !ok {
		t.Fatal("expected recovery alert after the trial probe succeeds")
	}

	transitions := 0
	for _, ev := range log.Recent(0) {
		if ev.Kind == "circuit_transition" {
			transitions++
		}
	}
	if transitions != 2 {
		t.Fatalf("audit circuit_transition events = %d, want 2", transitions)
	}
}

func TestRegimeRefreshBudgetGate(t *testing.T) {
	f := newFixture()
	f.comp.Budget = ratelimit.NewBucket(1, 0.0001)
	p := f.build()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := p.refreshRegime(ctx, now); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := p.refreshRegime(ctx, now); err != nil {
		t.Fatalf("denied refresh must not error: %v", err)
	}

	if got := f.classifier.callCount(); got != 1 {
		t.Fatalf("预算拒绝后不应调用分类器, calls = %d", got)
	}
	if got := p.Status(now).ClassifierDenied; got != 1 {
		t.Fatalf("ClassifierDenied = %d, want 1", got)
	}

	if _, ok := f.sink.find("market regime commit"); !ok {
		t.Fatal("initial regime commit should raise an info alert")
	}
	state, ok := f.comp.Regime.State()
	if !ok || state.Name != "trending_up" {
		t.Fatalf("committed regime = %+v, want trending_up", state)
	}
}

func TestReconcileMismatchAlertsCritical(t *testing.T) {
	f := newFixture()
	f.comp.Reconciler = chaos.NewReconciler(
		&stubLedger{name: "internal", positions: []chaos.Position{{Symbol: "BTC-USDT", Quantity: decimal.RequireFromString("1.0")}}},
		&stubLedger{name: "exchange", positions: []chaos.Position{{Symbol: "BTC-USDT", Quantity: decimal.RequireFromString("0.2")}}},
		decimal.RequireFromString("0.01"),
		8,
		testLogger(),
	)
	p := f.build()

	if err := p.reconcile(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("reconcile phase failed: %v", err)
	}

	note, ok := f.sink.find("position books disagree")
	if !ok {
		t.Fatal("持仓不一致必须产生告警")
	}
	if note.Severity != alerting.SeverityCritical {
		t.Fatalf("mismatch alert severity = %q, want critical", note.Severity)
	}
	if !strings.Contains(note.Detail, "BTC-USDT") {
		t.Fatalf("alert detail %q does not name the symbol", note.Detail)
	}
}

func TestRunDrillRecordsEvent(t *testing.T) {
	f := newFixture()
	f.comp.Chaos = chaos.NewInjector(chaos.Options{
		Drills:       []string{chaos.DrillBudgetDrain},
		BudgetCap:    4,
		BudgetRefill: 1,
	}, nil, testLogger())
	p := f.build()

	ev, err := p.RunDrill(context.Background(), chaos.DrillBudgetDrain)
	if err != nil {
		t.Fatalf("drill failed to run: %v", err)
	}
	if ev.Outcome != chaos.OutcomePassed {
		t.Fatalf("outcome = %q, want passed: %s", ev.Outcome, ev.Reason)
	}

	if _, err := p.RunDrill(context.Background(), "latency_storm"); err == nil {
		t.Fatal("未知演练名称应返回错误")
	}
}

func TestRunDrillWithoutInjector(t *testing.T) {
	f := newFixture()
	p := f.build()

	if _, err := p.RunDrill(context.Background(), chaos.DrillBudgetDrain); err == nil {
		t.Fatal("未配置演练时应返回错误")
	}
}

func TestWriteSnapshotPersistsDocument(t *testing.T) {
	f := newFixture()
	w, err := audit.NewSnapshotWriter(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("snapshot writer: %v", err)
	}
	f.comp.Snapshot = w
	p := f.build()

	if err := p.writeSnapshot(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("snapshot phase failed: %v", err)
	}

	raw, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("快照文件应可解析: %v", err)
	}
	if doc["app"] != "tradewarden-test" {
		t.Fatalf("app = %v, want tradewarden-test", doc["app"])
	}
	if doc["mode"] != failsafe.ModeNormal {
		t.Fatalf("mode = %v, want normal", doc["mode"])
	}
}

func TestStatusIsolatedFromInternalState(t *testing.T) {
	f := newFixture()
	f.addMonitor("venue", integration.ClassDependency, nil)
	p := f.build()
	now := time.Now().UTC()
	p.Beat("risk_engine")

	first := p.Status(now)
	if len(first.Heartbeats) != 1 || len(first.Integrations) != 1 {
		t.Fatalf("unexpected status shape: %d heartbeats, %d integrations",
			len(first.Heartbeats), len(first.Integrations))
	}

	first.Heartbeats[0].MissedCount = 99
	first.Integrations[0].Name = "tampered"

	second := p.Status(now)
	if second.Heartbeats[0].MissedCount != 0 {
		t.Fatal("状态快照必须是深拷贝")
	}
	if second.Integrations[0].Name != "venue" {
		t.Fatalf("integration name = %q, want venue", second.Integrations[0].Name)
	}
}

func TestCheckOrderSuppressesDuplicates(t *testing.T) {
	f := newFixture()
	p := f.build()

	intent := orderguard.Intent{
		Symbol:   "ETH-USDT",
		Side:     orderguard.SideBuy,
		Price:    decimal.RequireFromString("3200.5"),
		Quantity: decimal.RequireFromString("0.25"),
	}

	if p.CheckOrder(intent) {
		t.Fatal("首次提交不应被拦截")
	}
	if !p.CheckOrder(intent) {
		t.Fatal("duplicate submission in the same bucket must be suppressed")
	}

	stats := f.comp.OrderGuard.Stats()
	if stats.Admitted != 1 || stats.Suppressed != 1 {
		t.Fatalf("guard stats = %+v, want 1 admitted and 1 suppressed", stats)
	}
}
