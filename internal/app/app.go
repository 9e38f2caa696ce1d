package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-warden/internal/alerting"
	"trade-warden/internal/audit"
	"trade-warden/internal/chaos"
	"trade-warden/internal/config"
	"trade-warden/internal/failsafe"
	"trade-warden/internal/heartbeat"
	"trade-warden/internal/integration"
	"trade-warden/internal/metrics"
	"trade-warden/internal/orderguard"
	"trade-warden/internal/plane"
	"trade-warden/internal/ratelimit"
	"trade-warden/internal/regime"
	"trade-warden/internal/scheduler"
	"trade-warden/internal/slo"
	"trade-warden/internal/statusapi"
	"trade-warden/internal/storage"
	"trade-warden/internal/version"
)

// outboundUserAgent identifies probes, classifier calls, and engine calls.
const outboundUserAgent = "tradewarden/1.0"

// historyLockKey is shared by every instance pointed at the same database.
// Only the lock holder writes history tables.
const historyLockKey int64 = 0x5744524e

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newEngine() failsafe.Engine {
	if a.Config.Engine.BaseURL != "" {
		return failsafe.NewHTTPEngine(failsafe.HTTPEngineOptions{
			BaseURL:   a.Config.Engine.BaseURL,
			Timeout:   a.Config.Engine.RequestTimeout,
			UserAgent: outboundUserAgent,
		}, a.Logger)
	}
	return failsafe.NewLogEngine(a.Logger)
}

func (a *App) newClassifier() regime.Classifier {
	if a.Config.Regime.SourceURL == "" {
		return nil
	}
	return regime.NewHTTPClassifier(regime.HTTPClassifierOptions{
		URL:       a.Config.Regime.SourceURL,
		Timeout:   a.Config.Regime.RequestTimeout,
		UserAgent: outboundUserAgent,
	}, a.Logger)
}

func (a *App) newDispatcher() *alerting.Dispatcher {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	d := alerting.NewDispatcher(alerting.DispatcherOptions{
		MinSeverity: a.Config.Alerting.MinSeverity,
		Cooldown:    a.Config.Alerting.Cooldown,
	}, a.Logger)

	registered := 0
	for _, channel := range a.Config.Alerting.Channels {
		switch channel {
		case "telegram":
			tg := a.Config.Alerting.Telegram
			if !tg.Enabled {
				continue
			}
			d.Register("telegram", alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
			registered++
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel ignored")
		}
	}
	if registered == 0 {
		a.Logger.Warn().Msg("alerting enabled but no channel is configured")
	}
	return d
}

func (a *App) buildMonitors() (*integration.Set, error) {
	set := integration.NewSet()
	for _, ic := range a.Config.Integrations {
		var prober integration.Prober
		switch ic.Kind {
		case "http":
			prober = integration.NewHTTPProbe(integration.HTTPOptions{
				Name:      ic.Name,
				URL:       ic.URL,
				Timeout:   ic.Timeout,
				UserAgent: outboundUserAgent,
			}, a.Logger)
		case "evm":
			prober = integration.NewEVMProbe(integration.EVMOptions{
				Name:      ic.Name,
				RPCURL:    ic.URL,
				Timeout:   ic.Timeout,
				Freshness: ic.Freshness,
			}, a.Logger)
		default:
			return nil, fmt.Errorf("integration %s: unsupported kind %q", ic.Name, ic.Kind)
		}
		set.Add(integration.NewMonitor(prober, integration.MonitorOptions{
			Class:         ic.Class,
			Retries:       ic.Retries,
			Backoff:       ic.Backoff,
			Timeout:       ic.Timeout,
			FailThreshold: ic.FailThreshold,
			Cooldown:      ic.Cooldown,
		}, a.Logger))
	}
	return set, nil
}

func (a *App) newReconciler() (*chaos.Reconciler, error) {
	cfg := a.Config.Chaos
	if cfg.LedgerPath == "" || cfg.LedgerURL == "" {
		return nil, nil
	}

	tolerance := decimal.Zero
	if cfg.Tolerance != "" {
		var err error
		tolerance, err = decimal.NewFromString(cfg.Tolerance)
		if err != nil {
			return nil, fmt.Errorf("chaos.tolerance: %w", err)
		}
	}

	internal := chaos.NewFileLedger("internal", cfg.LedgerPath)
	external := chaos.NewHTTPLedger("exchange", cfg.LedgerURL, 10*time.Second)
	return chaos.NewReconciler(internal, external, tolerance, cfg.History, a.Logger), nil
}

func (a *App) sloTargets() slo.Targets {
	return slo.Targets{
		MinUptimePct:    a.Config.SLO.MinUptimePct,
		MaxErrorRatePct: a.Config.SLO.MaxErrorRatePct,
		MaxLatencyP95MS: a.Config.SLO.MaxLatencyP95MS,
	}
}

func (a *App) newComponents(m *metrics.Metrics, history plane.HistorySink) (plane.Components, error) {
	cfg := a.Config

	heartbeats := heartbeat.NewRegistry(cfg.Plane.HeartbeatTimeout)
	for name, timeout := range cfg.Plane.HeartbeatTimeouts {
		heartbeats.SetTimeout(name, timeout)
	}

	monitors, err := a.buildMonitors()
	if err != nil {
		return plane.Components{}, err
	}

	var injector *chaos.Injector
	if cfg.Chaos.Enabled {
		synthetic := chaos.NewSyntheticMonitor(a.Logger)
		monitors.Add(synthetic)
		injector = chaos.NewInjector(chaos.Options{
			Drills:       cfg.Chaos.Drills,
			BudgetCap:    cfg.QuoteBudget.Capacity,
			BudgetRefill: cfg.QuoteBudget.RefillPerSec,
			History:      cfg.Chaos.History,
		}, synthetic, a.Logger)
	}

	reconciler, err := a.newReconciler()
	if err != nil {
		return plane.Components{}, err
	}

	auditLog, err := audit.NewLog(cfg.Audit.Dir, a.Logger)
	if err != nil {
		return plane.Components{}, err
	}
	snapshot, err := audit.NewSnapshotWriter(cfg.Audit.Dir, a.Logger)
	if err != nil {
		auditLog.Close()
		return plane.Components{}, err
	}

	return plane.Components{
		Heartbeats: heartbeats,
		Monitors:   monitors,
		Budget:     ratelimit.NewBucket(cfg.QuoteBudget.Capacity, cfg.QuoteBudget.RefillPerSec),
		Classifier: a.newClassifier(),
		Regime:     regime.NewHysteresis(cfg.Regime.CommitThreshold, cfg.Regime.ReleaseThreshold, cfg.Regime.History),
		SLO:        slo.NewEvaluator(cfg.SLO.Window, a.sloTargets(), cfg.SLO.BreachHistory),
		FailSafe: failsafe.NewController(failsafe.Options{
			ShadowAfter:     cfg.FailSafe.ShadowAfter,
			KillSwitchAfter: cfg.FailSafe.KillSwitchAfter,
			RollbackOn:      cfg.FailSafe.RollbackOn,
		}, a.newEngine(), a.Logger),
		OrderGuard: orderguard.NewGuard(orderguard.Options{
			BucketSeconds: cfg.OrderGuard.BucketSeconds,
			TTL:           cfg.OrderGuard.TTL,
			MaxEntries:    cfg.OrderGuard.MaxEntries,
		}, a.Logger),
		Chaos:      injector,
		Reconciler: reconciler,
		Audit:      auditLog,
		Snapshot:   snapshot,
		Alerts:     a.newDispatcher(),
		Metrics:    m,
		History:    history,
	}, nil
}

// Run executes the long-running supervision loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; history persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var history plane.HistorySink
	if store != nil {
		unlock, acquired, lockErr := store.TryAdvisoryLock(ctx, historyLockKey)
		if lockErr != nil {
			return lockErr
		}
		if acquired {
			defer unlock()
			history = store
		} else {
			a.Logger.Warn().Msg("another instance holds the history lock; this one runs without persistence")
		}
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	comp, err := a.newComponents(m, history)
	if err != nil {
		return err
	}
	defer comp.Audit.Close()

	p := plane.New(plane.Options{
		AppName:             a.Config.App.Name,
		HeartbeatScanEvery:  a.Config.Plane.HeartbeatScanEvery,
		MissEscalationScans: a.Config.Plane.MissEscalationScans,
		IntegrationEvery:    a.Config.Plane.IntegrationEvery,
		RegimeEvery:         a.Config.Plane.RegimeEvery,
		SLOEvery:            a.Config.Plane.SLOEvery,
		ChaosEvery:          a.Config.Plane.ChaosEvery,
		ReconcileEvery:      a.Config.Plane.ReconcileEvery,
		SnapshotEvery:       a.Config.Plane.SnapshotEvery,
		SLOTargets:          a.sloTargets(),
	}, comp, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Tick:         a.Config.Scheduler.Tick,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	p.Register(sched)

	if a.Config.API.Enabled {
		api := statusapi.NewServer(statusapi.Options{
			Listen:       a.Config.API.Listen,
			RateLimitRPS: a.Config.API.RateLimitRPS,
			Burst:        a.Config.API.Burst,
		}, p, registry, a.Logger)
		go func() {
			if apiErr := api.Start(ctx); apiErr != nil {
				a.Logger.Error().Err(apiErr).Msg("operator API terminated")
				cancel()
			}
		}()
	}

	a.Logger.Info().
		Str("version", version.Version).
		Str("environment", a.Config.App.Environment).
		Msg("starting control plane")

	err = sched.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("control plane terminated with error")
		return err
	}

	a.Logger.Info().Msg("control plane stopped")
	return nil
}

// ExportOptions hold parameters for exporting evaluation history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Limit    int
	Breaches bool
	Alerts   bool
}

// StatusOptions configure the status command.
type StatusOptions struct {
	URL string
}

// PruneOptions configure history retention cleanup.
type PruneOptions struct {
	KeepDays int
	DryRun   bool
}
