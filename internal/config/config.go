package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"trade-warden/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig        `mapstructure:"app"`
	Logging      logging.Config   `mapstructure:"logging"`
	Database     DatabaseConfig   `mapstructure:"database"`
	Scheduler    SchedulerConfig  `mapstructure:"scheduler"`
	Plane        PlaneConfig      `mapstructure:"plane"`
	Integrations []Integration    `mapstructure:"integrations"`
	QuoteBudget  QuoteBudget      `mapstructure:"quote_budget"`
	Regime       RegimeConfig     `mapstructure:"regime"`
	SLO          SLOConfig        `mapstructure:"slo"`
	FailSafe     FailSafeConfig   `mapstructure:"failsafe"`
	OrderGuard   OrderGuardConfig `mapstructure:"orderguard"`
	Chaos        ChaosConfig      `mapstructure:"chaos"`
	Audit        AuditConfig      `mapstructure:"audit"`
	API          APIConfig        `mapstructure:"api"`
	Engine       EngineConfig     `mapstructure:"engine"`
	Alerting     AlertingConfig   `mapstructure:"alerting"`
	Export       ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN
// disables history persistence entirely.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the base supervision tick.
type SchedulerConfig struct {
	Tick         time.Duration `mapstructure:"tick"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// PlaneConfig sets the cadence of each supervision phase. Cadences are
// rounded down to whole base ticks at runtime.
type PlaneConfig struct {
	HeartbeatScanEvery  time.Duration            `mapstructure:"heartbeat_scan_every"`
	HeartbeatTimeout    time.Duration            `mapstructure:"heartbeat_timeout"`
	HeartbeatTimeouts   map[string]time.Duration `mapstructure:"heartbeat_timeouts"`
	MissEscalationScans int                      `mapstructure:"miss_escalation_scans"`
	IntegrationEvery    time.Duration            `mapstructure:"integration_every"`
	RegimeEvery         time.Duration            `mapstructure:"regime_every"`
	SLOEvery            time.Duration            `mapstructure:"slo_every"`
	ChaosEvery          time.Duration            `mapstructure:"chaos_every"`
	ReconcileEvery      time.Duration            `mapstructure:"reconcile_every"`
	SnapshotEvery       time.Duration            `mapstructure:"snapshot_every"`
}

// Integration declares one upstream the plane probes and gates.
type Integration struct {
	Name          string        `mapstructure:"name"`
	Kind          string        `mapstructure:"kind"`
	Class         string        `mapstructure:"class"`
	URL           string        `mapstructure:"url"`
	Retries       int           `mapstructure:"retries"`
	Backoff       time.Duration `mapstructure:"backoff"`
	Timeout       time.Duration `mapstructure:"timeout"`
	FailThreshold int           `mapstructure:"fail_threshold"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	Freshness     time.Duration `mapstructure:"freshness"`
}

// QuoteBudget bounds calls to the predictive quote/classification service.
type QuoteBudget struct {
	Capacity     float64 `mapstructure:"capacity"`
	RefillPerSec float64 `mapstructure:"refill_per_sec"`
}

// RegimeConfig tunes market regime classification and its hysteresis band.
type RegimeConfig struct {
	CommitThreshold  float64       `mapstructure:"commit_threshold"`
	ReleaseThreshold float64       `mapstructure:"release_threshold"`
	SourceURL        string        `mapstructure:"source_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	History          int           `mapstructure:"history"`
}

// SLOConfig carries service level objectives and the evaluation window.
type SLOConfig struct {
	Window          time.Duration `mapstructure:"window"`
	MinUptimePct    float64       `mapstructure:"min_uptime_pct"`
	MaxErrorRatePct float64       `mapstructure:"max_error_rate_pct"`
	MaxLatencyP95MS float64       `mapstructure:"max_latency_p95_ms"`
	BreachHistory   int           `mapstructure:"breach_history"`
}

// FailSafeConfig stages the graduated response to sustained degradation.
type FailSafeConfig struct {
	ShadowAfter     time.Duration `mapstructure:"shadow_after"`
	KillSwitchAfter time.Duration `mapstructure:"kill_switch_after"`
	RollbackOn      []string      `mapstructure:"rollback_on"`
}

// OrderGuardConfig tunes duplicate order suppression.
type OrderGuardConfig struct {
	BucketSeconds int           `mapstructure:"bucket_seconds"`
	TTL           time.Duration `mapstructure:"ttl"`
	MaxEntries    int           `mapstructure:"max_entries"`
}

// ChaosConfig enables scheduled resilience drills and reconciliation.
type ChaosConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Drills     []string `mapstructure:"drills"`
	Tolerance  string   `mapstructure:"tolerance"`
	LedgerPath string   `mapstructure:"ledger_path"`
	LedgerURL  string   `mapstructure:"ledger_url"`
	History    int      `mapstructure:"history"`
}

// AuditConfig locates the local audit trail.
type AuditConfig struct {
	Dir string `mapstructure:"dir"`
}

// APIConfig exposes the status endpoint.
type APIConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Listen       string  `mapstructure:"listen"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
	Burst        int     `mapstructure:"burst"`
}

// EngineConfig points at the trading bot's control surface. An empty
// base URL keeps fail-safe actions log-only.
type EngineConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity string         `mapstructure:"min_severity"`
	Cooldown    time.Duration  `mapstructure:"cooldown"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADEWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradewarden")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.tick", "5s")
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("plane.heartbeat_scan_every", "30s")
	v.SetDefault("plane.heartbeat_timeout", "90s")
	v.SetDefault("plane.miss_escalation_scans", 3)
	v.SetDefault("plane.integration_every", "15s")
	v.SetDefault("plane.regime_every", "1m")
	v.SetDefault("plane.slo_every", "1m")
	v.SetDefault("plane.chaos_every", "6h")
	v.SetDefault("plane.reconcile_every", "5m")
	v.SetDefault("plane.snapshot_every", "30s")

	v.SetDefault("quote_budget.capacity", 30.0)
	v.SetDefault("quote_budget.refill_per_sec", 0.5)

	v.SetDefault("regime.commit_threshold", 0.7)
	v.SetDefault("regime.release_threshold", 0.4)
	v.SetDefault("regime.request_timeout", "5s")
	v.SetDefault("regime.history", 64)

	v.SetDefault("slo.window", "30m")
	v.SetDefault("slo.min_uptime_pct", 99.0)
	v.SetDefault("slo.max_error_rate_pct", 1.0)
	v.SetDefault("slo.max_latency_p95_ms", 800.0)
	v.SetDefault("slo.breach_history", 128)

	v.SetDefault("failsafe.shadow_after", "2m")
	v.SetDefault("failsafe.kill_switch_after", "5m")
	v.SetDefault("failsafe.rollback_on", []string{"error_rate", "latency_p95"})

	v.SetDefault("orderguard.bucket_seconds", 5)
	v.SetDefault("orderguard.ttl", "90s")
	v.SetDefault("orderguard.max_entries", 4096)

	v.SetDefault("chaos.enabled", false)
	v.SetDefault("chaos.drills", []string{"heartbeat_lapse", "circuit_trip", "budget_drain", "latency_spike"})
	v.SetDefault("chaos.tolerance", "0.0001")
	v.SetDefault("chaos.history", 32)

	v.SetDefault("audit.dir", "audit")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8337")
	v.SetDefault("api.rate_limit_rps", 10.0)
	v.SetDefault("api.burst", 20)

	v.SetDefault("engine.request_timeout", "5s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", "warning")
	v.SetDefault("alerting.cooldown", "10m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be greater than zero")
	}
	if c.Plane.HeartbeatTimeout <= 0 {
		return fmt.Errorf("plane.heartbeat_timeout must be greater than zero")
	}
	if c.Plane.MissEscalationScans <= 0 {
		return fmt.Errorf("plane.miss_escalation_scans must be greater than zero")
	}
	if c.QuoteBudget.Capacity <= 0 || c.QuoteBudget.RefillPerSec <= 0 {
		return fmt.Errorf("quote_budget capacity and refill_per_sec must be greater than zero")
	}
	if c.Regime.CommitThreshold <= 0 || c.Regime.CommitThreshold > 1 {
		return fmt.Errorf("regime.commit_threshold must be in (0, 1]")
	}
	if c.Regime.ReleaseThreshold < 0 || c.Regime.ReleaseThreshold >= 1 {
		return fmt.Errorf("regime.release_threshold must be in [0, 1)")
	}
	if c.Regime.ReleaseThreshold >= c.Regime.CommitThreshold {
		return fmt.Errorf("regime.release_threshold 必须低于 commit_threshold，否则死区失效")
	}
	if c.SLO.Window <= 0 {
		return fmt.Errorf("slo.window must be greater than zero")
	}
	if c.FailSafe.ShadowAfter <= 0 {
		return fmt.Errorf("failsafe.shadow_after must be greater than zero")
	}
	if c.FailSafe.KillSwitchAfter < c.FailSafe.ShadowAfter {
		return fmt.Errorf("failsafe.kill_switch_after cannot precede shadow_after")
	}
	if c.OrderGuard.BucketSeconds <= 0 {
		return fmt.Errorf("orderguard.bucket_seconds must be greater than zero")
	}
	if c.Chaos.Tolerance != "" {
		if _, err := decimal.NewFromString(c.Chaos.Tolerance); err != nil {
			return fmt.Errorf("chaos.tolerance is not a valid decimal: %w", err)
		}
	}
	if c.API.Enabled && c.API.RateLimitRPS <= 0 {
		return fmt.Errorf("api.rate_limit_rps must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for i, integ := range c.Integrations {
		if integ.Name == "" {
			return fmt.Errorf("integrations[%d].name is required", i)
		}
		if integ.URL == "" {
			return fmt.Errorf("integrations[%d] (%s): url is required", i, integ.Name)
		}
		switch integ.Kind {
		case "http", "evm":
		default:
			return fmt.Errorf("integrations[%d] (%s): kind must be http or evm", i, integ.Name)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
