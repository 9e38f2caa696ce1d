package failsafe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	shadowPath   = "/control/shadow-mode"
	killPath     = "/control/kill-switch"
	rollbackPath = "/control/rollback"
)

// LogEngine records control actions without an outbound call. It backs
// deployments that have no engine endpoint configured.
type LogEngine struct {
	logger zerolog.Logger
}

// NewLogEngine builds a log-only engine.
func NewLogEngine(logger zerolog.Logger) *LogEngine {
	return &LogEngine{logger: logger.With().Str("component", "log_engine").Logger()}
}

// SetShadowMode implements Engine.
func (e *LogEngine) SetShadowMode(ctx context.Context, enabled bool, reason string) error {
	e.logger.Warn().Bool("enabled", enabled).Str("reason", reason).Msg("shadow mode (log only)")
	return nil
}

// ArmKillSwitch implements Engine.
func (e *LogEngine) ArmKillSwitch(ctx context.Context, reason string) error {
	e.logger.Warn().Str("reason", reason).Msg("kill switch (log only)")
	return nil
}

// RequestRollback implements Engine.
func (e *LogEngine) RequestRollback(ctx context.Context, reason string) error {
	e.logger.Warn().Str("reason", reason).Msg("rollback (log only)")
	return nil
}

var _ Engine = (*LogEngine)(nil)

// HTTPEngineOptions parameterise the outbound control client.
type HTTPEngineOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTPEngine delivers control actions to the trading process over HTTP.
type HTTPEngine struct {
	opts    HTTPEngineOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPEngine constructs an HTTP control client.
func NewHTTPEngine(opts HTTPEngineOptions, logger zerolog.Logger) *HTTPEngine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HTTPEngine{
		opts:    opts,
		logger:  logger.With().Str("component", "http_engine").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type shadowRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// SetShadowMode implements Engine.
func (e *HTTPEngine) SetShadowMode(ctx context.Context, enabled bool, reason string) error {
	return e.post(ctx, shadowPath, shadowRequest{Enabled: enabled, Reason: reason})
}

// ArmKillSwitch implements Engine.
func (e *HTTPEngine) ArmKillSwitch(ctx context.Context, reason string) error {
	return e.post(ctx, killPath, reasonRequest{Reason: reason})
}

// RequestRollback implements Engine.
func (e *HTTPEngine) RequestRollback(ctx context.Context, reason string) error {
	return e.post(ctx, rollbackPath, reasonRequest{Reason: reason})
}

func (e *HTTPEngine) post(ctx context.Context, path string, payload any) error {
	if e.baseURL == "" {
		return fmt.Errorf("engine base url not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "tradewarden/1.0")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(payloadBytes))
		if msg != "" {
			return fmt.Errorf("engine error (%d) on %s: %s", resp.StatusCode, path, msg)
		}
		return fmt.Errorf("engine error (%d) on %s", resp.StatusCode, path)
	}
	return nil
}

var _ Engine = (*HTTPEngine)(nil)
