package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPOptions parameterise an HTTP health probe.
type HTTPOptions struct {
	Name      string
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// HTTPProbe checks an HTTP endpoint with a plain GET.
type HTTPProbe struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPProbe constructs an HTTP prober.
func NewHTTPProbe(opts HTTPOptions, logger zerolog.Logger) *HTTPProbe {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HTTPProbe{
		opts:   opts,
		logger: logger.With().Str("component", "http_probe").Str("integration", opts.Name).Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements Prober.
func (p *HTTPProbe) Name() string { return p.opts.Name }

// Probe implements Prober. Any 2xx response counts as healthy.
func (p *HTTPProbe) Probe(ctx context.Context) error {
	if p.opts.URL == "" {
		return errors.New("probe url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "tradewarden/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return probeHTTPError(resp.StatusCode, payload)
	}
	return nil
}

func probeHTTPError(status int, payload []byte) error {
	body := strings.TrimSpace(string(payload))
	if body != "" {
		return fmt.Errorf("probe http error (%d): %s", status, body)
	}
	return fmt.Errorf("probe http error (%d)", status)
}

var _ Prober = (*HTTPProbe)(nil)
