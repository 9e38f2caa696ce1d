package regime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Observation is one classifier reading.
type Observation struct {
	Label      string  `json:"regime"`
	Confidence float64 `json:"confidence"`
}

// Classifier produces regime observations from the predictive service.
type Classifier interface {
	Classify(ctx context.Context) (Observation, error)
}

// HTTPClassifierOptions parameterise the classifier client.
type HTTPClassifierOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// HTTPClassifier queries an external regime classification endpoint.
type HTTPClassifier struct {
	opts   HTTPClassifierOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPClassifier constructs a classifier client.
func NewHTTPClassifier(opts HTTPClassifierOptions, logger zerolog.Logger) *HTTPClassifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HTTPClassifier{
		opts:   opts,
		logger: logger.With().Str("component", "regime_classifier").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context) (Observation, error) {
	if c.opts.URL == "" {
		return Observation{}, errors.New("classifier url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return Observation{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "tradewarden/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Observation{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 65536))
	if err != nil {
		return Observation{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Observation{}, fmt.Errorf("classifier error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var obs Observation
	if err := json.Unmarshal(payload, &obs); err != nil {
		return Observation{}, fmt.Errorf("parse classifier response: %w", err)
	}
	if obs.Label == "" {
		return Observation{}, errors.New("classifier returned empty regime label")
	}
	if obs.Confidence < 0 || obs.Confidence > 1 {
		return Observation{}, fmt.Errorf("confidence %.4f outside [0, 1]", obs.Confidence)
	}
	return obs, nil
}

var _ Classifier = (*HTTPClassifier)(nil)
