// Package statusapi exposes the operator surface over HTTP: the status
// document, heartbeat ingestion for external subsystems, the order
// duplicate pre-check, fail-safe reset, and Prometheus metrics.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"trade-warden/internal/orderguard"
	"trade-warden/internal/plane"
)

// Options tune the listener.
type Options struct {
	Listen       string
	RateLimitRPS float64
	Burst        int
}

// Server is the operator API. All handlers read through the control plane;
// none of them touch component internals directly.
type Server struct {
	opts    Options
	plane   *plane.ControlPlane
	limiter *rate.Limiter
	logger  zerolog.Logger
	http    *http.Server
}

// NewServer wires the routes. The gatherer is the same registry the plane
// metrics were created against.
func NewServer(opts Options, p *plane.ControlPlane, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if opts.Listen == "" {
		opts.Listen = ":8337"
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}

	s := &Server{
		opts:    opts,
		plane:   p,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitRPS), opts.Burst),
		logger:  logger.With().Str("component", "status_api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /heartbeat/{name}", s.handleHeartbeat)
	mux.HandleFunc("POST /orders/check", s.handleOrderCheck)
	mux.HandleFunc("POST /failsafe/reset", s.handleFailsafeReset)

	s.http = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.recoverPanic(s.limit(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.http.Addr).Msg("operator API listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.logger.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Any("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.Status(time.Now().UTC()))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"mode":   s.plane.Status(time.Now().UTC()).Mode,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validSubsystemName(name) {
		writeError(w, http.StatusBadRequest, "invalid subsystem name")
		return
	}
	s.plane.Beat(name)
	w.WriteHeader(http.StatusNoContent)
}

type orderCheckRequest struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type orderCheckResponse struct {
	Duplicate bool `json:"duplicate"`
}

func (s *Server) handleOrderCheck(w http.ResponseWriter, r *http.Request) {
	var req orderCheckRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	side := orderguard.Side(strings.ToUpper(strings.TrimSpace(req.Side)))
	if side != orderguard.SideBuy && side != orderguard.SideSell {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}

	dup := s.plane.CheckOrder(orderguard.Intent{
		Symbol:   strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:     side,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	writeJSON(w, http.StatusOK, orderCheckResponse{Duplicate: dup})
}

func (s *Server) handleFailsafeReset(w http.ResponseWriter, r *http.Request) {
	s.plane.ResetFailSafe()
	s.logger.Warn().Str("remote", r.RemoteAddr).Msg("fail-safe posture reset by operator")
	writeJSON(w, http.StatusOK, map[string]string{"mode": s.plane.Status(time.Now().UTC()).Mode})
}

// validSubsystemName bounds what external processes can register. Path
// segments arrive percent-decoded, so whitespace and control characters
// must be rejected here.
func validSubsystemName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
