package chaos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Reconciliation outcomes.
const (
	OutcomeMatch    = "match"
	OutcomeMismatch = "mismatch"
	OutcomeError    = "error"
)

// Position is one ledger line.
type Position struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
}

// LedgerSource yields positions for reconciliation.
type LedgerSource interface {
	Name() string
	Fetch(ctx context.Context) ([]Position, error)
}

// Mismatch describes one symbol whose quantities diverge beyond the
// tolerance. A symbol present on only one side compares against zero.
type Mismatch struct {
	Symbol   string          `json:"symbol"`
	Internal decimal.Decimal `json:"internal"`
	External decimal.Decimal `json:"external"`
	Delta    decimal.Decimal `json:"delta"`
}

// Result records one reconciliation run.
type Result struct {
	ID         string     `json:"id"`
	TS         time.Time  `json:"ts"`
	Outcome    string     `json:"outcome"`
	Checked    int        `json:"checked"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Reconciler compares the bot's internal ledger against an external
// source of truth.
type Reconciler struct {
	mu        sync.Mutex
	internal  LedgerSource
	external  LedgerSource
	tolerance decimal.Decimal
	logger    zerolog.Logger
	results   []Result
	history   int
	now       func() time.Time
}

// NewReconciler wires the two sources. tolerance bounds the acceptable
// absolute quantity difference per symbol.
func NewReconciler(internal, external LedgerSource, tolerance decimal.Decimal, history int, logger zerolog.Logger) *Reconciler {
	if history <= 0 {
		history = 32
	}
	return &Reconciler{
		internal:  internal,
		external:  external,
		tolerance: tolerance,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		history:   history,
		now:       time.Now,
	}
}

// Run performs one reconciliation and records the result.
func (r *Reconciler) Run(ctx context.Context) Result {
	res := Result{ID: uuid.New().String(), TS: r.now().UTC()}

	internalPos, err := r.internal.Fetch(ctx)
	if err != nil {
		res.Outcome = OutcomeError
		res.Error = fmt.Sprintf("%s: %v", r.internal.Name(), err)
		r.finish(res)
		return res
	}
	externalPos, err := r.external.Fetch(ctx)
	if err != nil {
		res.Outcome = OutcomeError
		res.Error = fmt.Sprintf("%s: %v", r.external.Name(), err)
		r.finish(res)
		return res
	}

	left := bySymbol(internalPos)
	right := bySymbol(externalPos)

	symbols := make([]string, 0, len(left)+len(right))
	seen := map[string]bool{}
	for s := range left {
		symbols = append(symbols, s)
		seen[s] = true
	}
	for s := range right {
		if !seen[s] {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	for _, s := range symbols {
		in := left[s]
		ex := right[s]
		delta := in.Sub(ex)
		if delta.Abs().Cmp(r.tolerance) > 0 {
			res.Mismatches = append(res.Mismatches, Mismatch{
				Symbol:   s,
				Internal: in,
				External: ex,
				Delta:    delta,
			})
		}
	}
	res.Checked = len(symbols)

	if len(res.Mismatches) > 0 {
		res.Outcome = OutcomeMismatch
	} else {
		res.Outcome = OutcomeMatch
	}
	r.finish(res)
	return res
}

func (r *Reconciler) finish(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	if len(r.results) > r.history {
		r.results = r.results[len(r.results)-r.history:]
	}
	r.mu.Unlock()

	switch res.Outcome {
	case OutcomeMatch:
		r.logger.Info().Int("checked", res.Checked).Msg("ledgers reconciled")
	case OutcomeMismatch:
		r.logger.Warn().Int("mismatches", len(res.Mismatches)).Msg("ledger mismatch detected")
	default:
		r.logger.Error().Str("error", res.Error).Msg("reconciliation failed")
	}
}

// Results returns the recorded history, oldest first.
func (r *Reconciler) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

func bySymbol(positions []Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		out[p.Symbol] = out[p.Symbol].Add(p.Quantity)
	}
	return out
}

type ledgerDocument struct {
	Positions []Position `json:"positions"`
}

// FileLedger reads positions from the trading process's state file.
type FileLedger struct {
	name string
	path string
}

// NewFileLedger points at a JSON state file.
func NewFileLedger(name, path string) *FileLedger {
	return &FileLedger{name: name, path: path}
}

// Name implements LedgerSource.
func (f *FileLedger) Name() string { return f.name }

// Fetch implements LedgerSource.
func (f *FileLedger) Fetch(ctx context.Context) ([]Position, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var doc ledgerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ledger file: %w", err)
	}
	return doc.Positions, nil
}

var _ LedgerSource = (*FileLedger)(nil)

// HTTPLedger fetches positions from a remote accounting endpoint.
type HTTPLedger struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPLedger points at a JSON positions endpoint.
func NewHTTPLedger(name, url string, timeout time.Duration) *HTTPLedger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLedger{name: name, url: url, client: &http.Client{Timeout: timeout}}
}

// Name implements LedgerSource.
func (h *HTTPLedger) Name() string { return h.name }

// Fetch implements LedgerSource.
func (h *HTTPLedger) Fetch(ctx context.Context) ([]Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger endpoint error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var doc ledgerDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse ledger response: %w", err)
	}
	return doc.Positions, nil
}

var _ LedgerSource = (*HTTPLedger)(nil)
