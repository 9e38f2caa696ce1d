package chaos

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type stubLedger struct {
	name string
	pos  []Position
	err  error
}

func (s stubLedger) Name() string { return s.name }

func (s stubLedger) Fetch(ctx context.Context) ([]Position, error) { return s.pos, s.err }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReconcileMatchWithinTolerance(t *testing.T) {
	internal := stubLedger{name: "bot_state", pos: []Position{{Symbol: "BTC-USD", Quantity: dec("1.23456")}}}
	external := stubLedger{name: "exchange", pos: []Position{{Symbol: "BTC-USD", Quantity: dec("1.23455")}}}

	r := NewReconciler(internal, external, dec("0.0001"), 8, zerolog.Nop())
	res := r.Run(context.Background())

	if res.Outcome != OutcomeMatch {
		t.Fatalf("容差内的偏差应判定为一致, got %s", res.Outcome)
	}
	if res.Checked != 1 {
		t.Fatalf("expected 1 symbol checked, got %d", res.Checked)
	}
}

func TestReconcileMismatchBeyondTolerance(t *testing.T) {
	internal := stubLedger{name: "bot_state", pos: []Position{{Symbol: "BTC-USD", Quantity: dec("1.5")}}}
	external := stubLedger{name: "exchange", pos: []Position{{Symbol: "BTC-USD", Quantity: dec("1.0")}}}

	r := NewReconciler(internal, external, dec("0.0001"), 8, zerolog.Nop())
	res := r.Run(context.Background())

	if res.Outcome != OutcomeMismatch {
		t.Fatalf("expected mismatch, got %s", res.Outcome)
	}
	if len(res.Mismatches) != 1 {
		t.Fatalf("expected 1 mismatch, got %d", len(res.Mismatches))
	}
	m := res.Mismatches[0]
	if !m.Delta.Equal(dec("0.5")) {
		t.Fatalf("delta wrong: %s", m.Delta)
	}
}

func TestReconcileOneSidedSymbolComparesAgainstZero(t *testing.T) {
	internal := stubLedger{name: "bot_state", pos: []Position{{Symbol: "ETH-USD", Quantity: dec("2")}}}
	external := stubLedger{name: "exchange"}

	r := NewReconciler(internal, external, dec("0.0001"), 8, zerolog.Nop())
	res := r.Run(context.Background())

	if res.Outcome != OutcomeMismatch {
		t.Fatalf("单边持仓应判定为不一致, got %s", res.Outcome)
	}
	m := res.Mismatches[0]
	if !m.External.IsZero() || !m.Internal.Equal(dec("2")) {
		t.Fatalf("one-sided compare wrong: %+v", m)
	}
}

func TestReconcileFetchErrorNamesSource(t *testing.T) {
	internal := stubLedger{name: "bot_state"}
	external := stubLedger{name: "exchange", err: errors.New("timeout")}

	r := NewReconciler(internal, external, dec("0.0001"), 8, zerolog.Nop())
	res := r.Run(context.Background())

	if res.Outcome != OutcomeError {
		t.Fatalf("expected error outcome, got %s", res.Outcome)
	}
	if !strings.Contains(res.Error, "exchange") {
		t.Fatalf("error must name the failing source: %s", res.Error)
	}
}

func TestResultsHistoryBounded(t *testing.T) {
	internal := stubLedger{name: "bot_state"}
	external := stubLedger{name: "exchange"}

	r := NewReconciler(internal, external, dec("0.0001"), 2, zerolog.Nop())
	for i := 0; i < 5; i++ {
		r.Run(context.Background())
	}

	if got := len(r.Results()); got != 2 {
		t.Fatalf("history must stay bounded at 2, got %d", got)
	}
}

func TestFileLedgerReadsStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	body := `{"positions":[{"symbol":"BTC-USD","quantity":"0.75"},{"symbol":"ETH-USD","quantity":12.5}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write state file: %v", err)
	}

	l := NewFileLedger("bot_state", path)
	pos, err := l.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(pos) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(pos))
	}
	if pos[0].Symbol != "BTC-USD" || !pos[0].Quantity.Equal(dec("0.75")) {
		t.Fatalf("unexpected first position %+v", pos[0])
	}
	if !pos[1].Quantity.Equal(dec("12.5")) {
		t.Fatalf("数字与字符串数量都应可解析: %+v", pos[1])
	}
}

func TestHTTPLedgerFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"positions":[{"symbol":"BTC-USD","quantity":"1.0"}]}`))
	}))
	defer srv.Close()

	l := NewHTTPLedger("exchange", srv.URL, time.Second)
	pos, err := l.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(pos) != 1 || pos[0].Symbol != "BTC-USD" {
		t.Fatalf("unexpected positions %+v", pos)
	}
}

func TestHTTPLedgerSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ledger offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	l := NewHTTPLedger("exchange", srv.URL, time.Second)
	if _, err := l.Fetch(context.Background()); err == nil {
		t.Fatal("HTTP 502 应返回错误")
	}
}
