package failsafe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHTTPEngineMissingBaseURL(t *testing.T) {
	e := NewHTTPEngine(HTTPEngineOptions{}, zerolog.Nop())
	if err := e.ArmKillSwitch(context.Background(), "test"); err == nil {
		t.Fatal("未配置 base url 时应报错")
	}
}

func TestHTTPEngineDeliversActions(t *testing.T) {
	type hit struct {
		path string
		body map[string]any
	}
	var hits []hit

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		hits = append(hits, hit{path: r.URL.Path, body: body})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPEngineOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())

	if err := e.SetShadowMode(context.Background(), true, "slo breach"); err != nil {
		t.Fatalf("shadow: %v", err)
	}
	if err := e.ArmKillSwitch(context.Background(), "sustained outage"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := e.RequestRollback(context.Background(), "latency_p95"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if len(hits) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(hits))
	}
	if hits[0].path != "/control/shadow-mode" || hits[0].body["enabled"] != true {
		t.Fatalf("shadow request wrong: %+v", hits[0])
	}
	if hits[1].path != "/control/kill-switch" || hits[1].body["reason"] != "sustained outage" {
		t.Fatalf("kill request wrong: %+v", hits[1])
	}
	if hits[2].path != "/control/rollback" || hits[2].body["reason"] != "latency_p95" {
		t.Fatalf("rollback request wrong: %+v", hits[2])
	}
}

func TestHTTPEngineSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine rejected", http.StatusConflict)
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPEngineOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	err := e.ArmKillSwitch(context.Background(), "test")
	if err == nil {
		t.Fatal("HTTP 409 应返回错误")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "engine rejected") {
		t.Fatalf("error should carry status and body: %v", err)
	}
}
