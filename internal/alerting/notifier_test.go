package alerting

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

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		TS:        time.Now(),
		Severity:  SeverityCritical,
		Component: "integration_monitor",
		Summary:   "circuit opened: exchange_rest",
		Detail:    "5 consecutive probe failures",
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "CRITICAL") || !strings.Contains(received["text"], "circuit opened") {
		t.Fatalf("text 应包含级别与摘要: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{TS: time.Now(), Severity: SeverityWarning, Component: "slo", Summary: "breach"}

	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type captureNotifier struct {
	notes []Notification
}

func (c *captureNotifier) Notify(ctx context.Context, n Notification) error {
	c.notes = append(c.notes, n)
	return nil
}

func TestDispatcherCooldownSuppressesRepeats(t *testing.T) {
	sink := &captureNotifier{}
	d := NewDispatcher(DispatcherOptions{MinSeverity: SeverityInfo, Cooldown: time.Minute}, testLogger())
	d.Register("capture", sink)

	at := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return at }

	note := Notification{Severity: SeverityWarning, Component: "slo", Summary: "uptime breach"}
	d.Dispatch(context.Background(), note)
	d.Dispatch(context.Background(), note)
	if len(sink.notes) != 1 {
		t.Fatalf("冷却期内重复告警应被抑制, got %d", len(sink.notes))
	}

	at = at.Add(2 * time.Minute)
	d.Dispatch(context.Background(), note)
	if len(sink.notes) != 2 {
		t.Fatalf("cooldown elapsed, alert should send again, got %d", len(sink.notes))
	}
}

func TestDispatcherDistinctKeysNotSuppressed(t *testing.T) {
	sink := &captureNotifier{}
	d := NewDispatcher(DispatcherOptions{MinSeverity: SeverityInfo, Cooldown: time.Minute}, testLogger())
	d.Register("capture", sink)

	d.Dispatch(context.Background(), Notification{Severity: SeverityWarning, Component: "slo", Summary: "uptime breach"})
	d.Dispatch(context.Background(), Notification{Severity: SeverityWarning, Component: "heartbeat", Summary: "market_data missed"})
	if len(sink.notes) != 2 {
		t.Fatalf("different keys must both deliver, got %d", len(sink.notes))
	}
}

func TestDispatcherSeverityFloor(t *testing.T) {
	sink := &captureNotifier{}
	d := NewDispatcher(DispatcherOptions{MinSeverity: SeverityWarning, Cooldown: time.Minute}, testLogger())
	d.Register("capture", sink)

	d.Dispatch(context.Background(), Notification{Severity: SeverityInfo, Component: "regime", Summary: "switch"})
	if len(sink.notes) != 0 {
		t.Fatal("低于阈值的告警不应下发")
	}

	d.Dispatch(context.Background(), Notification{Severity: SeverityCritical, Component: "failsafe", Summary: "kill switch"})
	if len(sink.notes) != 1 {
		t.Fatal("critical alert must deliver")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
