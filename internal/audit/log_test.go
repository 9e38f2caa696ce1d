package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAppendWritesParseableLines(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	defer l.Close()

	id1 := l.Append("circuit_opened", "integration_monitor", map[string]any{"integration": "exchange_rest"})
	id2 := l.Append("slo_breach", "slo_evaluator", nil)
	if id1 == "" || id2 == "" || id1 == id2 {
		t.Fatal("事件 ID 必须唯一且非空")
	}

	f, err := os.Open(filepath.Join(dir, "events.log"))
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line not parseable: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(events))
	}
	if events[0].Kind != "circuit_opened" || events[0].Detail["integration"] != "exchange_rest" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
}

func TestAppendSurvivesAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := NewLog(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	l.Append("drill", "chaos", nil)
	l.Close()

	l, err = NewLog(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l.Append("drill", "chaos", nil)
	l.Close()

	data, err := os.ReadFile(filepath.Join(dir, "events.log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("追加模式下重开不应截断文件, got %d lines", lines)
	}
}

func TestRecentKeepsBoundedTail(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	defer l.Close()
	l.maxTail = 4

	for i := 0; i < 10; i++ {
		l.Append("heartbeat_missed", "heartbeat", map[string]any{"seq": i})
	}

	recent := l.Recent(0)
	if len(recent) != 4 {
		t.Fatalf("tail must stay bounded at 4, got %d", len(recent))
	}
	if recent[len(recent)-1].Detail["seq"] != 9 {
		t.Fatalf("tail must end with the newest event: %+v", recent[len(recent)-1])
	}

	if got := l.Recent(2); len(got) != 2 || got[1].Detail["seq"] != 9 {
		t.Fatalf("Recent(2) wrong: %+v", got)
	}
}

func TestAppendAfterCloseCountsDropped(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	l.Close()

	l.Append("drill", "chaos", nil)
	if l.Dropped() != 1 {
		t.Fatalf("failed append must count as dropped, got %d", l.Dropped())
	}
}

func TestSnapshotWriterReplacesDocument(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSnapshotWriter(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	type doc struct {
		Generation int       `json:"generation"`
		TS         time.Time `json:"ts"`
	}
	if err := w.Write(doc{Generation: 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.Write(doc{Generation: 2}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var got doc
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("snapshot not valid json: %v", err)
	}
	if got.Generation != 2 {
		t.Fatalf("快照应被整体替换, got generation %d", got.Generation)
	}
}
