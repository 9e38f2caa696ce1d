package heartbeat

import (
	"testing"
	"time"
)

func TestBeatCreatesAndScanIncrementsMissed(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	r := NewRegistry(30 * time.Second)
	r.now = func() time.Time { return at }

	r.Beat("feed")
	if overdue := r.Scan(); len(overdue) != 0 {
		t.Fatalf("fresh beat should not be overdue: %+v", overdue)
	}

	at = at.Add(31 * time.Second)
	overdue := r.Scan()
	if len(overdue) != 1 || overdue[0].Name != "feed" || overdue[0].MissedCount != 1 {
		t.Fatalf("expected feed overdue with missed=1, got %+v", overdue)
	}

	at = at.Add(31 * time.Second)
	overdue = r.Scan()
	if overdue[0].MissedCount != 2 {
		t.Fatalf("missed count must be monotonic between beats, got %d", overdue[0].MissedCount)
	}
}

func TestBeatResetsMissedToZero(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	r := NewRegistry(10 * time.Second)
	r.now = func() time.Time { return at }

	r.Beat("engine")
	at = at.Add(time.Minute)
	r.Scan()
	r.Scan()

	r.Beat("engine")
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].MissedCount != 0 {
		t.Fatalf("beat must reset missed to exactly zero, got %+v", snap)
	}
	if overdue := r.Scan(); len(overdue) != 0 {
		t.Fatalf("entry should be fresh after beat: %+v", overdue)
	}
}

func TestPerSubsystemTimeoutOverride(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	r := NewRegistry(30 * time.Second)
	r.now = func() time.Time { return at }
	r.SetTimeout("slow-batcher", 5*time.Minute)

	r.Beat("slow-batcher")
	r.Beat("feed")

	at = at.Add(time.Minute)
	overdue := r.Scan()
	if len(overdue) != 1 || overdue[0].Name != "feed" {
		t.Fatalf("only feed should be overdue at 60s, got %+v", overdue)
	}

	at = at.Add(5 * time.Minute)
	overdue = r.Scan()
	if len(overdue) != 2 {
		t.Fatalf("both should be overdue past 6m, got %+v", overdue)
	}
}

func TestEntriesNeverDeleted(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	r := NewRegistry(time.Second)
	r.now = func() time.Time { return at }

	r.Beat("a")
	r.Beat("b")
	for i := 0; i < 50; i++ {
		at = at.Add(time.Minute)
		r.Scan()
	}
	if snap := r.Snapshot(); len(snap) != 2 {
		t.Fatalf("entries must survive any number of scans, got %+v", snap)
	}
}
