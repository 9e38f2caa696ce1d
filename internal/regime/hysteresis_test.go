package regime

import (
	"testing"
	"time"
)

func newTestHysteresis() *Hysteresis {
	h := NewHysteresis(0.7, 0.4, 16)
	at := time.Unix(1_700_000_000, 0)
	h.now = func() time.Time {
		at = at.Add(time.Second)
		return at
	}
	return h
}

func TestInitialCommitRequiresThreshold(t *testing.T) {
	h := newTestHysteresis()

	if _, changed := h.Observe("trending", 0.69); changed {
		t.Fatal("低于提交阈值不应提交")
	}
	if _, ok := h.State(); ok {
		t.Fatal("state must stay uncommitted below the commit threshold")
	}

	ev, changed := h.Observe("trending", 0.7)
	if !changed || ev.Type != EventCommit || ev.To != "trending" {
		t.Fatalf("expected initial commit event, got %+v changed=%v", ev, changed)
	}
	st, ok := h.State()
	if !ok || st.Name != "trending" || st.SampleCount != 1 {
		t.Fatalf("unexpected committed state %+v", st)
	}
}

func TestSameLabelRefreshesWithoutChurn(t *testing.T) {
	h := newTestHysteresis()
	h.Observe("ranging", 0.8)

	if _, changed := h.Observe("ranging", 0.35); changed {
		t.Fatal("same-label observation must not emit a transition")
	}
	st, _ := h.State()
	if st.Confidence != 0.35 || st.SampleCount != 2 {
		t.Fatalf("expected refreshed confidence and sample count, got %+v", st)
	}
	if got := len(h.Transitions()); got != 1 {
		t.Fatalf("refresh must not append events, history len=%d", got)
	}
}

func TestDeadZoneNeverFlaps(t *testing.T) {
	h := newTestHysteresis()
	h.Observe("trending", 0.9)

	// Alternating labels with confidence strictly inside the dead zone.
	labels := []string{"ranging", "trending", "ranging", "trending", "ranging"}
	for i, label := range labels {
		if _, changed := h.Observe(label, 0.55); changed {
			t.Fatalf("死区内第 %d 次观察不应切换状态", i)
		}
	}
	st, _ := h.State()
	if st.Name != "trending" {
		t.Fatalf("committed label must be retained, got %s", st.Name)
	}
}

func TestSwitchRequiresReleaseAndCommit(t *testing.T) {
	h := newTestHysteresis()
	h.Observe("trending", 0.9)

	// Challenger above commit but incumbent still confident: retained.
	if _, changed := h.Observe("volatile", 0.95); changed {
		t.Fatal("incumbent above release must not be displaced")
	}

	// Incumbent decays to the release threshold.
	h.Observe("trending", 0.4)

	// Challenger below commit: still retained.
	if _, changed := h.Observe("volatile", 0.69); changed {
		t.Fatal("challenger below commit must not displace")
	}

	ev, changed := h.Observe("volatile", 0.75)
	if !changed || ev.Type != EventSwitch || ev.From != "trending" || ev.To != "volatile" {
		t.Fatalf("expected switch event, got %+v changed=%v", ev, changed)
	}
	st, _ := h.State()
	if st.Name != "volatile" || st.SampleCount != 1 {
		t.Fatalf("state must be replaced wholesale, got %+v", st)
	}
}

func TestTransitionHistoryBounded(t *testing.T) {
	h := NewHysteresis(0.7, 0.4, 3)
	at := time.Unix(1_700_000_000, 0)
	h.now = func() time.Time {
		at = at.Add(time.Second)
		return at
	}

	labels := []string{"a", "b", "a", "b", "a", "b"}
	for _, label := range labels {
		h.Observe(label, 0.9)
		// Decay incumbent so the next challenger can displace it.
		h.Observe(label, 0.1)
	}
	events := h.Transitions()
	if len(events) != 3 {
		t.Fatalf("history must be bounded at 3, got %d", len(events))
	}
	if events[len(events)-1].To != "b" {
		t.Fatalf("latest event should be kept, got %+v", events[len(events)-1])
	}
}
