package regime

import (
	"sync"
	"time"
)

// Transition event types.
const (
	EventCommit = "commit"
	EventSwitch = "switch"
)

// State is the stabilised regime label committed by the hysteresis band.
// Readers always receive a consistent copy; the pair is replaced wholesale
// on a committed transition.
type State struct {
	Name        string    `json:"name"`
	Confidence  float64   `json:"confidence"`
	SampleCount int       `json:"sample_count"`
	CommittedAt time.Time `json:"committed_at"`
}

// Event records one committed transition for audit.
type Event struct {
	Type       string    `json:"event_type"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"ts"`
}

// Hysteresis wraps a noisy classifier with commit/release thresholds. A new
// label displaces the committed one only when its own confidence clears the
// commit threshold while the incumbent's last-known confidence has dropped to
// the release threshold; the dead zone between the two absorbs flapping.
type Hysteresis struct {
	mu        sync.Mutex
	commit    float64
	release   float64
	committed bool
	state     State
	events    []Event
	maxEvents int
	now       func() time.Time
}

// NewHysteresis constructs the stabiliser. The commit threshold must sit
// above the release threshold; out-of-order values are swapped.
func NewHysteresis(commitThreshold, releaseThreshold float64, maxEvents int) *Hysteresis {
	if commitThreshold < releaseThreshold {
		commitThreshold, releaseThreshold = releaseThreshold, commitThreshold
	}
	if maxEvents <= 0 {
		maxEvents = 64
	}
	return &Hysteresis{
		commit:    commitThreshold,
		release:   releaseThreshold,
		maxEvents: maxEvents,
		now:       time.Now,
	}
}

// Observe feeds one raw classification through the band. It returns the
// transition event and true when the committed label changed (including the
// initial commit); otherwise the zero Event and false.
func (h *Hysteresis) Observe(label string, confidence float64) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()

	if !h.committed {
		if confidence < h.commit {
			return Event{}, false
		}
		h.committed = true
		h.state = State{Name: label, Confidence: confidence, SampleCount: 1, CommittedAt: now}
		return h.record(Event{Type: EventCommit, To: label, Confidence: confidence, At: now}), true
	}

	if label == h.state.Name {
		h.state.Confidence = confidence
		h.state.SampleCount++
		return Event{}, false
	}

	// A challenger displaces the incumbent only past both thresholds.
	if confidence >= h.commit && h.state.Confidence <= h.release {
		from := h.state.Name
		h.state = State{Name: label, Confidence: confidence, SampleCount: 1, CommittedAt: now}
		return h.record(Event{Type: EventSwitch, From: from, To: label, Confidence: confidence, At: now}), true
	}

	return Event{}, false
}

// State returns the committed regime, reporting false while uncommitted.
func (h *Hysteresis) State() (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.committed
}

// Transitions copies the bounded transition history, oldest first.
func (h *Hysteresis) Transitions() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

func (h *Hysteresis) record(e Event) Event {
	h.events = append(h.events, e)
	if len(h.events) > h.maxEvents {
		h.events = h.events[len(h.events)-h.maxEvents:]
	}
	return e
}
