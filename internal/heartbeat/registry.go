package heartbeat

import (
	"sort"
	"sync"
	"time"
)

// Record is a point-in-time copy of one subsystem's liveness entry.
type Record struct {
	Name        string        `json:"name"`
	LastSeen    time.Time     `json:"last_seen_ts"`
	MissedCount int           `json:"missed_count"`
	Timeout     time.Duration `json:"timeout"`
}

type entry struct {
	lastSeen time.Time
	missed   int
	timeout  time.Duration
}

// Registry tracks last-seen timestamps per named subsystem. Entries are
// created on the first beat and never removed while the process runs.
type Registry struct {
	mu             sync.Mutex
	defaultTimeout time.Duration
	overrides      map[string]time.Duration
	entries        map[string]*entry
	now            func() time.Time
}

// NewRegistry constructs a registry with a shared default timeout.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 90 * time.Second
	}
	return &Registry{
		defaultTimeout: defaultTimeout,
		overrides:      make(map[string]time.Duration),
		entries:        make(map[string]*entry),
		now:            time.Now,
	}
}

// SetTimeout overrides the timeout for one subsystem. Applies to the existing
// entry if the subsystem has already beaten.
func (r *Registry) SetTimeout(name string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = timeout
	if e, ok := r.entries[name]; ok {
		e.timeout = timeout
	}
}

// Beat records proof of liveness for a subsystem, resetting its missed count.
func (r *Registry) Beat(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		timeout := r.defaultTimeout
		if override, has := r.overrides[name]; has {
			timeout = override
		}
		e = &entry{timeout: timeout}
		r.entries[name] = e
	}
	e.lastSeen = r.now()
	e.missed = 0
}

// Scan increments the missed count for every subsystem whose last beat is
// older than its timeout and returns the overdue records. A scan never
// deletes entries; a subsequent beat resets the count to zero.
func (r *Registry) Scan() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var overdue []Record
	for name, e := range r.entries {
		if now.Sub(e.lastSeen) > e.timeout {
			e.missed++
			overdue = append(overdue, Record{
				Name:        name,
				LastSeen:    e.lastSeen,
				MissedCount: e.missed,
				Timeout:     e.timeout,
			})
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].Name < overdue[j].Name })
	return overdue
}

// Snapshot copies every entry for status reporting.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]Record, 0, len(r.entries))
	for name, e := range r.entries {
		records = append(records, Record{
			Name:        name,
			LastSeen:    e.lastSeen,
			MissedCount: e.missed,
			Timeout:     e.timeout,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}
