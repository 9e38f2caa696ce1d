package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ResultHook observes delivery attempts per channel.
type ResultHook func(channel, outcome string)

// DispatcherOptions tune alert routing.
type DispatcherOptions struct {
	MinSeverity string
	Cooldown    time.Duration
}

type namedNotifier struct {
	name     string
	notifier Notifier
}

// Dispatcher fans notifications out to the configured channels. A
// repeated alert for the same component and summary is suppressed for
// the cooldown window so level-triggered conditions do not flood chat.
type Dispatcher struct {
	mu        sync.Mutex
	opts      DispatcherOptions
	notifiers []namedNotifier
	lastSent  map[string]time.Time
	logger    zerolog.Logger
	onResult  ResultHook
	now       func() time.Time
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.MinSeverity == "" {
		opts.MinSeverity = SeverityWarning
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Minute
	}
	return &Dispatcher{
		opts:     opts,
		lastSent: make(map[string]time.Time),
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
		now:      time.Now,
	}
}

// Register adds a delivery channel.
func (d *Dispatcher) Register(name string, n Notifier) {
	d.mu.Lock()
	d.notifiers = append(d.notifiers, namedNotifier{name: name, notifier: n})
	d.mu.Unlock()
}

// SetResultHook registers a delivery observer.
func (d *Dispatcher) SetResultHook(h ResultHook) {
	d.mu.Lock()
	d.onResult = h
	d.mu.Unlock()
}

// Dispatch routes one notification. Delivery is best effort; failures
// are logged and reported through the result hook.
func (d *Dispatcher) Dispatch(ctx context.Context, note Notification) {
	if severityRank(note.Severity) < severityRank(d.opts.MinSeverity) {
		return
	}
	if note.TS.IsZero() {
		note.TS = d.now().UTC()
	}

	key := note.Component + "|" + note.Summary
	d.mu.Lock()
	now := d.now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.opts.Cooldown {
		d.mu.Unlock()
		d.logger.Debug().Str("key", key).Msg("alert suppressed by cooldown")
		return
	}
	d.lastSent[key] = now
	targets := make([]namedNotifier, len(d.notifiers))
	copy(targets, d.notifiers)
	hook := d.onResult
	d.mu.Unlock()

	for _, t := range targets {
		if err := t.notifier.Notify(ctx, note); err != nil {
			d.logger.Warn().Err(err).Str("channel", t.name).Str("summary", note.Summary).Msg("alert delivery failed")
			if hook != nil {
				hook(t.name, "error")
			}
			continue
		}
		if hook != nil {
			hook(t.name, "sent")
		}
	}
}

func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}
