package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc runs one phase of supervision work.
type JobFunc func(ctx context.Context, now time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Tick         time.Duration
	StartupDelay time.Duration
}

type job struct {
	name       string
	everyTicks uint64
	fn         JobFunc
}

// Scheduler drives all periodic jobs from a single goroutine so phases
// never observe each other mid-update. Jobs fire in registration order
// within a tick.
type Scheduler struct {
	opts   Options
	jobs   []job
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Tick <= 0 {
		panic("scheduler tick must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Register adds a job fired every `every`, rounded down to whole base
// ticks with a minimum of one. All jobs fire on the first tick.
func (s *Scheduler) Register(name string, every time.Duration, fn JobFunc) {
	ticks := uint64(every / s.opts.Tick)
	if ticks == 0 {
		ticks = 1
	}
	s.jobs = append(s.jobs, job{name: name, everyTicks: ticks, fn: fn})
}

// Run blocks, firing due jobs on each tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	s.logger.Info().Int("jobs", len(s.jobs)).Dur("tick", s.opts.Tick).Msg("supervision loop started")

	var index uint64
	next := time.Now().Add(s.opts.Tick)
	for {
		delay := time.Until(next)
		if delay < 0 {
			// Missed ticks (suspend, heavy load) collapse into one.
			next = time.Now().Add(s.opts.Tick)
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.fire(ctx, time.Now().UTC(), index)
		index++
		next = next.Add(s.opts.Tick)
	}
}

// fire runs every job due at the given tick index. A failing job is
// logged and the remaining jobs still run.
func (s *Scheduler) fire(ctx context.Context, now time.Time, index uint64) {
	for _, j := range s.jobs {
		if index%j.everyTicks != 0 {
			continue
		}
		if err := j.fn(ctx, now); err != nil {
			s.logger.Error().Err(err).Str("job", j.name).Msg("job execution failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}
