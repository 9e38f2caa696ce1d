// Package failsafe drives the graduated response to sustained
// degradation: shadow mode first, then the kill switch, with an optional
// strategy rollback. Once engaged, a posture stays latched until an
// operator resets the plane.
package failsafe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Postures, ordered by severity.
const (
	ModeNormal     = "normal"
	ModeShadow     = "shadow"
	ModeKillSwitch = "kill_switch"
)

// Modes lists every posture. Metrics dashboards key off the full set.
func Modes() []string { return []string{ModeNormal, ModeShadow, ModeKillSwitch} }

// Engine is the control surface of the trading process. All three
// actions are idempotent on the receiving side, so redelivery is safe.
type Engine interface {
	SetShadowMode(ctx context.Context, enabled bool, reason string) error
	ArmKillSwitch(ctx context.Context, reason string) error
	RequestRollback(ctx context.Context, reason string) error
}

// Options stage the escalation windows.
type Options struct {
	ShadowAfter     time.Duration
	KillSwitchAfter time.Duration
	RollbackOn      []string
}

// Inputs summarise one evaluation tick.
type Inputs struct {
	Degraded      bool
	Reason        string
	BreachReasons []string
}

// State is a point-in-time view for status surfaces.
type State struct {
	Mode              string     `json:"mode"`
	DegradedSince     *time.Time `json:"degraded_since_ts,omitempty"`
	ShadowSince       *time.Time `json:"shadow_since_ts,omitempty"`
	KillSwitchSince   *time.Time `json:"kill_switch_since_ts,omitempty"`
	RollbackRequested bool       `json:"rollback_requested"`
	RollbackReason    string     `json:"rollback_reason,omitempty"`
	LastReason        string     `json:"last_reason,omitempty"`
}

// ModeHook observes posture changes.
type ModeHook func(mode string)

// Controller tracks degradation episodes and escalates through the
// engine. Posture latches are one way; a cleared degradation signal
// stops the episode clock but never lowers the posture.
type Controller struct {
	mu     sync.Mutex
	opts   Options
	engine Engine
	logger zerolog.Logger

	mode              string
	degradedSince     time.Time
	shadowSince       time.Time
	killSince         time.Time
	lastReason        string
	rollbackRequested bool
	rollbackReason    string

	shadowDelivered   bool
	killDelivered     bool
	rollbackDelivered bool

	onMode ModeHook
	now    func() time.Time
}

// NewController wires the escalation ladder to an engine.
func NewController(opts Options, engine Engine, logger zerolog.Logger) *Controller {
	if opts.ShadowAfter <= 0 {
		opts.ShadowAfter = 2 * time.Minute
	}
	if opts.KillSwitchAfter < opts.ShadowAfter {
		opts.KillSwitchAfter = opts.ShadowAfter
	}
	return &Controller{
		opts:   opts,
		engine: engine,
		logger: logger.With().Str("component", "failsafe").Logger(),
		mode:   ModeNormal,
		now:    time.Now,
	}
}

// SetModeHook registers a callback fired after posture changes.
func (c *Controller) SetModeHook(h ModeHook) {
	c.mu.Lock()
	c.onMode = h
	c.mu.Unlock()
}

// Mode returns the current posture.
func (c *Controller) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Assess folds one evaluation tick into the episode state and performs
// any engine actions that became due. Failed engine deliveries are
// retried on the next tick; the posture latch does not wait for them.
func (c *Controller) Assess(ctx context.Context, in Inputs) {
	c.mu.Lock()
	now := c.now()

	if in.Degraded {
		if c.degradedSince.IsZero() {
			c.degradedSince = now
			c.logger.Warn().Str("reason", in.Reason).Msg("degradation episode started")
		}
		c.lastReason = in.Reason
	} else if !c.degradedSince.IsZero() {
		c.degradedSince = time.Time{}
		c.logger.Info().Str("mode", c.mode).Msg("degradation cleared, posture stays latched")
	}

	var wantShadow, wantKill bool
	if !c.degradedSince.IsZero() {
		dur := now.Sub(c.degradedSince)
		wantShadow = dur >= c.opts.ShadowAfter
		wantKill = dur >= c.opts.KillSwitchAfter
	}

	changed := ""
	if wantKill && c.mode != ModeKillSwitch {
		c.mode = ModeKillSwitch
		c.killSince = now
		if c.shadowSince.IsZero() {
			c.shadowSince = now
		}
		changed = ModeKillSwitch
	} else if wantShadow && c.mode == ModeNormal {
		c.mode = ModeShadow
		c.shadowSince = now
		changed = ModeShadow
	}

	if !c.rollbackRequested && matchReasons(in.BreachReasons, c.opts.RollbackOn) {
		c.rollbackRequested = true
		c.rollbackReason = strings.Join(in.BreachReasons, ",")
	}

	needShadow := c.mode != ModeNormal && !c.shadowDelivered
	needKill := c.mode == ModeKillSwitch && !c.killDelivered
	needRollback := c.rollbackRequested && !c.rollbackDelivered
	reason := c.lastReason
	rollbackReason := c.rollbackReason
	hook := c.onMode
	mode := c.mode
	c.mu.Unlock()

	if changed != "" {
		c.logger.Warn().Str("mode", changed).Str("reason", reason).Msg("fail-safe posture escalated")
		if hook != nil {
			hook(mode)
		}
	}

	if needShadow {
		if err := c.engine.SetShadowMode(ctx, true, reason); err != nil {
			c.logger.Error().Err(err).Msg("shadow mode request failed, will retry")
		} else {
			c.markDelivered(&c.shadowDelivered)
			c.logger.Warn().Msg("shadow mode engaged")
		}
	}
	if needKill {
		if err := c.engine.ArmKillSwitch(ctx, reason); err != nil {
			c.logger.Error().Err(err).Msg("kill switch request failed, will retry")
		} else {
			c.markDelivered(&c.killDelivered)
			c.logger.Warn().Msg("kill switch armed")
		}
	}
	if needRollback {
		if err := c.engine.RequestRollback(ctx, rollbackReason); err != nil {
			c.logger.Error().Err(err).Msg("rollback request failed, will retry")
		} else {
			c.markDelivered(&c.rollbackDelivered)
			c.logger.Warn().Str("reasons", rollbackReason).Msg("strategy rollback requested")
		}
	}
}

func (c *Controller) markDelivered(flag *bool) {
	c.mu.Lock()
	*flag = true
	c.mu.Unlock()
}

// Reset clears every latch and the episode clock. Meant for operator
// intervention after the underlying incident is resolved; the engine
// side is expected to be reset out of band.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.mode = ModeNormal
	c.degradedSince = time.Time{}
	c.shadowSince = time.Time{}
	c.killSince = time.Time{}
	c.lastReason = ""
	c.rollbackRequested = false
	c.rollbackReason = ""
	c.shadowDelivered = false
	c.killDelivered = false
	c.rollbackDelivered = false
	hook := c.onMode
	c.mu.Unlock()

	c.logger.Info().Msg("fail-safe latches reset")
	if hook != nil {
		hook(ModeNormal)
	}
}

// State returns the current controller view.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Mode:              c.mode,
		RollbackRequested: c.rollbackRequested,
		RollbackReason:    c.rollbackReason,
		LastReason:        c.lastReason,
	}
	if !c.degradedSince.IsZero() {
		t := c.degradedSince
		st.DegradedSince = &t
	}
	if !c.shadowSince.IsZero() {
		t := c.shadowSince
		st.ShadowSince = &t
	}
	if !c.killSince.IsZero() {
		t := c.killSince
		st.KillSwitchSince = &t
	}
	return st
}

func matchReasons(got, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}
