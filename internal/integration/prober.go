// Package integration probes upstream dependencies and wraps each one in
// a circuit breaker so a failing venue degrades service instead of
// taking the bot down with it.
package integration

import "context"

// Integration classes. Dependency and endpoint probes feed the service
// level aggregates; synthetic probes exist for drills and are excluded.
const (
	ClassDependency = "dependency"
	ClassEndpoint   = "endpoint"
	ClassSynthetic  = "synthetic"
)

// Breaker states.
const (
	StateClosed = "closed"
	StateOpen   = "open"
)

// Prober performs one health check attempt against an upstream.
type Prober interface {
	Name() string
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a bare function into a Prober.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

// Name implements Prober.
func (p ProbeFunc) Name() string { return p.ProbeName }

// Probe implements Prober.
func (p ProbeFunc) Probe(ctx context.Context) error { return p.Fn(ctx) }

var _ Prober = ProbeFunc{}
