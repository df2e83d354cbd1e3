// Package risk computes a bounded suspicion score for administrative
// actions. Scoring is a pure function of the supplied signals and the
// clock, so the same engine serves both the login and approval flows.
package risk

import (
	"strings"
	"time"
)

// Score boundaries and signal weights.
const (
	MinScore = 0
	MaxScore = 100

	baseScore        = 10
	afterHoursBump   = 20
	repeatFailBump   = 40
	burstFailBump    = 60
	trustedDeduction = 10

	// Business hours are 06:00-22:59 UTC; anything outside adds risk.
	businessOpenHour  = 6
	businessCloseHour = 22

	// Failure counts at which the score escalates.
	repeatFailThreshold = 3
	burstFailThreshold  = 5
)

// Config controls the environmental inputs of the engine. Values are passed
// in explicitly; the engine never reads ambient configuration.
type Config struct {
	// TrustedPrefixes lists address prefixes considered internal, e.g. "10.".
	TrustedPrefixes []string
}

// DefaultConfig treats the 10.0.0.0/8 block as the internal network.
func DefaultConfig() Config {
	return Config{TrustedPrefixes: []string{"10."}}
}

// Engine scores login/action contexts.
type Engine struct {
	cfg Config
	now func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine with the given config.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score returns a risk value in [MinScore, MaxScore] for the given context.
// remoteAddr may be empty when the caller has no network information;
// recentFailures counts consecutive failed attempts for the same identity.
//
// Weights accumulate: five or more recent failures reach the ceiling on
// their own before the trusted-network deduction applies.
func (e *Engine) Score(remoteAddr string, recentFailures int) int {
	score := baseScore

	hour := e.now().UTC().Hour()
	if hour < businessOpenHour || hour > businessCloseHour {
		score += afterHoursBump
	}

	if recentFailures >= repeatFailThreshold {
		score += repeatFailBump
	}
	if recentFailures >= burstFailThreshold {
		score += burstFailBump
	}

	if remoteAddr != "" && e.trusted(remoteAddr) {
		score -= trustedDeduction
	}

	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// AfterHours reports whether the engine's clock is currently outside the
// business-hours window. The policy engine shares this boundary.
func (e *Engine) AfterHours() bool {
	hour := e.now().UTC().Hour()
	return hour < businessOpenHour || hour > businessCloseHour
}

func (e *Engine) trusted(addr string) bool {
	for _, prefix := range e.cfg.TrustedPrefixes {
		if prefix != "" && strings.HasPrefix(addr, prefix) {
			return true
		}
	}
	return false
}
