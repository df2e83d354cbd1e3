// Package policy turns a risk score into a ternary access decision using a
// fixed, ordered rule table. Later rules may only escalate severity
// (deny > challenge > allow); nothing downgrades a deny.
package policy

import (
	"context"
	"time"

	"aegisgate.org/internal/obs"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionDeny      Decision = "deny"
	DecisionChallenge Decision = "challenge"
)

// Rule identifiers recorded with every decision.
const (
	RuleAfterHours      = "after_hours"
	RuleHighRiskScore   = "high_risk_score"
	RuleMediumRiskScore = "medium_risk_score"
)

// Risk thresholds for the score rules.
const (
	DenyThreshold      = 70
	ChallengeThreshold = 40
)

// Business-hours window shared with the risk engine (UTC).
const (
	businessOpenHour  = 6
	businessCloseHour = 22
)

// severity orders decisions so escalation never downgrades.
var severity = map[Decision]int{
	DecisionAllow:     0,
	DecisionChallenge: 1,
	DecisionDeny:      2,
}

// Input carries the evaluated context.
type Input struct {
	RiskScore int
}

// Result is the full outcome of one evaluation: the decision, the ordered
// list of rule ids that fired, and the evidence the rules looked at.
type Result struct {
	Decision Decision
	Rules    []string
	Evidence map[string]any
}

// Engine evaluates actions against the rule table.
type Engine struct {
	store Store
	now   func() time.Time
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

// NewEngine constructs an Engine persisting decisions to store. A nil store
// is allowed for pure evaluation.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the rule table over the input. Rule order is fixed and
// first-match-accumulates: every matching rule appends its id, and the
// decision only ever moves up in severity.
func (e *Engine) Evaluate(actor, action string, in Input) Result {
	res := Result{
		Decision: DecisionAllow,
		Evidence: make(map[string]any, 2),
	}

	hour := e.now().UTC().Hour()
	if hour < businessOpenHour || hour > businessCloseHour {
		res.Rules = append(res.Rules, RuleAfterHours)
		res.escalate(DecisionChallenge)
		res.Evidence["hour"] = hour
	}

	res.Evidence["risk_score"] = in.RiskScore
	switch {
	case in.RiskScore >= DenyThreshold:
		res.Rules = append(res.Rules, RuleHighRiskScore)
		res.escalate(DecisionDeny)
	case in.RiskScore >= ChallengeThreshold:
		res.Rules = append(res.Rules, RuleMediumRiskScore)
		res.escalate(DecisionChallenge)
	}

	return res
}

// Record persists one PolicyDecision row for the evaluation and bumps the
// decision metric. Rows are written once and never mutated.
func (e *Engine) Record(ctx context.Context, actor, action string, res Result) error {
	obs.CountPolicyDecision(string(res.Decision))
	if e.store == nil {
		return nil
	}
	rec := &DecisionRecord{
		Actor:     actor,
		Action:    action,
		Decision:  res.Decision,
		Rules:     res.Rules,
		Evidence:  res.Evidence,
		CreatedAt: e.now().UTC(),
	}
	return e.store.SaveDecision(ctx, rec)
}

func (r *Result) escalate(d Decision) {
	if severity[d] > severity[r.Decision] {
		r.Decision = d
	}
}

// DecisionRecord is the immutable persisted form of a Result.
type DecisionRecord struct {
	ID        string
	Actor     string
	Action    string
	Decision  Decision
	Rules     []string
	Evidence  map[string]any
	CreatedAt time.Time
}

// Store persists policy decisions.
type Store interface {
	SaveDecision(ctx context.Context, rec *DecisionRecord) error
}
