// Package login orchestrates the risk-adaptive login sequence: credential
// check, risk scoring, policy evaluation, optional TOTP step-up, then token
// issuance. Every deny, challenge, and success lands in the audit trail.
package login

import (
	"context"
	"errors"
	"time"

	"aegisgate.org/internal/admin"
	"aegisgate.org/internal/audit"
	"aegisgate.org/internal/challenge"
	"aegisgate.org/internal/policy"
	"aegisgate.org/internal/risk"
)

var (
	// ErrDenied means policy denied the login outright.
	ErrDenied = errors.New("login: denied by policy")
	// ErrChallengeRequired means a challenge was issued and the caller
	// must retry with a TOTP code.
	ErrChallengeRequired = errors.New("login: challenge required")
)

// Input is one login attempt.
type Input struct {
	Username   string
	Password   string
	Code       string
	RemoteAddr string
}

// Result is the outcome of a login attempt. Challenge is set on the
// challenge-issued branch; Token only on full success.
type Result struct {
	Token     string
	Admin     *admin.Admin
	RiskScore int
	Decision  policy.Decision
	Rules     []string
	Challenge *challenge.Challenge
}

// Flow wires the login sequence together.
type Flow struct {
	admins     *admin.Service
	tokens     *admin.TokenIssuer
	risks      *risk.Engine
	policies   *policy.Engine
	challenges *challenge.Manager
	trail      *audit.Recorder
	failures   *Failures
}

// NewFlow constructs the login flow. failures may be shared with other
// flows that score the same accounts.
func NewFlow(admins *admin.Service, tokens *admin.TokenIssuer, risks *risk.Engine,
	policies *policy.Engine, challenges *challenge.Manager, trail *audit.Recorder,
	failures *Failures) *Flow {
	if failures == nil {
		failures = NewFailures(0, time.Now)
	}
	return &Flow{
		admins:     admins,
		tokens:     tokens,
		risks:      risks,
		policies:   policies,
		challenges: challenges,
		trail:      trail,
		failures:   failures,
	}
}

// Failures exposes the shared failure tracker.
func (f *Flow) Failures() *Failures {
	return f.failures
}

// Login runs the full sequence. On the challenge branch the returned Result
// carries the issued challenge next to ErrChallengeRequired.
func (f *Flow) Login(ctx context.Context, in Input) (*Result, error) {
	a, err := f.admins.Authenticate(ctx, in.Username, in.Password)
	if errors.Is(err, admin.ErrUnauthorized) {
		f.failures.Record(in.Username)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	score := f.risks.Score(in.RemoteAddr, f.failures.Count(a.Username))
	res := f.policies.Evaluate(a.Username, "auth.login", policy.Input{RiskScore: score})
	if err := f.policies.Record(ctx, a.Username, "auth.login", res); err != nil {
		return nil, err
	}

	result := &Result{
		Admin:     a,
		RiskScore: score,
		Decision:  res.Decision,
		Rules:     res.Rules,
	}

	// An unwritten audit event means the attempt never happened as far as
	// the trail is concerned, so audit failures abort the login.
	switch res.Decision {
	case policy.DecisionDeny:
		if _, err := f.trail.Record(ctx, audit.EventLoginDenied, map[string]any{
			"username":   a.Username,
			"risk_score": score,
			"rules":      res.Rules,
		}); err != nil {
			return nil, err
		}
		return result, ErrDenied

	case policy.DecisionChallenge:
		if a.TOTPSecret == "" {
			// Nothing to challenge against; record the gap and let the
			// login proceed rather than locking the account out.
			if _, err := f.trail.Record(ctx, audit.EventTOTPMissing, map[string]any{
				"username":   a.Username,
				"risk_score": score,
				"rules":      res.Rules,
			}); err != nil {
				return nil, err
			}
			break
		}
		if in.Code == "" {
			ch, err := f.challenges.Issue(ctx, a.Username, score)
			if err != nil {
				return nil, err
			}
			result.Challenge = ch
			if _, err := f.trail.Record(ctx, audit.EventLoginChallenge, map[string]any{
				"username":     a.Username,
				"risk_score":   score,
				"challenge_id": ch.ID,
			}); err != nil {
				return nil, err
			}
			return result, ErrChallengeRequired
		}
		if err := f.challenges.Verify(ctx, a.Username, in.Code); err != nil {
			return nil, err
		}
	}

	if _, err := f.trail.Record(ctx, audit.EventLoginSuccess, map[string]any{
		"username":   a.Username,
		"risk_score": score,
		"rules":      res.Rules,
	}); err != nil {
		return nil, err
	}

	token, err := f.tokens.Issue(a)
	if err != nil {
		return nil, err
	}
	f.failures.Reset(a.Username)

	result.Token = token
	return result, nil
}
