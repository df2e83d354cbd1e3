// Package registration implements self-service admin onboarding: a request
// is captured with its password hash, then a signing reviewer approves or
// rejects it. Approval creates the account atomically with the status flip;
// rejection leaves no account behind.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegisgate.org/internal/admin"
	"aegisgate.org/internal/approval"
	"aegisgate.org/internal/audit"
	"aegisgate.org/internal/ids"
	"aegisgate.org/internal/policy"
	"aegisgate.org/internal/risk"
)

var (
	// ErrNotFound means no request matches the id.
	ErrNotFound = errors.New("registration: request not found")
	// ErrConflict means the request is not pending, or a pending request
	// or admin already exists for the username.
	ErrConflict = errors.New("registration: conflict")
	// ErrInvalidInput means the submitted fields are unusable.
	ErrInvalidInput = errors.New("registration: invalid input")
	// ErrDenied means policy denied the review action.
	ErrDenied = errors.New("registration: denied by policy")
	// ErrChallengeRequired means policy demanded a step-up; review actions
	// never take a second factor, so the caller must retry later.
	ErrChallengeRequired = errors.New("registration: challenge required")
)

// Request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Review actions signed by the reviewer.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Request is one onboarding request. PasswordHash is captured at intake
// and reused verbatim when the account is created.
type Request struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Reason       string    `json:"reason,omitempty"`
	Status       string    `json:"status"`
	Reviewer     string    `json:"reviewer,omitempty"`
	ReviewNote   string    `json:"review_note,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	ReviewedAt   time.Time `json:"reviewed_at"`
}

// Finalize carries one terminal transition. When NewAdmin is set the store
// must insert it in the same transaction as the status flip.
type Finalize struct {
	RequestID  string
	Status     string
	Reviewer   string
	Note       string
	ReviewedAt time.Time
	NewAdmin   *admin.Admin
}

// Store persists registration requests.
type Store interface {
	// Create inserts a pending request, ErrConflict when one is already
	// pending for the username.
	Create(ctx context.Context, req *Request) error
	// Get returns the request or ErrNotFound.
	Get(ctx context.Context, id string) (*Request, error)
	// List returns requests newest first, optionally filtered by status.
	List(ctx context.Context, status string, limit int) ([]Request, error)
	// ApplyFinalize flips pending to the terminal status with a
	// compare-and-swap; a non-pending request comes back ErrConflict.
	ApplyFinalize(ctx context.Context, f Finalize) error
}

// Review carries the reviewer's decision context. SignedAt is the timestamp
// string the reviewer embedded in the signed message, echoed verbatim.
type Review struct {
	RequestID      string
	Reviewer       *admin.Admin
	Note           string
	SignatureB64   string
	SignedAt       string
	RemoteAddr     string
	RecentFailures int
}

// Workflow orchestrates intake and review of registration requests.
type Workflow struct {
	store    Store
	admins   *admin.Service
	verifier *approval.Verifier
	policies *policy.Engine
	risks    *risk.Engine
	trail    *audit.Recorder
	now      func() time.Time
}

// Option configures Workflow behavior.
type Option func(*Workflow)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(w *Workflow) {
		if fn != nil {
			w.now = fn
		}
	}
}

// NewWorkflow wires the registration workflow.
func NewWorkflow(store Store, admins *admin.Service, verifier *approval.Verifier,
	policies *policy.Engine, risks *risk.Engine, trail *audit.Recorder, opts ...Option) *Workflow {
	w := &Workflow{
		store:    store,
		admins:   admins,
		verifier: verifier,
		policies: policies,
		risks:    risks,
		trail:    trail,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Create captures a new pending request. The username must not belong to an
// existing admin, and only one pending request per username may exist; the
// latter is enforced by a storage constraint to close the race between
// concurrent creators.
func (w *Workflow) Create(ctx context.Context, username, password, reason string) (*Request, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	if _, err := w.admins.Find(ctx, username); err == nil {
		return nil, fmt.Errorf("%w: username taken", ErrConflict)
	} else if !errors.Is(err, admin.ErrNotFound) {
		return nil, err
	}

	hash, err := w.admins.HashFor(password)
	if err != nil {
		return nil, err
	}

	req := &Request{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: hash,
		Reason:       strings.TrimSpace(reason),
		Status:       StatusPending,
		Active:       true,
		CreatedAt:    w.now().UTC(),
	}
	if err := w.store.Create(ctx, req); err != nil {
		return nil, err
	}

	if _, err := w.trail.Record(ctx, audit.EventRequestCreated, map[string]any{
		"request_id": req.ID,
		"username":   req.Username,
	}); err != nil {
		return nil, err
	}
	return req, nil
}

// Approve finalizes the request as approved and creates the admin account
// reusing the stored password hash, inside the same transaction as the
// status flip.
func (w *Workflow) Approve(ctx context.Context, rev Review) (*Request, error) {
	return w.review(ctx, rev, ActionApprove)
}

// Reject finalizes the request as rejected. No account is created.
func (w *Workflow) Reject(ctx context.Context, rev Review) (*Request, error) {
	return w.review(ctx, rev, ActionReject)
}

func (w *Workflow) review(ctx context.Context, rev Review, action string) (*Request, error) {
	req, err := w.store.Get(ctx, rev.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: request is %s", ErrConflict, req.Status)
	}

	msg := approval.Message(req.ID, action, rev.SignedAt)
	fingerprint, err := w.verifier.Verify(ctx, rev.Reviewer.ID, msg, rev.SignatureB64)
	if err != nil {
		return nil, err
	}

	score := w.risks.Score(rev.RemoteAddr, rev.RecentFailures)
	res := w.policies.Evaluate(rev.Reviewer.Username, "registration."+action, policy.Input{RiskScore: score})
	if err := w.policies.Record(ctx, rev.Reviewer.Username, "registration."+action, res); err != nil {
		return nil, err
	}

	switch res.Decision {
	case policy.DecisionDeny:
		if err := w.recordRefusal(ctx, req, rev, action, res); err != nil {
			return nil, err
		}
		return nil, ErrDenied
	case policy.DecisionChallenge:
		if err := w.recordRefusal(ctx, req, rev, action, res); err != nil {
			return nil, err
		}
		return nil, ErrChallengeRequired
	}

	now := w.now().UTC()
	fin := Finalize{
		RequestID:  req.ID,
		Reviewer:   rev.Reviewer.Username,
		Note:       strings.TrimSpace(rev.Note),
		ReviewedAt: now,
	}
	eventType := audit.EventRequestRejected
	if action == ActionApprove {
		fin.Status = StatusApproved
		fin.NewAdmin = &admin.Admin{
			ID:           ids.New(),
			Username:     req.Username,
			PasswordHash: req.PasswordHash,
			Role:         admin.RoleAdmin,
			Active:       true,
			CreatedAt:    now,
		}
		eventType = audit.EventRequestApproved
	} else {
		fin.Status = StatusRejected
	}

	if err := w.store.ApplyFinalize(ctx, fin); err != nil {
		return nil, err
	}

	req.Status = fin.Status
	req.Reviewer = fin.Reviewer
	req.ReviewNote = fin.Note
	req.ReviewedAt = now

	// The review already committed; a failed audit append still surfaces
	// so the caller knows the trail is behind the database.
	if _, err := w.trail.RecordSigned(ctx, eventType, map[string]any{
		"request_id": req.ID,
		"username":   req.Username,
		"reviewer":   rev.Reviewer.Username,
		"note":       fin.Note,
		"risk_score": score,
	}, fingerprint); err != nil {
		return nil, err
	}
	return req, nil
}

func (w *Workflow) recordRefusal(ctx context.Context, req *Request, rev Review, action string, res policy.Result) error {
	_, err := w.trail.Record(ctx, audit.EventApprovalRefused, map[string]any{
		"request_id": req.ID,
		"reviewer":   rev.Reviewer.Username,
		"action":     action,
		"decision":   string(res.Decision),
		"rules":      res.Rules,
	})
	return err
}

// List returns requests newest first, optionally filtered by status.
func (w *Workflow) List(ctx context.Context, status string, limit int) ([]Request, error) {
	switch status {
	case "", StatusPending, StatusApproved, StatusRejected:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return w.store.List(ctx, status, limit)
}

// Get returns one request by id.
func (w *Workflow) Get(ctx context.Context, id string) (*Request, error) {
	return w.store.Get(ctx, id)
}
