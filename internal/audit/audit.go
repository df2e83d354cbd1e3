// Package audit is the append-only trail every other component writes to.
// Events are immutable once appended; ordering is the monotonic row id, and
// a poller that tracks the last-seen id gets at-least-once delivery.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"aegisgate.org/internal/obs"
)

// Well-known event types recorded by the core flows.
const (
	EventLoginSuccess     = "auth.login.success"
	EventLoginDenied      = "auth.login.denied"
	EventLoginChallenge   = "auth.login.challenge"
	EventTOTPMissing      = "auth.risk.totp_missing"
	EventTOTPEnrolled     = "auth.totp.enrolled"
	EventKeyRegistered    = "auth.key.registered"
	EventRequestCreated   = "registration.request.created"
	EventRequestApproved  = "registration.request.approved"
	EventRequestRejected  = "registration.request.rejected"
	EventApprovalRefused  = "registration.review.refused"
)

// Event is one immutable audit record. SignatureHash holds the fingerprint
// of an approval signature when the event was signature-gated; the raw
// signature bytes are never persisted.
type Event struct {
	ID            int64     `json:"id"`
	Type          string    `json:"event_type"`
	Payload       string    `json:"payload"`
	SignatureHash string    `json:"signature_hash,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists and reads back audit events.
type Store interface {
	// Append inserts the event and fills in its assigned id.
	Append(ctx context.Context, evt *Event) error
	// ListAfter returns up to limit events with id > afterID, ascending.
	ListAfter(ctx context.Context, afterID int64, limit int) ([]Event, error)
}

// Publisher receives appended events for live delivery (SSE fan-out).
type Publisher interface {
	Publish(evt Event)
}

// Recorder appends events, mirrors them to the shared logger, and hands
// them to an optional live publisher.
type Recorder struct {
	store Store
	pub   Publisher
	now   func() time.Time
}

// Option configures Recorder behavior.
type Option func(*Recorder)

// WithPublisher attaches a live event publisher.
func WithPublisher(pub Publisher) Option {
	return func(r *Recorder) { r.pub = pub }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder writing to store.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record serializes payload, appends the event, and publishes it. The
// payload must marshal cleanly; a serialization failure is surfaced, never
// swallowed, because a silently dropped security event is worse than a
// failed operation.
func (r *Recorder) Record(ctx context.Context, eventType string, payload map[string]any) (Event, error) {
	return r.record(ctx, eventType, payload, "")
}

// RecordSigned is Record plus the signature fingerprint for audit linkage.
func (r *Recorder) RecordSigned(ctx context.Context, eventType string, payload map[string]any, signatureHash string) (Event, error) {
	return r.record(ctx, eventType, payload, signatureHash)
}

func (r *Recorder) record(ctx context.Context, eventType string, payload map[string]any, sigHash string) (Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Event{}, errors.New("audit: event type is required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	evt := Event{
		Type:          eventType,
		Payload:       string(data),
		SignatureHash: sigHash,
		CreatedAt:     r.now().UTC(),
	}
	if err := r.store.Append(ctx, &evt); err != nil {
		return Event{}, err
	}

	r.logLine(evt)
	if r.pub != nil {
		r.pub.Publish(evt)
	}
	return evt, nil
}

// List exposes the read-since-id query for the HTTP layer and pollers.
func (r *Recorder) List(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	return r.store.ListAfter(ctx, afterID, limit)
}

func (r *Recorder) logLine(evt Event) {
	entry := map[string]any{
		"ts":    evt.CreatedAt.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": evt.Type,
		"id":    evt.ID,
	}
	if evt.SignatureHash != "" {
		entry["signature_hash"] = evt.SignatureHash
	}
	obs.LogRequest(entry)
}
