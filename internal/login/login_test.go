package login

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"aegisgate.org/internal/admin"
	"aegisgate.org/internal/audit"
	"aegisgate.org/internal/challenge"
	"aegisgate.org/internal/policy"
	"aegisgate.org/internal/risk"
)

type memAdminStore struct {
	byUsername map[string]*admin.Admin
}

func newMemAdminStore() *memAdminStore {
	return &memAdminStore{byUsername: map[string]*admin.Admin{}}
}

func (s *memAdminStore) Create(_ context.Context, a *admin.Admin) error {
	if _, ok := s.byUsername[a.Username]; ok {
		return admin.ErrConflict
	}
	cp := *a
	s.byUsername[a.Username] = &cp
	return nil
}

func (s *memAdminStore) FindByUsername(_ context.Context, username string) (*admin.Admin, error) {
	a, ok := s.byUsername[username]
	if !ok {
		return nil, admin.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memAdminStore) TOTPSecret(_ context.Context, username string) (string, error) {
	a, ok := s.byUsername[username]
	if !ok {
		return "", admin.ErrNotFound
	}
	return a.TOTPSecret, nil
}

func (s *memAdminStore) SetTOTPSecret(_ context.Context, username, secret string) error {
	a, ok := s.byUsername[username]
	if !ok {
		return admin.ErrNotFound
	}
	a.TOTPSecret = secret
	return nil
}

type memChallengeStore struct {
	created []challenge.Challenge
	passed  int
}

func (s *memChallengeStore) Create(_ context.Context, ch *challenge.Challenge) error {
	s.created = append(s.created, *ch)
	return nil
}

func (s *memChallengeStore) MarkPassed(_ context.Context, _ string, _ time.Time) (int64, error) {
	s.passed++
	return 1, nil
}

func (s *memChallengeStore) ExpireBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type memAuditStore struct {
	events    []audit.Event
	appendErr error
}

func (s *memAuditStore) Append(_ context.Context, evt *audit.Event) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	evt.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *evt)
	return nil
}

func (s *memAuditStore) ListAfter(_ context.Context, afterID int64, limit int) ([]audit.Event, error) {
	var out []audit.Event
	for _, evt := range s.events {
		if evt.ID > afterID {
			out = append(out, evt)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memAuditStore) countOfType(eventType string) int {
	n := 0
	for _, evt := range s.events {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	flow       *Flow
	admins     *memAdminStore
	challenges *memChallengeStore
	trail      *memAuditStore
	clock      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	start := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	f := &fixture{clock: &start}
	now := func() time.Time { return *f.clock }

	f.admins = newMemAdminStore()
	adminSvc := admin.NewService(f.admins, admin.WithPepper("pep"), admin.WithClock(now))
	if _, err := adminSvc.Create(context.Background(), "root", "s3cret"); err != nil {
		t.Fatalf("create admin: %v", err)
	}

	tokens, err := admin.NewTokenIssuer("topsecret", admin.WithTokenClock(now))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	f.challenges = &memChallengeStore{}
	f.trail = &memAuditStore{}
	f.flow = NewFlow(
		adminSvc,
		tokens,
		risk.NewEngine(risk.DefaultConfig(), risk.WithClock(now)),
		policy.NewEngine(nil, policy.WithClock(now)),
		challenge.NewManager(f.challenges, f.admins, challenge.WithClock(now)),
		audit.NewRecorder(f.trail, audit.WithClock(now)),
		NewFailures(0, now),
	)
	return f
}

func (f *fixture) enroll(t *testing.T) string {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "aegisgate", AccountName: "root"})
	if err != nil {
		t.Fatalf("totp.Generate: %v", err)
	}
	if err := f.admins.SetTOTPSecret(context.Background(), "root", key.Secret()); err != nil {
		t.Fatalf("SetTOTPSecret: %v", err)
	}
	return key.Secret()
}

func (f *fixture) recordFailures(n int) {
	for i := 0; i < n; i++ {
		f.flow.Failures().Record("root")
	}
}

func TestLoginBusinessHoursLowRisk(t *testing.T) {
	f := newFixture(t)

	res, err := f.flow.Login(context.Background(), Input{
		Username:   "root",
		Password:   "s3cret",
		RemoteAddr: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token == "" {
		t.Fatal("no token issued")
	}
	if res.RiskScore != 10 || res.Decision != policy.DecisionAllow {
		t.Fatalf("risk=%d decision=%s", res.RiskScore, res.Decision)
	}
	if got := f.trail.countOfType(audit.EventLoginSuccess); got != 1 {
		t.Fatalf("success events = %d, want 1", got)
	}
}

func TestLoginBurstFailuresDenied(t *testing.T) {
	f := newFixture(t)
	f.recordFailures(5)

	res, err := f.flow.Login(context.Background(), Input{
		Username:   "root",
		Password:   "s3cret",
		RemoteAddr: "203.0.113.9",
	})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("Login = %v, want ErrDenied", err)
	}
	if res.Token != "" {
		t.Fatal("denied login must not issue a token")
	}
	if res.RiskScore != 100 {
		t.Fatalf("risk = %d, want 100", res.RiskScore)
	}
	if len(f.challenges.created) != 0 {
		t.Fatal("denied login must not create a challenge")
	}
	if f.trail.countOfType(audit.EventLoginDenied) != 1 {
		t.Fatal("deny must be audit-logged")
	}
}

func TestLoginChallengeIssuedThenPassed(t *testing.T) {
	f := newFixture(t)
	secret := f.enroll(t)
	f.recordFailures(3)

	res, err := f.flow.Login(context.Background(), Input{
		Username:   "root",
		Password:   "s3cret",
		RemoteAddr: "203.0.113.9",
	})
	if !errors.Is(err, ErrChallengeRequired) {
		t.Fatalf("Login = %v, want ErrChallengeRequired", err)
	}
	if res.Challenge == nil || res.Challenge.Status != challenge.StatusPending {
		t.Fatalf("no pending challenge returned: %+v", res.Challenge)
	}
	if res.Token != "" {
		t.Fatal("challenge branch must not issue a token")
	}
	if f.trail.countOfType(audit.EventLoginChallenge) != 1 {
		t.Fatal("challenge must be audit-logged")
	}

	code, err := totp.GenerateCode(secret, *f.clock)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	res, err = f.flow.Login(context.Background(), Input{
		Username:   "root",
		Password:   "s3cret",
		Code:       code,
		RemoteAddr: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Login with code: %v", err)
	}
	if res.Token == "" {
		t.Fatal("no token after passing the challenge")
	}
}

func TestLoginChallengeInvalidCode(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)
	f.recordFailures(3)

	_, err := f.flow.Login(context.Background(), Input{
		Username:   "root",
		Password:   "s3cret",
		Code:       "000000",
		RemoteAddr: "203.0.113.9",
	})
	if !errors.Is(err, challenge.ErrInvalidCode) {
		t.Fatalf("Login = %v, want ErrInvalidCode", err)
	}
}

func TestLoginElevatedRiskWithoutEnrollment(t *testing.T) {
	f := newFixture(t)
	f.recordFailures(3)

	res, err := f.flow.Login(context.Background(), Input{
		Username:   "root",
		Password:   "s3cret",
		RemoteAddr: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token == "" {
		t.Fatal("unenrolled admin must still get a token")
	}
	if f.trail.countOfType(audit.EventTOTPMissing) != 1 {
		t.Fatal("missing secret must be audit-logged")
	}
	if len(f.challenges.created) != 0 {
		t.Fatal("no challenge can exist without a secret")
	}
}

func TestLoginBadCredentialsCountAsFailures(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		if _, err := f.flow.Login(context.Background(), Input{
			Username:   "root",
			Password:   "wrong",
			RemoteAddr: "203.0.113.9",
		}); !errors.Is(err, admin.ErrUnauthorized) {
			t.Fatalf("Login = %v, want ErrUnauthorized", err)
		}
	}
	if got := f.flow.Failures().Count("root"); got != 3 {
		t.Fatalf("failure count = %d, want 3", got)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	f.recordFailures(2)

	if _, err := f.flow.Login(context.Background(), Input{
		Username:   "root",
		Password:   "s3cret",
		RemoteAddr: "10.0.0.8",
	}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := f.flow.Failures().Count("root"); got != 0 {
		t.Fatalf("failure count = %d, want 0", got)
	}
}

func TestLoginStopsWhenAuditAppendFails(t *testing.T) {
	f := newFixture(t)
	f.trail.appendErr = errors.New("audit_events unavailable")

	res, err := f.flow.Login(context.Background(), Input{
		Username:   "root",
		Password:   "s3cret",
		RemoteAddr: "10.0.0.8",
	})
	if !errors.Is(err, f.trail.appendErr) {
		t.Fatalf("Login err = %v, want append failure", err)
	}
	if res != nil {
		t.Fatalf("got result %+v, want nil when the trail cannot be written", res)
	}
	if len(f.trail.events) != 0 {
		t.Fatalf("audit rows = %d, want 0", len(f.trail.events))
	}
}

func TestFailuresExpireOutsideWindow(t *testing.T) {
	start := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	clock := start
	f := NewFailures(DefaultFailureWindow, func() time.Time { return clock })

	f.Record("root")
	f.Record("root")
	if got := f.Count("root"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	clock = start.Add(DefaultFailureWindow + time.Second)
	if got := f.Count("root"); got != 0 {
		t.Fatalf("count after window = %d, want 0", got)
	}
}
