// Package challenge manages TOTP step-up verification for logins that the
// policy engine flags as medium risk. Issued challenges are persisted so a
// pending step-up survives a process restart, and expire after a short TTL.
package challenge

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"aegisgate.org/internal/ids"
	"aegisgate.org/internal/obs"
)

var (
	// ErrNotEnrolled means the admin has no TOTP secret on file.
	ErrNotEnrolled = errors.New("challenge: not enrolled")
	// ErrInvalidCode means the submitted code failed verification.
	ErrInvalidCode = errors.New("challenge: invalid code")
	// ErrConflict means the admin is already enrolled.
	ErrConflict = errors.New("challenge: already enrolled")
)

// Challenge statuses. A pending challenge either passes before expiry or
// gets flipped to expired by the sweeper.
const (
	StatusPending = "pending"
	StatusPassed  = "passed"
	StatusExpired = "expired"
)

// MethodTOTP is the only challenge method currently issued.
const MethodTOTP = "totp"

// DefaultTTL bounds how long an issued challenge stays answerable.
const DefaultTTL = 5 * time.Minute

// Challenge is one persisted step-up demand. Active is true while the row
// still awaits an answer; passing or expiring a row deactivates it.
type Challenge struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Method    string    `json:"method"`
	CodeHash  string    `json:"-"`
	Status    string    `json:"status"`
	RiskScore int       `json:"risk_score"`
	Active    bool      `json:"active"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists challenge rows.
type Store interface {
	Create(ctx context.Context, ch *Challenge) error
	// MarkPassed flips the admin's pending, unexpired rows to passed and
	// returns how many it touched.
	MarkPassed(ctx context.Context, username string, now time.Time) (int64, error)
	// ExpireBefore flips pending rows whose expiry is past cutoff.
	ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Secrets reads and writes per-admin TOTP secrets. The admin store
// satisfies this.
type Secrets interface {
	TOTPSecret(ctx context.Context, username string) (string, error)
	SetTOTPSecret(ctx context.Context, username, secret string) error
}

// Manager issues, verifies, and enrolls TOTP challenges.
type Manager struct {
	store   Store
	secrets Secrets
	issuer  string
	ttl     time.Duration
	now     func() time.Time
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithTTL overrides the challenge lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithIssuer sets the issuer embedded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		if issuer != "" {
			m.issuer = issuer
		}
	}
}

// NewManager constructs a Manager.
func NewManager(store Store, secrets Secrets, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		secrets: secrets,
		issuer:  "aegisgate",
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue records a new pending challenge for username. The stored code hash
// is a random placeholder; actual verification goes through the TOTP secret,
// so the hash only ties the row to an issuance.
func (m *Manager) Issue(ctx context.Context, username string, riskScore int) (*Challenge, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(hex.EncodeToString(nonce[:])))

	now := m.now().UTC()
	ch := &Challenge{
		ID:        ids.New(),
		Username:  username,
		Method:    MethodTOTP,
		CodeHash:  hex.EncodeToString(sum[:]),
		Status:    StatusPending,
		RiskScore: riskScore,
		Active:    true,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Create(ctx, ch); err != nil {
		return nil, err
	}
	obs.CountChallengeIssued()
	return ch, nil
}

// Verify checks a submitted TOTP code against the admin's secret, accepting
// one time step of clock drift either way. On success it opportunistically
// marks the admin's pending rows passed; a bookkeeping failure there does
// not fail the verification.
func (m *Manager) Verify(ctx context.Context, username, code string) error {
	secret, err := m.secrets.TOTPSecret(ctx, username)
	if err != nil {
		return err
	}
	if secret == "" {
		return ErrNotEnrolled
	}

	now := m.now().UTC()
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}

	if _, err := m.store.MarkPassed(ctx, username, now); err != nil {
		obs.Logger().Printf(`{"level":"warn","msg":"challenge mark passed failed","username":%q}`, username)
	}
	return nil
}

// Enroll generates a fresh TOTP secret for username and stores it. An admin
// who already has a secret must not silently rotate it through this path.
func (m *Manager) Enroll(ctx context.Context, username string) (secret, uri string, err error) {
	existing, err := m.secrets.TOTPSecret(ctx, username)
	if err != nil {
		return "", "", err
	}
	if existing != "" {
		return "", "", ErrConflict
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: username,
	})
	if err != nil {
		return "", "", err
	}
	if err := m.secrets.SetTOTPSecret(ctx, username, key.Secret()); err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// ExpireStale flips pending rows past their expiry to expired.
func (m *Manager) ExpireStale(ctx context.Context) (int64, error) {
	return m.store.ExpireBefore(ctx, m.now().UTC())
}
