// Package admin owns the administrator accounts: credential verification,
// session tokens, and the TOTP secret each account may carry. Accounts are
// only ever created through bootstrap or an approved registration request.
package admin

import (
	"context"
	"errors"
	"strings"
	"time"

	"aegisgate.org/internal/ids"
)

var (
	// ErrNotFound means no admin matches the lookup.
	ErrNotFound = errors.New("admin: not found")
	// ErrConflict means an admin with that username already exists.
	ErrConflict = errors.New("admin: already exists")
	// ErrUnauthorized means the credentials did not verify.
	ErrUnauthorized = errors.New("admin: unauthorized")
)

// RoleAdmin is the only role the service issues today.
const RoleAdmin = "admin"

// Admin is one administrator account.
type Admin struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	TOTPSecret   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists administrator accounts.
type Store interface {
	// Create inserts the admin, returning ErrConflict on a username clash.
	Create(ctx context.Context, a *Admin) error
	// FindByUsername returns the admin or ErrNotFound.
	FindByUsername(ctx context.Context, username string) (*Admin, error)
	// TOTPSecret returns the admin's TOTP secret, empty when unenrolled.
	TOTPSecret(ctx context.Context, username string) (string, error)
	// SetTOTPSecret stores the admin's TOTP secret.
	SetTOTPSecret(ctx context.Context, username, secret string) error
}

// Service wraps the store with credential handling.
type Service struct {
	store  Store
	pepper string
	now    func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithPepper appends a server-side pepper to passwords before hashing.
func WithPepper(pepper string) Option {
	return func(s *Service) { s.pepper = pepper }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service on store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create hashes the password and inserts a new active admin.
func (s *Service) Create(ctx context.Context, username, password string) (*Admin, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("admin: username is required")
	}
	hash, err := HashPassword(password, s.pepper)
	if err != nil {
		return nil, err
	}
	return s.CreateWithHash(ctx, username, hash)
}

// CreateWithHash inserts an admin with an already-computed password hash.
// Registration approval uses this so the hash captured at request time is
// reused verbatim.
func (s *Service) CreateWithHash(ctx context.Context, username, passwordHash string) (*Admin, error) {
	a := &Admin{
		ID:           ids.New(),
		Username:     strings.TrimSpace(username),
		PasswordHash: passwordHash,
		Role:         RoleAdmin,
		Active:       true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Authenticate verifies username/password and returns the account. Missing
// accounts and wrong passwords both come back as ErrUnauthorized so the
// response does not leak which usernames exist.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Admin, error) {
	a, err := s.store.FindByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrUnauthorized
	}
	if err := VerifyPassword(a.PasswordHash, password, s.pepper); err != nil {
		return nil, ErrUnauthorized
	}
	return a, nil
}

// HashFor exposes password hashing with the service pepper. Registration
// intake uses it to capture the hash before any account exists.
func (s *Service) HashFor(password string) (string, error) {
	return HashPassword(password, s.pepper)
}

// Find returns the account for username.
func (s *Service) Find(ctx context.Context, username string) (*Admin, error) {
	return s.store.FindByUsername(ctx, strings.TrimSpace(username))
}

// EnsureDefault creates the bootstrap admin when it does not exist yet.
// Returns true when an account was created.
func (s *Service) EnsureDefault(ctx context.Context, username, password string) (bool, error) {
	_, err := s.store.FindByUsername(ctx, username)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if _, err := s.Create(ctx, username, password); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
