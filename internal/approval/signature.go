// Package approval verifies detached RSA signatures over registration
// decisions and keeps the per-admin approval key registry. An approval is
// binding only when the reviewer's stored public key verifies the canonical
// decision message; the signature fingerprint ends up in the audit trail.
package approval

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegisgate.org/internal/ids"
)

var (
	// ErrNoKey means the admin has no approval key registered.
	ErrNoKey = errors.New("approval: no key registered")
	// ErrInvalidInput means the signature or key material is malformed.
	ErrInvalidInput = errors.New("approval: invalid input")
	// ErrSignatureInvalid means the signature does not verify.
	ErrSignatureInvalid = errors.New("approval: signature invalid")
)

// Key is one admin's registered approval public key.
type Key struct {
	ID        string    `json:"id"`
	AdminID   string    `json:"admin_id"`
	PublicPEM string    `json:"public_key_pem"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists approval keys, one per admin.
type Store interface {
	// UpsertKey inserts or replaces the admin's key.
	UpsertKey(ctx context.Context, key *Key) error
	// KeyFor returns the admin's key or ErrNoKey.
	KeyFor(ctx context.Context, adminID string) (*Key, error)
}

// Verifier checks approval signatures against registered keys.
type Verifier struct {
	store Store
	now   func() time.Time
}

// Option configures Verifier behavior.
type Option func(*Verifier)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier constructs a Verifier reading keys from store.
func NewVerifier(store Store, opts ...Option) *Verifier {
	v := &Verifier{store: store, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Message builds the canonical signing payload for one decision. Both the
// signing client and the server derive it independently; any drift in the
// three fields invalidates the signature.
func Message(requestID, action, signedAt string) string {
	return fmt.Sprintf("%s:%s:%s", requestID, action, signedAt)
}

// Verify checks the base64 signature over message against adminID's
// registered key and returns the signature fingerprint (sha256 hex of the
// raw signature bytes) for audit linkage.
func (v *Verifier) Verify(ctx context.Context, adminID, message, signatureB64 string) (string, error) {
	key, err := v.store.KeyFor(ctx, adminID)
	if err != nil {
		return "", err
	}
	pub, err := parseRSAPublicKey(key.PublicPEM)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil {
		return "", fmt.Errorf("%w: signature is not valid base64", ErrInvalidInput)
	}

	hash := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], sig); err != nil {
		return "", ErrSignatureInvalid
	}

	fp := sha256.Sum256(sig)
	return hex.EncodeToString(fp[:]), nil
}

// RegisterKey validates the PEM and upserts it as adminID's approval key.
// Re-registration replaces the previous key.
func (v *Verifier) RegisterKey(ctx context.Context, adminID, publicPEM string) (*Key, error) {
	publicPEM = strings.TrimSpace(publicPEM)
	if _, err := parseRSAPublicKey(publicPEM); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	key := &Key{
		ID:        ids.New(),
		AdminID:   adminID,
		PublicPEM: publicPEM,
		CreatedAt: v.now().UTC(),
	}
	if err := v.store.UpsertKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// KeyFor exposes the registry lookup.
func (v *Verifier) KeyFor(ctx context.Context, adminID string) (*Key, error) {
	return v.store.KeyFor(ctx, adminID)
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
