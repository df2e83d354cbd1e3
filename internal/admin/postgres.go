package admin

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgErrUniqueViolation = "23505"

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, a *Admin) error {
	_, err := s.db.ExecContext(ctx,
		`insert into admins(id, username, password_hash, role, active, totp_secret, created_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.Username, a.PasswordHash, a.Role, a.Active, nullIfEmpty(a.TOTPSecret), a.CreatedAt,
	)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return err
}

func (s *PGStore) FindByUsername(ctx context.Context, username string) (*Admin, error) {
	var (
		a      Admin
		secret sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`select id, username, password_hash, role, active, totp_secret, created_at
		 from admins where username = $1`,
		username,
	).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Role, &a.Active, &secret, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.TOTPSecret = secret.String
	return &a, nil
}

func (s *PGStore) TOTPSecret(ctx context.Context, username string) (string, error) {
	var secret sql.NullString
	err := s.db.QueryRowContext(ctx,
		`select totp_secret from admins where username = $1`,
		username,
	).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return secret.String, nil
}

func (s *PGStore) SetTOTPSecret(ctx context.Context, username, secret string) error {
	res, err := s.db.ExecContext(ctx,
		`update admins set totp_secret = $1 where username = $2`,
		nullIfEmpty(secret), username,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
