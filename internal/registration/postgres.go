package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgErrUniqueViolation = "23505"

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. A partial unique index on
// username where status='pending' closes the race between concurrent
// creators; the terminal transition is a compare-and-swap on status.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, req *Request) error {
	_, err := s.db.ExecContext(ctx,
		`insert into registration_requests(id, username, password_hash, reason, status, active, created_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		req.ID, req.Username, req.PasswordHash, nullIfEmpty(req.Reason), req.Status, req.Active, req.CreatedAt,
	)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: pending request exists", ErrConflict)
	}
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, username, password_hash, reason, status, reviewer, review_note, active, created_at, reviewed_at
		 from registration_requests where id = $1`,
		id,
	)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *PGStore) List(ctx context.Context, status string, limit int) ([]Request, error) {
	query := `select id, username, password_hash, reason, status, reviewer, review_note, active, created_at, reviewed_at
		 from registration_requests`
	args := []any{}
	if status != "" {
		query += ` where status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` order by created_at desc limit $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (s *PGStore) ApplyFinalize(ctx context.Context, f Finalize) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`update registration_requests
		 set status=$1, reviewer=$2, review_note=$3, reviewed_at=$4
		 where id=$5 and status=$6`,
		f.Status, f.Reviewer, nullIfEmpty(f.Note), f.ReviewedAt, f.RequestID, StatusPending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: request is not pending", ErrConflict)
	}

	if f.NewAdmin != nil {
		a := f.NewAdmin
		_, err = tx.ExecContext(ctx,
			`insert into admins(id, username, password_hash, role, active, totp_secret, created_at)
			 values($1,$2,$3,$4,$5,$6,$7)`,
			a.ID, a.Username, a.PasswordHash, a.Role, a.Active, nullIfEmpty(a.TOTPSecret), a.CreatedAt,
		)
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: admin exists", ErrConflict)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req        Request
		reason     sql.NullString
		reviewer   sql.NullString
		note       sql.NullString
		reviewedAt sql.NullTime
	)
	err := row.Scan(&req.ID, &req.Username, &req.PasswordHash, &reason, &req.Status,
		&reviewer, &note, &req.Active, &req.CreatedAt, &reviewedAt)
	if err != nil {
		return nil, err
	}
	req.Reason = reason.String
	req.Reviewer = reviewer.String
	req.ReviewNote = note.String
	req.ReviewedAt = reviewedAt.Time
	return &req, nil
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
