package challenge

import (
	"context"
	"database/sql"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, ch *Challenge) error {
	_, err := s.db.ExecContext(ctx,
		`insert into auth_challenges(id, username, method, code_hash, status, risk_score, active, issued_at, expires_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ch.ID, ch.Username, ch.Method, ch.CodeHash, ch.Status, ch.RiskScore, ch.Active, ch.IssuedAt, ch.ExpiresAt,
	)
	return err
}

func (s *PGStore) MarkPassed(ctx context.Context, username string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update auth_challenges set status=$1, active=false
		 where username=$2 and status=$3 and expires_at > $4`,
		StatusPassed, username, StatusPending, now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGStore) ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update auth_challenges set status=$1, active=false
		 where status=$2 and expires_at <= $3`,
		StatusExpired, StatusPending, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
