package approval

import (
	"context"
	"database/sql"
	"errors"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. approval_keys has a unique
// constraint on admin_id, so the upsert enforces one key per admin.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) UpsertKey(ctx context.Context, key *Key) error {
	_, err := s.db.ExecContext(ctx,
		`insert into approval_keys(id, admin_id, public_key_pem, created_at)
		 values($1,$2,$3,$4)
		 on conflict (admin_id) do update
		 set public_key_pem = excluded.public_key_pem, created_at = excluded.created_at`,
		key.ID, key.AdminID, key.PublicPEM, key.CreatedAt,
	)
	return err
}

func (s *PGStore) KeyFor(ctx context.Context, adminID string) (*Key, error) {
	var key Key
	err := s.db.QueryRowContext(ctx,
		`select id, admin_id, public_key_pem, created_at
		 from approval_keys where admin_id = $1`,
		adminID,
	).Scan(&key.ID, &key.AdminID, &key.PublicPEM, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}
