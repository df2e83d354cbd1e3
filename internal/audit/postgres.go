package audit

import (
	"context"
	"database/sql"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. audit_events uses a bigserial
// primary key so the id doubles as the poller cursor.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, evt *Event) error {
	var sigHash any
	if evt.SignatureHash != "" {
		sigHash = evt.SignatureHash
	}
	return s.db.QueryRowContext(ctx,
		`insert into audit_events(event_type, payload, signature_hash, created_at)
		 values($1,$2,$3,$4) returning id`,
		evt.Type, evt.Payload, sigHash, evt.CreatedAt,
	).Scan(&evt.ID)
}

func (s *PGStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, event_type, payload, signature_hash, created_at
		 from audit_events where id > $1 order by id asc limit $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			evt     Event
			sigHash sql.NullString
		)
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.Payload, &sigHash, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.SignatureHash = sigHash.String
		events = append(events, evt)
	}
	return events, rows.Err()
}
