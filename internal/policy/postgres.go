package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"aegisgate.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) SaveDecision(ctx context.Context, rec *DecisionRecord) error {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into policy_decisions(id, actor, action, decision, rules, evidence, created_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.Actor, rec.Action, string(rec.Decision),
		strings.Join(rec.Rules, ","), evidence, rec.CreatedAt,
	)
	return err
}
