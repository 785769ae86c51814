package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore keeps records in the replay_records table created by the
// internal/db migrations. Expired rows are overwritten in place and removed by
// Cleanup.
type PostgresStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, nowFunc: time.Now}
}

const insertReplayRecord = `
INSERT INTO replay_records (subject_id, token_id, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (subject_id, token_id) DO UPDATE
	SET expires_at = EXCLUDED.expires_at
	WHERE replay_records.expires_at <= $4`

func (p *PostgresStore) InsertIfAbsent(ctx context.Context, key Key, expiresAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, insertReplayRecord, key.SubjectID, key.TokenID, expiresAt.UTC(), p.nowFunc().UTC())
	if err != nil {
		return false, fmt.Errorf("[PostgresStore.InsertIfAbsent] %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("[PostgresStore.InsertIfAbsent] rows affected: %w", err)
	}
	return n == 1, nil
}

func (p *PostgresStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM replay_records WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("[PostgresStore.Cleanup] %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("[PostgresStore.Cleanup] rows affected: %w", err)
	}
	return int(n), nil
}
