package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/jrsteele09/go-session-server/totp"
)

// PostgresStore keeps credentials in the credentials table. TOTP secrets are
// sealed before they are written.
type PostgresStore struct {
	db     *sql.DB
	sealer *Sealer
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB, sealer *Sealer) *PostgresStore {
	return &PostgresStore{db: db, sealer: sealer}
}

func (p *PostgresStore) Get(ctx context.Context, subjectID string) (*Credential, error) {
	var (
		sealed    []byte
		createdAt time.Time
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT totp_secret, created_at FROM credentials WHERE subject_id = $1`, subjectID,
	).Scan(&sealed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, autherr.New(autherr.KindNotFound, "PostgresStore.Get", "no credential for subject")
	}
	if err != nil {
		return nil, fmt.Errorf("[PostgresStore.Get] %w", err)
	}

	c := &Credential{SubjectID: subjectID, CreatedAt: createdAt}
	if len(sealed) > 0 {
		secret, err := p.sealer.Open(sealed, subjectID)
		if err != nil {
			return nil, fmt.Errorf("[PostgresStore.Get] %w", err)
		}
		c.TOTPSecret = totp.Secret(secret)
	}
	return c, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, credential *Credential) error {
	if credential == nil || credential.SubjectID == "" {
		return autherr.New(autherr.KindConfiguration, "PostgresStore.Upsert", "subject id is required")
	}

	var sealed []byte
	if !credential.TOTPSecret.IsZero() {
		var err error
		sealed, err = p.sealer.Seal(credential.TOTPSecret, credential.SubjectID)
		if err != nil {
			return fmt.Errorf("[PostgresStore.Upsert] %w", err)
		}
	}
	createdAt := credential.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := p.db.ExecContext(ctx, `
INSERT INTO credentials (subject_id, totp_secret, created_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (subject_id) DO UPDATE
	SET totp_secret = EXCLUDED.totp_secret, updated_at = now()`,
		credential.SubjectID, sealed, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("[PostgresStore.Upsert] %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, subjectID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM credentials WHERE subject_id = $1`, subjectID)
	if err != nil {
		return fmt.Errorf("[PostgresStore.Delete] %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return autherr.New(autherr.KindNotFound, "PostgresStore.Delete", "no credential for subject")
	}
	return nil
}
