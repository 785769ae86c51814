package credentials_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/jrsteele09/go-session-server/credentials"
	"github.com/jrsteele09/go-session-server/internal/db"
	"github.com/jrsteele09/go-session-server/internal/db/migrate"
	"github.com/jrsteele09/go-session-server/totp"
	"github.com/stretchr/testify/require"
)

// Runs only against a real database: TEST_DATABASE_URL=postgres://... go test ./credentials
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	_, err := migrate.Run(dsn, migrate.Up)
	require.NoError(t, err)
	conn, err := db.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	store := credentials.NewPostgresStore(conn, testSealer(t))
	subject := "user-" + uuid.NewString()
	secret, err := totp.GenerateSecret()
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, &credentials.Credential{SubjectID: subject, TOTPSecret: secret}))

	c, err := store.Get(ctx, subject)
	require.NoError(t, err)
	require.Equal(t, secret, c.TOTPSecret)

	var raw []byte
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT totp_secret FROM credentials WHERE subject_id = $1`, subject).Scan(&raw))
	require.NotEqual(t, []byte(secret), raw)

	require.NoError(t, store.Delete(ctx, subject))
	_, err = store.Get(ctx, subject)
	require.True(t, errors.Is(err, autherr.ErrNotFound))
}
