package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/jrsteele09/go-session-server/credentials"
	fakecredentialrepo "github.com/jrsteele09/go-session-server/credentials/repofake"
	"github.com/jrsteele09/go-session-server/internal/config"
	"github.com/jrsteele09/go-session-server/internal/db"
	"github.com/jrsteele09/go-session-server/internal/db/migrate"
	"github.com/jrsteele09/go-session-server/provider"
	"github.com/jrsteele09/go-session-server/replay"
	"github.com/jrsteele09/go-session-server/server"
	"github.com/jrsteele09/go-session-server/session"
	"github.com/jrsteele09/go-session-server/telemetry"
	"github.com/jrsteele09/go-session-server/token"
	"github.com/jrsteele09/go-session-server/token/keys"
	"github.com/jrsteele09/go-session-server/totp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

type application struct {
	handler http.Handler
	core    *session.Core
	closers []func() error
}

func (a *application) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse acquisition order.
func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Err(err).Msg("Failed to release resource")
		}
	}
	a.closers = nil
}

// sweep evicts expired login flows and replay records until ctx is done.
func (a *application) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := a.core.Cleanup(ctx, now)
			if err != nil {
				log.Err(err).Msg("Cleanup failed")
				continue
			}
			log.Debug().Int("removed", removed).Msg("Cleanup complete")
		}
	}
}

func build(ctx context.Context, c config.Config) (*application, error) {
	a := &application{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	providers, err := telemetry.NewProviders(ctx, c.GetTelemetrySettings())
	if err != nil {
		return nil, fmt.Errorf("[build] telemetry: %w", err)
	}
	providers.SetGlobal()
	a.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return providers.Shutdown(shutdownCtx)
	})
	sink, err := providers.Sink(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("[build] event sink: %w", err)
	}

	var sqlDB *sql.DB
	if c.GetReplayBackend() == config.BackendPostgres || c.GetCredentialBackend() == config.BackendPostgres {
		if sqlDB, err = openDatabase(c); err != nil {
			return nil, err
		}
		a.onClose(sqlDB.Close)
	}

	replayStore, err := openReplayStore(ctx, c, sqlDB, a)
	if err != nil {
		return nil, err
	}
	credentialStore, err := openCredentialStore(c, sqlDB)
	if err != nil {
		return nil, err
	}

	signingKey, err := loadSigningKey(c)
	if err != nil {
		return nil, err
	}
	retired, err := loadRetiredKeys(c, time.Now())
	if err != nil {
		return nil, err
	}
	signer, err := token.NewSigner(signingKey,
		token.WithRetiredKeys(retired...),
		token.WithIssuer(c.GetTokenIssuer()),
		token.WithAudience(c.GetTokenAudience()),
		token.WithLeeway(c.GetTokenLeeway()),
		token.WithGracePeriod(c.GetKeyGracePeriod()),
		token.WithReplayStore(replayStore),
	)
	if err != nil {
		return nil, err
	}

	engine, err := newTOTPEngine(c)
	if err != nil {
		return nil, err
	}

	providerConfig := c.GetProviderConfig()
	resolver, endpoint, err := discoverResolver(ctx, c)
	if err != nil {
		return nil, err
	}
	if providerConfig.AuthURL == "" {
		providerConfig.AuthURL = endpoint.AuthURL
	}
	if providerConfig.TokenURL == "" {
		providerConfig.TokenURL = endpoint.TokenURL
	}
	resolver = provider.RestrictDomains(resolver, c.GetAllowedDomains())
	exchanger, err := provider.NewExchanger(providerConfig)
	if err != nil {
		return nil, err
	}

	a.core, err = session.NewCore(session.Deps{
		Exchanger:   exchanger,
		Resolver:    resolver,
		Credentials: credentialStore,
		Signer:      signer,
		TOTP:        engine,
		Replay:      replayStore,
	},
		session.WithSessionTTL(c.GetSessionTTL()),
		session.WithFlowTTL(c.GetLoginFlowTTL()),
		session.WithDriftSteps(c.GetTOTPDrift()),
		session.WithMaxAttempts(c.GetMaxSecondFactorAttempts()),
		session.WithExchangeAttempts(c.GetExchangeMaxAttempts()),
		session.WithHandoffTTL(c.GetHandoffTTL()),
		session.WithPKCE(c.GetRequirePKCE()),
		session.WithSink(sink),
		session.WithTracer(providers.Tracer()),
	)
	if err != nil {
		return nil, err
	}

	a.handler, err = server.New(c, a.core, signer)
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func openDatabase(c config.Config) (*sql.DB, error) {
	status, err := migrate.Run(c.GetDatabaseURL(), migrate.Up)
	if err != nil {
		return nil, fmt.Errorf("[build] migrations: %w", err)
	}
	log.Debug().Uint("version", status.Version).Bool("changed", status.Changed).Msg("Schema migrated")
	sqlDB, err := db.Open(c.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("[build] database: %w", err)
	}
	return sqlDB, nil
}

func openReplayStore(ctx context.Context, c config.Config, sqlDB *sql.DB, a *application) (replay.Store, error) {
	switch c.GetReplayBackend() {
	case config.BackendRedis:
		opts, err := redis.ParseURL(c.GetRedisURL())
		if err != nil {
			return nil, fmt.Errorf("[build] redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.onClose(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("[build] redis ping: %w", err)
		}
		return replay.NewRedisStore(client), nil
	case config.BackendPostgres:
		return replay.NewPostgresStore(sqlDB), nil
	default:
		if !c.IsDev() {
			log.Warn().Msg("Replay records are held in memory; they are lost on restart and not shared between instances")
		}
		return replay.NewMemoryStore(), nil
	}
}

func openCredentialStore(c config.Config, sqlDB *sql.DB) (credentials.Store, error) {
	if c.GetCredentialBackend() != config.BackendPostgres {
		log.Warn().Msg("Credentials are held in memory; enroll subjects against the postgres backend")
		return fakecredentialrepo.NewFakeCredentialRepo(), nil
	}
	sealer, err := credentials.NewSealerFromBase64(c.GetSecretSealingKey())
	if err != nil {
		return nil, err
	}
	return credentials.NewPostgresStore(sqlDB, sealer), nil
}

// loadSigningKey reads SIGNING_KEY, or in DEV generates an ephemeral key whose
// tokens stop verifying on restart.
func loadSigningKey(c config.Config) (*keys.KeyPair, error) {
	if c.GetSigningKey() == "" {
		log.Warn().Str("kid", c.GetSigningKeyID()).Msg("No SIGNING_KEY set, generating an ephemeral signing key")
		return keys.Generate(c.GetSigningKeyID(), c.GetSigningAlgorithm())
	}
	kp, err := keys.LoadKeyPairFromPEM(c.GetSigningKeyID(), c.GetSigningKey())
	if err != nil {
		return nil, err
	}
	if kp.Algorithm != c.GetSigningAlgorithm() {
		log.Warn().Str("configured", c.GetSigningAlgorithm()).Str("key", kp.Algorithm).Msg("SIGNING_ALGORITHM ignored, using the key's algorithm")
	}
	return kp, nil
}

// loadRetiredKeys reads SIGNING_KEYS_RETIRED. Each key keeps verifying tokens
// for KEY_GRACE_PERIOD after now.
func loadRetiredKeys(c config.Config, now time.Time) ([]token.RetiredKey, error) {
	var out []token.RetiredKey
	for _, rk := range c.GetRetiredSigningKeys() {
		kp, err := keys.LoadKeyPairFromPEM(rk.KeyID, rk.PEM)
		if err != nil {
			return nil, fmt.Errorf("[build] retired key %q: %w", rk.KeyID, err)
		}
		out = append(out, token.RetiredKey{Key: kp, Until: now.Add(c.GetKeyGracePeriod())})
	}
	return out, nil
}

func newTOTPEngine(c config.Config) (*totp.Engine, error) {
	return totp.NewEngine(
		totp.WithStep(c.GetTOTPStep()),
		totp.WithDigits(c.GetTOTPDigits()),
	)
}

func discoverResolver(ctx context.Context, c config.Config) (provider.IdentityResolver, oauth2.Endpoint, error) {
	if c.GetSubjectSource() == config.SubjectFromUserInfo {
		return provider.DiscoverUserInfo(ctx, c.GetOIDCIssuer())
	}
	return provider.Discover(ctx, c.GetOIDCIssuer(), c.GetProviderConfig().ClientID)
}
