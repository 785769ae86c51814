package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/jrsteele09/go-session-server/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2/endpoints"
)

func newConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	return config.NewFromViper(viper.New())
}

func TestConfig_Defaults(t *testing.T) {
	cfg := newConfig(t, nil)

	require.Equal(t, ":8080", cfg.GetPort())
	require.Equal(t, "DEV", cfg.GetEnv())
	require.True(t, cfg.IsDev())
	require.Equal(t, "http://localhost:8080", cfg.GetBaseURL())
	require.Equal(t, "http://localhost:8080/login/callback", cfg.GetRedirectURL())
	require.Equal(t, "http://localhost:8080", cfg.GetTokenIssuer())
	require.Equal(t, time.Hour, cfg.GetSessionTTL())
	require.Equal(t, 10*time.Second, cfg.GetTokenLeeway())
	require.Equal(t, 30*time.Second, cfg.GetTOTPStep())
	require.Equal(t, 6, cfg.GetTOTPDigits())
	require.Equal(t, 1, cfg.GetTOTPDrift())
	require.Equal(t, 3, cfg.GetMaxSecondFactorAttempts())
	require.Equal(t, 3, cfg.GetExchangeMaxAttempts())
	require.Equal(t, 15*time.Minute, cfg.GetLoginFlowTTL())
	require.True(t, cfg.GetRequirePKCE())
	require.Equal(t, config.BackendMemory, cfg.GetReplayBackend())
	require.Empty(t, cfg.GetAllowedOrigins())
	require.Empty(t, cfg.GetAllowedDomains())
	require.Empty(t, cfg.GetRetiredSigningKeys())
	require.Equal(t, 2*time.Minute, cfg.GetHandoffTTL())

	pc := cfg.GetProviderConfig()
	require.Equal(t, []string{"openid", "email"}, pc.Scopes)
	require.Equal(t, 5*time.Second, pc.Timeout)
}

func TestConfig_EnvironmentOverrides(t *testing.T) {
	cfg := newConfig(t, map[string]string{
		"PORT":            ":9000",
		"ENV":             "prod",
		"BASE_URL":        "https://auth.example.com/",
		"ALLOWED_ORIGINS": "https://app.example.com, https://admin.example.com,",
		"SESSION_TTL":     "30m",
		"OAUTH_SCOPES":    "openid,email,profile",
		"REPLAY_BACKEND":  "Redis",
	})

	require.Equal(t, ":9000", cfg.GetPort())
	require.Equal(t, "PROD", cfg.GetEnv())
	require.False(t, cfg.IsDev())
	require.Equal(t, "https://auth.example.com", cfg.GetBaseURL())
	require.Equal(t, "https://auth.example.com/login/callback", cfg.GetRedirectURL())
	require.Equal(t, 30*time.Minute, cfg.GetSessionTTL())
	require.Equal(t, config.BackendRedis, cfg.GetReplayBackend())
	require.Equal(t, []string{"openid", "email", "profile"}, cfg.GetProviderConfig().Scopes)

	origins := cfg.GetAllowedOrigins()
	require.Len(t, origins, 2)
	require.True(t, origins.IsAllowedOrigin("https://app.example.com"))
	require.False(t, origins.IsAllowedOrigin("https://evil.example.com"))
}

func TestConfig_GoogleProvider(t *testing.T) {
	cfg := newConfig(t, map[string]string{
		"OAUTH_PROVIDER":  "google",
		"OAUTH_CLIENT_ID": "client-1",
	})

	pc := cfg.GetProviderConfig()
	require.Equal(t, endpoints.Google.AuthURL, pc.AuthURL)
	require.Equal(t, endpoints.Google.TokenURL, pc.TokenURL)
	require.Equal(t, "https://accounts.google.com", cfg.GetOIDCIssuer())
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	valid := map[string]string{
		"OAUTH_CLIENT_ID": "client-1",
		"OAUTH_TOKEN_URL": "https://idp.example.com/token",
		"OAUTH_ISSUER":    "https://idp.example.com",
	}

	t.Run("valid dev config", func(t *testing.T) {
		require.NoError(t, newConfig(t, valid).Validate())
	})

	tests := map[string]map[string]string{
		"missing client id":         {"OAUTH_CLIENT_ID": ""},
		"signing key outside dev":   {"ENV": "PROD"},
		"zero session ttl":          {"SESSION_TTL": "0s"},
		"no second factor attempts": {"MAX_SECOND_FACTOR_ATTEMPTS": "0"},
		"unknown replay backend":    {"REPLAY_BACKEND": "etcd"},
		"redis without url":         {"REPLAY_BACKEND": "redis"},
		"postgres without sealing":  {"CREDENTIAL_BACKEND": "postgres", "DATABASE_URL": "postgres://localhost/db"},
		"bad base url":              {"BASE_URL": "not a url"},
		"no issuer":                 {"OAUTH_ISSUER": ""},
		"unknown subject source":    {"OAUTH_SUBJECT_SOURCE": "email"},
		"retired key without pem":   {"SIGNING_KEYS_RETIRED": "old-key"},
		"retired key reuses kid":    {"SIGNING_KEYS_RETIRED": "session-key-1=/keys/old.pem"},
		"zero handoff ttl":          {"HANDOFF_TTL": "0s"},
	}
	for name, overrides := range tests {
		t.Run(name, func(t *testing.T) {
			env := map[string]string{}
			for k, v := range valid {
				env[k] = v
			}
			for k, v := range overrides {
				env[k] = v
			}
			err := newConfig(t, env).Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, autherr.ErrConfiguration), err)
		})
	}
}

func TestConfig_SigningKeysAndDomains(t *testing.T) {
	cfg := newConfig(t, map[string]string{
		"SIGNING_KEYS_RETIRED": "key-2023=/keys/2023.pem, key-2024=/keys/2024.pem",
		"ALLOWED_DOMAINS":      "Example.com, corp.example.org",
		"HANDOFF_TTL":          "90s",
	})

	require.Equal(t, []config.RetiredSigningKey{
		{KeyID: "key-2023", PEM: "/keys/2023.pem"},
		{KeyID: "key-2024", PEM: "/keys/2024.pem"},
	}, cfg.GetRetiredSigningKeys())
	require.Equal(t, []string{"example.com", "corp.example.org"}, cfg.GetAllowedDomains())
	require.Equal(t, 90*time.Second, cfg.GetHandoffTTL())
}

func TestConfig_TelemetrySettings(t *testing.T) {
	cfg := newConfig(t, map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": "otel-collector:4317",
		"OTEL_EXPORTER_OTLP_INSECURE": "true",
	})

	s := cfg.GetTelemetrySettings()
	require.Equal(t, "otel-collector:4317", s.Endpoint)
	require.Equal(t, "session-server", s.ServiceName)
	require.True(t, s.Insecure)
}
