// Package config exposes environment-level settings through one getter
// interface per concern, backed by Viper (.env file, then the environment).
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SecurityConfig
	StorageConfig
	TelemetryConfig
	Validate() error
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetBaseURL() string
	GetLogLevel() string
	IsDev() bool
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	Security
	Storage
	Telemetry
}

// New reads .env from the working directory, if present, then the process
// environment. Environment variables win.
func New() Config {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine

	return NewFromViper(v)
}

// NewFromViper builds a Config over v, adding defaults and environment lookup.
func NewFromViper(v *viper.Viper) Config {
	v.AutomaticEnv()
	setDefaults(v)
	return mainConfig{
		EnvVars:   EnvVars{v: v},
		Cors:      Cors{v: v},
		OAuth:     OAuth{v: v},
		Security:  Security{v: v},
		Storage:   Storage{v: v},
		Telemetry: Telemetry{v: v},
	}
}

// Validate checks every concern and reports all problems at once.
func (c mainConfig) Validate() error {
	return errors.Join(
		c.EnvVars.validate(),
		c.OAuth.validate(),
		c.Security.validate(c.EnvVars),
		c.Storage.validate(),
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(portEnvVar, "8080")
	v.SetDefault(appNameVar, "Session Server")
	v.SetDefault(envVar, "DEV")
	v.SetDefault(baseURLVar, "http://localhost:8080")
	v.SetDefault(logLevelVar, "info")

	v.SetDefault(allowedOriginsVar, "")

	v.SetDefault(oauthScopesVar, "openid email")
	v.SetDefault(oauthTimeoutVar, "5s")
	v.SetDefault(exchangeAttemptsVar, 3)
	v.SetDefault(subjectSourceVar, SubjectFromIDToken)

	v.SetDefault(signingKeyIDVar, "session-key-1")
	v.SetDefault(signingAlgorithmVar, "ES256")
	v.SetDefault(sessionTTLVar, "1h")
	v.SetDefault(tokenLeewayVar, "10s")
	v.SetDefault(keyGraceVar, "24h")
	v.SetDefault(totpStepVar, "30s")
	v.SetDefault(totpDigitsVar, 6)
	v.SetDefault(totpDriftVar, 1)
	v.SetDefault(maxAttemptsVar, 3)
	v.SetDefault(loginFlowTTLVar, "15m")
	v.SetDefault(requirePKCEVar, true)
	v.SetDefault(handoffTTLVar, "2m")

	v.SetDefault(replayBackendVar, "memory")
	v.SetDefault(credentialBackendVar, "memory")

	v.SetDefault(serviceNameVar, "session-server")
}

// splitList splits a comma separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
