package config

import (
	"errors"
	"strings"
	"time"

	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/spf13/viper"
)

const (
	signingKeyVar       = "SIGNING_KEY"
	signingKeyIDVar     = "SIGNING_KEY_ID"
	retiredKeysVar      = "SIGNING_KEYS_RETIRED"
	signingAlgorithmVar = "SIGNING_ALGORITHM"
	tokenIssuerVar      = "TOKEN_ISSUER"
	tokenAudienceVar    = "TOKEN_AUDIENCE"
	sessionTTLVar       = "SESSION_TTL"
	tokenLeewayVar      = "TOKEN_LEEWAY"
	keyGraceVar         = "KEY_GRACE_PERIOD"
	totpStepVar         = "TOTP_STEP"
	totpDigitsVar       = "TOTP_DIGITS"
	totpDriftVar        = "TOTP_DRIFT"
	maxAttemptsVar      = "MAX_SECOND_FACTOR_ATTEMPTS"
	loginFlowTTLVar     = "LOGIN_FLOW_TTL"
	sealingKeyVar       = "SECRET_SEALING_KEY"
	requirePKCEVar      = "REQUIRE_PKCE"
	handoffTTLVar       = "HANDOFF_TTL"
)

// RetiredSigningKey is a previous signing key that keeps verifying tokens for
// KEY_GRACE_PERIOD after startup.
type RetiredSigningKey struct {
	KeyID string
	PEM   string // inline PEM or a file path
}

type SecurityConfig interface {
	// GetSigningKey returns a PEM private key, inline or as a file path. Empty
	// means generate an ephemeral key (DEV only).
	GetSigningKey() string
	GetSigningKeyID() string
	GetSigningAlgorithm() string
	// GetRetiredSigningKeys parses SIGNING_KEYS_RETIRED, a comma separated
	// list of kid=pem entries.
	GetRetiredSigningKeys() []RetiredSigningKey
	GetTokenIssuer() string
	GetTokenAudience() string
	GetSessionTTL() time.Duration
	GetTokenLeeway() time.Duration
	GetKeyGracePeriod() time.Duration
	GetTOTPStep() time.Duration
	GetTOTPDigits() int
	GetTOTPDrift() int
	GetMaxSecondFactorAttempts() int
	GetLoginFlowTTL() time.Duration
	GetSecretSealingKey() string
	GetRequirePKCE() bool
	GetHandoffTTL() time.Duration
}

type Security struct {
	v *viper.Viper
}

var _ SecurityConfig = Security{}

func (s Security) GetSigningKey() string        { return s.v.GetString(signingKeyVar) }
func (s Security) GetSigningKeyID() string      { return s.v.GetString(signingKeyIDVar) }
func (s Security) GetSigningAlgorithm() string  { return s.v.GetString(signingAlgorithmVar) }
func (s Security) GetSessionTTL() time.Duration { return s.v.GetDuration(sessionTTLVar) }
func (s Security) GetTOTPStep() time.Duration   { return s.v.GetDuration(totpStepVar) }
func (s Security) GetTOTPDigits() int           { return s.v.GetInt(totpDigitsVar) }
func (s Security) GetTOTPDrift() int            { return s.v.GetInt(totpDriftVar) }
func (s Security) GetSecretSealingKey() string  { return s.v.GetString(sealingKeyVar) }
func (s Security) GetRequirePKCE() bool         { return s.v.GetBool(requirePKCEVar) }
func (s Security) GetHandoffTTL() time.Duration { return s.v.GetDuration(handoffTTLVar) }

func (s Security) GetRetiredSigningKeys() []RetiredSigningKey {
	var out []RetiredSigningKey
	for _, entry := range splitList(s.v.GetString(retiredKeysVar)) {
		kid, pem, _ := strings.Cut(entry, "=")
		out = append(out, RetiredSigningKey{KeyID: strings.TrimSpace(kid), PEM: strings.TrimSpace(pem)})
	}
	return out
}

// GetTokenIssuer defaults to BASE_URL.
func (s Security) GetTokenIssuer() string {
	if iss := s.v.GetString(tokenIssuerVar); iss != "" {
		return iss
	}
	return EnvVars{v: s.v}.GetBaseURL()
}

func (s Security) GetTokenAudience() string {
	return s.v.GetString(tokenAudienceVar)
}

func (s Security) GetTokenLeeway() time.Duration {
	return s.v.GetDuration(tokenLeewayVar)
}

func (s Security) GetKeyGracePeriod() time.Duration {
	return s.v.GetDuration(keyGraceVar)
}

func (s Security) GetMaxSecondFactorAttempts() int {
	return s.v.GetInt(maxAttemptsVar)
}

func (s Security) GetLoginFlowTTL() time.Duration {
	return s.v.GetDuration(loginFlowTTLVar)
}

func (s Security) validate(env EnvVars) error {
	var errs []error
	if s.GetSigningKey() == "" && !env.IsDev() {
		errs = append(errs, autherr.Configuration("config", "%s is required outside DEV", signingKeyVar))
	}
	if s.GetSigningKeyID() == "" {
		errs = append(errs, autherr.Configuration("config", "%s is required", signingKeyIDVar))
	}
	seen := map[string]bool{s.GetSigningKeyID(): true}
	for _, rk := range s.GetRetiredSigningKeys() {
		switch {
		case rk.KeyID == "" || rk.PEM == "":
			errs = append(errs, autherr.Configuration("config", "%s entries must be kid=pem", retiredKeysVar))
		case seen[rk.KeyID]:
			errs = append(errs, autherr.Configuration("config", "%s repeats key id %q", retiredKeysVar, rk.KeyID))
		}
		seen[rk.KeyID] = true
	}
	if s.GetHandoffTTL() < time.Second {
		errs = append(errs, autherr.Configuration("config", "%s must be at least 1s", handoffTTLVar))
	}
	if s.GetSessionTTL() < time.Second {
		errs = append(errs, autherr.Configuration("config", "%s must be at least 1s", sessionTTLVar))
	}
	if s.GetTokenLeeway() < 0 {
		errs = append(errs, autherr.Configuration("config", "%s must not be negative", tokenLeewayVar))
	}
	if s.GetKeyGracePeriod() < 0 {
		errs = append(errs, autherr.Configuration("config", "%s must not be negative", keyGraceVar))
	}
	if s.GetTOTPDrift() < 0 {
		errs = append(errs, autherr.Configuration("config", "%s must not be negative", totpDriftVar))
	}
	if s.GetMaxSecondFactorAttempts() < 1 {
		errs = append(errs, autherr.Configuration("config", "%s must be at least 1", maxAttemptsVar))
	}
	if s.GetLoginFlowTTL() <= 0 {
		errs = append(errs, autherr.Configuration("config", "%s must be positive", loginFlowTTLVar))
	}
	return errors.Join(errs...)
}
