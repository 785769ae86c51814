package config

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/jrsteele09/go-session-server/provider"
	"github.com/spf13/viper"
	"golang.org/x/oauth2/endpoints"
)

const (
	oauthProviderVar     = "OAUTH_PROVIDER"
	oauthClientIDVar     = "OAUTH_CLIENT_ID"
	oauthClientSecretVar = "OAUTH_CLIENT_SECRET"
	oauthAuthURLVar      = "OAUTH_AUTH_URL"
	oauthTokenURLVar     = "OAUTH_TOKEN_URL"
	oauthIssuerVar       = "OAUTH_ISSUER"
	oauthScopesVar       = "OAUTH_SCOPES"
	oauthRedirectURLVar  = "OAUTH_REDIRECT_URL"
	oauthTimeoutVar      = "OAUTH_TIMEOUT"
	exchangeAttemptsVar  = "EXCHANGE_MAX_ATTEMPTS"
	subjectSourceVar     = "OAUTH_SUBJECT_SOURCE"
	allowedDomainsVar    = "ALLOWED_DOMAINS"
)

// Where the subject id of a login comes from.
const (
	SubjectFromIDToken  = "id_token"
	SubjectFromUserInfo = "userinfo"
)

const googleIssuer = "https://accounts.google.com"

type OAuthConfig interface {
	GetProviderConfig() provider.Config
	GetOIDCIssuer() string
	GetRedirectURL() string
	GetExchangeMaxAttempts() int
	GetSubjectSource() string
	// GetAllowedDomains lists the hosted domains allowed to log in. Empty
	// allows any account the provider vouches for.
	GetAllowedDomains() []string
}

type OAuth struct {
	v *viper.Viper
}

var _ OAuthConfig = OAuth{}

// GetProviderConfig returns the identity provider client registration.
// OAUTH_PROVIDER=google fills in Google's endpoints; explicit URLs win.
func (o OAuth) GetProviderConfig() provider.Config {
	cfg := provider.Config{
		ClientID:     o.v.GetString(oauthClientIDVar),
		ClientSecret: o.v.GetString(oauthClientSecretVar),
		AuthURL:      o.v.GetString(oauthAuthURLVar),
		TokenURL:     o.v.GetString(oauthTokenURLVar),
		Scopes:       strings.Fields(strings.ReplaceAll(o.v.GetString(oauthScopesVar), ",", " ")),
		Timeout:      o.v.GetDuration(oauthTimeoutVar),
	}
	if o.isGoogle() {
		if cfg.AuthURL == "" {
			cfg.AuthURL = endpoints.Google.AuthURL
		}
		if cfg.TokenURL == "" {
			cfg.TokenURL = endpoints.Google.TokenURL
		}
	}
	return cfg
}

// GetOIDCIssuer returns the issuer used for ID token discovery, empty when the
// provider is plain OAuth2.
func (o OAuth) GetOIDCIssuer() string {
	if issuer := o.v.GetString(oauthIssuerVar); issuer != "" {
		return issuer
	}
	if o.isGoogle() {
		return googleIssuer
	}
	return ""
}

// GetRedirectURL is the callback registered with the provider. Defaults to
// BASE_URL + /login/callback.
func (o OAuth) GetRedirectURL() string {
	if u := o.v.GetString(oauthRedirectURLVar); u != "" {
		return u
	}
	return strings.TrimRight(o.v.GetString(baseURLVar), "/") + "/login/callback"
}

func (o OAuth) GetExchangeMaxAttempts() int {
	return o.v.GetInt(exchangeAttemptsVar)
}

func (o OAuth) GetSubjectSource() string {
	return strings.ToLower(o.v.GetString(subjectSourceVar))
}

func (o OAuth) GetAllowedDomains() []string {
	domains := splitList(o.v.GetString(allowedDomainsVar))
	for i, d := range domains {
		domains[i] = strings.ToLower(d)
	}
	return domains
}

func (o OAuth) isGoogle() bool {
	return strings.EqualFold(o.v.GetString(oauthProviderVar), "google")
}

func (o OAuth) validate() error {
	cfg := o.GetProviderConfig()
	var errs []error
	if cfg.ClientID == "" {
		errs = append(errs, autherr.Configuration("config", "%s is required", oauthClientIDVar))
	}
	// With an issuer the endpoints can come from discovery.
	if o.GetOIDCIssuer() == "" {
		if _, err := url.ParseRequestURI(cfg.TokenURL); err != nil {
			errs = append(errs, autherr.Configuration("config", "%s or %s is required", oauthTokenURLVar, oauthIssuerVar))
		}
	}
	switch o.GetSubjectSource() {
	case SubjectFromIDToken, SubjectFromUserInfo:
		if o.GetOIDCIssuer() == "" {
			errs = append(errs, autherr.Configuration("config", "%s is required to resolve subjects", oauthIssuerVar))
		}
	default:
		errs = append(errs, autherr.Configuration("config", "%s %q is not supported", subjectSourceVar, o.GetSubjectSource()))
	}
	if cfg.Timeout <= 0 || cfg.Timeout > time.Minute {
		errs = append(errs, autherr.Configuration("config", "%s must be between 0 and 1m", oauthTimeoutVar))
	}
	if o.GetExchangeMaxAttempts() < 1 {
		errs = append(errs, autherr.Configuration("config", "%s must be at least 1", exchangeAttemptsVar))
	}
	return errors.Join(errs...)
}
