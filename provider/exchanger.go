// Package provider exchanges authorization codes and refresh tokens with an
// external OAuth2 identity provider and resolves the resulting login to a subject.
package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jrsteele09/go-session-server/autherr"
	"golang.org/x/oauth2"
)

const DefaultTimeout = 5 * time.Second

// Config describes the identity provider client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
}

// Exchanger performs the token endpoint legs of the authorization-code flow.
// It never retries; callers decide based on autherr.Retryable.
type Exchanger struct {
	oauth   oauth2.Config
	client  *http.Client
	timeout time.Duration
	nowFunc func() time.Time
}

type Option func(*Exchanger)

// WithHTTPClient sets the client used for token endpoint requests.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Exchanger) {
		e.client = client
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(e *Exchanger) {
		e.nowFunc = now
	}
}

// NewExchanger validates cfg and builds an Exchanger. Client credentials are
// sent in the request body.
func NewExchanger(cfg Config, options ...Option) (*Exchanger, error) {
	if cfg.ClientID == "" {
		return nil, autherr.Configuration("provider.NewExchanger", "client id is required")
	}
	if _, err := url.ParseRequestURI(cfg.TokenURL); err != nil {
		return nil, autherr.Configuration("provider.NewExchanger", "token url is invalid")
	}
	if cfg.AuthURL != "" {
		if _, err := url.ParseRequestURI(cfg.AuthURL); err != nil {
			return nil, autherr.Configuration("provider.NewExchanger", "auth url is invalid")
		}
	}

	e := &Exchanger{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		timeout: cfg.Timeout,
		nowFunc: time.Now,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	for _, opt := range options {
		opt(e)
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: e.timeout}
	}
	return e, nil
}

// AuthCodeURL returns the provider authorize URL for the redirect leg.
func (e *Exchanger) AuthCodeURL(state, redirectURI string, opts ...oauth2.AuthCodeOption) string {
	cfg := e.oauth
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for a provider token. opts carries
// extra form parameters such as the PKCE verifier.
func (e *Exchanger) Exchange(ctx context.Context, code, redirectURI string, opts ...oauth2.AuthCodeOption) (*Token, error) {
	const op = "Exchanger.Exchange"
	if strings.TrimSpace(code) == "" {
		return nil, autherr.Provider(op, "invalid_request", "authorization code is empty")
	}

	ctx, cancel := e.requestContext(ctx)
	defer cancel()

	cfg := e.oauth
	cfg.RedirectURL = redirectURI
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, classify(op, err)
	}
	return e.toToken(op, tok, e.oauth.Scopes)
}

// Refresh trades a refresh token for a new provider token. A response
// without a new refresh token keeps the old one.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	const op = "Exchanger.Refresh"
	if strings.TrimSpace(refreshToken) == "" {
		return nil, autherr.Provider(op, "invalid_request", "refresh token is empty")
	}

	ctx, cancel := e.requestContext(ctx)
	defer cancel()

	tok, err := e.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(op, err)
	}
	return e.toToken(op, tok, e.oauth.Scopes)
}

func (e *Exchanger) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	return context.WithTimeout(ctx, e.timeout)
}

// toToken validates the response. Missing fields fail closed.
func (e *Exchanger) toToken(op string, tok *oauth2.Token, requested []string) (*Token, error) {
	if tok.AccessToken == "" {
		return nil, autherr.Provider(op, "invalid_response", "access_token missing")
	}
	if tok.TokenType == "" {
		return nil, autherr.Provider(op, "invalid_response", "token_type missing")
	}
	if tok.Expiry.IsZero() || !tok.Expiry.After(e.nowFunc()) {
		return nil, autherr.Provider(op, "invalid_response", "expires_in missing or not positive")
	}

	scopes := requested
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		scopes = strings.Fields(s)
	}
	idToken, _ := tok.Extra("id_token").(string)

	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
		IDToken:      idToken,
	}, nil
}

// classify maps token endpoint failures onto the error taxonomy:
// a provider error body is a ProviderError, anything that looks like the
// network or the deadline is a TransportError, and an unusable 2xx response
// is a ProviderError.
func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode != "" {
			return &autherr.Error{
				Kind:        autherr.KindProvider,
				Op:          op,
				Code:        re.ErrorCode,
				Description: re.ErrorDescription,
				Status:      status,
			}
		}
		return autherr.Transport(op, status, errors.New("token endpoint returned "+http.StatusText(status)))
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return autherr.Transport(op, 0, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return autherr.Transport(op, 0, urlErr.Err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return autherr.Transport(op, 0, netErr)
	}
	return &autherr.Error{Kind: autherr.KindProvider, Op: op, Code: "invalid_response", Description: "token response could not be parsed", Err: err}
}
