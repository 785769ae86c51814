package provider

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-session-server/autherr"
	"golang.org/x/oauth2"
)

// OIDCResolver takes the subject from the id_token returned alongside the
// access token, after verifying its signature, issuer, audience and expiry.
type OIDCResolver struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCResolver(verifier *oidc.IDTokenVerifier) *OIDCResolver {
	return &OIDCResolver{verifier: verifier}
}

// Discover fetches the issuer's discovery document and returns a resolver
// verifying id tokens for clientID, plus the provider's OAuth2 endpoints.
func Discover(ctx context.Context, issuer, clientID string) (*OIDCResolver, oauth2.Endpoint, error) {
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, oauth2.Endpoint{}, autherr.Transport("provider.Discover", 0, err)
	}
	verifier := p.Verifier(&oidc.Config{ClientID: clientID})
	return NewOIDCResolver(verifier), p.Endpoint(), nil
}

type profileClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	HostedDomain  string `json:"hd"`
}

func (r *OIDCResolver) ResolveIdentity(ctx context.Context, tok *Token) (*Identity, error) {
	const op = "OIDCResolver.ResolveIdentity"
	if tok == nil || tok.IDToken == "" {
		return nil, autherr.Provider(op, "invalid_id_token", "token response has no id_token")
	}
	idToken, err := r.verifier.Verify(ctx, tok.IDToken)
	if err != nil {
		return nil, &autherr.Error{Kind: autherr.KindProvider, Op: op, Code: "invalid_id_token", Description: "id_token failed verification", Err: err}
	}
	if idToken.Subject == "" {
		return nil, autherr.Provider(op, "invalid_id_token", "id_token has no subject")
	}
	var profile profileClaims
	if err := idToken.Claims(&profile); err != nil {
		return nil, &autherr.Error{Kind: autherr.KindProvider, Op: op, Code: "invalid_id_token", Description: "id_token profile claims are malformed", Err: err}
	}
	return &Identity{
		Subject:       idToken.Subject,
		Email:         profile.Email,
		EmailVerified: profile.EmailVerified,
		HostedDomain:  profile.HostedDomain,
	}, nil
}
