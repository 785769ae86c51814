package provider

import (
	"context"
	"errors"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-session-server/autherr"
	"golang.org/x/oauth2"
)

// UserInfoResolver asks the provider's userinfo endpoint whom the access token
// belongs to. It suits providers that return no id_token for the requested scopes.
type UserInfoResolver struct {
	provider *oidc.Provider
}

func NewUserInfoResolver(p *oidc.Provider) *UserInfoResolver {
	return &UserInfoResolver{provider: p}
}

// DiscoverUserInfo fetches the issuer's discovery document and returns a
// userinfo resolver plus the provider's OAuth2 endpoints.
func DiscoverUserInfo(ctx context.Context, issuer string) (*UserInfoResolver, oauth2.Endpoint, error) {
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, oauth2.Endpoint{}, autherr.Transport("provider.DiscoverUserInfo", 0, err)
	}
	return NewUserInfoResolver(p), p.Endpoint(), nil
}

func (r *UserInfoResolver) ResolveIdentity(ctx context.Context, tok *Token) (*Identity, error) {
	const op = "UserInfoResolver.ResolveIdentity"
	if tok == nil || tok.AccessToken == "" {
		return nil, autherr.Provider(op, "invalid_token", "no access token")
	}

	info, err := r.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
	}))
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, autherr.Transport(op, 0, err)
		}
		return nil, &autherr.Error{Kind: autherr.KindProvider, Op: op, Code: "invalid_token", Description: "userinfo request was rejected", Err: err}
	}
	if info.Subject == "" {
		return nil, autherr.Provider(op, "invalid_token", "userinfo has no subject")
	}
	var extra struct {
		HostedDomain string `json:"hd"`
	}
	if err := info.Claims(&extra); err != nil {
		return nil, &autherr.Error{Kind: autherr.KindProvider, Op: op, Code: "invalid_token", Description: "userinfo response is malformed", Err: err}
	}
	return &Identity{
		Subject:       info.Subject,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		HostedDomain:  extra.HostedDomain,
	}, nil
}
