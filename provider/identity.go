package provider

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jrsteele09/go-session-server/autherr"
)

// Identity is what the provider vouches for about the user behind a token.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	HostedDomain  string // Google's "hd" claim, empty for consumer accounts
}

// Claims returns the profile claims carried into the session token.
func (id *Identity) Claims() map[string]any {
	claims := map[string]any{}
	if id.Email != "" {
		claims["email"] = id.Email
		claims["email_verified"] = id.EmailVerified
	}
	if id.HostedDomain != "" {
		claims["hd"] = id.HostedDomain
	}
	return claims
}

// Domain is the hosted domain, or the domain of a verified email address.
func (id *Identity) Domain() string {
	if id.HostedDomain != "" {
		return strings.ToLower(id.HostedDomain)
	}
	if !id.EmailVerified {
		return ""
	}
	if _, domain, ok := strings.Cut(id.Email, "@"); ok {
		return strings.ToLower(domain)
	}
	return ""
}

// IdentityResolver maps a provider token to the identity it was issued for.
// Identity.Subject keys the credential store.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, tok *Token) (*Identity, error)
}

// ResolverFunc adapts a function to IdentityResolver.
type ResolverFunc func(ctx context.Context, tok *Token) (*Identity, error)

func (f ResolverFunc) ResolveIdentity(ctx context.Context, tok *Token) (*Identity, error) {
	return f(ctx, tok)
}

// StaticSubject resolves every token to the same subject. Useful for
// single-tenant deployments and tests.
func StaticSubject(subject string) IdentityResolver {
	return ResolverFunc(func(context.Context, *Token) (*Identity, error) {
		if subject == "" {
			return nil, fmt.Errorf("[provider.StaticSubject] subject is empty")
		}
		return &Identity{Subject: subject}, nil
	})
}

// RestrictDomains only lets identities whose Domain is in domains through.
// An identity with no domain is refused. With no domains, r is returned as is.
func RestrictDomains(r IdentityResolver, domains []string) IdentityResolver {
	if len(domains) == 0 {
		return r
	}
	allowed := make([]string, len(domains))
	for i, d := range domains {
		allowed[i] = strings.ToLower(strings.TrimSpace(d))
	}
	return ResolverFunc(func(ctx context.Context, tok *Token) (*Identity, error) {
		id, err := r.ResolveIdentity(ctx, tok)
		if err != nil {
			return nil, err
		}
		if domain := id.Domain(); domain == "" || !slices.Contains(allowed, domain) {
			return nil, autherr.Provider("provider.RestrictDomains", "access_denied", "account domain is not allowed")
		}
		return id, nil
	})
}
