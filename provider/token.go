package provider

import (
	"fmt"
	"time"
)

// Token is the identity provider's token response. It lives only long enough to
// map the login to a subject; nothing here is persisted.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scopes       []string
	IDToken      string
}

// String never includes token material.
func (t *Token) String() string {
	return fmt.Sprintf("provider.Token{type=%s expiry=%s scopes=%v refresh=%t id_token=%t}",
		t.TokenType, t.Expiry.UTC().Format(time.RFC3339), t.Scopes, t.RefreshToken != "", t.IDToken != "")
}
