package session

import (
	"maps"
	"time"
)

// State is the position of a login flow in the state machine.
type State string

const (
	AwaitingCode         State = "awaiting_code"
	AwaitingSecondFactor State = "awaiting_second_factor"
	Authenticated        State = "authenticated"
	Failed               State = "failed"
)

// Flow is one login attempt, from the redirect to the provider until a session
// token is minted or the flow fails.
type Flow struct {
	ID          string
	State       State
	SubjectID   string
	RedirectURI string
	Scopes      []string
	Attempts    int
	CreatedAt   time.Time
	ExpiresAt   time.Time

	// Profile holds the provider's claims about the subject (email, hd).
	Profile map[string]any

	// PKCE verifier sent with the code exchange. Never leaves the server.
	Verifier string
	// exchanging is set while the authorization code is at the provider.
	exchanging bool
}

func (f *Flow) expired(now time.Time) bool {
	return now.After(f.ExpiresAt)
}

func (f *Flow) clone() *Flow {
	c := *f
	if f.Scopes != nil {
		c.Scopes = append([]string(nil), f.Scopes...)
	}
	if f.Profile != nil {
		c.Profile = maps.Clone(f.Profile)
	}
	return &c
}

// FlowRepo holds login flows. Update applies fn to the stored flow atomically;
// when fn returns an error the flow is left unchanged.
type FlowRepo interface {
	Create(flow *Flow) error
	Get(id string) (*Flow, error)
	Update(id string, fn func(*Flow) error) (*Flow, error)
	Delete(id string) error
	Cleanup(now time.Time) int
}
