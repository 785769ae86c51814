// Package credentials is the identity store: the per-subject record saying
// whether, and with which secret, a second factor is required.
package credentials

import (
	"context"
	"time"

	"github.com/jrsteele09/go-session-server/totp"
)

// Credential identifies a principal. TOTPSecret is empty when the account has
// no second factor enrolled.
type Credential struct {
	SubjectID  string
	TOTPSecret totp.Secret
	CreatedAt  time.Time
}

// RequiresSecondFactor reports whether login must be completed with a TOTP code.
func (c *Credential) RequiresSecondFactor() bool {
	return c != nil && !c.TOTPSecret.IsZero()
}

// Store looks credentials up by subject id. Get returns an error matching
// autherr.ErrNotFound when the subject is unknown.
type Store interface {
	Get(ctx context.Context, subjectID string) (*Credential, error)
	Upsert(ctx context.Context, credential *Credential) error
	Delete(ctx context.Context, subjectID string) error
}
