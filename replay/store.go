// Package replay records consumed one-time values (single-use token ids, TOTP
// steps, authorization codes) so none of them is accepted twice while still valid.
package replay

import (
	"context"
	"time"
)

// Key identifies a consumed value. TokenID is namespaced by the caller, e.g.
// "jti:<uuid>", "totp:<counter>" or "code:<sha256>".
type Key struct {
	SubjectID string
	TokenID   string
}

func (k Key) String() string {
	return k.SubjectID + ":" + k.TokenID
}

// Store is an insert-if-absent set of keys with expiry.
type Store interface {
	// InsertIfAbsent records key until expiresAt. It reports false if key is
	// already present and not yet expired. The check and the insert are a single
	// atomic step: of two concurrent calls for the same key at most one gets true.
	InsertIfAbsent(ctx context.Context, key Key, expiresAt time.Time) (bool, error)
}

// Sweeper is implemented by stores that need expired records evicted explicitly.
type Sweeper interface {
	Cleanup(ctx context.Context, now time.Time) (int, error)
}
