package token

import (
	"time"

	"github.com/jrsteele09/go-session-server/token/keys"
)

// KeyRing is an immutable snapshot of the signing keys: the current key, used
// for new tokens, and retired keys still accepted for verification until their
// grace period ends. A Signer swaps whole rings, never mutates one.
type KeyRing struct {
	current *keys.KeyPair
	retired []retiredKey
}

type retiredKey struct {
	key   *keys.KeyPair
	until time.Time
}

func newKeyRing(current *keys.KeyPair) *KeyRing {
	return &KeyRing{current: current}
}

// Current returns the key new tokens are signed with.
func (r *KeyRing) Current() *keys.KeyPair {
	return r.current
}

// rotate returns a new ring with next as current and the old current key
// retired until now+grace. Retired keys already past their grace are dropped.
func (r *KeyRing) rotate(next *keys.KeyPair, now time.Time, grace time.Duration) *KeyRing {
	retired := make([]retiredKey, 0, len(r.retired)+1)
	retired = append(retired, retiredKey{key: r.current, until: now.Add(grace)})
	for _, rk := range r.retired {
		if now.Before(rk.until) && rk.key.KeyID != next.KeyID {
			retired = append(retired, rk)
		}
	}
	return &KeyRing{current: next, retired: retired}
}

// lookup finds the verification key for kid at now.
func (r *KeyRing) lookup(kid string, now time.Time) (*keys.KeyPair, bool) {
	if r.current.KeyID == kid {
		return r.current, true
	}
	for _, rk := range r.retired {
		if rk.key.KeyID == kid && now.Before(rk.until) {
			return rk.key, true
		}
	}
	return nil, false
}

func (r *KeyRing) has(kid string) bool {
	if r.current.KeyID == kid {
		return true
	}
	for _, rk := range r.retired {
		if rk.key.KeyID == kid {
			return true
		}
	}
	return false
}

// active returns every key that verifies at now, current first.
func (r *KeyRing) active(now time.Time) []*keys.KeyPair {
	out := []*keys.KeyPair{r.current}
	for _, rk := range r.retired {
		if now.Before(rk.until) {
			out = append(out, rk.key)
		}
	}
	return out
}

func (r *KeyRing) algorithms(now time.Time) []string {
	seen := map[string]bool{}
	var algs []string
	for _, k := range r.active(now) {
		if !seen[k.Algorithm] {
			seen[k.Algorithm] = true
			algs = append(algs, k.Algorithm)
		}
	}
	return algs
}
