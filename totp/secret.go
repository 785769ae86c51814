package totp

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/jrsteele09/go-session-server/autherr"
)

const (
	// MinSecretLength is the minimum decoded secret length in bytes (128 bits, RFC 4226 §4).
	MinSecretLength = 16
	// DefaultSecretLength is the length of generated secrets (160 bits).
	DefaultSecretLength = 20
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Secret is a TOTP shared secret. It formats as "[redacted]" so it never ends
// up in logs by accident; use Encode for the base32 form.
type Secret []byte

func (s Secret) String() string   { return "[redacted]" }
func (s Secret) GoString() string { return "totp.Secret([redacted])" }

// Encode returns the secret as uppercase base32 without padding, the format
// authenticator applications expect.
func (s Secret) Encode() string {
	return secretEncoding.EncodeToString(s)
}

// IsZero reports whether no secret is set.
func (s Secret) IsZero() bool {
	return len(s) == 0
}

// ParseSecret decodes a base32 secret. Lowercase letters, spaces and trailing
// padding are tolerated on input. A secret that does not decode, or decodes to
// fewer than MinSecretLength bytes, is a configuration error.
func ParseSecret(encoded string) (Secret, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(encoded), " ", ""))
	normalized = strings.TrimRight(normalized, "=")
	if normalized == "" {
		return nil, autherr.Configuration("totp.ParseSecret", "secret is empty")
	}
	decoded, err := secretEncoding.DecodeString(normalized)
	if err != nil {
		return nil, autherr.Configuration("totp.ParseSecret", "secret is not valid base32")
	}
	if len(decoded) < MinSecretLength {
		return nil, autherr.Configuration("totp.ParseSecret", "secret must be at least %d bytes, got %d", MinSecretLength, len(decoded))
	}
	return Secret(decoded), nil
}

// GenerateSecret returns a new random secret of DefaultSecretLength bytes.
func GenerateSecret() (Secret, error) {
	b := make([]byte, DefaultSecretLength)
	if _, err := rand.Read(b); err != nil {
		return nil, autherr.Wrapf(err, "[totp.GenerateSecret] rand.Read")
	}
	return Secret(b), nil
}
