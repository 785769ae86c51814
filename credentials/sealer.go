package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jrsteele09/go-session-server/autherr"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrUnseal is returned when a sealed value fails authentication.
var ErrUnseal = errors.New("sealed value failed authentication")

// Sealer encrypts TOTP secrets at rest with XChaCha20-Poly1305. The subject id
// is bound as associated data, so a sealed secret cannot be moved to another row.
type Sealer struct {
	key []byte
}

// NewSealer takes a 32 byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, autherr.Configuration("credentials.NewSealer", "sealing key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// NewSealerFromBase64 decodes a standard base64 key, as stored in SECRET_SEALING_KEY.
func NewSealerFromBase64(encoded string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, autherr.Configuration("credentials.NewSealerFromBase64", "sealing key is not valid base64")
	}
	return NewSealer(key)
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte, subjectID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("[Sealer.Seal] %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("[Sealer.Seal] nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(subjectID)), nil
}

func (s *Sealer) Open(sealed []byte, subjectID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("[Sealer.Open] %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrUnseal
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(subjectID))
	if err != nil {
		return nil, ErrUnseal
	}
	return plaintext, nil
}
