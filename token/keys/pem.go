package keys

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"

	"github.com/jrsteele09/go-session-server/autherr"
)

// LoadPEM returns s when it is inline PEM, otherwise reads the file at path s.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, autherr.Configuration("keys.LoadPEM", "key material is empty")
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	b, err := os.ReadFile(s)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindConfiguration, "keys.LoadPEM", err)
	}
	return b, nil
}

// ParsePrivateKey parses a PEM-encoded RSA, ECDSA or Ed25519 private key. s may
// be inline PEM or a file path.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, autherr.Configuration("keys.ParsePrivateKey", "failed to decode PEM block")
	}

	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, autherr.Configuration("keys.ParsePrivateKey", "unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, autherr.Configuration("keys.ParsePrivateKey", "malformed %s", block.Type)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, autherr.Configuration("keys.ParsePrivateKey", "key of type %T cannot sign", key)
	}
	return signer, nil
}

// LoadKeyPairFromPEM loads a key pair from an inline PEM private key or a path to one.
func LoadKeyPairFromPEM(keyID, privateKeyPEM string) (*KeyPair, error) {
	private, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return NewKeyPair(keyID, private)
}
