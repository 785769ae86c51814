package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-session-server/autherr"
)

// JWT algorithms (string values used in JWKs and headers)
const (
	RS256 = "RS256"
	ES256 = "ES256"
	ES384 = "ES384"
	EdDSA = "EdDSA"
)

// KeyPair represents a public/private key pair for signing tokens
type KeyPair struct {
	KeyID      string
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
	Algorithm  string // RS256, ES256, ES384, EdDSA
	CreatedAt  time.Time
}

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"`           // Key type (RSA, EC, OKP)
	Use string `json:"use,omitempty"` // sig or enc
	Kid string `json:"kid,omitempty"` // Key ID
	Alg string `json:"alg,omitempty"` // Algorithm
	N   string `json:"n,omitempty"`   // RSA modulus
	E   string `json:"e,omitempty"`   // RSA exponent
	Crv string `json:"crv,omitempty"` // EC / OKP curve
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// NewKeyPair wraps an existing private key, deriving the public key and the
// algorithm from its type.
func NewKeyPair(keyID string, private crypto.Signer) (*KeyPair, error) {
	if keyID == "" {
		return nil, autherr.Configuration("keys.NewKeyPair", "key id is required")
	}
	if private == nil {
		return nil, autherr.Configuration("keys.NewKeyPair", "private key is required")
	}
	alg := Algorithm(private.Public())
	if alg == "" {
		return nil, autherr.Configuration("keys.NewKeyPair", "unsupported key type %T", private)
	}
	if rsaKey, ok := private.(*rsa.PrivateKey); ok && rsaKey.N.BitLen() < 2048 {
		return nil, autherr.Configuration("keys.NewKeyPair", "RSA key must be at least 2048 bits")
	}
	return &KeyPair{
		KeyID:      keyID,
		PrivateKey: private,
		PublicKey:  private.Public(),
		Algorithm:  alg,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Generate creates a fresh key pair for the given algorithm.
func Generate(keyID, algorithm string) (*KeyPair, error) {
	var (
		private crypto.Signer
		err     error
	)
	switch algorithm {
	case RS256:
		private, err = rsa.GenerateKey(rand.Reader, 2048)
	case ES256:
		private, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case ES384:
		private, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case EdDSA:
		_, private, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, autherr.Configuration("keys.Generate", "unsupported algorithm %q", algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("[keys.Generate] failed to generate %s key: %w", algorithm, err)
	}
	return NewKeyPair(keyID, private)
}

// Algorithm returns the JWS algorithm for a public key, or "" when the key type
// is not supported.
func Algorithm(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return RS256
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return ES256
		case elliptic.P384():
			return ES384
		}
	case ed25519.PublicKey:
		return EdDSA
	}
	return ""
}

// SigningMethod returns the JWT signing method for this key pair
func (kp *KeyPair) SigningMethod() jwt.SigningMethod {
	return jwt.GetSigningMethod(kp.Algorithm)
}

// ExportPublicKeyPEM exports the public key as PEM
func (kp *KeyPair) ExportPublicKeyPEM() (string, error) {
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubKeyBytes})), nil
}

// ExportPrivateKeyPEM exports the private key as PKCS#8 PEM
func (kp *KeyPair) ExportPrivateKeyPEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ToJWK converts the key pair's public key to JWK format
func (kp *KeyPair) ToJWK() (*JWK, error) {
	jwk := &JWK{
		Kid: kp.KeyID,
		Use: "sig",
		Alg: kp.Algorithm,
	}

	switch pubKey := kp.PublicKey.(type) {
	case *rsa.PublicKey:
		jwk.Kty = "RSA"
		jwk.N = base64.RawURLEncoding.EncodeToString(pubKey.N.Bytes())
		jwk.E = base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pubKey.E)).Bytes())

	case *ecdsa.PublicKey:
		ecdhKey, err := pubKey.ECDH()
		if err != nil {
			return nil, fmt.Errorf("failed to convert EC key: %w", err)
		}
		// Uncompressed point: 0x04 || X || Y, each coordinate padded to the curve size.
		point := ecdhKey.Bytes()
		size := (len(point) - 1) / 2
		jwk.Kty = "EC"
		jwk.Crv = pubKey.Curve.Params().Name
		jwk.X = base64.RawURLEncoding.EncodeToString(point[1 : 1+size])
		jwk.Y = base64.RawURLEncoding.EncodeToString(point[1+size:])

	case ed25519.PublicKey:
		jwk.Kty = "OKP"
		jwk.Crv = "Ed25519"
		jwk.X = base64.RawURLEncoding.EncodeToString(pubKey)

	default:
		return nil, fmt.Errorf("unsupported public key type")
	}

	return jwk, nil
}
