package keys

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Sign creates a signed JWT from claims with the key id in the header.
func (kp *KeyPair) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(kp.SigningMethod(), claims)
	token.Header["kid"] = kp.KeyID

	signedToken, err := token.SignedString(kp.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with key %s: %w", kp.KeyID, err)
	}
	return signedToken, nil
}

// VerificationKey returns the public key for a parsed token, refusing any
// signing method other than the one this key was created for.
func (kp *KeyPair) VerificationKey(token *jwt.Token) (any, error) {
	if token.Method == nil || token.Method.Alg() != kp.Algorithm {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return kp.PublicKey, nil
}
