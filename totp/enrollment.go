package totp

import (
	"fmt"

	"github.com/pquerna/otp"
	otptotp "github.com/pquerna/otp/totp"
)

// Enrollment is a freshly provisioned secret and the otpauth:// URL an
// authenticator application scans to import it.
type Enrollment struct {
	Secret Secret
	URL    string
}

// NewEnrollment provisions a new secret for account, labelled with issuer, using
// this engine's step, digits and algorithm.
func (e *Engine) NewEnrollment(issuer, account string) (*Enrollment, error) {
	key, err := otptotp.Generate(otptotp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(e.step.Seconds()),
		SecretSize:  DefaultSecretLength,
		Digits:      supportedDigits[e.digits],
		Algorithm:   e.otpAlgorithm(),
	})
	if err != nil {
		return nil, fmt.Errorf("[Engine.NewEnrollment] generate key: %w", err)
	}

	secret, err := ParseSecret(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("[Engine.NewEnrollment] parse generated secret: %w", err)
	}

	return &Enrollment{Secret: secret, URL: key.URL()}, nil
}

func (e *Engine) otpAlgorithm() otp.Algorithm {
	return supportedAlgorithms[e.algorithm]
}
