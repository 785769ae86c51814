// Package totp implements RFC 6238 time-based one-time passwords.
//
// The engine is a pure function of (secret, time, step, drift window). Replay
// prevention is the caller's job: Match returns the accepted time-step counter
// so it can be recorded as consumed.
package totp

import (
	"crypto/subtle"
	"time"

	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

// Algorithm is the HMAC hash used to derive codes.
type Algorithm string

const (
	SHA1   Algorithm = "SHA1"
	SHA256 Algorithm = "SHA256"
	SHA512 Algorithm = "SHA512"
)

const (
	DefaultStep   = 30 * time.Second
	DefaultDigits = 6
)

var supportedDigits = map[int]otp.Digits{6: otp.DigitsSix, 8: otp.DigitsEight}

var supportedAlgorithms = map[Algorithm]otp.Algorithm{
	SHA1:   otp.AlgorithmSHA1,
	SHA256: otp.AlgorithmSHA256,
	SHA512: otp.AlgorithmSHA512,
}

// Engine generates and verifies codes for a fixed step, digit count and algorithm.
type Engine struct {
	step      time.Duration
	digits    int
	algorithm Algorithm
}

// Option configures an Engine.
type Option func(*Engine)

// WithStep sets the time-step width. Must be a whole number of seconds.
func WithStep(step time.Duration) Option {
	return func(e *Engine) {
		e.step = step
	}
}

// WithDigits sets the code length (6 or 8).
func WithDigits(digits int) Option {
	return func(e *Engine) {
		e.digits = digits
	}
}

// WithAlgorithm sets the HMAC algorithm.
func WithAlgorithm(algorithm Algorithm) Option {
	return func(e *Engine) {
		e.algorithm = algorithm
	}
}

// NewEngine returns an engine with the defaults of standard authenticator
// applications (SHA1, 6 digits, 30s) unless overridden.
func NewEngine(options ...Option) (*Engine, error) {
	e := &Engine{
		step:      DefaultStep,
		digits:    DefaultDigits,
		algorithm: SHA1,
	}
	for _, opt := range options {
		opt(e)
	}

	if e.step < time.Second || e.step%time.Second != 0 {
		return nil, autherr.Configuration("totp.NewEngine", "step must be a whole number of seconds, got %s", e.step)
	}
	if _, ok := supportedDigits[e.digits]; !ok {
		return nil, autherr.Configuration("totp.NewEngine", "digits must be 6 or 8, got %d", e.digits)
	}
	if _, ok := supportedAlgorithms[e.algorithm]; !ok {
		return nil, autherr.Configuration("totp.NewEngine", "unsupported algorithm %q", e.algorithm)
	}
	return e, nil
}

func (e *Engine) Step() time.Duration  { return e.step }
func (e *Engine) Digits() int          { return e.digits }
func (e *Engine) Algorithm() Algorithm { return e.algorithm }

// Counter returns the time-step counter containing t.
func (e *Engine) Counter(t time.Time) uint64 {
	unix := t.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix) / uint64(e.step/time.Second)
}

// Generate returns the code for the step containing t.
func (e *Engine) Generate(secret Secret, t time.Time) string {
	return e.codeAt(secret, e.Counter(t))
}

// Verify reports whether code matches the step containing t or any step up to
// driftSteps before or after it.
func (e *Engine) Verify(secret Secret, code string, t time.Time, driftSteps int) bool {
	_, ok := e.Match(secret, code, t, driftSteps)
	return ok
}

// Match is Verify that also returns the counter of the step the code matched.
// A malformed code never matches.
func (e *Engine) Match(secret Secret, code string, t time.Time, driftSteps int) (uint64, bool) {
	if len(secret) == 0 || !e.wellFormed(code) {
		return 0, false
	}
	if driftSteps < 0 {
		driftSteps = 0
	}

	current := e.Counter(t)
	for offset := -driftSteps; offset <= driftSteps; offset++ {
		if offset < 0 && uint64(-offset) > current {
			continue
		}
		counter := uint64(int64(current) + int64(offset))
		candidate := e.codeAt(secret, counter)
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			return counter, true
		}
	}
	return 0, false
}

// AcceptableUntil returns the instant after which a code for counter can no
// longer be accepted under the given drift window.
func (e *Engine) AcceptableUntil(counter uint64, driftSteps int) time.Time {
	if driftSteps < 0 {
		driftSteps = 0
	}
	seconds := int64(e.step / time.Second)
	return time.Unix((int64(counter)+int64(driftSteps)+1)*seconds, 0)
}

func (e *Engine) wellFormed(code string) bool {
	if len(code) != e.digits {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// codeAt is the HOTP value (RFC 4226 §5.3) for counter. Secrets are always
// valid base32 here, so an error only means no code can match.
func (e *Engine) codeAt(secret Secret, counter uint64) string {
	code, err := hotp.GenerateCodeCustom(secret.Encode(), counter, hotp.ValidateOpts{
		Digits:    supportedDigits[e.digits],
		Algorithm: supportedAlgorithms[e.algorithm],
	})
	if err != nil {
		return ""
	}
	return code
}
