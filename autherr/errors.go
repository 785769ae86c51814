// Package autherr defines the error taxonomy shared by the session core.
//
// Every failure surfaced by the core carries a Kind so the HTTP layer can map it
// to a status code and so callers can tell "bad data" from "expired, please
// refresh" from "retry later". Messages never include key material, client
// secrets or TOTP secrets.
package autherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindUnknown             Kind = ""
	KindConfiguration       Kind = "configuration"         // bad key/secret material, fatal at startup
	KindTransport           Kind = "transport"             // network failure talking to the provider, retryable
	KindProvider            Kind = "provider"              // provider rejected the exchange, not retryable
	KindSignatureInvalid    Kind = "signature_invalid"     // token malformed, tampered or signed by an unknown key
	KindExpired             Kind = "expired"               // token past expiry + leeway
	KindAlreadyUsed         Kind = "already_used"          // single-use token or code replayed
	KindSecondFactorInvalid Kind = "second_factor_invalid" // TOTP mismatch, retryable up to the attempt limit
	KindLoginFailed         Kind = "login_failed"          // login flow reached the Failed state
	KindFlowInvalid         Kind = "flow_invalid"          // unknown, expired or out-of-order login flow
	KindNotFound            Kind = "not_found"
)

// Error is the structured error carried through the core.
type Error struct {
	Kind        Kind
	Op          string // operation that failed, e.g. "Signer.Verify"
	Code        string // provider error code (e.g. "invalid_grant") or short reason
	Description string // non-secret human readable detail
	Status      int    // upstream HTTP status, when relevant
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if msg == "" {
		msg = "error"
	}
	if e.Op != "" {
		msg = "[" + e.Op + "] " + msg
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind, so errors.Is(err, ErrExpired) holds for any
// expired error regardless of Op or Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrTransport           = &Error{Kind: KindTransport}
	ErrProvider            = &Error{Kind: KindProvider}
	ErrSignatureInvalid    = &Error{Kind: KindSignatureInvalid}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrAlreadyUsed         = &Error{Kind: KindAlreadyUsed}
	ErrSecondFactorInvalid = &Error{Kind: KindSecondFactorInvalid}
	ErrLoginFailed         = &Error{Kind: KindLoginFailed}
	ErrFlowInvalid         = &Error{Kind: KindFlowInvalid}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// New creates an error of the given kind.
func New(kind Kind, op, description string) *Error {
	return &Error{Kind: kind, Op: op, Description: description}
}

// Wrap creates an error of the given kind wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration is shorthand for a KindConfiguration error.
func Configuration(op, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Description: fmt.Sprintf(format, args...)}
}

// Provider builds a KindProvider error carrying the provider's error code.
func Provider(op, code, description string) *Error {
	return &Error{Kind: KindProvider, Op: op, Code: code, Description: description}
}

// Transport builds a KindTransport error.
func Transport(op string, status int, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Status: status, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether err is worth retrying with backoff. Only transport
// failures are.
func Retryable(err error) bool {
	return KindOf(err) == KindTransport
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
