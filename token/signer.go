// Package token issues and verifies the service's own session tokens (compact
// JWS) and owns the rotating signing key ring.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/jrsteele09/go-session-server/replay"
	"github.com/jrsteele09/go-session-server/token/keys"
)

const (
	DefaultLeeway      = 10 * time.Second
	DefaultGracePeriod = 24 * time.Hour
)

// ErrInvalidClaims is returned by Issue when the claims cannot be carried in a token.
var ErrInvalidClaims = errors.New("invalid claims")

// Signer issues and verifies session tokens. It is safe for concurrent use;
// Rotate swaps the key ring atomically while Issue and Verify are running.
type Signer struct {
	ring     atomic.Pointer[KeyRing]
	rotateMu sync.Mutex

	issuer   string
	audience string
	leeway   time.Duration
	grace    time.Duration
	replay   replay.Store
	nowFunc  func() time.Time
	retired  []RetiredKey
}

// RetiredKey is a previous signing key that still verifies tokens until Until.
type RetiredKey struct {
	Key   *keys.KeyPair
	Until time.Time
}

type Option func(*Signer)

func WithIssuer(issuer string) Option {
	return func(s *Signer) {
		s.issuer = issuer
	}
}

func WithAudience(audience string) Option {
	return func(s *Signer) {
		s.audience = audience
	}
}

// WithLeeway sets the clock skew tolerated when checking expiry.
func WithLeeway(leeway time.Duration) Option {
	return func(s *Signer) {
		s.leeway = leeway
	}
}

// WithGracePeriod sets how long a rotated-out key keeps verifying tokens.
func WithGracePeriod(grace time.Duration) Option {
	return func(s *Signer) {
		s.grace = grace
	}
}

// WithReplayStore enables single-use tokens.
func WithReplayStore(store replay.Store) Option {
	return func(s *Signer) {
		s.replay = store
	}
}

// WithRetiredKeys seeds the ring with keys that were current before a restart,
// so tokens they signed keep verifying until each key's Until.
func WithRetiredKeys(retired ...RetiredKey) Option {
	return func(s *Signer) {
		s.retired = append(s.retired, retired...)
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Signer) {
		s.nowFunc = now
	}
}

// NewSigner creates a Signer whose ring starts with current as its only key.
func NewSigner(current *keys.KeyPair, options ...Option) (*Signer, error) {
	if err := validateKey(current); err != nil {
		return nil, err
	}

	s := &Signer{
		leeway:  DefaultLeeway,
		grace:   DefaultGracePeriod,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.leeway < 0 {
		return nil, autherr.Configuration("token.NewSigner", "leeway must not be negative")
	}
	if s.grace < 0 {
		return nil, autherr.Configuration("token.NewSigner", "grace period must not be negative")
	}

	ring := newKeyRing(current)
	for _, rk := range s.retired {
		if err := validateKey(rk.Key); err != nil {
			return nil, err
		}
		if ring.has(rk.Key.KeyID) {
			return nil, autherr.Configuration("token.NewSigner", "key id %q is already in the ring", rk.Key.KeyID)
		}
		ring.retired = append(ring.retired, retiredKey{key: rk.Key, until: rk.Until})
	}
	s.ring.Store(ring)
	return s, nil
}

// Ring returns the current key ring snapshot.
func (s *Signer) Ring() *KeyRing {
	return s.ring.Load()
}

// Issue mints a token for subjectID valid for ttl.
func (s *Signer) Issue(subjectID string, claims map[string]any, ttl time.Duration) (*SessionToken, error) {
	return s.issue(subjectID, claims, ttl, false)
}

// IssueSingleUse mints a token that Verify accepts exactly once. The signer
// must have a replay store.
func (s *Signer) IssueSingleUse(subjectID string, claims map[string]any, ttl time.Duration) (*SessionToken, error) {
	if s.replay == nil {
		return nil, autherr.Configuration("Signer.IssueSingleUse", "single-use tokens need a replay store")
	}
	return s.issue(subjectID, claims, ttl, true)
}

func (s *Signer) issue(subjectID string, claims map[string]any, ttl time.Duration, singleUse bool) (*SessionToken, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("[Signer.Issue] %w: subject is required", ErrInvalidClaims)
	}
	normalized, err := normalizeClaims(claims)
	if err != nil {
		return nil, fmt.Errorf("[Signer.Issue] %w: %v", ErrInvalidClaims, err)
	}

	now := s.nowFunc()
	iat := jwt.NewNumericDate(now)
	exp := jwt.NewNumericDate(now.Add(ttl))
	if !exp.After(iat.Time) {
		return nil, fmt.Errorf("[Signer.Issue] ttl must be at least one second, got %s", ttl)
	}

	p := payload{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  iat,
			ExpiresAt: exp,
			ID:        uuid.New().String(),
			Issuer:    s.issuer,
		},
		Claims: normalized,
	}
	if s.audience != "" {
		p.Audience = jwt.ClaimStrings{s.audience}
	}
	if singleUse {
		p.Use = useOnce
	}

	key := s.ring.Load().Current()
	raw, err := key.Sign(p)
	if err != nil {
		return nil, fmt.Errorf("[Signer.Issue] %w", err)
	}

	return &SessionToken{
		SubjectID: subjectID,
		TokenID:   p.ID,
		KeyID:     key.KeyID,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
		SingleUse: singleUse,
		Claims:    normalized,
		Raw:       raw,
	}, nil
}

// Verify checks raw's signature against the key ring, then its expiry (with
// leeway), issuer and audience. Any signature, format or key problem is
// SignatureInvalid; only a correctly signed token past its expiry is Expired.
// A single-use token is consumed on first successful verification and is
// AlreadyUsed afterwards.
func (s *Signer) Verify(ctx context.Context, raw string) (*SessionToken, error) {
	now := s.nowFunc()
	ring := s.ring.Load()

	var keyID string
	keyFunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}
		key, ok := ring.lookup(kid, now)
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		keyID = kid
		return key.VerificationKey(t)
	}

	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods(ring.algorithms(now)),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithJSONNumber(),
	}
	if s.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		parserOptions = append(parserOptions, jwt.WithAudience(s.audience))
	}

	var p payload
	if _, err := jwt.NewParser(parserOptions...).ParseWithClaims(raw, &p, keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &autherr.Error{Kind: autherr.KindExpired, Op: "Signer.Verify", Err: err}
		}
		return nil, &autherr.Error{Kind: autherr.KindSignatureInvalid, Op: "Signer.Verify", Err: err}
	}

	if p.Subject == "" || p.ID == "" || p.IssuedAt == nil {
		return nil, autherr.New(autherr.KindSignatureInvalid, "Signer.Verify", "token is missing sub, jti or iat")
	}
	claims, err := normalizeClaims(p.Claims)
	if err != nil {
		return nil, autherr.New(autherr.KindSignatureInvalid, "Signer.Verify", "token carries non-primitive claims")
	}

	st := &SessionToken{
		SubjectID: p.Subject,
		TokenID:   p.ID,
		KeyID:     keyID,
		IssuedAt:  p.IssuedAt.Time,
		ExpiresAt: p.ExpiresAt.Time,
		SingleUse: p.Use == useOnce,
		Claims:    claims,
		Raw:       raw,
	}

	if st.SingleUse {
		if err := s.consume(ctx, st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *Signer) consume(ctx context.Context, st *SessionToken) error {
	if s.replay == nil {
		return autherr.Configuration("Signer.Verify", "single-use token presented but no replay store is configured")
	}
	key := replay.Key{SubjectID: st.SubjectID, TokenID: "jti:" + st.TokenID}
	inserted, err := s.replay.InsertIfAbsent(ctx, key, st.ExpiresAt.Add(s.leeway))
	if err != nil {
		return fmt.Errorf("[Signer.Verify] replay store: %w", err)
	}
	if !inserted {
		return autherr.New(autherr.KindAlreadyUsed, "Signer.Verify", "single-use token already consumed")
	}
	return nil
}

// Rotate makes next the signing key. The previous key keeps verifying tokens
// for the grace period. Tokens issued concurrently are signed by exactly one of
// the two keys.
func (s *Signer) Rotate(next *keys.KeyPair) error {
	if err := validateKey(next); err != nil {
		return err
	}

	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	ring := s.ring.Load()
	if ring.has(next.KeyID) {
		return autherr.Configuration("Signer.Rotate", "key id %q is already in the ring", next.KeyID)
	}
	s.ring.Store(ring.rotate(next, s.nowFunc(), s.grace))
	return nil
}

// JWKS publishes the public halves of every key that currently verifies.
func (s *Signer) JWKS() (*keys.JWKS, error) {
	set := &keys.JWKS{}
	for _, k := range s.ring.Load().active(s.nowFunc()) {
		jwk, err := k.ToJWK()
		if err != nil {
			return nil, fmt.Errorf("[Signer.JWKS] key %s: %w", k.KeyID, err)
		}
		set.Keys = append(set.Keys, *jwk)
	}
	return set, nil
}

func validateKey(kp *keys.KeyPair) error {
	if kp == nil || kp.PrivateKey == nil || kp.PublicKey == nil {
		return autherr.Configuration("token.Signer", "key pair is incomplete")
	}
	if kp.KeyID == "" {
		return autherr.Configuration("token.Signer", "key id is required")
	}
	if kp.SigningMethod() == nil || keys.Algorithm(kp.PublicKey) != kp.Algorithm {
		return autherr.Configuration("token.Signer", "algorithm %q does not match key", kp.Algorithm)
	}
	return nil
}
