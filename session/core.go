// Package session orchestrates login (provider code exchange, optional TOTP
// second factor, session token minting) and per-request authentication.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/jrsteele09/go-session-server/credentials"
	"github.com/jrsteele09/go-session-server/provider"
	"github.com/jrsteele09/go-session-server/replay"
	"github.com/jrsteele09/go-session-server/telemetry"
	"github.com/jrsteele09/go-session-server/token"
	"github.com/jrsteele09/go-session-server/totp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const (
	DefaultSessionTTL       = time.Hour
	DefaultFlowTTL          = 15 * time.Minute
	DefaultDriftSteps       = 1
	DefaultMaxAttempts      = 3
	DefaultExchangeAttempts = 3
	DefaultHandoffTTL       = 2 * time.Minute
)

const (
	codeReplaySubject = "authorization-code"
	// handoffExpiryClaim carries the handed-off session's expiry inside a
	// handoff code, so redeeming it never extends the session.
	handoffExpiryClaim = "session_exp"
	tracerName        = "github.com/jrsteele09/go-session-server/session"
)

// Exchanger is the identity provider leg of a login.
type Exchanger interface {
	AuthCodeURL(state, redirectURI string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code, redirectURI string, opts ...oauth2.AuthCodeOption) (*provider.Token, error)
}

// Deps holds the collaborators of the Core.
type Deps struct {
	Exchanger   Exchanger
	Resolver    provider.IdentityResolver
	Credentials credentials.Store
	Signer      *token.Signer
	TOTP        *totp.Engine
	Replay      replay.Store // defaults to an in-memory store
	Flows       FlowRepo     // defaults to an in-memory repo
}

// LoginResult reports where a flow stands after Login or VerifySecondFactor.
type LoginResult struct {
	FlowID            string
	State             State
	SubjectID         string
	Token             *token.SessionToken // set once State is Authenticated
	AttemptsRemaining int
}

// Core is safe for concurrent use across flows and subjects.
type Core struct {
	deps Deps

	sessionTTL       time.Duration
	flowTTL          time.Duration
	drift            int
	maxAttempts      int
	exchangeAttempts int
	handoffTTL       time.Duration
	backOff          func() backoff.BackOff
	allowUnenrolled  bool
	pkce             bool
	sink             telemetry.Sink
	tracer           trace.Tracer
	nowFunc          func() time.Time
}

type Option func(*Core)

func WithSessionTTL(ttl time.Duration) Option {
	return func(c *Core) {
		c.sessionTTL = ttl
	}
}

// WithFlowTTL bounds how long a login may take from BeginLogin to completion.
func WithFlowTTL(ttl time.Duration) Option {
	return func(c *Core) {
		c.flowTTL = ttl
	}
}

// WithDriftSteps sets how many TOTP steps either side of now are accepted.
func WithDriftSteps(steps int) Option {
	return func(c *Core) {
		c.drift = steps
	}
}

// WithMaxAttempts sets how many wrong second factor codes fail the flow.
func WithMaxAttempts(attempts int) Option {
	return func(c *Core) {
		c.maxAttempts = attempts
	}
}

// WithExchangeAttempts bounds the code exchange, first try included.
func WithExchangeAttempts(attempts int) Option {
	return func(c *Core) {
		c.exchangeAttempts = attempts
	}
}

// WithHandoffTTL bounds how long a handoff code can wait to be redeemed.
func WithHandoffTTL(ttl time.Duration) Option {
	return func(c *Core) {
		c.handoffTTL = ttl
	}
}

// WithBackOff sets the retry schedule for transport failures. newBackOff is
// called once per exchange.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Core) {
		c.backOff = newBackOff
	}
}

// WithAllowUnenrolled lets subjects without a credential record log in on the
// provider alone. By default they are refused.
func WithAllowUnenrolled(allow bool) Option {
	return func(c *Core) {
		c.allowUnenrolled = allow
	}
}

// WithPKCE toggles a S256 code challenge on the authorize redirect.
func WithPKCE(enabled bool) Option {
	return func(c *Core) {
		c.pkce = enabled
	}
}

func WithSink(sink telemetry.Sink) Option {
	return func(c *Core) {
		c.sink = sink
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Core) {
		c.tracer = tracer
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(c *Core) {
		c.nowFunc = now
	}
}

// NewCore validates deps and applies options.
func NewCore(deps Deps, options ...Option) (*Core, error) {
	switch {
	case deps.Exchanger == nil:
		return nil, autherr.Configuration("session.NewCore", "exchanger is required")
	case deps.Resolver == nil:
		return nil, autherr.Configuration("session.NewCore", "subject resolver is required")
	case deps.Credentials == nil:
		return nil, autherr.Configuration("session.NewCore", "credential store is required")
	case deps.Signer == nil:
		return nil, autherr.Configuration("session.NewCore", "signer is required")
	case deps.TOTP == nil:
		return nil, autherr.Configuration("session.NewCore", "totp engine is required")
	}

	c := &Core{
		deps:             deps,
		sessionTTL:       DefaultSessionTTL,
		flowTTL:          DefaultFlowTTL,
		drift:            DefaultDriftSteps,
		maxAttempts:      DefaultMaxAttempts,
		exchangeAttempts: DefaultExchangeAttempts,
		handoffTTL:       DefaultHandoffTTL,
		backOff:          func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		pkce:             true,
		sink:             telemetry.Nop(),
		tracer:           otel.Tracer(tracerName),
		nowFunc:          time.Now,
	}
	for _, opt := range options {
		opt(c)
	}

	switch {
	case c.sessionTTL < time.Second:
		return nil, autherr.Configuration("session.NewCore", "session ttl must be at least 1s")
	case c.flowTTL <= 0:
		return nil, autherr.Configuration("session.NewCore", "flow ttl must be positive")
	case c.drift < 0:
		return nil, autherr.Configuration("session.NewCore", "drift must not be negative")
	case c.maxAttempts < 1:
		return nil, autherr.Configuration("session.NewCore", "max attempts must be at least 1")
	case c.exchangeAttempts < 1:
		return nil, autherr.Configuration("session.NewCore", "exchange attempts must be at least 1")
	case c.handoffTTL < time.Second:
		return nil, autherr.Configuration("session.NewCore", "handoff ttl must be at least 1s")
	}

	if c.deps.Replay == nil {
		c.deps.Replay = replay.NewMemoryStore(replay.WithNowFunc(c.nowFunc))
	}
	if c.deps.Flows == nil {
		c.deps.Flows = NewInMemoryFlowRepo()
	}
	return c, nil
}

// BeginLogin opens a flow awaiting an authorization code and returns the
// provider URL to redirect the user to. The flow id travels as the OAuth2 state.
func (c *Core) BeginLogin(ctx context.Context, redirectURI string) (flow *Flow, authURL string, err error) {
	ctx, span := c.tracer.Start(ctx, "session.BeginLogin")
	defer func() { endSpan(span, err) }()

	if _, err := url.ParseRequestURI(redirectURI); err != nil {
		return nil, "", autherr.New(autherr.KindFlowInvalid, "Core.BeginLogin", "redirect uri is invalid")
	}

	now := c.nowFunc()
	flow = &Flow{
		ID:          uuid.New().String(),
		State:       AwaitingCode,
		RedirectURI: redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.flowTTL),
	}
	var opts []oauth2.AuthCodeOption
	if c.pkce {
		flow.Verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(flow.Verifier))
	}
	if err := c.deps.Flows.Create(flow); err != nil {
		return nil, "", fmt.Errorf("[Core.BeginLogin] %w", err)
	}
	span.SetAttributes(attribute.String("flow.id", flow.ID))

	c.emit(ctx, telemetry.Event{Type: telemetry.LoginStarted, FlowID: flow.ID})
	return flow.clone(), c.deps.Exchanger.AuthCodeURL(flow.ID, redirectURI, opts...), nil
}

// Login completes the provider leg of flowID with the authorization code. The
// code is accepted once. Transport failures are retried with backoff; provider
// rejections are not. On success the flow either awaits a second factor or is
// Authenticated with a session token.
func (c *Core) Login(ctx context.Context, flowID, code string) (result *LoginResult, err error) {
	const op = "Core.Login"
	ctx, span := c.tracer.Start(ctx, "session.Login", trace.WithAttributes(attribute.String("flow.id", flowID)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(code) == "" {
		return nil, autherr.Provider(op, "invalid_request", "authorization code is required")
	}

	now := c.nowFunc()
	flow, err := c.deps.Flows.Update(flowID, func(f *Flow) error {
		if f.expired(now) {
			return autherr.New(autherr.KindFlowInvalid, op, "login flow expired")
		}
		if f.State != AwaitingCode || f.exchanging {
			return autherr.New(autherr.KindFlowInvalid, op, "login flow is not awaiting a code")
		}
		f.exchanging = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	inserted, err := c.deps.Replay.InsertIfAbsent(ctx, codeKey(code), flow.ExpiresAt)
	if err != nil {
		return nil, c.fail(ctx, flow, fmt.Errorf("[%s] replay store: %w", op, err))
	}
	if !inserted {
		return nil, c.fail(ctx, flow, autherr.New(autherr.KindAlreadyUsed, op, "authorization code already used"))
	}

	providerToken, err := c.exchange(ctx, flow, code)
	if err != nil {
		return nil, c.fail(ctx, flow, err)
	}

	identity, err := c.deps.Resolver.ResolveIdentity(ctx, providerToken)
	if err != nil {
		return nil, c.fail(ctx, flow, err)
	}
	subjectID := identity.Subject
	profile := identity.Claims()
	flow.SubjectID = subjectID
	span.SetAttributes(attribute.String("subject.id", subjectID))

	// The provider token has done its job; only the granted scopes carry over.
	scopes := providerToken.Scopes

	cred, err := c.deps.Credentials.Get(ctx, subjectID)
	switch {
	case errors.Is(err, autherr.ErrNotFound) && c.allowUnenrolled:
		cred = nil
	case errors.Is(err, autherr.ErrNotFound):
		return nil, c.fail(ctx, flow, autherr.New(autherr.KindLoginFailed, op, "subject is not enrolled"))
	case err != nil:
		return nil, c.fail(ctx, flow, fmt.Errorf("[%s] credential lookup: %w", op, err))
	}

	if !cred.RequiresSecondFactor() {
		return c.complete(ctx, flowID, subjectID, scopes, profile, AwaitingCode, false)
	}

	flow, err = c.deps.Flows.Update(flowID, func(f *Flow) error {
		f.State = AwaitingSecondFactor
		f.SubjectID = subjectID
		f.Scopes = scopes
		f.Profile = profile
		f.exchanging = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.emit(ctx, telemetry.Event{Type: telemetry.SecondFactorRequired, FlowID: flowID, SubjectID: subjectID})
	return &LoginResult{
		FlowID:            flowID,
		State:             flow.State,
		SubjectID:         subjectID,
		AttemptsRemaining: c.maxAttempts - flow.Attempts,
	}, nil
}

// VerifySecondFactor checks a TOTP code for a flow awaiting one. Each code is
// accepted once per subject. A wrong or reused code costs an attempt; running
// out of attempts fails the flow for good.
func (c *Core) VerifySecondFactor(ctx context.Context, flowID, code string) (result *LoginResult, err error) {
	const op = "Core.VerifySecondFactor"
	ctx, span := c.tracer.Start(ctx, "session.VerifySecondFactor", trace.WithAttributes(attribute.String("flow.id", flowID)))
	defer func() { endSpan(span, err) }()

	now := c.nowFunc()
	flow, err := c.deps.Flows.Get(flowID)
	if err != nil {
		return nil, err
	}
	if err := awaitingSecondFactor(op, flow, now); err != nil {
		return nil, err
	}

	cred, err := c.deps.Credentials.Get(ctx, flow.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("[%s] credential lookup: %w", op, err)
	}
	if !cred.RequiresSecondFactor() {
		return nil, c.fail(ctx, flow, autherr.New(autherr.KindLoginFailed, op, "second factor is no longer enrolled"))
	}

	var rejection error
	counter, ok := c.deps.TOTP.Match(cred.TOTPSecret, code, now, c.drift)
	if ok {
		key := replay.Key{SubjectID: flow.SubjectID, TokenID: fmt.Sprintf("totp:%d", counter)}
		inserted, err := c.deps.Replay.InsertIfAbsent(ctx, key, c.deps.TOTP.AcceptableUntil(counter, c.drift))
		if err != nil {
			return nil, fmt.Errorf("[%s] replay store: %w", op, err)
		}
		if !inserted {
			rejection = autherr.New(autherr.KindAlreadyUsed, op, "code already used")
		}
	} else {
		rejection = autherr.New(autherr.KindSecondFactorInvalid, op, "code does not match")
	}

	if rejection == nil {
		return c.complete(ctx, flowID, flow.SubjectID, flow.Scopes, flow.Profile, AwaitingSecondFactor, true)
	}
	return nil, c.reject(ctx, op, flowID, now, rejection)
}

// Authenticate verifies the session token in an Authorization header value
// ("Bearer <token>" or the bare token). Verification errors come back with
// their kinds unchanged. Handoff codes are not session tokens and are refused.
func (c *Core) Authenticate(ctx context.Context, authorization string) (st *token.SessionToken, err error) {
	ctx, span := c.tracer.Start(ctx, "session.Authenticate")
	defer func() { endSpan(span, err) }()

	raw := bearerToken(authorization)
	if raw == "" {
		err = autherr.New(autherr.KindSignatureInvalid, "Core.Authenticate", "no session token presented")
	} else {
		st, err = c.deps.Signer.Verify(ctx, raw)
	}
	if err == nil && st.SingleUse {
		st, err = nil, autherr.New(autherr.KindSignatureInvalid, "Core.Authenticate", "handoff code is not a session token")
	}
	if err != nil {
		c.emit(ctx, telemetry.Event{Type: telemetry.AuthenticateFailed, Reason: reason(err)})
		return nil, err
	}
	span.SetAttributes(attribute.String("subject.id", st.SubjectID))
	return st, nil
}

// IssueHandoff mints a one-time code for the session st, for another client
// of the same user to redeem with RedeemHandoff. The code lives for the handoff
// TTL, or until the session expires if that is sooner.
func (c *Core) IssueHandoff(ctx context.Context, st *token.SessionToken) (code *token.SessionToken, err error) {
	const op = "Core.IssueHandoff"
	ctx, span := c.tracer.Start(ctx, "session.IssueHandoff")
	defer func() { endSpan(span, err) }()

	if st == nil || st.SingleUse {
		return nil, autherr.New(autherr.KindSignatureInvalid, op, "a session token is required")
	}
	ttl := min(c.handoffTTL, st.ExpiresAt.Sub(c.nowFunc()))
	if ttl < time.Second {
		return nil, autherr.New(autherr.KindExpired, op, "session expires too soon to hand off")
	}

	claims := maps.Clone(st.Claims)
	if claims == nil {
		claims = map[string]any{}
	}
	claims[handoffExpiryClaim] = st.ExpiresAt.Unix()
	code, err = c.deps.Signer.IssueSingleUse(st.SubjectID, claims, ttl)
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	c.emit(ctx, telemetry.Event{Type: telemetry.HandoffIssued, SubjectID: st.SubjectID})
	return code, nil
}

// RedeemHandoff consumes a handoff code and mints a new session token with the
// same subject and claims, expiring with the handed-off session. A code is
// redeemed at most once.
func (c *Core) RedeemHandoff(ctx context.Context, code string) (st *token.SessionToken, err error) {
	const op = "Core.RedeemHandoff"
	ctx, span := c.tracer.Start(ctx, "session.RedeemHandoff")
	defer func() { endSpan(span, err) }()

	defer func() {
		if err != nil {
			c.emit(ctx, telemetry.Event{Type: telemetry.HandoffFailed, Reason: reason(err)})
		}
	}()

	raw := strings.TrimSpace(code)
	if raw == "" {
		return nil, autherr.New(autherr.KindSignatureInvalid, op, "handoff code is required")
	}
	handoff, err := c.deps.Signer.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	expiry, ok := handoff.Claims[handoffExpiryClaim].(int64)
	if !handoff.SingleUse || !ok {
		return nil, autherr.New(autherr.KindSignatureInvalid, op, "not a handoff code")
	}
	ttl := time.Unix(expiry, 0).Sub(c.nowFunc())
	if ttl < time.Second {
		return nil, autherr.New(autherr.KindExpired, op, "handed-off session has expired")
	}

	claims := maps.Clone(handoff.Claims)
	delete(claims, handoffExpiryClaim)
	st, err = c.deps.Signer.Issue(handoff.SubjectID, claims, ttl)
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	span.SetAttributes(attribute.String("subject.id", st.SubjectID))
	c.emit(ctx, telemetry.Event{Type: telemetry.HandoffRedeemed, SubjectID: st.SubjectID})
	return st, nil
}

// Cleanup evicts expired flows and, when the replay store supports it, expired
// replay records. It returns the number of entries removed.
func (c *Core) Cleanup(ctx context.Context, now time.Time) (int, error) {
	removed := c.deps.Flows.Cleanup(now)
	if sweeper, ok := c.deps.Replay.(replay.Sweeper); ok {
		n, err := sweeper.Cleanup(ctx, now)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("[Core.Cleanup] replay store: %w", err)
		}
	}
	return removed, nil
}

func (c *Core) exchange(ctx context.Context, flow *Flow, code string) (*provider.Token, error) {
	var opts []oauth2.AuthCodeOption
	if flow.Verifier != "" {
		opts = append(opts, oauth2.VerifierOption(flow.Verifier))
	}

	attempt := 0
	operation := func() (*provider.Token, error) {
		attempt++
		tok, err := c.deps.Exchanger.Exchange(ctx, code, flow.RedirectURI, opts...)
		if err != nil && !autherr.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return tok, err
	}
	notify := func(err error, _ time.Duration) {
		c.emit(ctx, telemetry.Event{Type: telemetry.ExchangeRetried, FlowID: flow.ID, Reason: reason(err), Attempt: attempt})
	}

	tok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(uint(c.exchangeAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if autherr.KindOf(err) == autherr.KindUnknown {
			// cancelled while waiting between attempts
			err = autherr.Transport("Core.Login", 0, err)
		}
		return nil, err
	}
	return tok, nil
}

// complete moves the flow from `from` to Authenticated and mints the token.
func (c *Core) complete(ctx context.Context, flowID, subjectID string, scopes []string, profile map[string]any, from State, secondFactor bool) (*LoginResult, error) {
	flow, err := c.deps.Flows.Update(flowID, func(f *Flow) error {
		if f.State != from {
			return autherr.New(autherr.KindFlowInvalid, "Core.complete", "login flow already completed")
		}
		f.State = Authenticated
		f.SubjectID = subjectID
		f.Scopes = scopes
		f.Profile = profile
		f.exchanging = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	claims := maps.Clone(profile)
	if claims == nil {
		claims = map[string]any{}
	}
	claims["mfa"] = secondFactor
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	st, err := c.deps.Signer.Issue(subjectID, claims, c.sessionTTL)
	if err != nil {
		return nil, c.fail(ctx, flow, fmt.Errorf("[Core.complete] %w", err))
	}

	c.emit(ctx, telemetry.Event{Type: telemetry.LoginSucceeded, FlowID: flowID, SubjectID: subjectID})
	return &LoginResult{
		FlowID:            flowID,
		State:             Authenticated,
		SubjectID:         subjectID,
		Token:             st,
		AttemptsRemaining: c.maxAttempts - flow.Attempts,
	}, nil
}

// reject records a failed second factor attempt.
func (c *Core) reject(ctx context.Context, op, flowID string, now time.Time, rejection error) error {
	flow, err := c.deps.Flows.Update(flowID, func(f *Flow) error {
		if err := awaitingSecondFactor(op, f, now); err != nil {
			return err
		}
		f.Attempts++
		if f.Attempts >= c.maxAttempts {
			f.State = Failed
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.emit(ctx, telemetry.Event{
		Type:      telemetry.SecondFactorFailed,
		FlowID:    flowID,
		SubjectID: flow.SubjectID,
		Reason:    reason(rejection),
		Attempt:   flow.Attempts,
	})
	if flow.State == Failed {
		c.emit(ctx, telemetry.Event{Type: telemetry.LoginFailed, FlowID: flowID, SubjectID: flow.SubjectID, Reason: "attempts_exhausted"})
		return &autherr.Error{Kind: autherr.KindLoginFailed, Op: op, Description: "too many second factor attempts", Err: rejection}
	}

	remaining := c.maxAttempts - flow.Attempts
	var ae *autherr.Error
	if errors.As(rejection, &ae) {
		ae.Description = fmt.Sprintf("%s, %d attempt(s) remaining", ae.Description, remaining)
	}
	return rejection
}

// fail moves the flow to Failed and reports cause.
func (c *Core) fail(ctx context.Context, flow *Flow, cause error) error {
	_, _ = c.deps.Flows.Update(flow.ID, func(f *Flow) error {
		f.State = Failed
		f.exchanging = false
		return nil
	})
	c.emit(ctx, telemetry.Event{Type: telemetry.LoginFailed, FlowID: flow.ID, SubjectID: flow.SubjectID, Reason: reason(cause)})
	return cause
}

func (c *Core) emit(ctx context.Context, event telemetry.Event) {
	if event.Time.IsZero() {
		event.Time = c.nowFunc()
	}
	c.sink.Emit(ctx, event)
}

func awaitingSecondFactor(op string, flow *Flow, now time.Time) error {
	switch {
	case flow.State == Failed:
		return autherr.New(autherr.KindLoginFailed, op, "login flow has failed")
	case flow.expired(now):
		return autherr.New(autherr.KindFlowInvalid, op, "login flow expired")
	case flow.State != AwaitingSecondFactor:
		return autherr.New(autherr.KindFlowInvalid, op, "login flow is not awaiting a second factor")
	}
	return nil
}

// codeKey namespaces authorization codes in the replay store by digest.
func codeKey(code string) replay.Key {
	sum := sha256.Sum256([]byte(code))
	return replay.Key{SubjectID: codeReplaySubject, TokenID: "code:" + hex.EncodeToString(sum[:])}
}

func bearerToken(authorization string) string {
	raw := strings.TrimSpace(authorization)
	if len(raw) > len("bearer ") && strings.EqualFold(raw[:len("bearer ")], "bearer ") {
		raw = strings.TrimSpace(raw[len("bearer "):])
	}
	return raw
}

// reason is the event-safe summary of err: the provider code, else the kind.
func reason(err error) string {
	if code := autherr.CodeOf(err); code != "" {
		return code
	}
	if kind := autherr.KindOf(err); kind != autherr.KindUnknown {
		return string(kind)
	}
	return "internal"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason(err))
	}
	span.End()
}
