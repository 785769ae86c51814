package token_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/jrsteele09/go-session-server/replay"
	"github.com/jrsteele09/go-session-server/token"
	"github.com/jrsteele09/go-session-server/token/keys"
	"github.com/stretchr/testify/require"
)

type testFixture struct {
	signer *token.Signer
	key    *keys.KeyPair
	now    time.Time
	mu     sync.Mutex
}

func (f *testFixture) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *testFixture) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func setup(t *testing.T, options ...token.Option) *testFixture {
	t.Helper()
	key, err := keys.Generate("key-1", keys.ES256)
	require.NoError(t, err)

	f := &testFixture{key: key, now: time.Unix(1_700_000_000, 0)}
	options = append([]token.Option{
		token.WithNowFunc(f.Now),
		token.WithIssuer("https://session.example.com"),
		token.WithReplayStore(replay.NewMemoryStore(replay.WithNowFunc(f.Now))),
	}, options...)
	f.signer, err = token.NewSigner(key, options...)
	require.NoError(t, err)
	return f
}

func TestSigner_IssueVerifyRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	claims := map[string]any{"role": "analyst", "admin": false, "level": 3, "score": 1.5}
	issued, err := f.signer.Issue("user-42", claims, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "key-1", issued.KeyID)
	require.True(t, issued.ExpiresAt.After(issued.IssuedAt))
	require.Len(t, strings.Split(issued.Raw, "."), 3)

	verified, err := f.signer.Verify(ctx, issued.Raw)
	require.NoError(t, err)
	require.Equal(t, "user-42", verified.SubjectID)
	require.Equal(t, issued.TokenID, verified.TokenID)
	require.Equal(t, issued.ExpiresAt, verified.ExpiresAt)
	require.Equal(t, map[string]any{"role": "analyst", "admin": false, "level": int64(3), "score": 1.5}, verified.Claims)
	require.False(t, verified.SingleUse)

	t.Run("reusable token verifies many times", func(t *testing.T) {
		_, err := f.signer.Verify(ctx, issued.Raw)
		require.NoError(t, err)
	})
}

func TestSigner_ClaimsSurviveVerify(t *testing.T) {
	f := setup(t)

	issued, err := f.signer.Issue("user-42", map[string]any{
		"ratio":    2.0,
		"big":      1e20,
		"negative": -7.0,
		"half":     0.5,
		"small":    int32(9),
		"name":     "ana",
	}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(2), issued.Claims["ratio"])
	require.Equal(t, 1e20, issued.Claims["big"])

	verified, err := f.signer.Verify(context.Background(), issued.Raw)
	require.NoError(t, err)
	require.Equal(t, issued.Claims, verified.Claims)
}

func TestSigner_IssueRejects(t *testing.T) {
	f := setup(t)

	t.Run("non-primitive claim", func(t *testing.T) {
		_, err := f.signer.Issue("user-42", map[string]any{"roles": []string{"a"}}, time.Hour)
		require.True(t, errors.Is(err, token.ErrInvalidClaims))
	})
	t.Run("empty subject", func(t *testing.T) {
		_, err := f.signer.Issue("", nil, time.Hour)
		require.True(t, errors.Is(err, token.ErrInvalidClaims))
	})
	t.Run("non-positive ttl", func(t *testing.T) {
		_, err := f.signer.Issue("user-42", nil, 0)
		require.Error(t, err)
		_, err = f.signer.Issue("user-42", nil, -time.Minute)
		require.Error(t, err)
	})
}

func TestSigner_Expiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	issued, err := f.signer.Issue("user-42", nil, time.Minute)
	require.NoError(t, err)

	t.Run("within leeway", func(t *testing.T) {
		f.Advance(time.Minute + 5*time.Second)
		_, err := f.signer.Verify(ctx, issued.Raw)
		require.NoError(t, err)
	})
	t.Run("past leeway", func(t *testing.T) {
		f.Advance(10 * time.Second)
		_, err := f.signer.Verify(ctx, issued.Raw)
		require.True(t, errors.Is(err, autherr.ErrExpired), err)
	})
}

func TestSigner_TamperedTokenIsSignatureInvalid(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	issued, err := f.signer.Issue("user-42", map[string]any{"role": "analyst"}, time.Minute)
	require.NoError(t, err)
	parts := strings.Split(issued.Raw, ".")

	t.Run("flipped signature byte", func(t *testing.T) {
		sig, err := base64.RawURLEncoding.DecodeString(parts[2])
		require.NoError(t, err)
		sig[0] ^= 0xff
		raw := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(sig)

		_, err = f.signer.Verify(ctx, raw)
		require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)
	})

	t.Run("swapped payload", func(t *testing.T) {
		forged := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","exp":9999999999,"iat":1700000000,"jti":"x"}`))
		_, err := f.signer.Verify(ctx, parts[0]+"."+forged+"."+parts[2])
		require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)
	})

	t.Run("tampered and expired reports signature", func(t *testing.T) {
		f.Advance(time.Hour)
		sig, _ := base64.RawURLEncoding.DecodeString(parts[2])
		sig[len(sig)-1] ^= 0x01
		_, err := f.signer.Verify(ctx, parts[0]+"."+parts[1]+"."+base64.RawURLEncoding.EncodeToString(sig))
		require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)
	})

	t.Run("garbage", func(t *testing.T) {
		for _, raw := range []string{"", "abc", "a.b.c", "a.b"} {
			_, err := f.signer.Verify(ctx, raw)
			require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), raw)
		}
	})
}

func TestSigner_RejectsAlgorithmConfusion(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	claims := jwt.MapClaims{
		"sub": "user-42",
		"iat": f.Now().Unix(),
		"exp": f.Now().Add(time.Hour).Unix(),
		"jti": "forged",
		"iss": "https://session.example.com",
	}

	t.Run("alg none", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
		tok.Header["kid"] = "key-1"
		raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = f.signer.Verify(ctx, raw)
		require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)
	})

	t.Run("HS256 keyed with the public key", func(t *testing.T) {
		pub, err := f.key.ExportPublicKeyPEM()
		require.NoError(t, err)
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tok.Header["kid"] = "key-1"
		raw, err := tok.SignedString([]byte(pub))
		require.NoError(t, err)

		_, err = f.signer.Verify(ctx, raw)
		require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)
	})

	t.Run("signed by a key outside the ring", func(t *testing.T) {
		stranger, err := keys.Generate("key-1", keys.ES256)
		require.NoError(t, err)
		raw, err := stranger.Sign(claims)
		require.NoError(t, err)

		_, err = f.signer.Verify(ctx, raw)
		require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)
	})

	t.Run("unknown kid", func(t *testing.T) {
		stranger, err := keys.Generate("other", keys.ES256)
		require.NoError(t, err)
		raw, err := stranger.Sign(claims)
		require.NoError(t, err)

		_, err = f.signer.Verify(ctx, raw)
		require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)
	})
}

func TestSigner_IssuerAndAudience(t *testing.T) {
	f := setup(t, token.WithAudience("analytics"))
	ctx := context.Background()

	issued, err := f.signer.Issue("user-42", nil, time.Hour)
	require.NoError(t, err)
	_, err = f.signer.Verify(ctx, issued.Raw)
	require.NoError(t, err)

	t.Run("different issuer, same key", func(t *testing.T) {
		other, err := token.NewSigner(f.key,
			token.WithNowFunc(f.Now),
			token.WithIssuer("https://elsewhere.example.com"),
			token.WithAudience("analytics"))
		require.NoError(t, err)
		_, err = other.Verify(ctx, issued.Raw)
		require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)
	})

	t.Run("different audience, same key", func(t *testing.T) {
		other, err := token.NewSigner(f.key,
			token.WithNowFunc(f.Now),
			token.WithIssuer("https://session.example.com"),
			token.WithAudience("billing"))
		require.NoError(t, err)
		_, err = other.Verify(ctx, issued.Raw)
		require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)
	})
}

func TestSigner_RotationGracePeriod(t *testing.T) {
	f := setup(t, token.WithGracePeriod(time.Hour))
	ctx := context.Background()

	before, err := f.signer.Issue("user-42", nil, 48*time.Hour)
	require.NoError(t, err)

	next, err := keys.Generate("key-2", keys.RS256)
	require.NoError(t, err)
	require.NoError(t, f.signer.Rotate(next))

	after, err := f.signer.Issue("user-42", nil, 48*time.Hour)
	require.NoError(t, err)
	require.Equal(t, "key-2", after.KeyID)

	t.Run("old key verifies during grace", func(t *testing.T) {
		_, err := f.signer.Verify(ctx, before.Raw)
		require.NoError(t, err)

		jwks, err := f.signer.JWKS()
		require.NoError(t, err)
		require.Len(t, jwks.Keys, 2)
	})

	t.Run("old key rejected after grace", func(t *testing.T) {
		f.Advance(time.Hour + time.Second)
		_, err := f.signer.Verify(ctx, before.Raw)
		require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)

		_, err = f.signer.Verify(ctx, after.Raw)
		require.NoError(t, err)

		jwks, err := f.signer.JWKS()
		require.NoError(t, err)
		require.Len(t, jwks.Keys, 1)
		require.Equal(t, "key-2", jwks.Keys[0].Kid)
	})

	t.Run("duplicate kid refused", func(t *testing.T) {
		dup, err := keys.Generate("key-2", keys.ES256)
		require.NoError(t, err)
		require.True(t, errors.Is(f.signer.Rotate(dup), autherr.ErrConfiguration))
	})
}

func TestSigner_RetiredKeysSurviveRestart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	before, err := f.signer.Issue("user-42", map[string]any{"mfa": true}, 48*time.Hour)
	require.NoError(t, err)

	next, err := keys.Generate("key-2", keys.ES256)
	require.NoError(t, err)
	restarted, err := token.NewSigner(next,
		token.WithNowFunc(f.Now),
		token.WithIssuer("https://session.example.com"),
		token.WithRetiredKeys(token.RetiredKey{Key: f.key, Until: f.Now().Add(time.Hour)}),
	)
	require.NoError(t, err)

	verified, err := restarted.Verify(ctx, before.Raw)
	require.NoError(t, err)
	require.Equal(t, "key-1", verified.KeyID)
	require.Equal(t, before.Claims, verified.Claims)

	after, err := restarted.Issue("user-42", nil, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "key-2", after.KeyID)

	jwks, err := restarted.JWKS()
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 2)

	f.Advance(time.Hour + time.Second)
	_, err = restarted.Verify(ctx, before.Raw)
	require.True(t, errors.Is(err, autherr.ErrSignatureInvalid), err)
}

func TestSigner_ConcurrentIssueDuringRotation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	next, err := keys.Generate("key-2", keys.ES256)
	require.NoError(t, err)

	var wg sync.WaitGroup
	tokens := make(chan *token.SessionToken, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.signer.Issue("user-42", nil, time.Hour)
			if err == nil {
				tokens <- st
			}
		}()
		if i == 50 {
			require.NoError(t, f.signer.Rotate(next))
		}
	}
	wg.Wait()
	close(tokens)

	count := 0
	for st := range tokens {
		count++
		verified, err := f.signer.Verify(ctx, st.Raw)
		require.NoError(t, err)
		require.Equal(t, st.KeyID, verified.KeyID)
	}
	require.Equal(t, 100, count)
}

func TestSigner_SingleUse(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	issued, err := f.signer.IssueSingleUse("user-42", nil, time.Minute)
	require.NoError(t, err)
	require.True(t, issued.SingleUse)

	verified, err := f.signer.Verify(ctx, issued.Raw)
	require.NoError(t, err)
	require.True(t, verified.SingleUse)

	_, err = f.signer.Verify(ctx, issued.Raw)
	require.True(t, errors.Is(err, autherr.ErrAlreadyUsed), err)
}

func TestSigner_SingleUseNeedsReplayStore(t *testing.T) {
	key, err := keys.Generate("key-1", keys.EdDSA)
	require.NoError(t, err)
	signer, err := token.NewSigner(key)
	require.NoError(t, err)

	_, err = signer.IssueSingleUse("user-42", nil, time.Minute)
	require.True(t, errors.Is(err, autherr.ErrConfiguration))
}

func TestNewSigner_Validation(t *testing.T) {
	_, err := token.NewSigner(nil)
	require.True(t, errors.Is(err, autherr.ErrConfiguration))

	key, err := keys.Generate("key-1", keys.ES256)
	require.NoError(t, err)
	key.Algorithm = keys.RS256
	_, err = token.NewSigner(key)
	require.True(t, errors.Is(err, autherr.ErrConfiguration))

	t.Run("retired key with the current kid", func(t *testing.T) {
		current, err := keys.Generate("key-1", keys.ES256)
		require.NoError(t, err)
		old, err := keys.Generate("key-1", keys.ES256)
		require.NoError(t, err)
		_, err = token.NewSigner(current, token.WithRetiredKeys(token.RetiredKey{Key: old, Until: time.Now().Add(time.Hour)}))
		require.True(t, errors.Is(err, autherr.ErrConfiguration))
	})
	t.Run("incomplete retired key", func(t *testing.T) {
		current, err := keys.Generate("key-1", keys.ES256)
		require.NoError(t, err)
		_, err = token.NewSigner(current, token.WithRetiredKeys(token.RetiredKey{Until: time.Now().Add(time.Hour)}))
		require.True(t, errors.Is(err, autherr.ErrConfiguration))
	})
}
