package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jrsteele09/go-session-server/credentials"
	fakecredentialrepo "github.com/jrsteele09/go-session-server/credentials/repofake"
	"github.com/jrsteele09/go-session-server/internal/config"
	"github.com/jrsteele09/go-session-server/provider"
	"github.com/jrsteele09/go-session-server/replay"
	"github.com/jrsteele09/go-session-server/server"
	"github.com/jrsteele09/go-session-server/session"
	"github.com/jrsteele09/go-session-server/token"
	"github.com/jrsteele09/go-session-server/token/keys"
	"github.com/jrsteele09/go-session-server/totp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const callbackURL = "https://auth.example.com/login/callback"

type testFixture struct {
	server   *server.Server
	engine   *totp.Engine
	secret   totp.Secret
	creds    *fakecredentialrepo.FakeCredentialRepo
	hits     atomic.Int32
	status   atomic.Int32
	response atomic.Value
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{creds: fakecredentialrepo.NewFakeCredentialRepo()}
	f.status.Store(http.StatusOK)
	f.response.Store(`{"access_token":"ptok-1","token_type":"Bearer","expires_in":3600}`)

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(f.status.Load()))
		fmt.Fprint(w, f.response.Load().(string))
	}))
	t.Cleanup(idp.Close)

	t.Setenv("BASE_URL", "https://auth.example.com")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com")
	cfg := config.NewFromViper(viper.New())

	exchanger, err := provider.NewExchanger(provider.Config{
		ClientID: "client-1",
		AuthURL:  "https://idp.example.com/authorize",
		TokenURL: idp.URL,
		Timeout:  time.Second,
	})
	require.NoError(t, err)

	key, err := keys.Generate("key-1", keys.ES256)
	require.NoError(t, err)
	signer, err := token.NewSigner(key, token.WithReplayStore(replay.NewMemoryStore()))
	require.NoError(t, err)

	f.engine, err = totp.NewEngine()
	require.NoError(t, err)
	f.secret, err = totp.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, f.creds.Upsert(context.Background(), &credentials.Credential{SubjectID: "user-42", TOTPSecret: f.secret}))

	core, err := session.NewCore(session.Deps{
		Exchanger:   exchanger,
		Resolver:    provider.StaticSubject("user-42"),
		Credentials: f.creds,
		Signer:      signer,
		TOTP:        f.engine,
	}, session.WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }))
	require.NoError(t, err)

	f.server, err = server.New(cfg, core, signer)
	require.NoError(t, err)
	return f
}

func (f *testFixture) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, r)
	return w
}

func (f *testFixture) beginLogin(t *testing.T) string {
	t.Helper()
	w := f.do(t, httptest.NewRequest(http.MethodGet, server.RouteLogin, nil))
	require.Equal(t, http.StatusFound, w.Code)
	u, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return u.Query().Get("state")
}

func (f *testFixture) callback(t *testing.T, state, code string) *httptest.ResponseRecorder {
	t.Helper()
	q := url.Values{"state": {state}, "code": {code}}
	return f.do(t, httptest.NewRequest(http.MethodGet, server.RouteLoginCallback+"?"+q.Encode(), nil))
}

func (f *testFixture) verify(t *testing.T, flowID, code string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"flow_id": {flowID}, "code": {code}}
	r := httptest.NewRequest(http.MethodPost, server.RouteLoginVerify, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(t, r)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestServer_LoginFlow(t *testing.T) {
	f := setup(t)

	state := f.beginLogin(t)
	require.NotEmpty(t, state)

	w := f.callback(t, state, "abc123")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	require.Equal(t, "awaiting_second_factor", body["state"])
	require.Equal(t, state, body["flow_id"])
	require.Nil(t, body["session_token"])
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = f.verify(t, state, "not-a-code")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "second_factor_invalid", decode(t, w)["error"])

	w = f.verify(t, state, f.engine.Generate(f.secret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	require.Equal(t, "authenticated", body["state"])
	require.Equal(t, "Bearer", body["token_type"])
	raw, _ := body["session_token"].(string)
	require.NotEmpty(t, raw)

	r := httptest.NewRequest(http.MethodGet, server.RouteSession, nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w = f.do(t, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "user-42", decode(t, w)["subject"])
}

func TestServer_FormPostLogin(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.creds.Upsert(context.Background(), &credentials.Credential{SubjectID: "user-42"}))
	state := f.beginLogin(t)

	form := url.Values{"state": {state}, "code": {"abc123"}}
	r := httptest.NewRequest(http.MethodPost, server.RouteLogin, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := f.do(t, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	require.Equal(t, "authenticated", body["state"])
	require.NotEmpty(t, body["expires_at"])
}

func (f *testFixture) login(t *testing.T) string {
	t.Helper()
	require.NoError(t, f.creds.Upsert(context.Background(), &credentials.Credential{SubjectID: "user-42"}))
	w := f.callback(t, f.beginLogin(t), "abc123")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	raw, _ := decode(t, w)["session_token"].(string)
	require.NotEmpty(t, raw)
	return raw
}

func (f *testFixture) redeem(t *testing.T, code string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"code": {code}}
	r := httptest.NewRequest(http.MethodPost, server.RouteSessionRedeem, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(t, r)
}

func TestServer_SessionHandoff(t *testing.T) {
	f := setup(t)
	raw := f.login(t)

	r := httptest.NewRequest(http.MethodPost, server.RouteSessionHandoff, nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w := f.do(t, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	code, _ := body["handoff_code"].(string)
	require.NotEmpty(t, code)
	require.NotEmpty(t, body["expires_at"])

	t.Run("the code is not a bearer token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, server.RouteSession, nil)
		r.Header.Set("Authorization", "Bearer "+code)
		require.Equal(t, http.StatusUnauthorized, f.do(t, r).Code)
	})

	// The rejected bearer attempt above consumed the code; mint another.
	r = httptest.NewRequest(http.MethodPost, server.RouteSessionHandoff, nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w = f.do(t, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	code, _ = decode(t, w)["handoff_code"].(string)

	w = f.redeem(t, code)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	require.Equal(t, "authenticated", body["state"])
	require.Equal(t, "Bearer", body["token_type"])
	redeemed, _ := body["session_token"].(string)
	require.NotEmpty(t, redeemed)

	r = httptest.NewRequest(http.MethodGet, server.RouteSession, nil)
	r.Header.Set("Authorization", "Bearer "+redeemed)
	w = f.do(t, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "user-42", decode(t, w)["subject"])

	t.Run("codes are redeemed once", func(t *testing.T) {
		w := f.redeem(t, code)
		require.Equal(t, http.StatusForbidden, w.Code)
		require.Equal(t, "already_used", decode(t, w)["error"])
	})

	t.Run("session tokens cannot be redeemed", func(t *testing.T) {
		w := f.redeem(t, raw)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing code", func(t *testing.T) {
		require.Equal(t, http.StatusBadRequest, f.redeem(t, "").Code)
	})

	t.Run("handoff requires a bearer", func(t *testing.T) {
		w := f.do(t, httptest.NewRequest(http.MethodPost, server.RouteSessionHandoff, nil))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestServer_SessionRequiresBearer(t *testing.T) {
	f := setup(t)

	tests := map[string]string{
		"missing":  "",
		"garbage":  "Bearer not.a.token",
		"wrong as": "Basic dXNlcjpwYXNz",
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, server.RouteSession, nil)
			if header != "" {
				r.Header.Set("Authorization", header)
			}
			w := f.do(t, r)
			require.Equal(t, http.StatusUnauthorized, w.Code)
			require.Contains(t, w.Header().Get("WWW-Authenticate"), "invalid_token")
			require.Equal(t, "signature_invalid", decode(t, w)["error"])
		})
	}
}

func TestServer_ErrorStatuses(t *testing.T) {
	t.Run("provider rejects the code", func(t *testing.T) {
		f := setup(t)
		f.status.Store(http.StatusBadRequest)
		f.response.Store(`{"error":"invalid_grant"}`)

		w := f.callback(t, f.beginLogin(t), "abc123")
		require.Equal(t, http.StatusForbidden, w.Code)
		require.Equal(t, "invalid_grant", decode(t, w)["error"])
		require.Equal(t, int32(1), f.hits.Load())
	})

	t.Run("provider unavailable", func(t *testing.T) {
		f := setup(t)
		f.status.Store(http.StatusServiceUnavailable)
		f.response.Store(`busy`)

		w := f.callback(t, f.beginLogin(t), "abc123")
		require.Equal(t, http.StatusBadGateway, w.Code)
		require.Equal(t, "transport", decode(t, w)["error"])
	})

	t.Run("user denied consent", func(t *testing.T) {
		f := setup(t)
		q := url.Values{"state": {f.beginLogin(t)}, "error": {"access_denied"}}
		w := f.do(t, httptest.NewRequest(http.MethodGet, server.RouteLoginCallback+"?"+q.Encode(), nil))
		require.Equal(t, http.StatusForbidden, w.Code)
		require.Equal(t, "access_denied", decode(t, w)["error"])
		require.Zero(t, f.hits.Load())
	})

	t.Run("unknown flow", func(t *testing.T) {
		f := setup(t)
		w := f.callback(t, "no-such-flow", "abc123")
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, "flow_invalid", decode(t, w)["error"])
	})

	t.Run("replayed code", func(t *testing.T) {
		f := setup(t)
		require.Equal(t, http.StatusOK, f.callback(t, f.beginLogin(t), "abc123").Code)
		w := f.callback(t, f.beginLogin(t), "abc123")
		require.Equal(t, http.StatusForbidden, w.Code)
		require.Equal(t, "already_used", decode(t, w)["error"])
	})

	t.Run("lockout", func(t *testing.T) {
		f := setup(t)
		state := f.beginLogin(t)
		require.Equal(t, http.StatusOK, f.callback(t, state, "abc123").Code)

		require.Equal(t, http.StatusUnauthorized, f.verify(t, state, "x").Code)
		require.Equal(t, http.StatusUnauthorized, f.verify(t, state, "x").Code)
		w := f.verify(t, state, "x")
		require.Equal(t, http.StatusForbidden, w.Code)
		require.Equal(t, "login_failed", decode(t, w)["error"])
	})

	t.Run("missing state", func(t *testing.T) {
		f := setup(t)
		w := f.do(t, httptest.NewRequest(http.MethodGet, server.RouteLoginCallback+"?code=abc123", nil))
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		f := setup(t)
		w := f.do(t, httptest.NewRequest(http.MethodGet, server.RouteLogin+"?redirect_uri=https://evil.example.com/cb", nil))
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestServer_BeginLoginRedirect(t *testing.T) {
	f := setup(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, server.RouteLogin+"?redirect_uri="+url.QueryEscape(callbackURL), nil))
	require.Equal(t, http.StatusFound, w.Code)

	u, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "idp.example.com", u.Host)
	require.Equal(t, callbackURL, u.Query().Get("redirect_uri"))
	require.Equal(t, "S256", u.Query().Get("code_challenge_method"))
}

func TestServer_JWKS(t *testing.T) {
	f := setup(t)

	w := f.do(t, httptest.NewRequest(http.MethodGet, server.RouteWellKnownJWKS, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "public, max-age=300", w.Header().Get("Cache-Control"))

	var set keys.JWKS
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	require.Equal(t, "key-1", set.Keys[0].Kid)
	require.Equal(t, "EC", set.Keys[0].Kty)
}

func TestServer_Cors(t *testing.T) {
	f := setup(t)

	t.Run("preflight from allowed origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, server.RouteSession, nil)
		r.Header.Set("Origin", "https://app.example.com")
		w := f.do(t, r)
		require.Equal(t, http.StatusNoContent, w.Code)
		require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	})

	t.Run("preflight without origin", func(t *testing.T) {
		for _, route := range []string{server.RouteSession, server.RouteSessionHandoff, server.RouteSessionRedeem} {
			w := f.do(t, httptest.NewRequest(http.MethodOptions, route, nil))
			require.Equal(t, http.StatusNoContent, w.Code, route)
			require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("other origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, server.RouteWellKnownJWKS, nil)
		r.Header.Set("Origin", "https://evil.example.com")
		w := f.do(t, r)
		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}
