package server

import (
	"net/http"
	"time"

	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/jrsteele09/go-session-server/session"
	"github.com/rs/zerolog/log"
)

type loginResponse struct {
	State             session.State `json:"state"`
	FlowID            string        `json:"flow_id"`
	SessionToken      string        `json:"session_token,omitempty"`
	TokenType         string        `json:"token_type,omitempty"`
	ExpiresAt         *time.Time    `json:"expires_at,omitempty"`
	AttemptsRemaining int           `json:"attempts_remaining,omitempty"`
}

type sessionResponse struct {
	Subject   string         `json:"subject"`
	TokenID   string         `json:"token_id"`
	Claims    map[string]any `json:"claims,omitempty"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// BeginLogin redirects to the identity provider. The optional redirect_uri
// must be the registered callback.
func (s *Server) BeginLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callback := s.config.GetRedirectURL()
		if requested := r.URL.Query().Get("redirect_uri"); requested != "" && requested != callback {
			writeJSONError(w, "invalid_request", "redirect_uri is not registered", http.StatusBadRequest)
			return
		}

		_, authURL, err := s.core.BeginLogin(r.Context(), callback)
		if err != nil {
			writeError(w, r, err)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CompleteLogin handles the provider callback (query) and the form post
// variant. The OAuth2 state is the flow id.
func (s *Server) CompleteLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, "invalid_request", "malformed request", http.StatusBadRequest)
			return
		}
		flowID := r.Form.Get("state")
		if flowID == "" {
			writeJSONError(w, "invalid_request", "state is required", http.StatusBadRequest)
			return
		}
		if providerError := r.Form.Get("error"); providerError != "" {
			log.Warn().Str("flow_id", flowID).Str("error", providerError).Msg("Provider returned an error to the callback")
			writeError(w, r, autherr.Provider("Server.CompleteLogin", providerError, "authorization was not granted"))
			return
		}

		result, err := s.core.Login(r.Context(), flowID, r.Form.Get("code"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toLoginResponse(result))
	}
}

func (s *Server) VerifySecondFactor() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, "invalid_request", "malformed request", http.StatusBadRequest)
			return
		}
		flowID := r.PostForm.Get("flow_id")
		if flowID == "" {
			writeJSONError(w, "invalid_request", "flow_id is required", http.StatusBadRequest)
			return
		}

		result, err := s.core.VerifySecondFactor(r.Context(), flowID, r.PostForm.Get("code"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toLoginResponse(result))
	}
}

// SessionInfo describes the bearer's session. Must run behind RequireBearer.
func (s *Server) SessionInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := SessionFromContext(r.Context())
		if !ok {
			writeError(w, r, autherr.New(autherr.KindSignatureInvalid, "Server.SessionInfo", "no session token presented"))
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{
			Subject:   st.SubjectID,
			TokenID:   st.TokenID,
			Claims:    st.Claims,
			IssuedAt:  st.IssuedAt.UTC(),
			ExpiresAt: st.ExpiresAt.UTC(),
		})
	}
}

type handoffResponse struct {
	HandoffCode string    `json:"handoff_code"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type redeemResponse struct {
	State        session.State `json:"state"`
	SessionToken string        `json:"session_token"`
	TokenType    string        `json:"token_type"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// IssueHandoff mints a one-time code for the bearer's session. Must run behind
// RequireBearer.
func (s *Server) IssueHandoff() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := SessionFromContext(r.Context())
		if !ok {
			writeError(w, r, autherr.New(autherr.KindSignatureInvalid, "Server.IssueHandoff", "no session token presented"))
			return
		}
		code, err := s.core.IssueHandoff(r.Context(), st)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, handoffResponse{HandoffCode: code.Raw, ExpiresAt: code.ExpiresAt.UTC()})
	}
}

// RedeemHandoff exchanges a handoff code for a session token of its own.
func (s *Server) RedeemHandoff() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, "invalid_request", "malformed request", http.StatusBadRequest)
			return
		}
		code := r.PostForm.Get("code")
		if code == "" {
			writeJSONError(w, "invalid_request", "code is required", http.StatusBadRequest)
			return
		}

		st, err := s.core.RedeemHandoff(r.Context(), code)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, redeemResponse{
			State:        session.Authenticated,
			SessionToken: st.Raw,
			TokenType:    "Bearer",
			ExpiresAt:    st.ExpiresAt.UTC(),
		})
	}
}

// Preflight answers OPTIONS. CorsMiddleware adds the CORS headers when an
// allowed Origin is present.
func (s *Server) Preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// JWKS publishes the keys that currently verify session tokens.
func (s *Server) JWKS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jwks, err := s.signer.JWKS()
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Header().Del("Pragma")
		writeJSON(w, http.StatusOK, jwks)
	}
}

func toLoginResponse(result *session.LoginResult) loginResponse {
	resp := loginResponse{
		State:  result.State,
		FlowID: result.FlowID,
	}
	if result.State == session.AwaitingSecondFactor {
		resp.AttemptsRemaining = result.AttemptsRemaining
	}
	if result.Token != nil {
		expiresAt := result.Token.ExpiresAt.UTC()
		resp.SessionToken = result.Token.Raw
		resp.TokenType = "Bearer"
		resp.ExpiresAt = &expiresAt
	}
	return resp
}
