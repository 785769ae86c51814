package server

import (
	"context"
	"net/http"

	"github.com/jrsteele09/go-session-server/token"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// ContextKeySession stores the verified *token.SessionToken
const ContextKeySession ContextKey = "session"

// RequireBearer authenticates the Authorization header through the session
// core and stores the verified token in the request context.
func (s *Server) RequireBearer() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			st, err := s.core.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeySession, st)
			next(w, r.WithContext(ctx))
		}
	}
}

// SessionFromContext returns the token stored by RequireBearer.
func SessionFromContext(ctx context.Context) (*token.SessionToken, bool) {
	st, ok := ctx.Value(ContextKeySession).(*token.SessionToken)
	return st, ok && st != nil
}
