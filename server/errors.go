package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/rs/zerolog/log"
)

// statusFor maps an error kind to the HTTP status reported to the caller.
func statusFor(kind autherr.Kind) int {
	switch kind {
	case autherr.KindSignatureInvalid, autherr.KindExpired, autherr.KindSecondFactorInvalid:
		return http.StatusUnauthorized
	case autherr.KindAlreadyUsed, autherr.KindProvider, autherr.KindLoginFailed:
		return http.StatusForbidden
	case autherr.KindFlowInvalid:
		return http.StatusBadRequest
	case autherr.KindNotFound:
		return http.StatusNotFound
	case autherr.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with a status derived from its kind. Descriptions come
// from the error itself and never carry secret material; unclassified errors
// are logged and reported generically.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *autherr.Error
	if !errors.As(err, &ae) || ae.Kind == autherr.KindUnknown || ae.Kind == autherr.KindConfiguration {
		log.Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeJSONError(w, "server_error", "internal error", http.StatusInternalServerError)
		return
	}

	code := string(ae.Kind)
	if ae.Kind == autherr.KindProvider && ae.Code != "" {
		code = ae.Code
	}
	if ae.Kind == autherr.KindSignatureInvalid || ae.Kind == autherr.KindExpired {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	status := statusFor(ae.Kind)
	if status >= http.StatusInternalServerError {
		log.Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSONError(w, code, ae.Description, status)
}

// writeJSONError writes an OAuth2 style error response
func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Err(err).Msg("Failed to encode response")
	}
}
