// Package middleware provides the HTTP middleware of the report API:
// path-token authentication, CORS, and per-client rate limiting.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	apperrors "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/logger"
)

var (
	errInvalidToken = apperrors.New(apperrors.ErrInvalidToken, http.StatusUnauthorized, "Invalid token")
	errRateLimited  = apperrors.New(apperrors.ErrRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
)

// TokenParam is the path wildcard carrying the API token.
const TokenParam = "token"

// Token rejects requests whose {token} path value does not match token.
// The check runs before any query parameter is looked at.
func Token(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.PathValue(TokenParam))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				logger.FromContext(r.Context()).Warn("rejected request with invalid token", "remote_addr", r.RemoteAddr)
				writeError(w, errInvalidToken)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes err's status and public message as a JSON body.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatusCode(err))
	json.NewEncoder(w).Encode(map[string]string{"error": apperrors.PublicMessage(err)})
}
