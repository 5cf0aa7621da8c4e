package auth

import (
	"context"
	"net/http"
	"strings"

	"votara/services/coordinator/apperr"
)

type contextKey string

const addressContextKey contextKey = "votara-address"

// FromContext returns the authenticated caller's ledger address, the
// equivalent of middleware/auth.go's principal lookup.
func FromContext(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(addressContextKey).(string)
	return addr, ok
}

// Middleware returns a bearer-token-verifying http middleware. Requests
// without a valid token are rejected with 401 before reaching the handler,
// mirroring gateway/middleware/auth.go's structure.
func Middleware(issuer *TokenIssuer, writeError func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				writeError(w, apperr.New(apperr.Unauthorized, "missing bearer token"))
				return
			}
			addr, err := issuer.Verify(token)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), addressContextKey, addr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
