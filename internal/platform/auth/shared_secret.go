package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const defaultSecretParam = "secret"

// RequireQuerySecret rejects requests whose query string does not carry the expected shared
// secret. The comparison is constant time; an empty expected secret rejects everything.
func RequireQuerySecret(expected string) func(http.Handler) http.Handler {
	return RequireNamedQuerySecret(defaultSecretParam, expected)
}

// RequireNamedQuerySecret is RequireQuerySecret with a custom parameter name.
func RequireNamedQuerySecret(param, expected string) func(http.Handler) http.Handler {
	param = strings.TrimSpace(param)
	if param == "" {
		param = defaultSecretParam
	}
	want := []byte(expected)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "webhook secret not configured")
				return
			}
			got := []byte(r.URL.Query().Get(param))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "webhook secret invalid")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
