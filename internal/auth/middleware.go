// Package auth provides the bearer-token middleware for the deployd API.
// Tokens are fixed-length shared secrets; comparison is constant time.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenLength is the exact length of a valid bearer token.
// Length is checked before the constant-time compare: a wrong-length token
// can never match, so it fails fast with 400 instead of 401.
const TokenLength = 64

// Bearer returns a middleware validating "Authorization: Bearer <token>"
// against the configured server token. GET /health is exempt so liveness
// probes work without credentials.
func Bearer(token string) func(http.Handler) http.Handler {
	tokenBytes := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			got := extractBearerToken(r)
			if got == "" {
				http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			if len(got) != TokenLength {
				http.Error(w, "malformed token", http.StatusBadRequest)
				return
			}

			if subtle.ConstantTimeCompare([]byte(got), tokenBytes) != 1 {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
