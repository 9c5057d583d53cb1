// ABOUTME: Bearer-token authentication middleware for the HTTP API.
// ABOUTME: Static allow-list (plain or bcrypt-hashed) plus optional JWT; fails closed when unconfigured.

package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator validates API bearer tokens against a configured
// allow-list and, when a JWT secret is set, HS256-signed tokens. With
// nothing configured it rejects everything: a misconfigured deployment
// never silently allows all requests.
type Authenticator struct {
	tokens   []string
	verifier *JWTVerifier
	disabled bool
	logger   *slog.Logger
}

// Config for the authenticator.
type Config struct {
	// Tokens is the static allow-list. Entries starting with "$2" are
	// treated as bcrypt hashes, anything else as a plaintext token.
	Tokens []string
	// JWTSecret enables HS256 JWT verification when non-empty.
	JWTSecret string
	// Disabled is the explicit local-development escape hatch.
	Disabled bool
}

// New creates an authenticator.
func New(cfg Config, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		tokens:   cfg.Tokens,
		disabled: cfg.Disabled,
		logger:   logger.With("component", "auth"),
	}
	if cfg.JWTSecret != "" {
		a.verifier = NewJWTVerifier([]byte(cfg.JWTSecret))
	}

	switch {
	case a.disabled:
		a.logger.Warn("auth disabled - all API requests allowed")
	case len(a.tokens) == 0 && a.verifier == nil:
		a.logger.Error("no API tokens or jwt_secret configured - all API requests will be rejected")
	}
	return a
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// allow reports whether the presented token is acceptable.
func (a *Authenticator) allow(token string) bool {
	for _, entry := range a.tokens {
		if strings.HasPrefix(entry, "$2") {
			if bcrypt.CompareHashAndPassword([]byte(entry), []byte(token)) == nil {
				return true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(entry), []byte(token)) == 1 {
			return true
		}
	}

	if a.verifier != nil {
		if _, err := a.verifier.Verify(token); err == nil {
			return true
		}
	}
	return false
}

// Middleware wraps a handler with bearer-token authentication. With no
// tokens and no JWT secret configured it fails closed (403 on every
// request) unless the explicit disabled escape hatch is set.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.disabled {
			next.ServeHTTP(w, r)
			return
		}

		if len(a.tokens) == 0 && a.verifier == nil {
			http.Error(w, `{"error":"authentication not configured"}`, http.StatusForbidden)
			return
		}

		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}

		if !a.allow(token) {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
