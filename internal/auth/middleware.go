// Package auth guards the HTTP API with a shared bearer token. The caller
// names the acting user in the X-User-Email header (or ?user= on websockets).
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated user's email.
const UserEmailKey contextKey = "user_email"

// UserHeader carries the acting user's email address.
const UserHeader = "X-User-Email"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
	ErrMissingUser  = errors.New("missing user")
)

// Authenticator validates API tokens.
type Authenticator struct {
	apiToken string
}

// NewAuthenticator creates an Authenticator. An empty apiToken rejects every request.
func NewAuthenticator(apiToken string) *Authenticator {
	return &Authenticator{apiToken: apiToken}
}

// bearerToken parses "Bearer <token>"; the scheme is case-insensitive (RFC 7235).
func bearerToken(header string) string {
	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(strings.Join(fields[1:], " "))
}

// ValidateToken checks token against the configured API token.
func (a *Authenticator) ValidateToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}
	if a.apiToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.apiToken)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Authenticate validates the request and returns the acting user's email.
// Query parameters are accepted because browsers cannot set headers on
// websocket handshakes.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if err := a.ValidateToken(token); err != nil {
		return "", err
	}

	email := r.Header.Get(UserHeader)
	if email == "" {
		email = r.URL.Query().Get("user")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", ErrMissingUser
	}
	return email, nil
}

// RequireAuth rejects unauthenticated requests with 401 and stores the user's
// email in the request context.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, err := a.Authenticate(r)
		if err != nil {
			log.Debug().Str("path", r.URL.Path).Err(err).Msg("Rejected unauthenticated request")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserEmail(r.Context(), email)))
	})
}

// WithUserEmail returns a context carrying email as the authenticated user.
func WithUserEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, UserEmailKey, email)
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok
}
