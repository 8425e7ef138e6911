package myMiddleware

import (
	"context"
	"net/http"
	"strings"
)

// Context keys, exported so handlers can read the caller identity.
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator decouples 'middleware' from 'user'.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle rejects requests without a valid token.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}
		ctx, ok := am.authenticate(r.Context(), tokenString)
		if !ok {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional lets anonymous requests through but still rejects a token that
// does not validate. The websocket endpoint uses it: identity can also be
// established later by the authenticate frame.
func (am *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, ok := am.authenticate(r.Context(), tokenString)
		if !ok {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (am *AuthMiddleware) authenticate(ctx context.Context, tokenString string) (context.Context, bool) {
	userID, username, err := am.validator.ValidateToken(tokenString)
	if err != nil || userID == "" {
		return ctx, false
	}
	ctx = context.WithValue(ctx, UserKey, userID)
	ctx = context.WithValue(ctx, UsernameKey, username)
	return ctx, true
}

// extractToken checks the Authorization header first, then the query string.
func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}
