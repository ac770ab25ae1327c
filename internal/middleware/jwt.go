package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator decouples the middleware from the user package.
type TokenValidator interface {
	ValidateToken(tokenString string) (int, string, error)
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

// Optional injects the identity when a valid token is present and never rejects.
func (am *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tokenString := extractToken(r); tokenString != "" {
			if ctx, ok := am.authenticate(r.Context(), tokenString); ok {
				r = r.WithContext(ctx)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (am *AuthMiddleware) authenticate(ctx context.Context, tokenString string) (context.Context, bool) {
	userID, username, err := am.validator.ValidateToken(tokenString)
	if err != nil {
		return ctx, false
	}
	ctx = context.WithValue(ctx, UserKey, userID)
	ctx = context.WithValue(ctx, UsernameKey, username)
	return ctx, true
}

// extractToken reads a bearer token, falling back to the token query parameter
// because browsers cannot set headers on websocket upgrades.
func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

// UserFromContext returns the authenticated user id and username, if any.
func UserFromContext(ctx context.Context) (int, string, bool) {
	userID, ok := ctx.Value(UserKey).(int)
	if !ok {
		return 0, "", false
	}
	username, _ := ctx.Value(UsernameKey).(string)
	return userID, username, true
}
