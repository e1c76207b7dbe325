package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
)

// Context keys, exported so the feature packages can read them.
type contextKey string

const (
	UserKey        contextKey = "user_id"
	DisplayNameKey contextKey = "display_name"
	AdminKey       contextKey = "is_admin"
)

// TokenValidator is what the middleware needs from the user service.
type TokenValidator interface {
	// ValidateToken returns userID, displayName, isAdmin.
	ValidateToken(tokenString string) (string, string, bool, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		// Check Authorization Header
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = parts[1]
			}
		}

		// Fallback: browsers cannot set headers on a websocket handshake
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, displayName, isAdmin, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			jww.DEBUG.Printf("[AUTH] rejected token: %v", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithViewer(r.Context(), userID, displayName, isAdmin)))
	})
}

// WithViewer injects the identity of the signed-in user into ctx.
func WithViewer(ctx context.Context, userID, displayName string, isAdmin bool) context.Context {
	ctx = context.WithValue(ctx, UserKey, userID)
	ctx = context.WithValue(ctx, DisplayNameKey, displayName)
	return context.WithValue(ctx, AdminKey, isAdmin)
}
