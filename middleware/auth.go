package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"fieldsync/auth"
	"fieldsync/models"
)

type contextKey string

const UserContextKey contextKey = "user"

// SessionChecker reports whether a session id belongs to the open session.
type SessionChecker interface {
	Active(sessionID string) bool
}

// AuthMiddleware validates JWT tokens and injects the session claims into context
func AuthMiddleware(jwtManager *auth.JWTManager, sessions SessionChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				// EventSource cannot set headers.
				if tok := r.URL.Query().Get("access_token"); tok != "" {
					authHeader = "Bearer " + tok
				}
			}
			if authHeader == "" {
				writeError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			token, err := auth.ExtractToken(authHeader)
			if err != nil {
				writeError(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := jwtManager.ValidateToken(token)
			if err != nil {
				writeError(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			// A token outlives its session after logout or a newer login.
			if !sessions.Active(claims.SessionID) {
				writeError(w, "Session closed", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaimsFromContext retrieves the session claims from the request context
func GetClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*auth.Claims)
	return claims, ok
}

// GetUserFromContext retrieves the user from the request context
func GetUserFromContext(ctx context.Context) (models.User, bool) {
	claims, ok := GetClaimsFromContext(ctx)
	if !ok {
		return models.User{}, false
	}
	return claims.User(), true
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
