package auth

import (
	"context"
	"net/http"
)

// Context keys for user information.
type contextKey string

const (
	userContextKey contextKey = "user"
)

const realm = `Basic realm="wpgate", charset="UTF-8"`

// UserFromContext retrieves the authenticated user from the context.
func UserFromContext(ctx context.Context) *User {
	user, ok := ctx.Value(userContextKey).(*User)
	if !ok {
		return nil
	}

	return user
}

// ContextWithUser adds a user to the context.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// BasicAuthMiddleware creates middleware that requires HTTP basic credentials
// matching a configured admin user.
func BasicAuthMiddleware(authSvc Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				unauthorized(w)

				return
			}

			user, err := authSvc.AuthenticateBasic(username, password)
			if err != nil {
				unauthorized(w)

				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// RequireRole creates middleware that requires a specific role.
func RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user == nil {
				unauthorized(w)

				return
			}

			// Admin has all permissions.
			if user.Role == RoleAdmin {
				next.ServeHTTP(w, r)

				return
			}

			if user.Role != role {
				http.Error(w, "Forbidden", http.StatusForbidden)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin creates middleware that requires admin role.
func RequireAdmin() func(http.Handler) http.Handler {
	return RequireRole(RoleAdmin)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", realm)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
