package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

const userContextKey contextKey = "user"

// Auth resolves the bearer token of every /v1/ request to a user id. An
// empty token map disables authentication and every caller is anonymous.
func Auth(tokens map[string]string) func(http.Handler) http.Handler {
	users := make(map[string]string, len(tokens))
	for token, user := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		users[token] = strings.TrimSpace(user)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/v1/") || len(users) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			authorization := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(authorization, prefix) {
				writeUnauthorized(w, r)
				return
			}

			user, ok := lookupToken(users, strings.TrimSpace(strings.TrimPrefix(authorization, prefix)))
			if !ok {
				writeUnauthorized(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func lookupToken(users map[string]string, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	for candidate, user := range users {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			if user == "" {
				user = candidate
			}
			return user, true
		}
	}
	return "", false
}

// GetUser returns the authenticated user id, or "" for anonymous callers.
func GetUser(ctx context.Context) string {
	value, _ := ctx.Value(userContextKey).(string)
	return value
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
}
