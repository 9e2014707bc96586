package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const apiKeyContextKey contextKey = "apiKey"

// FromContext retrieves the authenticated APIKey from the request context.
func FromContext(ctx context.Context) *APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*APIKey)
	return key
}

// IsAuthenticated reports whether an API key is present.
func IsAuthenticated(ctx context.Context) bool {
	return FromContext(ctx) != nil
}

// HasPermissionFromContext checks the required permission of the request's key.
func HasPermissionFromContext(ctx context.Context, perm Permission) bool {
	return HasPermission(FromContext(ctx), perm)
}

// Middleware returns an HTTP middleware that checks operator key auth.
// Extracts the key from "Authorization: Bearer ppk_..." and skips auth for
// paths in skipPaths (a trailing "*" matches by prefix).
func Middleware(store *KeyStore, skipPaths []string) func(http.Handler) http.Handler {
	skipExact := make(map[string]bool, len(skipPaths))
	var skipPrefix []string
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "*") {
			skipPrefix = append(skipPrefix, strings.TrimSuffix(p, "*"))
			continue
		}
		skipExact[p] = true
	}

	shouldSkip := func(path string) bool {
		if skipExact[path] {
			return true
		}
		for _, p := range skipPrefix {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shouldSkip(r.URL.Path) {
				// Skipped paths never reject, but a valid bearer token still
				// attaches so operator routes sharing the prefix keep working.
				if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					if key, err := store.Validate(strings.TrimSpace(token)); err == nil {
						r = r.WithContext(context.WithValue(r.Context(), apiKeyContextKey, key))
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, `{"error":"invalid authorization format"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if token == "" {
				http.Error(w, `{"error":"empty bearer token"}`, http.StatusUnauthorized)
				return
			}

			key, err := store.Validate(token)
			if err != nil {
				if strings.Contains(err.Error(), "expired") {
					http.Error(w, `{"error":"api key expired"}`, http.StatusForbidden)
					return
				}
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission wraps a handler with a permission check. Requests whose
// key lacks the permission get 403; unauthenticated requests only pass when
// auth is disabled upstream.
func RequirePermission(perm Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := FromContext(r.Context()); key != nil && !HasPermission(key, perm) {
			http.Error(w, `{"error":"insufficient permissions"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
