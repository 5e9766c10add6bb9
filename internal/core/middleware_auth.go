package core

import (
	"errors"
	"net/http"
	"strings"

	"lexcredit/internal/types"
)

// authPublicPaths lists URL paths that are exempt from authentication.
var authPublicPaths = map[string]bool{
	"/health": true,
}

// AuthMiddleware extracts the Bearer token from the Authorization header,
// resolves it to an Actor, and injects the Actor into the request context.
// Failures return 401 with distinct codes: auth_token_missing,
// auth_token_invalid, auth_token_expired.
//
// If no Authenticator is configured (tests), the middleware passes through.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authorization header is required", nil))
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil))
			return
		}

		actor, err := s.Authenticator.Authenticate(r.Context(), token)
		if err != nil {
			// Pass auth errors through as-is; anything else must not leak
			// internals on the 401 path.
			var appErr *types.AppError
			if errors.As(err, &appErr) {
				Error(w, r, appErr)
			} else {
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", err))
			}
			return
		}

		ctx := types.WithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken parses the Authorization header value and returns the
// token string. The "Bearer " scheme prefix is case-insensitive per RFC 7235.
// Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
