package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/xtrntr/energymarket/internal/auth"
)

type contextKey struct{}

// JWTAuthMiddleware verifies bearer tokens and stores the claims in the request context
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			h.writeError(w, r, errUnauthorized)
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := h.AuthService.ParseToken(tokenString)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFrom returns the authenticated caller; routes using it sit behind
// JWTAuthMiddleware
func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(contextKey{}).(*auth.Claims)
	if claims == nil {
		return &auth.Claims{}
	}
	return claims
}

// accountScope namespaces idempotency keys by caller
func accountScope(r *http.Request) string {
	return claimsFrom(r).AccountID
}
