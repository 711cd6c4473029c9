package jwt

import (
	"context"

	"jobtalk/internal/entity"
)

type contextKey string

const claimsContextKey contextKey = "user"

func ContextWithClaims(ctx context.Context, claims *entity.TokenClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims stored by ContextWithClaims.
func ClaimsFromContext(ctx context.Context) (*entity.TokenClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*entity.TokenClaims)
	return claims, ok && claims != nil
}
