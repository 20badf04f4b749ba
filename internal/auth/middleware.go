package auth

import (
	"context"
	"net/http"
	"strings"
)

type claimsContextKey struct{}

func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*AccessClaims)
	return claims, ok && claims != nil
}

func WithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// Middleware rejects requests without a valid bearer access token and puts
// the token's claims on the request context.
func Middleware(issuer *TokenIssuer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, message := bearerToken(r)
		if message != "" {
			writeCodedError(w, http.StatusUnauthorized, CodeUnauthorized, message)
			return
		}

		claims, err := issuer.Parse(tokenStr)
		if err != nil {
			writeCodedError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// OptionalMiddleware attaches claims when a valid bearer token is present
// and passes every request through.
func OptionalMiddleware(issuer *TokenIssuer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tokenStr, message := bearerToken(r); message == "" {
			if claims, err := issuer.Parse(tokenStr); err == nil {
				r = r.WithContext(WithClaims(r.Context(), claims))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, string) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", "missing authorization token"
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid authorization format"
	}

	tokenStr := strings.TrimSpace(parts[1])
	if tokenStr == "" {
		return "", "invalid authorization token"
	}
	return tokenStr, ""
}
