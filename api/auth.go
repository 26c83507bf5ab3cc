package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/batch-engine/generic"
)

// Claims are the bearer-token claims carrying the caller identity.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// Header names used when no JWT secret is configured.
const (
	HeaderTenant = "X-Tenant-ID"
	HeaderUser   = "X-User-ID"
)

type principalKey struct{}

// Identity resolves the caller principal for every request. With a secret
// it requires an HS256 bearer token; without one it trusts the tenant and
// user headers (development only).
func Identity(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				p   generic.Principal
				err error
			)
			if secret == "" {
				p = generic.Principal{
					TenantID: generic.TenantID(r.Header.Get(HeaderTenant)),
					UserID:   r.Header.Get(HeaderUser),
				}
			} else {
				p, err = principalFromToken(secret, r.Header.Get("Authorization"))
				if err != nil {
					writeStatus(w, http.StatusUnauthorized, "unauthorized", err)
					return
				}
			}
			if err := p.Validate(); err != nil {
				writeStatus(w, http.StatusUnauthorized, "unauthorized", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

// PrincipalFrom returns the principal set by Identity.
func PrincipalFrom(ctx context.Context) generic.Principal {
	p, _ := ctx.Value(principalKey{}).(generic.Principal)
	return p
}

func principalFromToken(secret, header string) (generic.Principal, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return generic.Principal{}, fmt.Errorf("expected Authorization: Bearer <token>")
	}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return generic.Principal{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return generic.Principal{}, fmt.Errorf("invalid claims")
	}
	return generic.Principal{TenantID: generic.TenantID(claims.TenantID), UserID: claims.UserID}, nil
}

// IssueToken signs a token for p. It backs tests and local tooling.
func IssueToken(secret string, p generic.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: string(p.TenantID),
		UserID:   p.UserID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
