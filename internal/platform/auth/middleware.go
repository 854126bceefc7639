package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/db"
)

// TenantHeader lets a caller with several memberships pick the clinic.
const TenantHeader = "X-Clinic"

type Claims struct {
	jwt.RegisteredClaims
	Email         string `json:"email,omitempty"`
	PlatformAdmin bool   `json:"platform_admin,omitempty"`
	Tenant        string `json:"tenant,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

func (cfg JWTConfig) parse(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// IdentityMiddleware verifies the bearer token and stores the Identity on the
// request context.
func IdentityMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return apperr.New(apperr.Unauthenticated, "missing authorization header")
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return apperr.New(apperr.Unauthenticated, "invalid authorization format")
			}

			claims, err := cfg.parse(strings.TrimSpace(tokenStr))
			if err != nil {
				return apperr.New(apperr.Unauthenticated, "invalid token")
			}
			uid, err := uuid.Parse(claims.Subject)
			if err != nil {
				return apperr.New(apperr.Unauthenticated, "invalid token subject")
			}

			id := Identity{ID: uid, Email: claims.Email, PlatformAdmin: claims.PlatformAdmin, Tenant: claims.Tenant}
			if h := c.Request().Header.Get(TenantHeader); h != "" {
				id.Tenant = h
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

// IssueToken signs an identity token. Used by the CLI and tests; credential
// checks happen upstream.
func IssueToken(cfg JWTConfig, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID.String(),
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:         id.Email,
		PlatformAdmin: id.PlatformAdmin,
		Tenant:        id.Tenant,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}

// PrincipalMiddleware resolves the caller's clinic membership and binds both
// the Principal and the tenant scope to the request context.
func PrincipalMiddleware(r *Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			id, ok := IdentityFromContext(ctx)
			if !ok {
				return apperr.New(apperr.Unauthenticated, "not signed in")
			}
			p, err := r.Resolve(ctx, id)
			if err != nil {
				return err
			}
			ctx = db.WithTenant(WithPrincipal(ctx, p), p.TenantID())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// RequirePermission rejects the request unless the principal holds every code.
func RequirePermission(codes ...Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := Require(PrincipalFromContext(c.Request().Context()), codes...); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// PlatformAdminMiddleware guards the platform surface.
func PlatformAdminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFromContext(c.Request().Context())
			if !ok {
				return apperr.New(apperr.Unauthenticated, "not signed in")
			}
			if err := RequirePlatformAdmin(id); err != nil {
				return err
			}
			return next(c)
		}
	}
}
