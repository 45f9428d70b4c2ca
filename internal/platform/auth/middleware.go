// Package auth turns bearer tokens into caregiver identities for handlers.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caresync/visits/internal/platform/external"
)

type contextKey string

const IdentityKey contextKey = "identity"

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id *external.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// IdentityFromContext returns the identity attached by the middleware, or nil.
func IdentityFromContext(ctx context.Context) *external.Identity {
	id, _ := ctx.Value(IdentityKey).(*external.Identity)
	return id
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

func attach(c echo.Context, id *external.Identity) {
	c.Set("employee_id", id.EmployeePsID)
	c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
}

// IdentityMiddleware resolves the bearer token through resolver. Requests the
// skipper accepts pass through untouched.
func IdentityMiddleware(resolver external.IdentityResolver, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if AuthSkipper(c) {
				return next(c)
			}
			token, err := bearerToken(c)
			if err != nil {
				return err
			}
			id, err := resolver.ResolveIdentity(c.Request().Context(), token)
			if err != nil {
				if errors.Is(err, external.ErrUnauthenticated) {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
				}
				logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("identity resolution failed")
				return echo.NewHTTPError(http.StatusBadGateway, "identity service unavailable")
			}
			attach(c, id)
			return next(c)
		}
	}
}

// DevIdentityMiddleware lets unauthenticated requests through as fallback.
// Requests that do carry a token are still resolved.
func DevIdentityMiddleware(resolver external.IdentityResolver, fallback external.Identity, logger zerolog.Logger) echo.MiddlewareFunc {
	strict := IdentityMiddleware(resolver, logger)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		resolved := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return resolved(c)
			}
			id := fallback
			attach(c, &id)
			return next(c)
		}
	}
}
