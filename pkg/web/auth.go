package web

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/permissions"
)

// securityContextKey is the fiber locals key the auth middleware stores the
// resolved SecurityContext under.
const securityContextKey = "security_context"

// Claims is the JWT payload the API accepts: standard registered claims plus
// the organization the token is scoped to.
type Claims struct {
	jwt.RegisteredClaims

	OrganizationID string `json:"org_id"`
}

// NewAuthMiddleware returns a bearer-token middleware. A valid token yields
// a SecurityContext resolved fresh from the store; anything else is a 401.
func NewAuthMiddleware(secret []byte, perms *permissions.Service) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)

		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			return unauthorized(c, "missing bearer token")
		}

		claims := &Claims{}

		parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			return unauthorized(c, "invalid or expired token")
		}

		if claims.Subject == "" || claims.OrganizationID == "" {
			return unauthorized(c, "token is missing subject or organization")
		}

		sc, err := perms.ResolveContext(c.Context(), claims.OrganizationID, claims.Subject)
		if err != nil {
			return unauthorized(c, fmt.Sprintf("unknown user %s", claims.Subject))
		}

		c.Locals(securityContextKey, sc)

		return c.Next()
	}
}

// securityContext returns the caller identity stored by the auth middleware.
func securityContext(c fiber.Ctx) *models.SecurityContext {
	sc, _ := c.Locals(securityContextKey).(*models.SecurityContext)

	return sc
}
