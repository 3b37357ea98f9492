package http

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"posreports/internal/config"
)

// clientClaims identify an API client. Subject names the client and is
// what rate limits are keyed on.
type clientClaims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a bearer token for client valid for ttl.
func IssueToken(secret, client string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth secret is not configured")
	}
	now := time.Now().UTC()
	claims := clientClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   client,
			Issuer:    "posreports",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(raw, secret string) (*clientClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &clientClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.ErrUnauthorized
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*clientClaims)
	if !ok || !parsed.Valid {
		return nil, fiber.ErrUnauthorized
	}
	return claims, nil
}

// authMiddleware validates the Authorization: Bearer <token> header and
// stores the client name under "client".
func authMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Auth.Enabled {
			return c.Next()
		}

		rawAuth := c.Get("Authorization")
		if rawAuth == "" || !strings.HasPrefix(rawAuth, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Success: false,
				Code:    "UNAUTHENTICATED",
				Error:   "Missing Authorization Bearer token",
			})
		}

		claims, err := parseToken(strings.TrimSpace(strings.TrimPrefix(rawAuth, "Bearer ")), cfg.Auth.Secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Success: false,
				Code:    "UNAUTHENTICATED",
				Error:   "Invalid or expired token",
			})
		}

		c.Locals("client", claims.Subject)
		return c.Next()
	}
}
