package middleware

import (
	"github.com/gofiber/fiber/v2"
)

// TokenAuth rejects requests whose bearer token does not match token. An
// empty token disables the check.
func TokenAuth(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}

		headerToken := ""
		auth := c.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			headerToken = auth[len(prefix):]
		}

		if headerToken != token {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		return c.Next()
	}
}
