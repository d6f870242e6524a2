// middleware/user_context.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sirupsen/logrus"
)

const UserIDLocal = "user_id"

// UserContextMiddleware extracts the user identity set by the Gateway and
// rejects requests without one.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// c.Get aliases the request buffer; the id outlives the request
		userID := utils.CopyString(strings.TrimSpace(c.Get("X-User-ID")))
		if userID == "" {
			logrus.WithField("path", c.Path()).Warn("❌ [USER_CTX] X-User-ID required but missing")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID: request must come through gateway with auth context",
			})
		}

		c.Locals(UserIDLocal, userID)
		return c.Next()
	}
}

// UserID returns the identity stored by UserContextMiddleware.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(UserIDLocal).(string)
	return id
}
