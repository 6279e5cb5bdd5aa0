package router

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/servisia/wa-engine/pkg/log"
)

// RecoveryMiddleware converts panics into structured JSON responses and
// logs them. Register it before application routes.
func RecoveryMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				message := fmt.Sprintf("%v", rec)
				log.Print(c).Error("panic recovered: " + message)
				_ = c.Status(fiber.StatusInternalServerError).JSON(Response{
					Status:  false,
					Code:    fiber.StatusInternalServerError,
					Message: message,
					Error:   message,
				})
			}
		}()
		return c.Next()
	}
}
