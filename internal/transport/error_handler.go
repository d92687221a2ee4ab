package transport

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// ErrorHandler renders every handler error as a JSON envelope. Client
// rejections land at warn so operator mistakes (bad dates, conflicted
// selections, throttled approvals) do not page anyone; only 5xx logs at
// error level.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		requestID := c.Get(fiber.HeaderXRequestID)

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		if requestID != "" {
			fields = append(fields, zap.String("requestId", requestID))
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Warn("request rejected", fields...)
		}

		payload := fiber.Map{
			"error": err.Error(),
		}
		if requestID != "" {
			payload["requestId"] = requestID
		}

		return c.Status(code).JSON(payload)
	}
}
