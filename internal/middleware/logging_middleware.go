// internal/middleware/logging_middleware.go
package middleware

import (
	"device-link/internal/utils"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggingMiddleware logs every request once it has been served. Health
// probes are logged at debug so they do not drown the link log.
func LoggingMiddleware(logger *utils.ServiceLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		duration := time.Since(startTime)

		path := c.Request.URL.Path
		if isProbePath(path) && c.Writer.Status() < 500 {
			logger.Debug("Probe request",
				utils.RequestIDField(c),
			)
			return
		}

		logger.LogAPIRequest(
			c.Request.Method,
			path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			duration,
		)
	}
}

func isProbePath(path string) bool {
	return path == "/live" || path == "/ready" || path == "/health"
}
