// Package httpmw provides the gin middleware shared by the admin API:
// request logging and OpenTelemetry spans.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexusflow/nexus/internal/common/logger"
)

// RequestLogger logs one line per request after the handler chain runs.
// Health probes are kept out of the log; server errors log at error, client
// errors at warn, everything else at debug.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	log = log.WithFields(zap.String("server", serverName))

	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		c.Next()

		if route == "/health" {
			return
		}

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		switch {
		case status >= 500:
			log.Error("http", fields...)
		case status >= 400:
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
