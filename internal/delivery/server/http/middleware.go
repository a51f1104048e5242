package http

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	"foreman/internal/shared/logging"
)

const requestIDHeader = "X-Request-Id"

// requestLogger tags each request with an id and logs it once it finishes.
// Probe endpoints are logged at debug so they do not drown the log.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if reqID == "" {
			reqID = ksuid.New().String()
		}
		c.Header(requestIDHeader, reqID)
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		log := logger.Info
		switch path {
		case "/healthz", "/readyz", "/metrics":
			log = logger.Debug
		}
		if c.Writer.Status() >= 500 {
			log = logger.Warn
		}
		log("[%s] %s %s -> %d (%s)", reqID, c.Request.Method, path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}
