package observability

import (
	"time"

	"github.com/danmuck/apductl/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RequestLogger logs one line per admin request, tagged with the device it
// serves and, on guarded routes, the bearer token decision.
func RequestLogger(logger zerolog.Logger, device string) gin.HandlerFunc {
	logger = logger.With().Str("component", "admin").Str("device", device).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready":
			// health checks poll constantly
			event = logger.Debug()
		}

		if outcome := c.GetString(auth.OutcomeKey); outcome != "" {
			event = event.Str("auth", outcome)
		}
		event.
			Str("method", c.Request.Method).
			Str("route", routeOf(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("admin request")
	}
}

// RequestMetricsMiddleware counts admin requests and bearer token decisions
// for device.
func RequestMetricsMiddleware(device string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		RecordHTTPRequest(device, c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
		if outcome := c.GetString(auth.OutcomeKey); outcome != "" {
			RecordAuth(device, outcome)
		}
	}
}

// routeOf prefers the registered route pattern so unmatched paths do not
// mint a label per URL.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
