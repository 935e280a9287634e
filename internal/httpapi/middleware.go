package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/observability"
)

const requestIDHeader = "X-Request-ID"

func corsMiddleware(allowOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Origin, X-Request-ID, X-Requested-With")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger attaches a request id and a request-scoped logger to the
// request context, then logs the outcome.
func requestLogger(base logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if incoming := c.GetHeader(requestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(
			logging.String("method", c.Request.Method),
			logging.String("path", c.Request.URL.Path),
		))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, logging.RequestIDFromContext(ctx))

		start := time.Now()
		c.Next()

		fields := []logging.Field{
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			reqLog.Error(ctx, "request failed", fields...)
		} else {
			reqLog.Debug(ctx, "request completed", fields...)
		}
	}
}

func metricsMiddleware(collector *observability.APICollector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		collector.ObserveHTTP(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
