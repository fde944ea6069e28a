package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"nutriparse/src/infrastructure/metrics"
	"nutriparse/src/infrastructure/ratelimit"
	"nutriparse/src/log"
)

const requestIDKey = "request_id"

// RequestID returns the id assigned by the middleware, or empty when
// it did not run (tests hitting handlers directly).
func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// RequestIDMiddleware assigns every request an id and echoes it back.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// SecurityHeaders sets the standard hardening headers on every
// response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// RequestLogger logs each request with latency and feeds the metrics
// service.
func RequestLogger(m *metrics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		status := c.Writer.Status()
		m.ObserveRequest(c.FullPath(), status, latency)
		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", latency.String(),
			"request_id", RequestID(c),
		)
	}
}

// Recovery catches handler panics, logs them with the request id and
// returns an opaque server_error. The API never 500s on a foreseeable
// condition; this is the backstop for the rest.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error(fmt.Errorf("%v", r), "handler panic",
					"path", c.Request.URL.Path,
					"request_id", RequestID(c),
				)
				respondError(c, http.StatusInternalServerError, "server_error", "internal server error", nil)
				c.Abort()
			}
		}()
		c.Next()
	}
}

// RateLimit rejects over-cap principals with 429 and a Retry-After
// hint. The principal is the client IP; the API trusts its network and
// carries no auth.
func RateLimit(limiter ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		ok, retryAfter, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			// fail open
			c.Next()
			return
		}
		if !ok {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", seconds))
			respondError(c, http.StatusTooManyRequests, "rate_limited",
				"too many requests", gin.H{"retry_after_seconds": seconds})
			c.Abort()
			return
		}
		c.Next()
	}
}
