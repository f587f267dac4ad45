package server

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ifuryst/ripple-publish/internal/service"
)

const tenantHeader = "X-Tenant-ID"

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if errs := c.Errors.String(); errs != "" {
			fields = append(fields, zap.String("errors", errs))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("HTTP request", fields...)
			return
		}
		logger.Debug("HTTP request", fields...)
	}
}

// rateLimit admits requests for a named operation through the sliding-window
// limiter. Requests are keyed by tenant header, falling back to client IP.
// Operations without a rule pass through.
func (s *Server) rateLimit(op string) gin.HandlerFunc {
	return RateLimit(s.Limiter, op, func(c *gin.Context) string {
		if tenant := c.GetHeader(tenantHeader); tenant != "" {
			return tenant
		}
		return c.ClientIP()
	})
}

func RateLimit(limiter *service.RateLimiter, op string, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rule, ok := limiter.Rule(op)
		if !ok {
			c.Next()
			return
		}

		res := limiter.CheckAndRecord(op+":"+keyFn(c), rule)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rule.MaxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			seconds := int(math.Ceil(res.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"operation":   op,
				"retry_after": seconds,
			})
			return
		}
		c.Next()
	}
}

func (s *Server) handleMetrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
}
