package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/StellarBearX/stanlendar-sub002/pkg/common"
	"github.com/StellarBearX/stanlendar-sub002/pkg/metrics"
	"github.com/StellarBearX/stanlendar-sub002/pkg/ratelimit"
)

// RateLimitMiddleware wraps one limiter instance as a pipeline stage.
// Two instances are wired: a general one for every route and a stricter
// one that additionally guards the auth group.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	logger  *logrus.Logger
	metrics *metrics.Metrics
	scope   string
}

func NewRateLimitMiddleware(limiter *ratelimit.Limiter, logger *logrus.Logger, m *metrics.Metrics, scope string) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
		metrics: m,
		scope:   scope,
	}
}

// identity prefers the authenticated user and falls back to the client
// network address. The fallback keeps the stage working when the auth
// layer did not run.
func identity(c *gin.Context) string {
	if userID := c.GetString(common.UserContextKey); userID != "" {
		return userID
	}
	return common.ClientIP(c.Request)
}

func (m *RateLimitMiddleware) Throttle() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := m.limiter.Allow(c.Request.Context(), identity(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))

		if !result.Allowed {
			if m.metrics != nil {
				m.metrics.RateLimitRejections.WithLabelValues(m.scope).Inc()
			}
			m.logger.WithFields(logrus.Fields{
				"scope":    m.scope,
				"identity": identity(c),
			}).Warn("request throttled")
			retryAfter := int64(time.Until(result.Reset).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			abortWithError(c, http.StatusTooManyRequests, CodeRateLimitExceeded, "Too many requests, please retry later")
			return
		}

		c.Next()
	}
}
