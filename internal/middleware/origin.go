package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// OriginMiddleware enforces the allowed-origins list and answers CORS
// preflights. It runs first in the chain so a rejected origin never
// touches the store.
type OriginMiddleware struct {
	logger   *logrus.Logger
	allowed  map[string]struct{}
	allowAll bool
}

func NewOriginMiddleware(logger *logrus.Logger, allowedOrigins []string) *OriginMiddleware {
	m := &OriginMiddleware{
		logger:  logger,
		allowed: make(map[string]struct{}, len(allowedOrigins)),
	}
	for _, o := range allowedOrigins {
		if o == "*" {
			m.allowAll = true
			continue
		}
		m.allowed[o] = struct{}{}
	}
	return m
}

func (m *OriginMiddleware) CheckOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			// Same-origin or non-browser client.
			c.Next()
			return
		}

		if !m.allowAll {
			if _, ok := m.allowed[origin]; !ok {
				m.logger.WithField("origin", origin).Warn("rejected disallowed origin")
				abortWithError(c, http.StatusForbidden, CodeOriginNotAllowed, "Origin is not allowed")
				return
			}
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-Idempotency-Key, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Idempotency-Cache, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
