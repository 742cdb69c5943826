package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/StellarBearX/stanlendar-sub002/pkg/common"
	"github.com/StellarBearX/stanlendar-sub002/pkg/metrics"
)

// AuditMiddleware tags every request with an id and emits a structured
// access event after the handler chain finishes. The emission is a
// side-channel observability hook; nothing downstream depends on it.
type AuditMiddleware struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewAuditMiddleware(logger *logrus.Logger, m *metrics.Metrics) *AuditMiddleware {
	return &AuditMiddleware{
		logger:  logger,
		metrics: m,
	}
}

func (m *AuditMiddleware) Audit() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(common.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(common.RequestIDContextKey, requestID)
		c.Header(common.RequestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		if m.metrics != nil {
			m.metrics.RequestTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		}

		m.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"user_id":    c.GetString(common.UserContextKey),
			"client_ip":  common.ClientIP(c.Request),
		}).Info("request handled")
	}
}
