package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/StellarBearX/stanlendar-sub002/internal/middleware"
	"github.com/StellarBearX/stanlendar-sub002/pkg/cache"
	"github.com/StellarBearX/stanlendar-sub002/pkg/common"
)

const jsonContentType = "application/json; charset=utf-8"

// wrapRead serves GET routes through the response cache. The cache key
// segregates entries per user, path, route params, and query string so
// no user ever sees another user's cached view.
func (s *Server) wrapRead(h BusinessHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := s.readCacheKey(c)
		resource := middleware.ResourceFromPath(c.Request.URL.Path)

		var payload json.RawMessage
		fromCache, err := s.cache.GetOrSet(c.Request.Context(), key, &payload, func(ctx context.Context) (interface{}, error) {
			return h(c)
		}, &cache.Options{Prefix: s.cfg.Cache.Prefix, TTL: s.cfg.Cache.DefaultTTL})
		if err != nil {
			s.respondHandlerError(c, err)
			return
		}

		if s.metrics != nil {
			if fromCache {
				s.metrics.CacheHits.WithLabelValues(resource).Inc()
			} else {
				s.metrics.CacheMisses.WithLabelValues(resource).Inc()
			}
		}
		c.Data(http.StatusOK, jsonContentType, payload)
	}
}

// wrapWrite executes state-changing routes under the idempotency guard.
// The composite key comes from the extraction stage; when that stage
// did not run the handler executes unguarded rather than failing, since
// later stages must not assume earlier ones ran.
func (s *Server) wrapWrite(h BusinessHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		compositeKey := c.GetString(common.IdempotencyKeyKey)
		if compositeKey == "" {
			result, err := h(c)
			if err != nil {
				s.respondHandlerError(c, err)
				return
			}
			c.JSON(http.StatusOK, result)
			return
		}

		res, err := s.guard.EnsureIdempotent(c.Request.Context(), compositeKey, func(ctx context.Context) (interface{}, error) {
			return h(c)
		}, nil)
		if err != nil {
			s.respondHandlerError(c, err)
			return
		}

		if res.FromCache {
			c.Header(common.IdempotencyCacheHeader, "HIT")
			if s.metrics != nil {
				s.metrics.IdempotencyReplays.Inc()
			}
		} else {
			c.Header(common.IdempotencyCacheHeader, "MISS")
			if s.metrics != nil {
				s.metrics.IdempotencyExecuted.Inc()
			}
		}
		c.Data(http.StatusOK, jsonContentType, res.Data)
	}
}

// readCacheKey builds "userId:path:paramsJSON:queryString". Route
// params marshal through encoding/json, which sorts map keys, so the
// same logical request always builds the same key.
func (s *Server) readCacheKey(c *gin.Context) string {
	userID := c.GetString(common.UserContextKey)
	if userID == "" {
		userID = "anonymous"
	}
	params := make(map[string]string, len(c.Params))
	for _, p := range c.Params {
		params[p.Key] = p.Value
	}
	paramsJSON, _ := json.Marshal(params)
	return userID + ":" + c.Request.URL.Path + ":" + string(paramsJSON) + ":" + c.Request.URL.RawQuery
}

// respondHandlerError renders an opaque 500; the real cause is logged.
// Store-shaped errors never reach clients.
func (s *Server) respondHandlerError(c *gin.Context, err error) {
	s.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("operation failed")
	c.AbortWithStatusJSON(http.StatusInternalServerError, middleware.ErrorBody{
		StatusCode: http.StatusInternalServerError,
		Message:    "Operation failed",
		Error:      middleware.CodeInternalError,
	})
}
