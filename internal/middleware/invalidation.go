package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/StellarBearX/stanlendar-sub002/pkg/cache"
	"github.com/StellarBearX/stanlendar-sub002/pkg/common"
	"github.com/StellarBearX/stanlendar-sub002/pkg/metrics"
)

// Invalidator evicts cached reads after a successful write. The
// resource→patterns mapping is a static table loaded from config, not
// inferred from the route: a write under "subjects" also evicts cached
// events and spotlight views, and only the writing user's entries.
type Invalidator struct {
	cache   *cache.Cache
	logger  *logrus.Logger
	metrics *metrics.Metrics
	rules   map[string][]string
	prefix  string
}

func NewInvalidator(c *cache.Cache, logger *logrus.Logger, m *metrics.Metrics, rules map[string][]string, prefix string) *Invalidator {
	return &Invalidator{
		cache:   c,
		logger:  logger,
		metrics: m,
		rules:   rules,
		prefix:  prefix,
	}
}

// Patterns returns the globs to evict for a write to resource by
// userID, already scoped to the user's cache segment.
func (i *Invalidator) Patterns(resource, userID string) []string {
	if userID == "" {
		userID = "anonymous"
	}
	globs := i.rules[resource]
	out := make([]string, 0, len(globs))
	for _, g := range globs {
		out = append(out, userID+":"+g)
	}
	return out
}

// ResourceFromPath extracts the resource segment from an API path like
// /api/v1/subjects/42.
func ResourceFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for idx, p := range parts {
		if p == "v1" && idx+1 < len(parts) {
			return parts[idx+1]
		}
	}
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return ""
}

// AfterWrite runs the handler chain and, on a successful state-changing
// response, fires the configured pattern invalidations.
func (i *Invalidator) AfterWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if !stateChanging(c.Request.Method) {
			return
		}
		status := c.Writer.Status()
		if status < 200 || status >= 300 {
			return
		}

		resource := ResourceFromPath(c.Request.URL.Path)
		userID := c.GetString(common.UserContextKey)
		patterns := i.Patterns(resource, userID)
		if len(patterns) == 0 {
			return
		}

		ctx := c.Request.Context()
		for _, pattern := range patterns {
			i.cache.InvalidatePattern(ctx, pattern, &cache.Options{Prefix: i.prefix})
		}
		if i.metrics != nil {
			i.metrics.InvalidationsFired.Inc()
		}
		i.logger.WithFields(logrus.Fields{
			"resource": resource,
			"user_id":  userID,
			"patterns": patterns,
		}).Debug("cache invalidated after write")
	}
}
