package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/StellarBearX/stanlendar-sub002/internal/middleware"
	"github.com/StellarBearX/stanlendar-sub002/pkg/cache"
	"github.com/StellarBearX/stanlendar-sub002/pkg/config"
	"github.com/StellarBearX/stanlendar-sub002/pkg/idempotency"
	"github.com/StellarBearX/stanlendar-sub002/pkg/metrics"
	"github.com/StellarBearX/stanlendar-sub002/pkg/ratelimit"
	"github.com/StellarBearX/stanlendar-sub002/pkg/version"
)

// BusinessHandler is the opaque operation a route executes. The
// pipeline never inspects its internals; it only serializes the result
// or propagates the error.
type BusinessHandler func(c *gin.Context) (interface{}, error)

// Server composes the request-safety pipeline around registered
// business handlers in a fixed stage order: origin check, security
// headers, audit, general throttle, auth throttle on the auth group,
// idempotency gate on writes, response cache on reads, then pattern
// invalidation after successful writes.
type Server struct {
	cfg     *config.Config
	cache   *cache.Cache
	guard   *idempotency.Guard
	metrics *metrics.Metrics
	logger  *logrus.Logger

	router *gin.Engine
	api    *gin.RouterGroup
	auth   *gin.RouterGroup
	srv    *http.Server
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func New(
	cfg *config.Config,
	store *cache.Cache,
	guard *idempotency.Guard,
	general *ratelimit.Limiter,
	authLimiter *ratelimit.Limiter,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		cache:   store,
		guard:   guard,
		metrics: m,
		logger:  logger,
		router:  router,
	}

	origin := middleware.NewOriginMiddleware(logger, cfg.Server.AllowedOrigins)
	audit := middleware.NewAuditMiddleware(logger, m)
	generalThrottle := middleware.NewRateLimitMiddleware(general, logger, m, "general")
	authThrottle := middleware.NewRateLimitMiddleware(authLimiter, logger, m, "auth")
	idem := middleware.NewIdempotencyMiddleware(logger)
	invalidator := middleware.NewInvalidator(store, logger, m, cfg.Invalidation.Rules, cfg.Cache.Prefix)

	router.Use(origin.CheckOrigin())
	router.Use(middleware.SecurityHeaders())
	router.Use(audit.Audit())

	s.setupHealthCheck()
	router.GET("/metrics", gin.WrapH(m.Handler()))

	s.api = router.Group("/api/v1")
	s.api.Use(generalThrottle.Throttle())

	// Both throttles run before the idempotency gate: a request missing
	// its key must still be counted by the stricter auth limiter, or a
	// key-less flood against the auth routes would only ever face the
	// general limit. A group snapshots its parent's chain at creation,
	// so the remaining write stages attach to each group explicitly.
	s.auth = s.api.Group("/auth")
	s.auth.Use(authThrottle.Throttle())

	for _, g := range []*gin.RouterGroup{s.api, s.auth} {
		g.Use(invalidator.AfterWrite())
		g.Use(idem.Extract())
	}

	return s
}

// setupHealthCheck adds a health check endpoint to the server
func (s *Server) setupHealthCheck() {
	s.router.GET("/health", func(c *gin.Context) {
		store := "up"
		status := http.StatusOK
		if err := s.cache.Ping(c.Request.Context()); err != nil {
			store = "down"
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":  "healthy",
			"store":   store,
			"version": version.Version,
			"time":    time.Now().Format(time.RFC3339),
		})
	})
}

// Handle registers a business handler on the API group. Reads are
// wrapped by the response cache, writes by the idempotency guard.
func (s *Server) Handle(method, path string, h BusinessHandler) {
	s.handleOn(s.api, method, path, h)
}

// HandleAuth registers a handler on the auth-scoped group, which also
// carries the stricter throttle.
func (s *Server) HandleAuth(method, path string, h BusinessHandler) {
	s.handleOn(s.auth, method, path, h)
}

func (s *Server) handleOn(group *gin.RouterGroup, method, path string, h BusinessHandler) {
	if method == http.MethodGet {
		group.GET(path, s.wrapRead(h))
		return
	}
	group.Handle(method, path, s.wrapWrite(h))
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.WithField("addr", s.srv.Addr).Info("server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
