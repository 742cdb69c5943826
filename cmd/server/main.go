package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/StellarBearX/stanlendar-sub002/internal/server"
	"github.com/StellarBearX/stanlendar-sub002/pkg/cache"
	"github.com/StellarBearX/stanlendar-sub002/pkg/config"
	"github.com/StellarBearX/stanlendar-sub002/pkg/idempotency"
	"github.com/StellarBearX/stanlendar-sub002/pkg/metrics"
	"github.com/StellarBearX/stanlendar-sub002/pkg/ratelimit"
	"github.com/StellarBearX/stanlendar-sub002/pkg/version"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	info := version.GetInfo()
	logger.WithFields(logrus.Fields{
		"version":    info.Version,
		"git_commit": info.GitCommit,
		"go_version": info.GoVersion,
	}).Info("starting server")

	// One shared client for cache, idempotency, and rate limiting; the
	// three read and write disjoint key prefixes. Short network timeouts
	// keep the fail-open components from stalling on a degraded store.
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer client.Close()

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.WithError(err).Warn("store unreachable at startup, continuing degraded")
	}

	store := cache.New(client, logger, cfg.Cache.DefaultTTL)
	guard := idempotency.NewGuard(client, logger, cfg.Idempotency.TTL, cfg.Idempotency.Prefix)
	general := ratelimit.NewLimiter(store, logger, ratelimit.Config{
		MaxRequests: cfg.RateLimit.General.MaxRequests,
		Window:      cfg.RateLimit.General.Window,
		Prefix:      cfg.RateLimit.General.Prefix,
	})
	auth := ratelimit.NewLimiter(store, logger, ratelimit.Config{
		MaxRequests: cfg.RateLimit.Auth.MaxRequests,
		Window:      cfg.RateLimit.Auth.Window,
		Prefix:      cfg.RateLimit.Auth.Prefix,
	})

	m := metrics.New()

	srv := server.New(cfg, store, guard, general, auth, m, logger)
	registerRoutes(srv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server exited: %v", err)
	}
}

// registerRoutes binds the scheduling endpoints. The handlers here are
// the attachment points for the subject/section/event services; until
// those are wired in, each acknowledges the call so the pipeline can be
// exercised end to end.
func registerRoutes(srv *server.Server) {
	ack := func(resource string) server.BusinessHandler {
		return func(c *gin.Context) (interface{}, error) {
			return gin.H{"resource": resource, "status": "accepted"}, nil
		}
	}
	list := func(resource string) server.BusinessHandler {
		return func(c *gin.Context) (interface{}, error) {
			return gin.H{"resource": resource, "items": []interface{}{}}, nil
		}
	}

	for _, resource := range []string{"subjects", "sections", "events"} {
		srv.Handle("GET", "/"+resource, list(resource))
		srv.Handle("GET", "/"+resource+"/:id", list(resource))
		srv.Handle("POST", "/"+resource, ack(resource))
		srv.Handle("PUT", "/"+resource+"/:id", ack(resource))
		srv.Handle("DELETE", "/"+resource+"/:id", ack(resource))
	}
	srv.Handle("POST", "/import", ack("import"))
	srv.Handle("POST", "/sync", ack("sync"))
	srv.HandleAuth("POST", "/login", ack("auth"))
	srv.HandleAuth("POST", "/refresh", ack("auth"))
}
