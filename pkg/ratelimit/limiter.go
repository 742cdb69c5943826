package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/StellarBearX/stanlendar-sub002/pkg/cache"
)

// DefaultWindow is used when a limiter is configured without one, so a
// zero-valued Config still yields a working bucket size.
const DefaultWindow = time.Minute

// Config describes one fixed-window limiter instance.
type Config struct {
	// MaxRequests allowed per identity within one window.
	MaxRequests int
	// Window is the length of a counting bucket.
	Window time.Duration
	// Prefix namespaces this limiter's counters in the shared store.
	Prefix string
}

// Result carries the throttling decision plus the header values every
// response gets regardless of outcome.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter counts requests per identity in discrete, non-overlapping
// windows. The window boundary is encoded into the counter key, so a
// fresh window starts implicitly with a fresh key; there is no reset
// operation.
//
// The limiter fails open: if the counter increment cannot reach the
// store, the request is allowed and the failure is logged. Losing a
// little throttle accounting during an outage is cheaper than blocking
// all traffic on it.
type Limiter struct {
	store  *cache.Cache
	logger *logrus.Logger
	cfg    Config
	// now is swappable for window-boundary tests.
	now func() time.Time
}

func NewLimiter(store *cache.Cache, logger *logrus.Logger, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "ratelimit"
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{
		store:  store,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Allow increments the counter for identity in the current window and
// decides whether the request may proceed. The counter's TTL is set to
// the window length alongside the increment, so stale windows expire on
// their own.
func (l *Limiter) Allow(ctx context.Context, identity string) Result {
	now := l.now()
	windowMs := l.cfg.Window.Milliseconds()
	bucket := now.UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%d", l.cfg.Prefix, identity, bucket)
	reset := time.UnixMilli((bucket + 1) * windowMs)

	count, err := l.store.Increment(ctx, key, 1, &cache.Options{TTL: l.cfg.Window})
	if err != nil {
		l.logger.WithError(err).WithField("identity", identity).Error("rate limit counter unavailable, allowing request")
		return Result{Allowed: true, Limit: l.cfg.MaxRequests, Remaining: l.cfg.MaxRequests, Reset: reset}
	}

	remaining := l.cfg.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(l.cfg.MaxRequests),
		Limit:     l.cfg.MaxRequests,
		Remaining: remaining,
		Reset:     reset,
	}
}
