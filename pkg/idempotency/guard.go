package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// DefaultTTL is how long a completed idempotency record is replayable.
const DefaultTTL = 24 * time.Hour

// DefaultPrefix namespaces idempotency records away from cache and
// rate-limit keys in the shared store.
const DefaultPrefix = "idempotency"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,64}$`)

// ValidateKey reports whether key is a well-formed client idempotency
// key: 16-64 characters, alphanumeric plus hyphen and underscore.
// Malformed keys are rejected before any store access.
func ValidateKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Guard provides at-most-once execution for retried state-changing
// requests, keyed by (client idempotency key, request fingerprint).
//
// Unlike the cache and the rate limiter, the guard fails closed: a
// store error surfaces to the caller instead of silently skipping the
// dedup guarantee, because a skipped guarantee lets a retried write
// execute twice.
type Guard struct {
	client *redis.Client
	logger *logrus.Logger
	ttl    time.Duration
	prefix string
}

// Options tune a single EnsureIdempotent call.
type Options struct {
	TTL    time.Duration
	Prefix string
}

// Result is the outcome of a guarded operation.
type Result struct {
	// Data is the serialized operation result.
	Data json.RawMessage
	// FromCache reports whether Data was replayed from a previous
	// execution rather than produced by this call.
	FromCache bool
}

func NewGuard(client *redis.Client, logger *logrus.Logger, ttl time.Duration, prefix string) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Guard{
		client: client,
		logger: logger,
		ttl:    ttl,
		prefix: prefix,
	}
}

func (g *Guard) storeKey(key, prefix string) string {
	if prefix == "" {
		prefix = g.prefix
	}
	return prefix + ":" + key
}

// EnsureIdempotent executes op at most once for compositeKey within the
// TTL window. A caller that finds a stored result gets it back with
// FromCache set and op is never invoked. On a miss op runs to
// completion and its result is stored for later retries. If op fails,
// nothing is stored and the error propagates, so a retry with the same
// key re-attempts the operation.
//
// The lookup and the store are two separate round trips, not an atomic
// claim. Two requests with the same key racing inside one round trip
// can both observe a miss and both run op; the record then stabilizes
// to a single cached result. Callers needing hard mutual exclusion
// would have to replace the pair with a set-if-absent claim plus a
// result write, and define what a duplicate does while a claim is
// outstanding.
func (g *Guard) EnsureIdempotent(ctx context.Context, compositeKey string, op func(context.Context) (interface{}, error), opts *Options) (*Result, error) {
	ttl := g.ttl
	prefix := ""
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		prefix = opts.Prefix
	}
	fullKey := g.storeKey(compositeKey, prefix)

	cached, err := g.client.Get(ctx, fullKey).Bytes()
	if err == nil {
		g.logger.WithField("key", fullKey).Debug("idempotency replay")
		return &Result{Data: cached, FromCache: true}, nil
	}
	if err != redis.Nil {
		// Fail closed: without a readable record we cannot prove the
		// operation has not already run.
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	value, err := op(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode idempotency result: %w", err)
	}
	if err := g.client.Set(ctx, fullKey, payload, ttl).Err(); err != nil {
		return nil, fmt.Errorf("store idempotency result: %w", err)
	}

	return &Result{Data: payload, FromCache: false}, nil
}

// InvalidateKey removes a stored record. Operator/test use.
func (g *Guard) InvalidateKey(ctx context.Context, key, prefix string) error {
	return g.client.Del(ctx, g.storeKey(key, prefix)).Err()
}

// KeyExists reports whether a record is stored for key.
func (g *Guard) KeyExists(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, g.storeKey(key, "")).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// KeyTTL returns the remaining lifetime of a stored record.
func (g *Guard) KeyTTL(ctx context.Context, key string) (time.Duration, error) {
	return g.client.TTL(ctx, g.storeKey(key, "")).Result()
}
