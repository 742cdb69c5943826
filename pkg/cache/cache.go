package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Cache is a read-through/write-through wrapper over the shared redis
// store. Every operation fails open: a store or serialization error is
// logged and reported as a miss (or a no-op for writes) so that cache
// unavailability never blocks a request. Callers that need visible
// failures (the idempotency guard) talk to redis directly.
type Cache struct {
	client     *redis.Client
	logger     *logrus.Logger
	defaultTTL time.Duration
}

// Options tune a single cache call.
type Options struct {
	// Prefix is prepended to the key as "prefix:key" when set.
	Prefix string
	// TTL overrides the default entry lifetime.
	TTL time.Duration
	// Compress wraps the payload in the compression envelope.
	Compress bool
}

// Entry is one key/value pair for MSet.
type Entry struct {
	Key   string
	Value interface{}
}

// envelope is the size-reduction indirection stored when Compress is
// set. It is an envelope only; the inner payload is plain serialized
// JSON, not actually compressed.
type envelope struct {
	Compressed bool            `json:"compressed"`
	Data       json.RawMessage `json:"data"`
}

const DefaultTTL = time.Hour

// New creates a cache over an already-connected redis client. The
// caller owns the client's lifecycle.
func New(client *redis.Client, logger *logrus.Logger, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache{
		client:     client,
		logger:     logger,
		defaultTTL: defaultTTL,
	}
}

func (c *Cache) buildKey(key string, opts *Options) string {
	if opts != nil && opts.Prefix != "" {
		return opts.Prefix + ":" + key
	}
	return key
}

func (c *Cache) ttl(opts *Options) time.Duration {
	if opts != nil && opts.TTL > 0 {
		return opts.TTL
	}
	return c.defaultTTL
}

func (c *Cache) encode(value interface{}, opts *Options) ([]byte, error) {
	if opts != nil && opts.Compress {
		inner, err := marshal(value)
		if err != nil {
			return nil, err
		}
		return marshal(envelope{Compressed: true, Data: inner})
	}
	return marshal(value)
}

func (c *Cache) decode(payload []byte, dest interface{}, opts *Options) error {
	if opts != nil && opts.Compress {
		var env envelope
		if err := unmarshal(payload, &env); err == nil && env.Compressed {
			return unmarshal(env.Data, dest)
		}
	}
	return unmarshal(payload, dest)
}

// Get fetches key and deserializes it into dest. It reports whether a
// usable value was found; store errors and malformed payloads count as
// misses.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}, opts *Options) bool {
	fullKey := c.buildKey(key, opts)
	payload, err := c.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).WithField("key", fullKey).Error("cache get failed")
		}
		return false
	}
	if err := c.decode(payload, dest, opts); err != nil {
		c.logger.WithError(err).WithField("key", fullKey).Error("cache payload malformed")
		return false
	}
	return true
}

// Set serializes value and writes it under key with the configured TTL.
// Write failures are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, opts *Options) {
	fullKey := c.buildKey(key, opts)
	payload, err := c.encode(value, opts)
	if err != nil {
		c.logger.WithError(err).WithField("key", fullKey).Error("cache serialization failed")
		return
	}
	if err := c.client.Set(ctx, fullKey, payload, c.ttl(opts)).Err(); err != nil {
		c.logger.WithError(err).WithField("key", fullKey).Error("cache set failed")
	}
}

// MGet fetches keys in one call and returns the raw deserialized
// payloads in the same order. An absent or malformed entry yields a nil
// element, never a batch failure.
func (c *Cache) MGet(ctx context.Context, keys []string, opts *Options) []json.RawMessage {
	results := make([]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return results
	}
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = c.buildKey(k, opts)
	}
	values, err := c.client.MGet(ctx, fullKeys...).Result()
	if err != nil {
		c.logger.WithError(err).Error("cache mget failed")
		return results
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var raw json.RawMessage
		if err := c.decode([]byte(s), &raw, opts); err != nil {
			c.logger.WithError(err).WithField("key", fullKeys[i]).Error("cache payload malformed")
			continue
		}
		results[i] = raw
	}
	return results
}

// MSet writes all entries as a single pipelined call, each with the
// configured TTL.
func (c *Cache) MSet(ctx context.Context, entries []Entry, opts *Options) {
	if len(entries) == 0 {
		return
	}
	ttl := c.ttl(opts)
	pipe := c.client.Pipeline()
	for _, e := range entries {
		payload, err := c.encode(e.Value, opts)
		if err != nil {
			c.logger.WithError(err).WithField("key", e.Key).Error("cache serialization failed")
			continue
		}
		pipe.Set(ctx, c.buildKey(e.Key, opts), payload, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WithError(err).Error("cache mset failed")
	}
}

// GetOrSet returns the cached value for key, or invokes factory on a
// miss, stores its result, and returns it. factory runs at most once
// per call but concurrent callers missing simultaneously each invoke
// their own factory; cross-request deduplication is out of scope here
// and belongs to the idempotency guard. It reports whether the value
// came from the cache.
func (c *Cache) GetOrSet(ctx context.Context, key string, dest interface{}, factory func(context.Context) (interface{}, error), opts *Options) (bool, error) {
	if c.Get(ctx, key, dest, opts) {
		return true, nil
	}
	value, err := factory(ctx)
	if err != nil {
		return false, err
	}
	c.Set(ctx, key, value, opts)
	// Round-trip through the serializer so the caller observes exactly
	// what a later cache hit would return.
	payload, err := marshal(value)
	if err != nil {
		return false, err
	}
	if err := unmarshal(payload, dest); err != nil {
		return false, err
	}
	return false, nil
}

// InvalidatePattern deletes every key matching the glob pattern under
// the option prefix. When nothing matches, no delete is issued.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string, opts *Options) {
	fullPattern := c.buildKey(pattern, opts)
	keys, err := c.client.Keys(ctx, fullPattern).Result()
	if err != nil {
		c.logger.WithError(err).WithField("pattern", fullPattern).Error("cache pattern lookup failed")
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.WithError(err).WithField("pattern", fullPattern).Error("cache pattern delete failed")
	}
}

// Increment atomically adds by to the counter at key and returns the new
// value. When a TTL option is set the expiry is refreshed after the
// increment; the pair is not atomic, which is acceptable for the
// approximate counting the rate limiter does. Unlike the other methods
// the store error is returned, so the limiter can apply its own
// fail-open policy.
func (c *Cache) Increment(ctx context.Context, key string, by int64, opts *Options) (int64, error) {
	fullKey := c.buildKey(key, opts)
	count, err := c.client.IncrBy(ctx, fullKey, by).Result()
	if err != nil {
		return 0, err
	}
	if opts != nil && opts.TTL > 0 {
		if err := c.client.Expire(ctx, fullKey, opts.TTL).Err(); err != nil {
			c.logger.WithError(err).WithField("key", fullKey).Error("cache expire failed")
		}
	}
	return count, nil
}

// Exists reports whether key is present; errors count as absent.
func (c *Cache) Exists(ctx context.Context, key string, opts *Options) bool {
	n, err := c.client.Exists(ctx, c.buildKey(key, opts)).Result()
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Error("cache exists failed")
		return false
	}
	return n > 0
}

// TTL returns the remaining lifetime of key, or a negative duration
// when the key is absent or the store errs.
func (c *Cache) TTL(ctx context.Context, key string, opts *Options) time.Duration {
	d, err := c.client.TTL(ctx, c.buildKey(key, opts)).Result()
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Error("cache ttl failed")
		return -1
	}
	return d
}

// FlushAll drops every key in the store. Operator/test use only.
func (c *Cache) FlushAll(ctx context.Context) {
	if err := c.client.FlushAll(ctx).Err(); err != nil {
		c.logger.WithError(err).Error("cache flush failed")
	}
}

// Ping reports store reachability for health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
