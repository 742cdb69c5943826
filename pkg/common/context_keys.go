package common

// Keys used to pass request-scoped values through the gin context.
const (
	UserContextKey      = "user_id"
	RequestIDContextKey = "request_id"
	IdempotencyKeyKey   = "idempotency_composite_key"
)

// Header names shared between middleware and tests.
const (
	IdempotencyKeyHeader    = "Idempotency-Key"
	IdempotencyKeyHeaderAlt = "X-Idempotency-Key"
	IdempotencyCacheHeader  = "X-Idempotency-Cache"
	RequestIDHeader         = "X-Request-ID"
)
