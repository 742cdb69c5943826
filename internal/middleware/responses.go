package middleware

import (
	"github.com/gin-gonic/gin"
)

// Stable machine-readable error codes exposed to clients.
const (
	CodeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
	CodeInvalidIdempotencyKey  = "INVALID_IDEMPOTENCY_KEY"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeOriginNotAllowed       = "ORIGIN_NOT_ALLOWED"
	CodeInternalError          = "INTERNAL_ERROR"
)

// ErrorBody is the structured error shape for every user-visible
// failure. Store-specific error details never leak into it.
type ErrorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

// abortWithError writes the structured body and stops the chain.
func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{
		StatusCode: status,
		Message:    message,
		Error:      code,
	})
}
