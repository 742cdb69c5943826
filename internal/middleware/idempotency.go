package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/StellarBearX/stanlendar-sub002/pkg/common"
	"github.com/StellarBearX/stanlendar-sub002/pkg/idempotency"
)

// IdempotencyMiddleware extracts and validates the client idempotency
// key on state-changing requests, derives the composite key from the
// request fingerprint, and stores it in the context for the handler
// wrapper that invokes the guard. Embedding the fingerprint means a
// client key replayed with a different body is treated as a different
// operation instead of being served the wrong stored result.
type IdempotencyMiddleware struct {
	logger *logrus.Logger
}

func NewIdempotencyMiddleware(logger *logrus.Logger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{logger: logger}
}

func stateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (m *IdempotencyMiddleware) Extract() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !stateChanging(c.Request.Method) {
			c.Next()
			return
		}

		key := c.GetHeader(common.IdempotencyKeyHeader)
		if key == "" {
			key = c.GetHeader(common.IdempotencyKeyHeaderAlt)
		}
		if key == "" {
			abortWithError(c, http.StatusBadRequest, CodeIdempotencyKeyRequired, "Idempotency-Key header is required for state-changing requests")
			return
		}
		if !idempotency.ValidateKey(key) {
			abortWithError(c, http.StatusBadRequest, CodeInvalidIdempotencyKey, "Idempotency-Key must be 16-64 characters of [A-Za-z0-9_-]")
			return
		}

		body, err := readBody(c)
		if err != nil {
			m.logger.WithError(err).Error("failed to read request body")
			abortWithError(c, http.StatusBadRequest, CodeInvalidIdempotencyKey, "Request body could not be read")
			return
		}

		userID := c.GetString(common.UserContextKey)
		endpoint := c.Request.Method + " " + c.Request.URL.Path
		fingerprint, err := idempotency.Fingerprint(userID, endpoint, body)
		if err != nil {
			m.logger.WithError(err).Error("failed to fingerprint request")
			abortWithError(c, http.StatusInternalServerError, CodeInternalError, "Failed to process request")
			return
		}

		c.Set(common.IdempotencyKeyKey, key+":"+fingerprint)
		c.Next()
	}
}

// readBody consumes the request body for fingerprinting and restores it
// so the business handler still sees it. An empty body fingerprints as
// a nil payload; a non-JSON body falls back to its raw bytes.
func readBody(c *gin.Context) (interface{}, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	if len(raw) == 0 {
		return nil, nil
	}
	var body interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return string(raw), nil
	}
	return body, nil
}
