package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StellarBearX/stanlendar-sub002/pkg/cache"
	"github.com/StellarBearX/stanlendar-sub002/pkg/common"
	"github.com/StellarBearX/stanlendar-sub002/pkg/config"
	"github.com/StellarBearX/stanlendar-sub002/pkg/idempotency"
	"github.com/StellarBearX/stanlendar-sub002/pkg/metrics"
	"github.com/StellarBearX/stanlendar-sub002/pkg/ratelimit"
)

const testKey = "abcd1234abcd1234"

type testEnv struct {
	server *Server
	mr     *miniredis.Miniredis
	cfg    *config.Config
}

func setupTestServer(t *testing.T, tweak func(cfg *config.Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{}
	cfg.Server.Port = 8080
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Cache.DefaultTTL = time.Hour
	cfg.Cache.Prefix = "responses"
	cfg.Idempotency.TTL = 24 * time.Hour
	cfg.Idempotency.Prefix = "idempotency"
	cfg.RateLimit.General = config.WindowConfig{MaxRequests: 100, Window: 15 * time.Minute, Prefix: "ratelimit"}
	cfg.RateLimit.Auth = config.WindowConfig{MaxRequests: 10, Window: 5 * time.Minute, Prefix: "ratelimit:auth"}
	cfg.Invalidation.Rules = config.DefaultInvalidationRules()
	if tweak != nil {
		tweak(cfg)
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

	srv := New(cfg, store, guard, general, auth, metrics.New(), logger)
	return &testEnv{server: srv, mr: mr, cfg: cfg}
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:50000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	e.server.router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do("GET", "/health", "", nil)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestHealthCheckReportsStoreDown(t *testing.T) {
	env := setupTestServer(t, nil)
	env.mr.Close()

	w := env.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "down")
}

func TestRetriedPostExecutesOnce(t *testing.T) {
	env := setupTestServer(t, nil)

	count := 0
	env.server.Handle("POST", "/subjects", func(c *gin.Context) (interface{}, error) {
		count++
		return gin.H{"count": count}, nil
	})

	headers := map[string]string{common.IdempotencyKeyHeader: testKey}
	body := `{"name":"CS101"}`

	first := env.do("POST", "/api/v1/subjects", body, headers)
	require.Equal(t, 200, first.Code)
	assert.Equal(t, "MISS", first.Header().Get(common.IdempotencyCacheHeader))

	second := env.do("POST", "/api/v1/subjects", body, headers)
	third := env.do("POST", "/api/v1/subjects", body, headers)

	assert.Equal(t, "HIT", second.Header().Get(common.IdempotencyCacheHeader))
	assert.Equal(t, "HIT", third.Header().Get(common.IdempotencyCacheHeader))
	assert.Equal(t, 1, count)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.JSONEq(t, first.Body.String(), third.Body.String())
}

func TestSameKeyDifferentBodyExecutesAgain(t *testing.T) {
	env := setupTestServer(t, nil)

	count := 0
	env.server.Handle("POST", "/subjects", func(c *gin.Context) (interface{}, error) {
		count++
		return gin.H{"count": count}, nil
	})

	headers := map[string]string{common.IdempotencyKeyHeader: testKey}
	env.do("POST", "/api/v1/subjects", `{"name":"CS101"}`, headers)
	w := env.do("POST", "/api/v1/subjects", `{"name":"CS102"}`, headers)

	// A different body fingerprints differently, so the reused client
	// key is a different operation, not a replay.
	assert.Equal(t, "MISS", w.Header().Get(common.IdempotencyCacheHeader))
	assert.Equal(t, 2, count)
}

func TestKeyOrderInsensitiveReplay(t *testing.T) {
	env := setupTestServer(t, nil)

	count := 0
	env.server.Handle("POST", "/subjects", func(c *gin.Context) (interface{}, error) {
		count++
		return gin.H{"count": count}, nil
	})

	headers := map[string]string{common.IdempotencyKeyHeader: testKey}
	env.do("POST", "/api/v1/subjects", `{"name":"CS101","credits":3}`, headers)
	w := env.do("POST", "/api/v1/subjects", `{"credits":3,"name":"CS101"}`, headers)

	assert.Equal(t, "HIT", w.Header().Get(common.IdempotencyCacheHeader))
	assert.Equal(t, 1, count)
}

func TestMissingIdempotencyKeyRejected(t *testing.T) {
	env := setupTestServer(t, nil)
	env.server.Handle("POST", "/subjects", func(c *gin.Context) (interface{}, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})

	w := env.do("POST", "/api/v1/subjects", `{"name":"CS101"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "IDEMPOTENCY_KEY_REQUIRED")
}

func TestMalformedIdempotencyKeyRejected(t *testing.T) {
	env := setupTestServer(t, nil)
	env.server.Handle("POST", "/subjects", func(c *gin.Context) (interface{}, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})

	for _, key := range []string{"short", "has spaces here yes!", strings.Repeat("x", 65)} {
		w := env.do("POST", "/api/v1/subjects", `{}`, map[string]string{common.IdempotencyKeyHeader: key})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_IDEMPOTENCY_KEY")
	}
}

func TestAlternateIdempotencyHeader(t *testing.T) {
	env := setupTestServer(t, nil)
	env.server.Handle("POST", "/subjects", func(c *gin.Context) (interface{}, error) {
		return gin.H{"ok": true}, nil
	})

	w := env.do("POST", "/api/v1/subjects", `{}`, map[string]string{common.IdempotencyKeyHeaderAlt: testKey})
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "MISS", w.Header().Get(common.IdempotencyCacheHeader))
}

func TestHandlerErrorPropagatesAndIsNotCached(t *testing.T) {
	env := setupTestServer(t, nil)

	calls := 0
	env.server.Handle("POST", "/sync", func(c *gin.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, assert.AnError
		}
		return gin.H{"ok": true}, nil
	})

	headers := map[string]string{common.IdempotencyKeyHeader: testKey}
	first := env.do("POST", "/api/v1/sync", `{}`, headers)
	assert.Equal(t, http.StatusInternalServerError, first.Code)

	second := env.do("POST", "/api/v1/sync", `{}`, headers)
	assert.Equal(t, 200, second.Code)
	assert.Equal(t, "MISS", second.Header().Get(common.IdempotencyCacheHeader))
	assert.Equal(t, 2, calls)
}

func TestGetServedFromCache(t *testing.T) {
	env := setupTestServer(t, nil)

	calls := 0
	env.server.Handle("GET", "/subjects", func(c *gin.Context) (interface{}, error) {
		calls++
		return gin.H{"items": []string{"CS101"}, "calls": calls}, nil
	})

	first := env.do("GET", "/api/v1/subjects", "", nil)
	second := env.do("GET", "/api/v1/subjects", "", nil)

	assert.Equal(t, 200, first.Code)
	assert.Equal(t, 200, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, calls)
}

func TestGetCacheKeyedByQuery(t *testing.T) {
	env := setupTestServer(t, nil)

	calls := 0
	env.server.Handle("GET", "/events", func(c *gin.Context) (interface{}, error) {
		calls++
		return gin.H{"calls": calls}, nil
	})

	env.do("GET", "/api/v1/events?week=1", "", nil)
	env.do("GET", "/api/v1/events?week=2", "", nil)
	env.do("GET", "/api/v1/events?week=1", "", nil)

	assert.Equal(t, 2, calls)
}

func TestWriteInvalidatesCachedReads(t *testing.T) {
	env := setupTestServer(t, nil)

	reads := 0
	env.server.Handle("GET", "/subjects", func(c *gin.Context) (interface{}, error) {
		reads++
		return gin.H{"reads": reads}, nil
	})
	env.server.Handle("POST", "/subjects", func(c *gin.Context) (interface{}, error) {
		return gin.H{"created": true}, nil
	})

	env.do("GET", "/api/v1/subjects", "", nil)
	env.do("GET", "/api/v1/subjects", "", nil)
	require.Equal(t, 1, reads)

	w := env.do("POST", "/api/v1/subjects", `{"name":"CS101"}`, map[string]string{common.IdempotencyKeyHeader: testKey})
	require.Equal(t, 200, w.Code)

	env.do("GET", "/api/v1/subjects", "", nil)
	assert.Equal(t, 2, reads, "write should evict the cached read")
}

func TestWriteToUnrelatedResourceKeepsCache(t *testing.T) {
	env := setupTestServer(t, nil)

	reads := 0
	env.server.Handle("GET", "/subjects", func(c *gin.Context) (interface{}, error) {
		reads++
		return gin.H{"reads": reads}, nil
	})
	env.server.Handle("POST", "/events", func(c *gin.Context) (interface{}, error) {
		return gin.H{"created": true}, nil
	})

	env.do("GET", "/api/v1/subjects", "", nil)
	// events writes only evict *events* patterns.
	env.do("POST", "/api/v1/events", `{}`, map[string]string{common.IdempotencyKeyHeader: testKey})
	env.do("GET", "/api/v1/subjects", "", nil)

	assert.Equal(t, 1, reads)
}

func TestGeneralRateLimit(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.General.MaxRequests = 3
	})
	env.server.Handle("GET", "/subjects", func(c *gin.Context) (interface{}, error) {
		return gin.H{}, nil
	})

	for i := 0; i < 3; i++ {
		w := env.do("GET", "/api/v1/subjects", "", nil)
		require.Equal(t, 200, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	}

	w := env.do("GET", "/api/v1/subjects", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body struct {
		StatusCode int    `json:"statusCode"`
		Message    string `json:"message"`
		Error      string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, http.StatusTooManyRequests, body.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error)
	assert.NotEmpty(t, body.Message)
}

func TestAuthRoutesUseStricterLimit(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.General.MaxRequests = 100
		cfg.RateLimit.Auth.MaxRequests = 2
	})
	env.server.HandleAuth("POST", "/login", func(c *gin.Context) (interface{}, error) {
		return gin.H{"token": "t"}, nil
	})

	headers := map[string]string{common.IdempotencyKeyHeader: testKey}
	for i := 0; i < 2; i++ {
		w := env.do("POST", "/api/v1/auth/login", `{}`, headers)
		require.Equal(t, 200, w.Code)
	}

	w := env.do("POST", "/api/v1/auth/login", `{}`, headers)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAuthThrottleCountsKeylessRequests(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.General.MaxRequests = 100
		cfg.RateLimit.Auth.MaxRequests = 2
	})
	env.server.HandleAuth("POST", "/login", func(c *gin.Context) (interface{}, error) {
		return gin.H{"token": "t"}, nil
	})

	// Requests without an idempotency key are rejected with 400, but the
	// auth throttle must count them first or a key-less flood would only
	// ever face the general limit.
	for i := 0; i < 2; i++ {
		w := env.do("POST", "/api/v1/auth/login", `{}`, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	}

	w := env.do("POST", "/api/v1/auth/login", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimitFailsOpenDuringOutage(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.General.MaxRequests = 1
	})
	env.server.Handle("GET", "/subjects", func(c *gin.Context) (interface{}, error) {
		return gin.H{}, nil
	})
	env.mr.Close()

	// The read cache also fails open, so the handler runs every time.
	for i := 0; i < 3; i++ {
		w := env.do("GET", "/api/v1/subjects", "", nil)
		assert.Equal(t, 200, w.Code)
	}
}

func TestIdempotencyFailsClosedDuringOutage(t *testing.T) {
	env := setupTestServer(t, nil)

	calls := 0
	env.server.Handle("POST", "/subjects", func(c *gin.Context) (interface{}, error) {
		calls++
		return gin.H{}, nil
	})
	env.mr.Close()

	w := env.do("POST", "/api/v1/subjects", `{}`, map[string]string{common.IdempotencyKeyHeader: testKey})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, calls, "operation must not run when the dedup record is unreadable")
}

func TestSecurityHeadersPresent(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do("GET", "/health", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get(common.RequestIDHeader))
}

func TestDisallowedOriginRejected(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	})

	w := env.do("GET", "/health", "", map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "ORIGIN_NOT_ALLOWED")

	ok := env.do("GET", "/health", "", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, 200, ok.Code)
	assert.Equal(t, "https://app.example.com", ok.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do("GET", "/metrics", "", nil)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
