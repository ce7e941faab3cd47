package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/observability"
)

func TestCORSAllowsOnlyFrontendOrigin(t *testing.T) {
	handler := CORS("http://localhost:5500")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Origin", "http://localhost:5500")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:5500", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/documents", nil)
	req.Header.Set("Origin", "http://localhost:5500")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestRequireInternalSecret(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })

	cases := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"match", "s3cret", "s3cret", http.StatusAccepted},
		{"mismatch", "s3cret", "nope", http.StatusForbidden},
		{"disabled", "", "", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/rag/ingest", nil)
			if tc.header != "" {
				req.Header.Set("X-Internal-Secret", tc.header)
			}
			rr := httptest.NewRecorder()
			RequireInternalSecret(tc.secret)(ok).ServeHTTP(rr, req)
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestTraceReusesIncomingID(t *testing.T) {
	var seen string
	handler := Trace(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromCtx(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-Id", "trace-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, "trace-1", seen)
	assert.Equal(t, "trace-1", rr.Header().Get("X-Trace-Id"))

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rr.Header().Get("X-Trace-Id"))
}

func TestTraceReplacesUnsafeIDs(t *testing.T) {
	handler := Trace(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	for name, id := range map[string]string{
		"empty":    "",
		"newline":  "abc\ninjected",
		"space":    "a b",
		"too long": strings.Repeat("x", maxTraceIDLength+1),
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TraceHeader, id)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		got := rr.Header().Get(TraceHeader)
		assert.NotEqual(t, id, got, name)
		_, err := uuid.Parse(got)
		assert.NoError(t, err, name)
	}
}

func TestRateLimiterPerUser(t *testing.T) {
	limiter := NewRateLimiter(2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"), "buckets are per user")

	now = now.Add(30 * time.Second)
	assert.True(t, limiter.Allow("a"), "one token refills every 30s at 2/min")
}

func TestRateLimiterMiddlewareReturns429(t *testing.T) {
	limiter := NewRateLimiter(1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	user := model.NewAuthUser("u1", "u1@example.com", "")

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/api/chat/stream", nil)
		req = req.WithContext(WithUser(req.Context(), user, "t"))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, want, rr.Code, "request %d", i)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("u"))
	}
}

func TestRequestLoggerRecordsRoutePattern(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(RequestLogger(zap.New(core), metrics))
	r.Get("/api/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/documents/abc", nil))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, int64(404), entry.ContextMap()["status"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/documents/{id}", "404")))
}

func TestRequestLoggerSeesAuthenticatedUser(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	validate := func(_ context.Context, token string) (*model.AuthUser, error) {
		return model.NewAuthUser("user-7", "u7@example.com", ""), nil
	}

	r := chi.NewRouter()
	r.Use(RequestLogger(zap.New(core), nil))
	r.With(AuthMiddleware(validate)).Get("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer t")
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "user-7", logs.All()[0].ContextMap()["user_id"])
}
