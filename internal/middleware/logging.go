package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/observability"
)

// RequestLogger logs one line per request and records HTTP metrics. Route
// patterns listed in untimed (streams and sockets) are counted but kept out of
// the latency histogram.
func RequestLogger(logger *zap.Logger, metrics *observability.Metrics, untimed ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(untimed))
	for _, p := range untimed {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			seen := &requestUser{}
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), ctxRequestUser, seen)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.ObserveHTTP(r.Method, route, strconv.Itoa(status), elapsed, !skip[route])

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.String("trace_id", TraceIDFromCtx(r.Context())),
			}
			if seen.id != "" {
				fields = append(fields, zap.String("user_id", seen.id))
			}
			switch {
			case status >= 500:
				logger.Error("request", fields...)
			case status >= 400:
				logger.Warn("request", fields...)
			default:
				logger.Info("request", fields...)
			}
		})
	}
}

// requestUser lets the outer request logger see the user that the inner auth
// middleware resolved.
type requestUser struct {
	id string
}
