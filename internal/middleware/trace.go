package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// TraceHeader carries the request's trace id in both directions.
const TraceHeader = "X-Trace-Id"

const maxTraceIDLength = 128

type traceCtxKey struct{}

// Trace tags each request with a trace id for the request log and echoes it
// back. A caller-supplied id is kept only when it is short printable ASCII;
// anything else is replaced so it cannot forge log lines.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if !validTraceID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(TraceHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceCtxKey{}, id)))
	})
}

func validTraceID(id string) bool {
	if id == "" || len(id) > maxTraceIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// TraceIDFromCtx returns the request's trace id, or "" outside a request.
func TraceIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(traceCtxKey{}).(string)
	return id
}
