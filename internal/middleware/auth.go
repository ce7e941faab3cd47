package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/punypage/punypage/internal/model"
)

type contextKey string

const (
	ctxUser        contextKey = "user"
	ctxToken       contextKey = "token"
	ctxRequestUser contextKey = "request_user"
)

// TokenValidator resolves a bearer token to the principal it belongs to.
type TokenValidator func(ctx context.Context, token string) (*model.AuthUser, error)

// AuthMiddleware injects the current principal into request context.
// The token comes from "Authorization: Bearer <token>"; WebSocket upgrade
// requests may pass it as the "token" query parameter instead, since browsers
// cannot set headers on a socket handshake.
func AuthMiddleware(validateToken TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "E_UNAUTHORIZED", "missing token")
				return
			}
			user, err := validateToken(r.Context(), token)
			if err != nil {
				var unavailable *model.UnavailableError
				if errors.As(err, &unavailable) {
					writeAuthError(w, http.StatusServiceUnavailable, "E_UNAVAILABLE", "auth provider unavailable")
					return
				}
				writeAuthError(w, http.StatusUnauthorized, "E_UNAUTHORIZED", "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user, token)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if isWebSocketUpgrade(r) {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}

// WithUser stores the principal and the raw token on ctx.
func WithUser(ctx context.Context, user *model.AuthUser, token string) context.Context {
	if seen, ok := ctx.Value(ctxRequestUser).(*requestUser); ok && user != nil {
		seen.id = user.UserID
	}
	ctx = context.WithValue(ctx, ctxUser, user)
	return context.WithValue(ctx, ctxToken, token)
}

// UserFromCtx extracts the authenticated user from context.
func UserFromCtx(ctx context.Context) *model.AuthUser {
	u, _ := ctx.Value(ctxUser).(*model.AuthUser)
	return u
}

// TokenFromCtx returns the bearer token the request was authenticated with.
func TokenFromCtx(ctx context.Context) string {
	t, _ := ctx.Value(ctxToken).(string)
	return t
}
