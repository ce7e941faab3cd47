package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punypage/punypage/internal/model"
)

func TestAuthServiceRegisterLoginValidate(t *testing.T) {
	svc := NewAuthService(setupTestDB(t), 1)
	ctx := context.Background()

	token, user, err := svc.Register(ctx, "Ada@Example.com", "secret1", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)

	got, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.UserID, got.UserID)
	assert.Equal(t, "Ada", got.DisplayName)

	_, _, err = svc.Login(ctx, "ada@example.com", "wrong-password")
	assert.True(t, IsUnauthorized(err))

	token2, _, err := svc.Login(ctx, "ada@example.com", "secret1")
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)

	require.NoError(t, svc.Logout(ctx, token2))
	_, err = svc.ValidateToken(ctx, token2)
	assert.True(t, IsUnauthorized(err))
}

func TestAuthServiceRegisterValidation(t *testing.T) {
	svc := NewAuthService(setupTestDB(t), 1)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "not-an-email", "secret1", "")
	var ve *model.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, _, err = svc.Register(ctx, "a@b.co", "12345", "")
	assert.True(t, errors.As(err, &ve), "password shorter than 6 characters")

	_, _, err = svc.Register(ctx, "a@b.co", "123456", "")
	require.NoError(t, err)
	_, _, err = svc.Register(ctx, "A@B.co", "123456", "")
	var ce *model.ConflictError
	assert.True(t, errors.As(err, &ce))
}

func TestAuthServiceExpiredToken(t *testing.T) {
	svc := NewAuthService(setupTestDB(t), 0)
	ctx := context.Background()

	token, _, err := svc.Register(ctx, "a@b.co", "123456", "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	_, err = svc.ValidateToken(ctx, token)
	assert.True(t, IsUnauthorized(err))

	n, err := svc.PurgeExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func signSupabaseToken(t *testing.T, secret string, claims supabaseClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestSupabaseAuthVerifiesJWT(t *testing.T) {
	auth := NewSupabaseAuth("", "", "jwt-secret")
	ctx := context.Background()

	valid := signSupabaseToken(t, "jwt-secret", supabaseClaims{
		Email:        "u@example.com",
		Role:         "authenticated",
		UserMetadata: map[string]any{"full_name": "User One"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	user, err := auth.ValidateToken(ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.UserID)
	assert.Equal(t, "User One", user.DisplayName)
	assert.Equal(t, "supabase", user.Provider)

	wrongAudience := signSupabaseToken(t, "jwt-secret", supabaseClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{"anon"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	_, err = auth.ValidateToken(ctx, wrongAudience)
	assert.True(t, IsUnauthorized(err))

	wrongSecret := signSupabaseToken(t, "other", supabaseClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	_, err = auth.ValidateToken(ctx, wrongSecret)
	assert.True(t, IsUnauthorized(err))

	expired := signSupabaseToken(t, "jwt-secret", supabaseClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	_, err = auth.ValidateToken(ctx, expired)
	assert.True(t, IsUnauthorized(err))
}

func TestSupabaseAuthRemoteLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" || r.Header.Get("apikey") != "anon" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"remote-1","email":"r@example.com","role":"authenticated","user_metadata":{"name":"Remote"}}`))
	}))
	defer srv.Close()

	auth := NewSupabaseAuth(srv.URL+"/", "anon", "")
	ctx := context.Background()

	user, err := auth.ValidateToken(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "remote-1", user.UserID)
	assert.Equal(t, "Remote", user.DisplayName)

	_, err = auth.ValidateToken(ctx, "bad")
	assert.True(t, IsUnauthorized(err))
}

func TestSupabaseAuthUnavailable(t *testing.T) {
	_, err := NewSupabaseAuth("", "", "").ValidateToken(context.Background(), "x")
	var ue *model.UnavailableError
	assert.True(t, errors.As(err, &ue))
}
