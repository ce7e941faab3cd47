package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/punypage/punypage/internal/model"
)

const supabaseAudience = "authenticated"

// SupabaseAuth validates access tokens issued by the Supabase auth service.
// With a JWT secret configured tokens are verified locally; otherwise each
// token is checked against the provider's /auth/v1/user endpoint.
type SupabaseAuth struct {
	baseURL   string
	anonKey   string
	jwtSecret []byte
	client    *http.Client
}

func NewSupabaseAuth(baseURL, anonKey, jwtSecret string) *SupabaseAuth {
	s := &SupabaseAuth{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		anonKey: strings.TrimSpace(anonKey),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	if jwtSecret != "" {
		s.jwtSecret = []byte(jwtSecret)
	}
	return s
}

type supabaseClaims struct {
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	UserMetadata map[string]any `json:"user_metadata"`
	jwt.RegisteredClaims
}

func (s *SupabaseAuth) ValidateToken(ctx context.Context, token string) (*model.AuthUser, error) {
	if len(s.jwtSecret) > 0 {
		return s.verifyJWT(token)
	}
	return s.fetchUser(ctx, token)
}

func (s *SupabaseAuth) verifyJWT(token string) (*model.AuthUser, error) {
	var claims supabaseClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(supabaseAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, &model.UnauthorizedError{Reason: err.Error()}
	}
	if claims.Subject == "" {
		return nil, &model.UnauthorizedError{Reason: "token has no subject"}
	}
	return supabaseUser(claims.Subject, claims.Email, claims.Role, claims.UserMetadata), nil
}

type supabaseUserResponse struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (s *SupabaseAuth) fetchUser(ctx context.Context, token string) (*model.AuthUser, error) {
	if s.baseURL == "" {
		return nil, &model.UnavailableError{Backend: "auth provider"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if s.anonKey != "" {
		req.Header.Set("apikey", s.anonKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &model.UnavailableError{Backend: "auth provider", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &model.UnauthorizedError{Reason: "token rejected by auth provider"}
	}
	if resp.StatusCode >= 400 {
		return nil, &model.UnavailableError{
			Backend: "auth provider",
			Err:     fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var u supabaseUserResponse
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode auth user: %w", err)
	}
	if u.ID == "" {
		return nil, &model.UnauthorizedError{Reason: "auth provider returned no user"}
	}
	return supabaseUser(u.ID, u.Email, u.Role, u.UserMetadata), nil
}

func supabaseUser(id, email, role string, meta map[string]any) *model.AuthUser {
	name, _ := meta["full_name"].(string)
	if name == "" {
		name, _ = meta["name"].(string)
	}
	u := model.NewAuthUser(id, email, name)
	u.Provider = "supabase"
	if role != "" {
		u.Role = role
	}
	return u
}

// TokenValidator resolves a bearer token to a principal.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*model.AuthUser, error)
}

// IsUnauthorized reports whether err means the credentials were rejected,
// as opposed to the provider being unreachable.
func IsUnauthorized(err error) bool {
	var ue *model.UnauthorizedError
	return errors.As(err, &ue)
}
