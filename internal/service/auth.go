package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/punypage/punypage/internal/db"
	"github.com/punypage/punypage/internal/model"
)

const MinPasswordLength = 6

// AuthService is the local account store used when AUTH_MODE=local: bcrypt
// password hashes and opaque bearer tokens kept only as SHA-256 digests.
type AuthService struct {
	db          *db.DB
	tokenExpiry time.Duration
}

func NewAuthService(database *db.DB, tokenExpiryHours int) *AuthService {
	return &AuthService{
		db:          database,
		tokenExpiry: time.Duration(tokenExpiryHours) * time.Hour,
	}
}

// Register creates a user and signs them in.
func (s *AuthService) Register(ctx context.Context, email, password, displayName string) (string, *model.AuthUser, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return "", nil, &model.ValidationError{Field: "email", Message: "invalid email address"}
	}
	if len(password) < MinPasswordLength {
		return "", nil, &model.ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", MinPasswordLength)}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash password: %w", err)
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE email = ?`, email).Scan(&exists); err != nil {
		return "", nil, err
	}
	if exists > 0 {
		return "", nil, &model.ConflictError{Message: "email already registered"}
	}

	userID := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id,email,password_hash,display_name,status,created_at) VALUES(?,?,?,?,?,?)`,
		userID, email, string(hash), nullIfEmpty(displayName), "active", model.Now()); err != nil {
		return "", nil, fmt.Errorf("insert user: %w", err)
	}

	token, err := s.issueToken(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	return token, model.NewAuthUser(userID, email, strings.TrimSpace(displayName)), nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (string, *model.AuthUser, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var userID, hash string
	var displayName sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, password_hash, display_name FROM users WHERE email=? AND status='active'`, email).
		Scan(&userID, &hash, &displayName)
	if err != nil {
		return "", nil, &model.UnauthorizedError{Reason: "invalid email or password"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", nil, &model.UnauthorizedError{Reason: "invalid email or password"}
	}
	token, err := s.issueToken(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	return token, model.NewAuthUser(userID, email, displayName.String), nil
}

func (s *AuthService) Logout(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE token_hash=?`, hashToken(token))
	return err
}

// ValidateToken resolves an opaque bearer token to its user.
func (s *AuthService) ValidateToken(ctx context.Context, token string) (*model.AuthUser, error) {
	tokenHash := hashToken(token)

	var userID, email, expiresAt string
	var displayName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT u.user_id, u.email, u.display_name, t.expires_at
		FROM auth_tokens t
		JOIN users u ON u.user_id = t.user_id
		WHERE t.token_hash = ? AND u.status = 'active'`, tokenHash).
		Scan(&userID, &email, &displayName, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.UnauthorizedError{Reason: "invalid token"}
	}
	if err != nil {
		return nil, err
	}
	exp, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil || time.Now().UTC().After(exp) {
		return nil, &model.UnauthorizedError{Reason: "token expired"}
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET last_used_at=? WHERE token_hash=?`, model.Now(), tokenHash)

	return model.NewAuthUser(userID, email, displayName.String), nil
}

// PurgeExpiredTokens deletes tokens past their expiry.
func (s *AuthService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at < ?`, model.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *AuthService) issueToken(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_tokens(token_id,token_hash,user_id,expires_at,created_at) VALUES(?,?,?,?,?)`,
		uuid.NewString(), hashToken(token), userID, model.FormatTime(now.Add(s.tokenExpiry)), model.FormatTime(now))
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return strings.TrimSpace(v)
}
