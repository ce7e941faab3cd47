package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/punypage/punypage/internal/db"
	"github.com/punypage/punypage/internal/model"
)

// ChatStore persists chat sessions (one per document) and their messages.
type ChatStore struct {
	db *db.DB
}

func NewChatStore(database *db.DB) *ChatStore {
	return &ChatStore{db: database}
}

// GetOrCreateSession returns the chat session bound to the document, creating
// it on first use. created reports whether this call inserted it.
func (s *ChatStore) GetOrCreateSession(ctx context.Context, userID, documentID string) (*model.ChatSession, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM documents WHERE id = ?`, documentID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return nil, false, &model.NotFoundError{Resource: "document", ID: documentID}
	}
	if err != nil {
		return nil, false, err
	}

	now := model.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, document_id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (document_id) DO NOTHING`,
		uuid.NewString(), documentID, userID, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert chat session: %w", err)
	}
	n, _ := res.RowsAffected()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, sdk_session_id, user_id, created_at, updated_at
		FROM chat_sessions WHERE document_id = ?`, documentID)
	sess, err := scanChatSession(row)
	if err != nil {
		return nil, false, err
	}
	return sess, n == 1, nil
}

// GetSession loads a session owned by userID.
func (s *ChatStore) GetSession(ctx context.Context, userID, sessionID string) (*model.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, sdk_session_id, user_id, created_at, updated_at
		FROM chat_sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	sess, err := scanChatSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Resource: "chat session", ID: sessionID}
	}
	return sess, err
}

func (s *ChatStore) SetSDKSessionID(ctx context.Context, sessionID, sdkSessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET sdk_session_id = ?, updated_at = ? WHERE id = ?`,
		sdkSessionID, model.Now(), sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Resource: "chat session", ID: sessionID}
	}
	return nil
}

func (s *ChatStore) AppendMessage(ctx context.Context, sessionID, role, content string, messageUUID *string) (*model.ChatMessage, error) {
	if role != model.RoleUser && role != model.RoleAssistant {
		return nil, &model.ValidationError{Field: "role", Message: "must be user or assistant"}
	}
	msg := &model.ChatMessage{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Role:        role,
		Content:     content,
		MessageUUID: messageUUID,
		CreatedAt:   model.Now(),
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, message_uuid, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.MessageUUID, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert chat message: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, msg.CreatedAt, sessionID)
	return msg, nil
}

// ListMessages returns a session's messages, oldest first.
func (s *ChatStore) ListMessages(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, message_uuid, created_at
		FROM chat_messages WHERE session_id = ?
		ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ChatMessage, 0)
	for rows.Next() {
		var m model.ChatMessage
		var uuidCol sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &uuidCol, &m.CreatedAt); err != nil {
			return nil, err
		}
		if uuidCol.Valid {
			m.MessageUUID = &uuidCol.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanChatSession(row rowScanner) (*model.ChatSession, error) {
	var sess model.ChatSession
	var sdk sql.NullString
	if err := row.Scan(&sess.ID, &sess.DocumentID, &sdk, &sess.UserID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if sdk.Valid {
		sess.SDKSessionID = &sdk.String
	}
	return &sess, nil
}
