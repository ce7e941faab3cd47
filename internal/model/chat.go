package model

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatSession binds one document to one agent conversation.
type ChatSession struct {
	ID           string  `json:"id"`
	DocumentID   string  `json:"document_id"`
	SDKSessionID *string `json:"sdk_session_id"`
	UserID       string  `json:"user_id"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// ChatMessage is one persisted turn in a chat session.
type ChatMessage struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	Role        string  `json:"role"`
	Content     string  `json:"content"`
	MessageUUID *string `json:"message_uuid,omitempty"`
	CreatedAt   string  `json:"created_at"`
}
