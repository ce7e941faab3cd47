package model

import (
	"encoding/json"
	"time"
)

const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusArchived  = "archived"
)

// ValidStatus reports whether s is one of the document lifecycle states.
func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusPublished, StatusArchived:
		return true
	}
	return false
}

// Document is a row of the documents table. Content holds either a Tiptap
// JSON object or a JSON string of markdown.
type Document struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content"`
	Path      string          `json:"path"`
	IsFolder  bool            `json:"is_folder"`
	UserID    string          `json:"user_id"`
	Status    string          `json:"status"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
	IndexedAt *string         `json:"indexed_at,omitempty"`
}

// NeedsIndex is true when the document was never indexed or changed since.
func (d *Document) NeedsIndex() bool {
	if d.IndexedAt == nil || *d.IndexedAt == "" {
		return true
	}
	updated, err := time.Parse(time.RFC3339Nano, d.UpdatedAt)
	if err != nil {
		return true
	}
	indexed, err := time.Parse(time.RFC3339Nano, *d.IndexedAt)
	if err != nil {
		return true
	}
	return updated.After(indexed)
}

// CreateDocumentInput is the payload for a new document or folder.
type CreateDocumentInput struct {
	Title    string          `json:"title" validate:"required,max=500"`
	Content  json.RawMessage `json:"content"`
	Path     string          `json:"path" validate:"omitempty,startswith=/"`
	IsFolder bool            `json:"is_folder"`
	Status   string          `json:"status" validate:"omitempty,oneof=draft published archived"`
	Metadata json.RawMessage `json:"metadata"`
}

// UpdateDocumentInput is a partial update; nil fields are left untouched.
type UpdateDocumentInput struct {
	Title    *string         `json:"title" validate:"omitempty,max=500"`
	Content  json.RawMessage `json:"content"`
	Path     *string         `json:"path" validate:"omitempty,startswith=/"`
	IsFolder *bool           `json:"is_folder"`
	Status   *string         `json:"status" validate:"omitempty,oneof=draft published archived"`
	Metadata json.RawMessage `json:"metadata"`
}

// Empty is true when no field would change.
func (in UpdateDocumentInput) Empty() bool {
	return in.Title == nil && len(in.Content) == 0 && in.Path == nil &&
		in.IsFolder == nil && in.Status == nil && len(in.Metadata) == 0
}

// ListFilter narrows a document listing.
type ListFilter struct {
	Path     *string
	IsFolder *bool
}
