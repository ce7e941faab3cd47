package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/db"
	"github.com/punypage/punypage/internal/doctree"
	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/tiptap"
)

const documentColumns = `id, title, content, path, is_folder, user_id, status, metadata, created_at, updated_at, indexed_at`

// DocumentService is the document store. Every user-facing method is scoped
// to the owning user id; rows of other users behave as missing.
type DocumentService struct {
	db     *db.DB
	logger *zap.Logger
	chunks ChunkDeleter
}

// ChunkDeleter removes the search chunks of a document from a vector store
// that is not covered by the documents table's foreign key.
type ChunkDeleter interface {
	DeleteDocument(ctx context.Context, documentID string) error
}

// SetChunkStore makes Delete also drop the document's search chunks.
func (s *DocumentService) SetChunkStore(chunks ChunkDeleter) {
	s.chunks = chunks
}

func NewDocumentService(database *db.DB, logger *zap.Logger) *DocumentService {
	return &DocumentService{db: database, logger: logging.OrNop(logger).Named("documents")}
}

func (s *DocumentService) List(ctx context.Context, userID string, f model.ListFilter) ([]model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE user_id = ?`
	args := []any{userID}
	if f.Path != nil {
		query += ` AND path = ?`
		args = append(args, *f.Path)
	}
	if f.IsFolder != nil {
		query += ` AND is_folder = ?`
		args = append(args, *f.IsFolder)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// Tree returns the user's documents as a folder tree.
func (s *DocumentService) Tree(ctx context.Context, userID string) ([]*doctree.Node, error) {
	docs, err := s.List(ctx, userID, model.ListFilter{})
	if err != nil {
		return nil, err
	}
	return doctree.BuildTree(docs, s.logger), nil
}

func (s *DocumentService) Get(ctx context.Context, userID, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND user_id = ?`, id, userID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Resource: "document", ID: id}
	}
	return doc, err
}

func (s *DocumentService) Create(ctx context.Context, userID string, in model.CreateDocumentInput) (*model.Document, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, &model.ValidationError{Field: "title", Message: "is required"}
	}
	path := in.Path
	if path == "" {
		path = "/"
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	status := in.Status
	if status == "" {
		status = model.StatusDraft
	}
	if !model.ValidStatus(status) {
		return nil, &model.ValidationError{Field: "status", Message: "must be draft, published or archived"}
	}
	content, err := normalizeContent(in.Content)
	if err != nil {
		return nil, err
	}
	metadata, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := model.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, path, is_folder, user_id, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, title, content, path, in.IsFolder, userID, status, metadata, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	s.logger.Info("document created", zap.String("document_id", id), zap.String("user_id", userID))
	return s.Get(ctx, userID, id)
}

func (s *DocumentService) Update(ctx context.Context, userID, id string, in model.UpdateDocumentInput) (*model.Document, error) {
	if in.Empty() {
		return nil, &model.ValidationError{Message: "no fields provided for update"}
	}
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return nil, &model.ValidationError{Field: "title", Message: "must not be empty"}
	}
	if in.Path != nil {
		if err := validatePath(*in.Path); err != nil {
			return nil, err
		}
	}
	if in.Status != nil && !model.ValidStatus(*in.Status) {
		return nil, &model.ValidationError{Field: "status", Message: "must be draft, published or archived"}
	}
	var content, metadata any
	if len(in.Content) > 0 {
		c, err := normalizeContent(in.Content)
		if err != nil {
			return nil, err
		}
		content = c
	}
	if len(in.Metadata) > 0 {
		m, err := normalizeMetadata(in.Metadata)
		if err != nil {
			return nil, err
		}
		metadata = m
	}

	now := model.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			title      = COALESCE(?, title),
			content    = COALESCE(?, content),
			path       = COALESCE(?, path),
			is_folder  = COALESCE(?, is_folder),
			status     = COALESCE(?, status),
			metadata   = COALESCE(?, metadata),
			updated_at = ?
		WHERE id = ? AND user_id = ?`,
		trimmedOrNil(in.Title), content, in.Path, in.IsFolder, in.Status, metadata, now, id, userID)
	if err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &model.NotFoundError{Resource: "document", ID: id}
	}
	return s.Get(ctx, userID, id)
}

func (s *DocumentService) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Resource: "document", ID: id}
	}
	s.logger.Info("document deleted", zap.String("document_id", id), zap.String("user_id", userID))
	if s.chunks != nil {
		// The row is gone either way; a failure leaves chunks that the next
		// pipeline run cannot reach, so it is logged loudly.
		if err := s.chunks.DeleteDocument(context.WithoutCancel(ctx), id); err != nil {
			s.logger.Error("delete document chunks", zap.String("document_id", id), zap.Error(err))
		}
	}
	return nil
}

// ListNeedingIndex returns documents of all users that were never indexed
// or changed after their last indexing. Folders are never indexed.
func (s *DocumentService) ListNeedingIndex(ctx context.Context) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE is_folder = ? ORDER BY updated_at`, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	// Timestamps are compared as instants, not strings.
	out := make([]model.Document, 0, len(all))
	for _, d := range all {
		if d.NeedsIndex() {
			out = append(out, d)
		}
	}
	return out, nil
}

// MarkIndexed returns *model.NotFoundError when the document was deleted
// meanwhile.
func (s *DocumentService) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET indexed_at = ? WHERE id = ?`,
		model.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Resource: "document", ID: id}
	}
	return nil
}

// Markdown returns the document body as markdown.
func (s *DocumentService) Markdown(doc *model.Document) (string, error) {
	c, err := tiptap.Decode(doc.Content)
	if err != nil {
		return "", err
	}
	return c.AsMarkdown(), nil
}

func validatePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return &model.ValidationError{Field: "path", Message: "must start with /"}
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return &model.ValidationError{Field: "path", Message: "must not end with /"}
	}
	return nil
}

// normalizeContent checks the body is a Tiptap object or a markdown string
// and returns the text stored in the content column.
func normalizeContent(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if _, err := tiptap.Decode(raw); err != nil {
		return nil, &model.ValidationError{Field: "content", Message: err.Error()}
	}
	return string(raw), nil
}

func normalizeMetadata(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "{}", nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", &model.ValidationError{Field: "metadata", Message: "must be a JSON object"}
	}
	return string(raw), nil
}

func trimmedOrNil(v *string) any {
	if v == nil {
		return nil
	}
	return strings.TrimSpace(*v)
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocuments(rows *sql.Rows) ([]model.Document, error) {
	out := make([]model.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var d model.Document
	var content, indexedAt sql.NullString
	var metadata string
	if err := row.Scan(
		&d.ID, &d.Title, &content, &d.Path, &d.IsFolder, &d.UserID, &d.Status,
		&metadata, &d.CreatedAt, &d.UpdatedAt, &indexedAt,
	); err != nil {
		return nil, err
	}
	if content.Valid && content.String != "" {
		d.Content = json.RawMessage(content.String)
	} else {
		d.Content = json.RawMessage("null")
	}
	d.Metadata = json.RawMessage(metadata)
	if indexedAt.Valid {
		d.IndexedAt = &indexedAt.String
	}
	return &d, nil
}
