package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/punypage/punypage/internal/db"
	"github.com/punypage/punypage/internal/model"
)

// SQLStore keeps chunks in the document_chunks table and ranks them in
// process. It suits single-user and small deployments.
type SQLStore struct {
	db *db.DB
}

func NewSQLStore(database *db.DB) *SQLStore {
	return &SQLStore{db: database}
}

func (s *SQLStore) ReplaceDocument(ctx context.Context, documentID string, chunks []StoredChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	now := model.Now()
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		vec, err := json.Marshal(c.Embedding)
		if err != nil {
			return err
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_chunks
				(id, document_id, user_id, chunk_index, content, section_heading, embedding, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, documentID, c.UserID, c.ChunkIndex, c.Content, c.SectionHeading, string(vec), string(meta), now); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID)
	return err
}

func (s *SQLStore) Search(ctx context.Context, userID string, vector []float32, limit int, threshold float64) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.user_id, d.title, d.path, c.chunk_index,
		       c.content, c.section_heading, c.embedding, c.metadata
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0)
	for rows.Next() {
		var c StoredChunk
		var heading sql.NullString
		var vec, meta string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.DocumentTitle, &c.DocumentPath,
			&c.ChunkIndex, &c.Content, &heading, &vec, &meta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vec), &c.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding of chunk %s: %w", c.ID, err)
		}
		_ = json.Unmarshal([]byte(meta), &c.Metadata)
		if heading.Valid {
			c.SectionHeading = &heading.String
		}
		score := cosine(vector, c.Embedding)
		if score < threshold {
			continue
		}
		c.Embedding = nil
		matches = append(matches, Match{Chunk: c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
