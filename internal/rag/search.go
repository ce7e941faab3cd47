package rag

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/model"
)

const (
	DefaultSearchLimit     = 5
	DefaultSearchThreshold = 0.7
)

type SearchRequest struct {
	Query               string   `json:"query" validate:"required,min=1,max=1000"`
	Limit               *int     `json:"limit" validate:"omitempty,min=1,max=20"`
	SimilarityThreshold *float64 `json:"similarity_threshold" validate:"omitempty,min=0,max=1"`
}

type SearchResult struct {
	ChunkID         string        `json:"chunk_id"`
	DocumentID      string        `json:"document_id"`
	DocumentTitle   string        `json:"document_title"`
	DocumentPath    string        `json:"document_path"`
	SectionHeading  *string       `json:"section_heading"`
	Content         string        `json:"content"`
	SimilarityScore float64       `json:"similarity_score"`
	Metadata        ChunkMetadata `json:"metadata"`
}

type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

// Searcher answers semantic queries over one user's chunks.
type Searcher struct {
	store    VectorStore
	embedder Embedder
	logger   *zap.Logger
}

func NewSearcher(store VectorStore, embedder Embedder, logger *zap.Logger) *Searcher {
	return &Searcher{store: store, embedder: embedder, logger: logging.OrNop(logger).Named("rag.search")}
}

func (s *Searcher) Search(ctx context.Context, userID string, req SearchRequest) (*SearchResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, &model.ValidationError{Field: "query", Message: "is required"}
	}
	limit := DefaultSearchLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	threshold := DefaultSearchThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}
	if s.embedder == nil {
		return nil, &model.UnavailableError{Backend: "embeddings"}
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, &model.UnavailableError{Backend: "embeddings", Err: err}
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}
	matches, err := s.store.Search(ctx, userID, vectors[0], limit, threshold)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	resp := &SearchResponse{Query: req.Query, Results: make([]SearchResult, 0, len(matches))}
	for _, m := range matches {
		resp.Results = append(resp.Results, SearchResult{
			ChunkID:         m.Chunk.ID,
			DocumentID:      m.Chunk.DocumentID,
			DocumentTitle:   m.Chunk.DocumentTitle,
			DocumentPath:    m.Chunk.DocumentPath,
			SectionHeading:  m.Chunk.SectionHeading,
			Content:         m.Chunk.Content,
			SimilarityScore: m.Score,
			Metadata:        m.Chunk.Metadata,
		})
	}
	resp.Count = len(resp.Results)
	s.logger.Debug("search", zap.String("user_id", userID), zap.Int("results", resp.Count))
	return resp, nil
}

// Health reports whether the vector backend answers.
func (s *Searcher) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return &model.UnavailableError{Backend: "vector store", Err: err}
	}
	return nil
}
