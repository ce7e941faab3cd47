package rag

import (
	"context"
	"math"
)

// ChunkMetadata is stored alongside every chunk.
type ChunkMetadata struct {
	UpdatedAt     string `json:"updated_at"`
	TokenCount    int    `json:"token_count"`
	DocumentTitle string `json:"document_title"`
}

// StoredChunk is a chunk with its vector and owning document.
type StoredChunk struct {
	ID             string
	DocumentID     string
	UserID         string
	DocumentTitle  string
	DocumentPath   string
	ChunkIndex     int
	Content        string
	SectionHeading *string
	Embedding      []float32
	Metadata       ChunkMetadata
}

// Match is a search hit. Score is cosine similarity for the sql store and
// Weaviate certainty for the weaviate store.
type Match struct {
	Chunk StoredChunk
	Score float64
}

// VectorStore persists chunk vectors. Implementations scope Search to userID
// and return matches at or above threshold, best first.
type VectorStore interface {
	ReplaceDocument(ctx context.Context, documentID string, chunks []StoredChunk) error
	DeleteDocument(ctx context.Context, documentID string) error
	Search(ctx context.Context, userID string, vector []float32, limit int, threshold float64) ([]Match, error)
	Ping(ctx context.Context) error
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
