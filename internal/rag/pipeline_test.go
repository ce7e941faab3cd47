package rag_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punypage/punypage/internal/db"
	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/observability"
	"github.com/punypage/punypage/internal/rag"
	"github.com/punypage/punypage/internal/service"
	"github.com/punypage/punypage/internal/tiptap"
)

// keywordEmbedder maps text to counts of a few keywords, so cosine
// similarity is predictable.
type keywordEmbedder struct {
	calls int
	err   error
}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		t = strings.ToLower(t)
		out[i] = []float32{float32(strings.Count(t, "cat")), float32(strings.Count(t, "dog")), 0.01}
	}
	return out, nil
}

func setupDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func seed(t *testing.T, docs *service.DocumentService, database *db.DB) (petsID string) {
	t.Helper()
	ctx := context.Background()

	pets, err := docs.Create(ctx, "u1", model.CreateDocumentInput{
		Title: "Pets",
		Path:  "/notes",
		Content: json.RawMessage(`{"type":"doc","content":[
			{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"Animals"}]},
			{"type":"paragraph","content":[{"type":"text","text":"cats are great"}]},
			{"type":"paragraph","content":[{"type":"text","text":"dogs are loyal"}]}
		]}`),
	})
	require.NoError(t, err)

	_, err = docs.Create(ctx, "u1", model.CreateDocumentInput{
		Title:   "Heading only",
		Content: tiptap.MarkdownContent("# Nothing else"),
	})
	require.NoError(t, err)

	_, err = docs.Create(ctx, "u1", model.CreateDocumentInput{Title: "Folder", IsFolder: true})
	require.NoError(t, err)

	broken, err := docs.Create(ctx, "u1", model.CreateDocumentInput{Title: "Broken"})
	require.NoError(t, err)
	_, err = database.ExecContext(ctx, `UPDATE documents SET content = ? WHERE id = ?`, `42`, broken.ID)
	require.NoError(t, err)

	return pets.ID
}

func TestPipelineRunOutcomes(t *testing.T) {
	database := setupDB(t)
	docs := service.NewDocumentService(database, nil)
	petsID := seed(t, docs, database)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store := rag.NewSQLStore(database)
	pipeline := rag.NewPipeline(docs, store, &keywordEmbedder{}, rag.EstimateCounter{}, 2, nil, metrics)

	stats, err := pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rag.Stats{Processed: 1, Failed: 1, Skipped: 1}, stats)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IngestDocumentsTotal.WithLabelValues("processed")))

	pets, err := docs.Get(context.Background(), "u1", petsID)
	require.NoError(t, err)
	assert.NotNil(t, pets.IndexedAt)
	assert.False(t, pets.NeedsIndex())

	// Only the broken document is still stale.
	stats, err = pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rag.Stats{Failed: 1}, stats)
}

func TestPipelineEmbedFailureCountsAsFailed(t *testing.T) {
	database := setupDB(t)
	docs := service.NewDocumentService(database, nil)
	_, err := docs.Create(context.Background(), "u1", model.CreateDocumentInput{
		Title:   "Plain",
		Content: tiptap.MarkdownContent("some text"),
	})
	require.NoError(t, err)

	pipeline := rag.NewPipeline(docs, rag.NewSQLStore(database),
		&keywordEmbedder{err: errors.New("quota exceeded")}, rag.EstimateCounter{}, 0, nil, nil)

	stats, err := pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rag.Stats{Failed: 1}, stats)
}

func TestSearchAfterIngest(t *testing.T) {
	database := setupDB(t)
	docs := service.NewDocumentService(database, nil)
	petsID := seed(t, docs, database)

	embedder := &keywordEmbedder{}
	store := rag.NewSQLStore(database)
	_, err := rag.NewPipeline(docs, store, embedder, rag.EstimateCounter{}, 4, nil, nil).Run(context.Background())
	require.NoError(t, err)

	searcher := rag.NewSearcher(store, embedder, nil)
	resp, err := searcher.Search(context.Background(), "u1", rag.SearchRequest{Query: "cat"})
	require.NoError(t, err)

	require.Equal(t, 1, resp.Count)
	hit := resp.Results[0]
	assert.Equal(t, petsID, hit.DocumentID)
	assert.Equal(t, "Pets", hit.DocumentTitle)
	assert.Equal(t, "/notes", hit.DocumentPath)
	assert.Equal(t, "cats are great", hit.Content)
	require.NotNil(t, hit.SectionHeading)
	assert.Equal(t, "Animals", *hit.SectionHeading)
	assert.Equal(t, "Pets", hit.Metadata.DocumentTitle)
	assert.InDelta(t, 1.0, hit.SimilarityScore, 1e-6)

	zero := 0.0
	resp, err = searcher.Search(context.Background(), "u1", rag.SearchRequest{Query: "cat", SimilarityThreshold: &zero})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Count, "threshold 0 returns every chunk of the user")
	assert.GreaterOrEqual(t, resp.Results[0].SimilarityScore, resp.Results[1].SimilarityScore)

	resp, err = searcher.Search(context.Background(), "u2", rag.SearchRequest{Query: "cat"})
	require.NoError(t, err)
	assert.Zero(t, resp.Count)
}

func TestSearchWithoutEmbedderIsUnavailable(t *testing.T) {
	searcher := rag.NewSearcher(rag.NewSQLStore(setupDB(t)), nil, nil)
	_, err := searcher.Search(context.Background(), "u1", rag.SearchRequest{Query: "cat"})

	var unavailable *model.UnavailableError
	assert.True(t, errors.As(err, &unavailable))

	_, err = searcher.Search(context.Background(), "u1", rag.SearchRequest{Query: "   "})
	var invalid *model.ValidationError
	assert.True(t, errors.As(err, &invalid))
}

func TestSearcherHealth(t *testing.T) {
	database := setupDB(t)
	searcher := rag.NewSearcher(rag.NewSQLStore(database), nil, nil)
	require.NoError(t, searcher.Health(context.Background()))

	database.Close()
	assert.Error(t, searcher.Health(context.Background()))
}

// memoryStore keeps chunks outside the database, like an external vector
// store, so nothing cascades when a document row goes away.
type memoryStore struct {
	mu     sync.Mutex
	chunks map[string][]rag.StoredChunk
}

func newMemoryStore() *memoryStore {
	return &memoryStore{chunks: map[string][]rag.StoredChunk{}}
}

func (s *memoryStore) ReplaceDocument(_ context.Context, documentID string, chunks []rag.StoredChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[documentID] = chunks
	return nil
}

func (s *memoryStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, documentID)
	return nil
}

func (s *memoryStore) Search(_ context.Context, userID string, _ []float32, limit int, _ float64) ([]rag.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rag.Match
	for _, chunks := range s.chunks {
		for _, c := range chunks {
			if c.UserID == userID && len(out) < limit {
				out = append(out, rag.Match{Chunk: c, Score: 1})
			}
		}
	}
	return out, nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) documents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func TestDeletedDocumentLeavesNoSearchResults(t *testing.T) {
	database := setupDB(t)
	docs := service.NewDocumentService(database, nil)
	store := newMemoryStore()
	docs.SetChunkStore(store)
	petsID := seed(t, docs, database)

	embedder := &keywordEmbedder{}
	_, err := rag.NewPipeline(docs, store, embedder, rag.EstimateCounter{}, 2, nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.documents())

	require.NoError(t, docs.Delete(context.Background(), "u1", petsID))
	assert.Zero(t, store.documents())

	resp, err := rag.NewSearcher(store, embedder, nil).Search(context.Background(), "u1", rag.SearchRequest{Query: "cat"})
	require.NoError(t, err)
	assert.Zero(t, resp.Count)
}

// deletingEmbedder removes the document row while its chunks are embedded.
type deletingEmbedder struct {
	keywordEmbedder
	database *db.DB
	id       string
}

func (e *deletingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if _, err := e.database.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, e.id); err != nil {
		return nil, err
	}
	return e.keywordEmbedder.Embed(ctx, texts)
}

func TestPipelineDropsChunksOfDocumentDeletedMidRun(t *testing.T) {
	database := setupDB(t)
	docs := service.NewDocumentService(database, nil)
	doc, err := docs.Create(context.Background(), "u1", model.CreateDocumentInput{
		Title:   "Short lived",
		Content: tiptap.MarkdownContent("cats everywhere"),
	})
	require.NoError(t, err)

	store := newMemoryStore()
	embedder := &deletingEmbedder{database: database, id: doc.ID}
	stats, err := rag.NewPipeline(docs, store, embedder, rag.EstimateCounter{}, 1, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rag.Stats{Skipped: 1}, stats)
	assert.Zero(t, store.documents())
}
