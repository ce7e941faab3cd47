package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/observability"
)

const DefaultConcurrency = 4

// DocumentSource lists documents that need (re)indexing and records that
// they were indexed.
type DocumentSource interface {
	ListNeedingIndex(ctx context.Context) ([]model.Document, error)
	MarkIndexed(ctx context.Context, id string, at time.Time) error
}

// Stats summarizes one pipeline run.
type Stats struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailed
	outcomeSkipped
)

// Pipeline embeds every stale document and replaces its chunks in the
// vector store. Runs are serialized.
type Pipeline struct {
	source      DocumentSource
	store       VectorStore
	embedder    Embedder
	counter     TokenCounter
	concurrency int
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	runMu sync.Mutex
}

func NewPipeline(source DocumentSource, store VectorStore, embedder Embedder, counter TokenCounter,
	concurrency int, logger *zap.Logger, metrics *observability.Metrics) *Pipeline {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pipeline{
		source:      source,
		store:       store,
		embedder:    embedder,
		counter:     counter,
		concurrency: concurrency,
		logger:      logging.OrNop(logger).Named("rag.pipeline"),
		metrics:     metrics,
		now:         time.Now,
	}
}

// Run processes all documents returned by the source. Per-document failures
// are counted, not returned; the error is reserved for failing to list.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := p.now()
	docs, err := p.source.ListNeedingIndex(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list documents to index: %w", err)
	}
	if len(docs) == 0 {
		p.logger.Debug("no documents to index")
		return Stats{}, nil
	}
	p.logger.Info("ingestion started", zap.Int("documents", len(docs)))

	var (
		mu    sync.Mutex
		stats Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range docs {
		doc := &docs[i]
		g.Go(func() error {
			o := p.processDocument(gctx, doc)
			mu.Lock()
			switch o {
			case outcomeProcessed:
				stats.Processed++
			case outcomeSkipped:
				stats.Skipped++
			default:
				stats.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.metrics.IngestOutcome("processed", stats.Processed)
	p.metrics.IngestOutcome("failed", stats.Failed)
	p.metrics.IngestOutcome("skipped", stats.Skipped)
	p.metrics.IngestRun(p.now().Sub(start))
	p.logger.Info("ingestion completed",
		zap.Int("processed", stats.Processed),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

func (p *Pipeline) processDocument(ctx context.Context, doc *model.Document) outcome {
	log := p.logger.With(zap.String("document_id", doc.ID), zap.String("title", doc.Title))

	blocks, err := ParseContent(doc.Content)
	if err != nil {
		log.Warn("document has invalid content format", zap.Error(err))
		return outcomeFailed
	}
	chunks := ChunkBlocks(blocks, p.counter)
	if len(chunks) == 0 {
		// Marked anyway so the document is not picked up again until edited.
		if err := p.source.MarkIndexed(ctx, doc.ID, p.now()); err != nil {
			log.Error("mark indexed", zap.Error(err))
			return outcomeFailed
		}
		return outcomeSkipped
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = EmbeddingText(doc.Title, c)
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		log.Error("embed chunks", zap.Error(err))
		return outcomeFailed
	}

	stored := make([]StoredChunk, len(chunks))
	for i, c := range chunks {
		stored[i] = StoredChunk{
			DocumentID:     doc.ID,
			UserID:         doc.UserID,
			DocumentTitle:  doc.Title,
			DocumentPath:   doc.Path,
			ChunkIndex:     c.ChunkIndex,
			Content:        c.Text,
			SectionHeading: c.SectionHeading,
			Embedding:      vectors[i],
			Metadata: ChunkMetadata{
				UpdatedAt:     doc.UpdatedAt,
				TokenCount:    c.TokenCount,
				DocumentTitle: doc.Title,
			},
		}
	}
	if err := p.store.ReplaceDocument(ctx, doc.ID, stored); err != nil {
		log.Error("store chunks", zap.Error(err))
		return outcomeFailed
	}
	if err := p.source.MarkIndexed(ctx, doc.ID, p.now()); err != nil {
		var notFound *model.NotFoundError
		if errors.As(err, &notFound) {
			// Deleted while being embedded; drop what was just stored.
			if err := p.store.DeleteDocument(ctx, doc.ID); err != nil {
				log.Error("delete chunks of deleted document", zap.Error(err))
				return outcomeFailed
			}
			return outcomeSkipped
		}
		log.Error("mark indexed", zap.Error(err))
		return outcomeFailed
	}
	log.Info("document indexed", zap.Int("chunks", len(chunks)))
	return outcomeProcessed
}
