package rag

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/logging"
)

const chunkClass = "DocumentChunk"

// WeaviateStore keeps chunk vectors in a Weaviate DocumentChunk class.
type WeaviateStore struct {
	client *weaviate.Client
	logger *zap.Logger
}

func NewWeaviateStore(scheme, host string, logger *zap.Logger) (*WeaviateStore, error) {
	client, err := weaviate.NewClient(weaviate.Config{Scheme: scheme, Host: host})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	return &WeaviateStore{client: client, logger: logging.OrNop(logger).Named("weaviate")}, nil
}

func chunkSchema() *models.Class {
	filterable := true
	field := func(name, description string) *models.Property {
		return &models.Property{
			Name:            name,
			DataType:        []string{"text"},
			Description:     description,
			IndexFilterable: &filterable,
			Tokenization:    "field",
		}
	}
	return &models.Class{
		Class:       chunkClass,
		Description: "A chunk of a user document with its embedding.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			field("documentId", "Owning document id"),
			field("userId", "Owning user id"),
			field("documentPath", "Folder path of the document"),
			field("updatedAt", "Document updated_at when the chunk was embedded"),
			{Name: "documentTitle", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "sectionHeading", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "content", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "chunkIndex", DataType: []string{"int"}},
			{Name: "tokenCount", DataType: []string{"int"}},
		},
	}
}

// EnsureSchema creates the chunk class when it does not exist yet.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.Schema().ClassGetter().WithClassName(chunkClass).Do(ctx); err == nil {
		return nil
	}
	s.logger.Info("creating weaviate class", zap.String("class", chunkClass))
	if err := s.client.Schema().ClassCreator().WithClass(chunkSchema()).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", chunkClass, err)
	}
	return nil
}

// chunkUUID is stable per document and position, so a retried batch
// overwrites rather than duplicates.
func chunkUUID(documentID string, index int) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(documentID+":"+strconv.Itoa(index))).String())
}

func (s *WeaviateStore) ReplaceDocument(ctx context.Context, documentID string, chunks []StoredChunk) error {
	if err := s.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		props := map[string]any{
			"documentId":    documentID,
			"userId":        c.UserID,
			"documentTitle": c.DocumentTitle,
			"documentPath":  c.DocumentPath,
			"content":       c.Content,
			"chunkIndex":    c.ChunkIndex,
			"tokenCount":    c.Metadata.TokenCount,
			"updatedAt":     c.Metadata.UpdatedAt,
		}
		if c.SectionHeading != nil {
			props["sectionHeading"] = *c.SectionHeading
		}
		objects[i] = &models.Object{
			Class:      chunkClass,
			ID:         chunkUUID(documentID, c.ChunkIndex),
			Vector:     c.Embedding,
			Properties: props,
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch import: %w", err)
	}
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch import: %s", item.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (s *WeaviateStore) DeleteDocument(ctx context.Context, documentID string) error {
	where := filters.Where().
		WithPath([]string{"documentId"}).
		WithOperator(filters.Equal).
		WithValueText(documentID)
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(chunkClass).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("batch delete chunks of %s: %w", documentID, err)
	}
	return nil
}

func (s *WeaviateStore) Search(ctx context.Context, userID string, vector []float32, limit int, threshold float64) ([]Match, error) {
	where := filters.Where().
		WithPath([]string{"userId"}).
		WithOperator(filters.Equal).
		WithValueText(userID)
	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector).
		WithCertainty(float32(threshold))

	result, err := s.client.GraphQL().Get().
		WithClassName(chunkClass).
		WithFields(
			graphql.Field{Name: "documentId"},
			graphql.Field{Name: "userId"},
			graphql.Field{Name: "documentTitle"},
			graphql.Field{Name: "documentPath"},
			graphql.Field{Name: "sectionHeading"},
			graphql.Field{Name: "content"},
			graphql.Field{Name: "chunkIndex"},
			graphql.Field{Name: "tokenCount"},
			graphql.Field{Name: "updatedAt"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "certainty"}}},
		).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("near vector search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("near vector search: %s", result.Errors[0].Message)
	}
	return parseWeaviateMatches(result.Data, threshold), nil
}

func parseWeaviateMatches(data map[string]models.JSONObject, threshold float64) []Match {
	get, _ := data["Get"].(map[string]any)
	items, _ := get[chunkClass].([]any)

	matches := make([]Match, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		additional, _ := item["_additional"].(map[string]any)
		score, _ := additional["certainty"].(float64)
		if score < threshold {
			continue
		}
		c := StoredChunk{
			ID:            stringProp(additional, "id"),
			DocumentID:    stringProp(item, "documentId"),
			UserID:        stringProp(item, "userId"),
			DocumentTitle: stringProp(item, "documentTitle"),
			DocumentPath:  stringProp(item, "documentPath"),
			Content:       stringProp(item, "content"),
			ChunkIndex:    intProp(item, "chunkIndex"),
			Metadata: ChunkMetadata{
				UpdatedAt:     stringProp(item, "updatedAt"),
				TokenCount:    intProp(item, "tokenCount"),
				DocumentTitle: stringProp(item, "documentTitle"),
			},
		}
		if h, ok := item["sectionHeading"].(string); ok && h != "" {
			c.SectionHeading = &h
		}
		matches = append(matches, Match{Chunk: c, Score: score})
	}
	return matches
}

func stringProp(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intProp(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}

func (s *WeaviateStore) Ping(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("weaviate is not ready")
	}
	return nil
}
