package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/tiptap"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestDocumentServiceCreateDefaults(t *testing.T) {
	svc := NewDocumentService(setupTestDB(t), nil)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u1", model.CreateDocumentInput{Title: "  Notes  "})
	require.NoError(t, err)

	assert.Equal(t, "Notes", doc.Title)
	assert.Equal(t, "/", doc.Path)
	assert.Equal(t, model.StatusDraft, doc.Status)
	assert.False(t, doc.IsFolder)
	assert.JSONEq(t, `{}`, string(doc.Metadata))
	assert.Equal(t, "null", string(doc.Content))
	assert.Nil(t, doc.IndexedAt)
}

func TestDocumentServiceCreateValidates(t *testing.T) {
	svc := NewDocumentService(setupTestDB(t), nil)
	ctx := context.Background()

	cases := []model.CreateDocumentInput{
		{Title: ""},
		{Title: "x", Path: "relative"},
		{Title: "x", Path: "/trailing/"},
		{Title: "x", Status: "deleted"},
		{Title: "x", Content: json.RawMessage(`[1]`)},
		{Title: "x", Metadata: json.RawMessage(`"nope"`)},
	}
	for _, in := range cases {
		_, err := svc.Create(ctx, "u1", in)
		var ve *model.ValidationError
		assert.True(t, errors.As(err, &ve), "expected validation error for %+v, got %v", in, err)
	}
}

func TestDocumentServiceScopesByUser(t *testing.T) {
	svc := NewDocumentService(setupTestDB(t), nil)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "owner", model.CreateDocumentInput{Title: "Private"})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "intruder", doc.ID)
	var nf *model.NotFoundError
	require.True(t, errors.As(err, &nf))

	_, err = svc.Update(ctx, "intruder", doc.ID, model.UpdateDocumentInput{Title: strPtr("mine")})
	require.True(t, errors.As(err, &nf))

	require.True(t, errors.As(svc.Delete(ctx, "intruder", doc.ID), &nf))

	docs, err := svc.List(ctx, "intruder", model.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDocumentServiceUpdatePartial(t *testing.T) {
	svc := NewDocumentService(setupTestDB(t), nil)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u1", model.CreateDocumentInput{
		Title:   "Draft",
		Content: tiptap.MarkdownContent("hello"),
		Path:    "/Work",
	})
	require.NoError(t, err)

	_, err = svc.Update(ctx, "u1", doc.ID, model.UpdateDocumentInput{})
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve), "empty update must be rejected")

	updated, err := svc.Update(ctx, "u1", doc.ID, model.UpdateDocumentInput{Status: strPtr(model.StatusPublished)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPublished, updated.Status)
	assert.Equal(t, "Draft", updated.Title)
	assert.Equal(t, "/Work", updated.Path)
	md, err := svc.Markdown(updated)
	require.NoError(t, err)
	assert.Equal(t, "hello", md)
	assert.Greater(t, updated.UpdatedAt, doc.UpdatedAt)
}

func TestDocumentServiceListFilters(t *testing.T) {
	svc := NewDocumentService(setupTestDB(t), nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "u1", model.CreateDocumentInput{Title: "Projects", Path: "/projects", IsFolder: true})
	require.NoError(t, err)
	first, err := svc.Create(ctx, "u1", model.CreateDocumentInput{Title: "A", Path: "/projects/A"})
	require.NoError(t, err)
	second, err := svc.Create(ctx, "u1", model.CreateDocumentInput{Title: "B", Path: "/projects/B"})
	require.NoError(t, err)

	folders, err := svc.List(ctx, "u1", model.ListFilter{IsFolder: boolPtr(true)})
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Projects", folders[0].Title)

	docs, err := svc.List(ctx, "u1", model.ListFilter{IsFolder: boolPtr(false)})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, second.ID, docs[0].ID, "newest first")
	assert.Equal(t, first.ID, docs[1].ID)

	byPath, err := svc.List(ctx, "u1", model.ListFilter{Path: strPtr("/projects/A")})
	require.NoError(t, err)
	require.Len(t, byPath, 1)
	assert.Equal(t, first.ID, byPath[0].ID)
}

func TestDocumentServiceTree(t *testing.T) {
	svc := NewDocumentService(setupTestDB(t), nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "u1", model.CreateDocumentInput{Title: "AI", Path: "/AI", IsFolder: true})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "u1", model.CreateDocumentInput{Title: "LLM", Path: "/AI/LLM"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "u1", model.CreateDocumentInput{Title: "Inbox"})
	require.NoError(t, err)

	tree, err := svc.Tree(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tree, 2)
	assert.Equal(t, "AI", tree[0].Name)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "LLM", tree[0].Children[0].Name)
	assert.Equal(t, "Inbox", tree[1].Name)
}

func TestDocumentServiceIndexTracking(t *testing.T) {
	svc := NewDocumentService(setupTestDB(t), nil)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u1", model.CreateDocumentInput{Title: "Doc"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "u2", model.CreateDocumentInput{Title: "Folder", Path: "/F", IsFolder: true})
	require.NoError(t, err)

	pending, err := svc.ListNeedingIndex(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "folders are not indexed")
	assert.Equal(t, doc.ID, pending[0].ID)

	require.NoError(t, svc.MarkIndexed(ctx, doc.ID, time.Now().Add(time.Second)))
	pending, err = svc.ListNeedingIndex(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// An edit after the recorded index time queues it again.
	require.NoError(t, svc.MarkIndexed(ctx, doc.ID, time.Now().Add(-time.Hour)))
	_, err = svc.Update(ctx, "u1", doc.ID, model.UpdateDocumentInput{Title: strPtr("Doc 2")})
	require.NoError(t, err)
	pending, err = svc.ListNeedingIndex(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

type recordingChunks struct {
	deleted []string
	err     error
}

func (c *recordingChunks) DeleteDocument(_ context.Context, documentID string) error {
	c.deleted = append(c.deleted, documentID)
	return c.err
}

func TestDocumentServiceDeleteDropsChunks(t *testing.T) {
	svc := NewDocumentService(setupTestDB(t), nil)
	chunks := &recordingChunks{}
	svc.SetChunkStore(chunks)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u1", model.CreateDocumentInput{Title: "Doc"})
	require.NoError(t, err)

	var nf *model.NotFoundError
	require.True(t, errors.As(svc.Delete(ctx, "u2", doc.ID), &nf))
	assert.Empty(t, chunks.deleted, "a rejected delete keeps the chunks")

	require.NoError(t, svc.Delete(ctx, "u1", doc.ID))
	assert.Equal(t, []string{doc.ID}, chunks.deleted)

	other, err := svc.Create(ctx, "u1", model.CreateDocumentInput{Title: "Other"})
	require.NoError(t, err)
	chunks.err = errors.New("vector store down")
	require.NoError(t, svc.Delete(ctx, "u1", other.ID), "the document delete still succeeds")
	_, err = svc.Get(ctx, "u1", other.ID)
	assert.True(t, errors.As(err, &nf))
}

func TestDocumentServiceMarkIndexedMissingDocument(t *testing.T) {
	svc := NewDocumentService(setupTestDB(t), nil)
	err := svc.MarkIndexed(context.Background(), "missing", time.Now())
	var nf *model.NotFoundError
	assert.True(t, errors.As(err, &nf))
}
