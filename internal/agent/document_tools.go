package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/rag"
	"github.com/punypage/punypage/internal/tiptap"
)

// Tool names without ToolPrefix.
const (
	ToolCreateDocument  = "create_document"
	ToolUpdateDocument  = "update_document"
	ToolReadDocument    = "read_document"
	ToolDeleteDocument  = "delete_document"
	ToolListDocuments   = "list_documents"
	ToolSearchDocuments = "search_documents"
)

// IsMutation reports whether a successful call to the tool changes documents
// that open clients may have cached.
func IsMutation(name string) bool {
	switch UnprefixedName(name) {
	case ToolCreateDocument, ToolUpdateDocument:
		return true
	}
	return false
}

// DocumentStore is the slice of the document service the tools use.
type DocumentStore interface {
	List(ctx context.Context, userID string, f model.ListFilter) ([]model.Document, error)
	Get(ctx context.Context, userID, id string) (*model.Document, error)
	Create(ctx context.Context, userID string, in model.CreateDocumentInput) (*model.Document, error)
	Update(ctx context.Context, userID, id string, in model.UpdateDocumentInput) (*model.Document, error)
	Delete(ctx context.Context, userID, id string) error
}

type DocumentSearcher interface {
	Search(ctx context.Context, userID string, req rag.SearchRequest) (*rag.SearchResponse, error)
}

type funcTool struct {
	spec ToolSpec
	run  func(ctx context.Context, call ToolCall) (string, error)
}

func (t *funcTool) Spec() ToolSpec { return t.spec }

func (t *funcTool) Execute(ctx context.Context, call ToolCall) (string, error) {
	return t.run(ctx, call)
}

// RegisterDocumentTools adds the document tools to registry. search may be nil,
// in which case search_documents is not offered.
func RegisterDocumentTools(registry *Registry, docs DocumentStore, search DocumentSearcher) error {
	tools := []Tool{
		&funcTool{
			spec: ToolSpec{
				Name:        ToolCreateDocument,
				Description: "Create a new document with markdown content. Use this when the user asks to create, write, or draft a new document.",
				Params: []Param{
					{Name: "title", Type: ParamString, Description: "Document title", Required: true},
					{Name: "content_md", Type: ParamString, Description: "Document content in markdown format"},
					{Name: "path", Type: ParamString, Description: "Document path in the tree structure (default /)"},
					{Name: "is_folder", Type: ParamBoolean, Description: "Whether this is a folder or document"},
					{Name: "status", Type: ParamString, Description: "Document status: draft, published, or archived"},
					{Name: "metadata", Type: ParamObject, Description: "Additional metadata as JSON"},
				},
			},
			run: func(ctx context.Context, call ToolCall) (string, error) {
				title, err := requiredString(call.Input, "title")
				if err != nil {
					return "", err
				}
				in := model.CreateDocumentInput{
					Title:    title,
					Path:     optionalString(call.Input, "path"),
					IsFolder: boolValue(call.Input, "is_folder"),
					Status:   optionalString(call.Input, "status"),
					Metadata: optionalObject(call.Input, "metadata"),
				}
				md := optionalString(call.Input, "content_md")
				in.Content = tiptap.MarkdownContent(md)
				doc, err := docs.Create(ctx, call.UserID, in)
				if err != nil {
					return "", fmt.Errorf("failed to create document: %w", err)
				}
				return fmt.Sprintf("Successfully created document '%s' (ID: %s) at path '%s'. Content length: %d characters.",
					doc.Title, doc.ID, doc.Path, utf8.RuneCountInString(md)), nil
			},
		},
		&funcTool{
			spec: ToolSpec{
				Name:        ToolUpdateDocument,
				Description: "Update an existing document. Use this when the user asks to edit, modify, or update a document. Provide only the fields that need to be changed.",
				Params: []Param{
					{Name: "id", Type: ParamString, Description: "Document ID to update", Required: true},
					{Name: "title", Type: ParamString, Description: "New document title"},
					{Name: "content_md", Type: ParamString, Description: "New document content in markdown format"},
					{Name: "path", Type: ParamString, Description: "New document path"},
					{Name: "is_folder", Type: ParamBoolean, Description: "Whether this is a folder or document"},
					{Name: "status", Type: ParamString, Description: "New document status"},
					{Name: "metadata", Type: ParamObject, Description: "New metadata"},
				},
			},
			run: func(ctx context.Context, call ToolCall) (string, error) {
				id, err := requiredString(call.Input, "id")
				if err != nil {
					return "", err
				}
				in := model.UpdateDocumentInput{
					Title:    stringPtr(call.Input, "title"),
					Path:     stringPtr(call.Input, "path"),
					IsFolder: optionalBool(call.Input, "is_folder"),
					Status:   stringPtr(call.Input, "status"),
					Metadata: optionalObject(call.Input, "metadata"),
				}
				if md := stringPtr(call.Input, "content_md"); md != nil {
					in.Content = tiptap.MarkdownContent(*md)
				}
				if in.Empty() {
					return "", fmt.Errorf("no fields provided for update")
				}
				doc, err := docs.Update(ctx, call.UserID, id, in)
				if err != nil {
					return "", fmt.Errorf("failed to update document: %w", err)
				}
				body, _ := markdownBody(doc)
				return fmt.Sprintf("Successfully updated document '%s' (ID: %s). Content length: %d characters.",
					doc.Title, doc.ID, utf8.RuneCountInString(body)), nil
			},
		},
		&funcTool{
			spec: ToolSpec{
				Name:        ToolReadDocument,
				Description: "Read a document by ID. Use this to retrieve document content before editing or when the user asks to view a document.",
				Params: []Param{
					{Name: "id", Type: ParamString, Description: "Document ID to read", Required: true},
				},
			},
			run: func(ctx context.Context, call ToolCall) (string, error) {
				id, err := requiredString(call.Input, "id")
				if err != nil {
					return "", err
				}
				doc, err := docs.Get(ctx, call.UserID, id)
				if err != nil {
					return "", fmt.Errorf("failed to read document: %w", err)
				}
				body, err := markdownBody(doc)
				if err != nil {
					return "", fmt.Errorf("failed to read document: %w", err)
				}
				return fmt.Sprintf("Document: %s\nPath: %s\nStatus: %s\n\nContent:\n%s",
					doc.Title, doc.Path, doc.Status, body), nil
			},
		},
		&funcTool{
			spec: ToolSpec{
				Name:        ToolDeleteDocument,
				Description: "Delete a document by ID. Use this when the user asks to delete or remove a document.",
				Params: []Param{
					{Name: "id", Type: ParamString, Description: "Document ID to delete", Required: true},
				},
			},
			run: func(ctx context.Context, call ToolCall) (string, error) {
				id, err := requiredString(call.Input, "id")
				if err != nil {
					return "", err
				}
				if err := docs.Delete(ctx, call.UserID, id); err != nil {
					return "", fmt.Errorf("failed to delete document: %w", err)
				}
				return "Successfully deleted document with ID: " + id, nil
			},
		},
		&funcTool{
			spec: ToolSpec{
				Name:        ToolListDocuments,
				Description: "List documents with optional filters. Use this when the user asks to see their documents, browse a folder, or find documents in a specific location.",
				Params: []Param{
					{Name: "path", Type: ParamString, Description: "Filter by path (e.g., '/projects')"},
					{Name: "is_folder", Type: ParamBoolean, Description: "Filter by folder/document type"},
				},
			},
			run: func(ctx context.Context, call ToolCall) (string, error) {
				list, err := docs.List(ctx, call.UserID, model.ListFilter{
					Path:     stringPtr(call.Input, "path"),
					IsFolder: optionalBool(call.Input, "is_folder"),
				})
				if err != nil {
					return "", fmt.Errorf("failed to list documents: %w", err)
				}
				if len(list) == 0 {
					return "No documents found.", nil
				}
				lines := []string{"Documents:\n"}
				for _, d := range list {
					icon := "📄"
					if d.IsFolder {
						icon = "📁"
					}
					lines = append(lines,
						fmt.Sprintf("%s %s (ID: %s)", icon, d.Title, d.ID),
						fmt.Sprintf("   Path: %s | Status: %s", d.Path, d.Status))
				}
				return strings.Join(lines, "\n"), nil
			},
		},
	}
	if search != nil {
		tools = append(tools, &funcTool{
			spec: ToolSpec{
				Name:        ToolSearchDocuments,
				Description: "Semantic search over the user's documents. Use this to find documents or passages relevant to a question.",
				Params: []Param{
					{Name: "query", Type: ParamString, Description: "What to search for", Required: true},
					{Name: "limit", Type: ParamInteger, Description: "Maximum number of results (1-20, default 5)"},
				},
			},
			run: func(ctx context.Context, call ToolCall) (string, error) {
				query, err := requiredString(call.Input, "query")
				if err != nil {
					return "", err
				}
				req := rag.SearchRequest{Query: query}
				if limit, ok := call.Input["limit"].(float64); ok && limit >= 1 {
					n := min(int(limit), 20)
					req.Limit = &n
				}
				resp, err := search.Search(ctx, call.UserID, req)
				if err != nil {
					return "", fmt.Errorf("failed to search documents: %w", err)
				}
				if resp.Count == 0 {
					return "No matching passages found.", nil
				}
				var sb strings.Builder
				for i, r := range resp.Results {
					fmt.Fprintf(&sb, "%d. %s (ID: %s, score %.2f)\n", i+1, r.DocumentTitle, r.DocumentID, r.SimilarityScore)
					if r.SectionHeading != nil {
						fmt.Fprintf(&sb, "   Section: %s\n", *r.SectionHeading)
					}
					fmt.Fprintf(&sb, "   %s\n", r.Content)
				}
				return strings.TrimRight(sb.String(), "\n"), nil
			},
		})
	}

	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func markdownBody(doc *model.Document) (string, error) {
	c, err := tiptap.Decode(doc.Content)
	if err != nil {
		return "", err
	}
	return c.AsMarkdown(), nil
}

func requiredString(input map[string]any, key string) (string, error) {
	s, _ := input[key].(string)
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func optionalString(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func stringPtr(input map[string]any, key string) *string {
	s, ok := input[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func boolValue(input map[string]any, key string) bool {
	b, _ := input[key].(bool)
	return b
}

func optionalBool(input map[string]any, key string) *bool {
	b, ok := input[key].(bool)
	if !ok {
		return nil
	}
	return &b
}

func optionalObject(input map[string]any, key string) json.RawMessage {
	m, ok := input[key].(map[string]any)
	if !ok {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}
