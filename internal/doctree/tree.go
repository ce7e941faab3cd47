// Package doctree turns flat document rows into the sidebar folder tree and
// computes the change hash used to decide when a chat turn needs the document
// context re-sent.
package doctree

import (
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/punypage/punypage/internal/model"
)

// Node is one entry of the folder tree. Folders carry no Document.
type Node struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Path     string          `json:"path"`
	IsFolder bool            `json:"isFolder"`
	Document *model.Document `json:"document,omitempty"`
	Children []*Node         `json:"children"`
}

// parentPath returns the path of the containing folder and false for "/".
// "/AI" -> "/", "/AI/LLM" -> "/AI".
func parentPath(path string) (string, bool) {
	if path == "/" {
		return "", false
	}
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/", true
	}
	return path[:i], true
}

// nameFromPath returns the last path segment, or the title for root rows.
func nameFromPath(path, title string) string {
	if path == "/" {
		return title
	}
	return path[strings.LastIndex(path, "/")+1:]
}

// BuildTree nests documents under the folder whose path is their parent
// path. Rows whose parent is missing, or is not a folder, are shown at the
// root and reported through logger. Each level lists folders first, then
// names in English collation order.
func BuildTree(docs []model.Document, logger *zap.Logger) []*Node {
	roots := make([]*Node, 0)
	if len(docs) == 0 {
		return roots
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nodes := make([]*Node, len(docs))
	byPath := make(map[string]*Node, len(docs))
	for i := range docs {
		doc := docs[i]
		n := &Node{
			ID:       doc.ID,
			Name:     nameFromPath(doc.Path, doc.Title),
			Path:     doc.Path,
			IsFolder: doc.IsFolder,
			Children: make([]*Node, 0),
		}
		if !doc.IsFolder {
			n.Document = &doc
		}
		nodes[i] = n
		byPath[doc.Path] = n
	}

	for i, doc := range docs {
		n := nodes[i]
		parent, ok := parentPath(doc.Path)
		if !ok || parent == "/" {
			roots = append(roots, n)
			continue
		}
		p, found := byPath[parent]
		if found && p.IsFolder {
			p.Children = append(p.Children, n)
			continue
		}
		reason := "does not exist"
		if found {
			reason = "exists but is not a folder"
		}
		logger.Warn("orphaned document path, showing at root",
			zap.String("document_id", doc.ID),
			zap.String("title", doc.Title),
			zap.String("path", doc.Path),
			zap.String("parent_path", parent),
			zap.String("reason", reason))
		roots = append(roots, n)
	}

	sortTree(roots, collate.New(language.English))
	return roots
}

func sortTree(nodes []*Node, c *collate.Collator) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.IsFolder != b.IsFolder {
			return a.IsFolder
		}
		return c.CompareString(a.Name, b.Name) < 0
	})
	for _, n := range nodes {
		if len(n.Children) > 0 {
			sortTree(n.Children, c)
		}
	}
}

// Walk visits every node depth-first, parents before children.
func Walk(nodes []*Node, fn func(n *Node, depth int)) {
	var walk func([]*Node, int)
	walk = func(level []*Node, depth int) {
		for _, n := range level {
			fn(n, depth)
			walk(n.Children, depth+1)
		}
	}
	walk(nodes, 0)
}
