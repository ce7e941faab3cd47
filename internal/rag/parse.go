// Package rag turns documents into embedded chunks and searches them.
package rag

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/punypage/punypage/internal/tiptap"
)

// Block is one top-level unit of a document body.
type Block struct {
	Kind  string // heading, paragraph, list, blockquote
	Level int    // heading level, 0 otherwise
	Text  string
}

// ParseContent decodes a stored document body into blocks. Content that is
// neither a Tiptap doc nor a markdown string is an error.
func ParseContent(raw json.RawMessage) ([]Block, error) {
	c, err := tiptap.Decode(raw)
	if err != nil {
		return nil, err
	}
	if c.IsMarkdown {
		return ParseMarkdown(c.Markdown), nil
	}
	if c.Doc == nil || c.Doc.Type != "doc" {
		return nil, fmt.Errorf("content is not a tiptap doc")
	}
	return ParseTiptap(c.Doc), nil
}

// ParseTiptap keeps headings, paragraphs, lists and blockquotes of a doc.
func ParseTiptap(doc *tiptap.Node) []Block {
	blocks := make([]Block, 0, len(doc.Content))
	for _, n := range doc.Content {
		var kind string
		switch n.Type {
		case "heading":
			kind = "heading"
		case "paragraph":
			kind = "paragraph"
		case "bulletList", "orderedList":
			kind = "list"
		case "blockquote":
			kind = "blockquote"
		default:
			continue
		}
		t := strings.TrimSpace(tiptap.ExtractText(n))
		if t == "" {
			continue
		}
		b := Block{Kind: kind, Text: t}
		if kind == "heading" {
			b.Level = n.Level()
		}
		blocks = append(blocks, b)
	}
	return blocks
}

var markdownParser = goldmark.New()

// ParseMarkdown is ParseTiptap for markdown source.
func ParseMarkdown(src string) []Block {
	source := []byte(src)
	root := markdownParser.Parser().Parse(text.NewReader(source))

	blocks := make([]Block, 0)
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		var b Block
		switch node := n.(type) {
		case *ast.Heading:
			b = Block{Kind: "heading", Level: node.Level}
		case *ast.Paragraph:
			b = Block{Kind: "paragraph"}
		case *ast.List:
			b = Block{Kind: "list"}
		case *ast.Blockquote:
			b = Block{Kind: "blockquote"}
		default:
			continue
		}
		b.Text = strings.TrimSpace(markdownText(n, source))
		if b.Text == "" {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// markdownText joins the non-empty text of n's descendants with single spaces.
func markdownText(n ast.Node, source []byte) string {
	switch node := n.(type) {
	case *ast.Text:
		return string(node.Segment.Value(source))
	case *ast.String:
		return string(node.Value)
	}
	parts := make([]string, 0, n.ChildCount())
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t := markdownText(c, source); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Chunk is one embeddable piece of a document.
type Chunk struct {
	Text           string
	SectionHeading *string
	ChunkIndex     int
	TokenCount     int
}

// ChunkBlocks makes every non-heading block its own chunk. Level 2 and 3
// headings become the section heading of the chunks that follow them.
func ChunkBlocks(blocks []Block, counter TokenCounter) []Chunk {
	chunks := make([]Chunk, 0, len(blocks))
	var heading *string
	for _, b := range blocks {
		if b.Kind == "heading" {
			if b.Level == 2 || b.Level == 3 {
				h := b.Text
				heading = &h
			}
			continue
		}
		chunks = append(chunks, Chunk{
			Text:           b.Text,
			SectionHeading: heading,
			ChunkIndex:     len(chunks),
			TokenCount:     counter.Count(b.Text),
		})
	}
	return chunks
}

// EmbeddingText prefixes chunk text with its document and section so the
// vector carries that context.
func EmbeddingText(title string, c Chunk) string {
	var sb strings.Builder
	sb.WriteString("Document: ")
	sb.WriteString(title)
	sb.WriteString("\n")
	if c.SectionHeading != nil && *c.SectionHeading != "" {
		sb.WriteString("Section: ")
		sb.WriteString(*c.SectionHeading)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(c.Text)
	return sb.String()
}
