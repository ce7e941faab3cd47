// Package tiptap decodes editor content. A document body is stored either as
// a Tiptap (ProseMirror) JSON tree or as a JSON string of markdown.
package tiptap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

const maxHeadingLevel = 6

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Level returns attrs.level for headings clamped to 1..6, defaulting to 1.
func (n Node) Level() int {
	level := 1
	switch v := n.Attrs["level"].(type) {
	case float64:
		// Compared as float first: out-of-range conversions to int are undefined.
		if v > maxHeadingLevel {
			level = maxHeadingLevel
		} else if v >= 1 {
			level = int(v)
		}
	case int:
		level = v
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			level = i
		}
	}
	return min(max(level, 1), maxHeadingLevel)
}

func (n Node) attrString(key string) string {
	s, _ := n.Attrs[key].(string)
	return s
}

// Content is a decoded document body. Exactly one of Doc or Markdown is
// meaningful, according to IsMarkdown.
type Content struct {
	Doc        *Node
	Markdown   string
	IsMarkdown bool
}

// Decode interprets a stored content value. Empty or null content decodes to
// empty markdown.
func Decode(raw json.RawMessage) (Content, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Content{IsMarkdown: true}, nil
	}
	switch trimmed[0] {
	case '"':
		var md string
		if err := json.Unmarshal(trimmed, &md); err != nil {
			return Content{}, fmt.Errorf("decode markdown content: %w", err)
		}
		return Content{Markdown: md, IsMarkdown: true}, nil
	case '{':
		var doc Node
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return Content{}, fmt.Errorf("decode tiptap content: %w", err)
		}
		return Content{Doc: &doc}, nil
	}
	return Content{}, fmt.Errorf("unsupported content: expected object or string")
}

// MarkdownContent encodes markdown for storage.
func MarkdownContent(md string) json.RawMessage {
	b, _ := json.Marshal(md)
	return b
}

// AsMarkdown returns the body as markdown, rendering Tiptap trees.
func (c Content) AsMarkdown() string {
	if c.IsMarkdown {
		return c.Markdown
	}
	if c.Doc == nil {
		return ""
	}
	return Markdown(c.Doc)
}

// ExtractText flattens a node: text nodes yield their text, containers join
// their non-empty children with a single space.
func ExtractText(n Node) string {
	if n.Type == "text" {
		return n.Text
	}
	if len(n.Content) == 0 {
		return ""
	}
	parts := make([]string, 0, len(n.Content))
	for _, child := range n.Content {
		if t := ExtractText(child); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Markdown renders a Tiptap document tree.
func Markdown(doc *Node) string {
	blocks := make([]string, 0, len(doc.Content))
	for _, n := range doc.Content {
		if b := renderBlock(n); b != "" {
			blocks = append(blocks, b)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func renderBlock(n Node) string {
	switch n.Type {
	case "heading":
		return strings.Repeat("#", n.Level()) + " " + renderInline(n.Content)
	case "paragraph":
		return renderInline(n.Content)
	case "bulletList":
		return renderList(n, func(int) string { return "- " })
	case "orderedList":
		start := 1
		if v, ok := n.Attrs["start"].(float64); ok {
			start = int(v)
		}
		return renderList(n, func(i int) string { return strconv.Itoa(start+i) + ". " })
	case "taskList":
		return renderList(n, func(i int) string {
			if checked, _ := n.Content[i].Attrs["checked"].(bool); checked {
				return "- [x] "
			}
			return "- [ ] "
		})
	case "blockquote":
		inner := Markdown(&n)
		lines := strings.Split(inner, "\n")
		for i, l := range lines {
			lines[i] = strings.TrimRight("> "+l, " ")
		}
		return strings.Join(lines, "\n")
	case "codeBlock":
		return "```" + n.attrString("language") + "\n" + ExtractText(n) + "\n```"
	case "horizontalRule":
		return "---"
	case "hardBreak":
		return "\n"
	}
	return ExtractText(n)
}

func renderList(n Node, marker func(i int) string) string {
	items := make([]string, 0, len(n.Content))
	for i, item := range n.Content {
		m := marker(i)
		body := Markdown(&item)
		indent := strings.Repeat(" ", len(m))
		lines := strings.Split(body, "\n")
		for j := range lines {
			if j == 0 {
				lines[j] = m + lines[j]
			} else if lines[j] != "" {
				lines[j] = indent + lines[j]
			}
		}
		items = append(items, strings.Join(lines, "\n"))
	}
	return strings.Join(items, "\n")
}

func renderInline(nodes []Node) string {
	var b strings.Builder
	for _, n := range nodes {
		switch n.Type {
		case "text":
			b.WriteString(applyMarks(n.Text, n.Marks))
		case "hardBreak":
			b.WriteString("  \n")
		default:
			b.WriteString(ExtractText(n))
		}
	}
	return b.String()
}

func applyMarks(text string, marks []Mark) string {
	for _, m := range marks {
		switch m.Type {
		case "bold":
			text = "**" + text + "**"
		case "italic":
			text = "*" + text + "*"
		case "strike":
			text = "~~" + text + "~~"
		case "code":
			text = "`" + text + "`"
		case "link":
			if href, ok := m.Attrs["href"].(string); ok {
				text = "[" + text + "](" + href + ")"
			}
		}
	}
	return text
}
