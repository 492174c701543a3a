// Package document turns source text into the index stable token sequence
// the read-along core consumes.
package document

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Extractor renders markdown to speakable plain text. Every block becomes a
// paragraph; paragraphs are separated by a blank line.
type Extractor struct {
	includeCode bool
	markdown    goldmark.Markdown
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithCodeBlocks enables or disables code block inclusion.
func WithCodeBlocks(include bool) Option {
	return func(e *Extractor) {
		e.includeCode = include
	}
}

// NewExtractor creates an extractor. Code blocks are skipped by default.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{markdown: goldmark.New()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the plain text of a markdown source.
func (e *Extractor) Extract(markdown string) string {
	source := []byte(markdown)
	doc := e.markdown.Parser().Parse(text.NewReader(source))

	var blocks []string
	e.walkBlock(doc, source, &blocks)
	return strings.Join(blocks, "\n\n")
}

// FromMarkdown extracts plain text with the default extractor.
func FromMarkdown(markdown string) string {
	return NewExtractor().Extract(markdown)
}

func (e *Extractor) walkBlock(node ast.Node, source []byte, blocks *[]string) {
	switch n := node.(type) {
	case *ast.CodeBlock, *ast.FencedCodeBlock:
		if !e.includeCode {
			return
		}
		var buf strings.Builder
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		appendBlock(blocks, buf.String())
		return

	case *ast.HTMLBlock, *ast.ThematicBreak:
		return

	case *ast.Heading, *ast.Paragraph, *ast.TextBlock:
		var buf strings.Builder
		writeInline(n, source, &buf)
		appendBlock(blocks, buf.String())
		return
	}

	// Lists, list items, block quotes and the document itself
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		e.walkBlock(c, source, blocks)
	}
}

func writeInline(node ast.Node, source []byte, buf *strings.Builder) {
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		switch n := c.(type) {
		case *ast.Text:
			buf.Write(n.Segment.Value(source))
			if n.SoftLineBreak() || n.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(n.Value)
		case *ast.AutoLink:
			buf.Write(n.Label(source))
		case *ast.Image, *ast.RawHTML:
			// Not spoken
		default:
			// Emphasis, links and code spans: keep their text only
			writeInline(n, source, buf)
		}
	}
}

// appendBlock adds a block with its whitespace collapsed.
func appendBlock(blocks *[]string, s string) {
	s = strings.Join(strings.Fields(s), " ")
	if s != "" {
		*blocks = append(*blocks, s)
	}
}
