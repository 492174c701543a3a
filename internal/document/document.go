package document

import (
	"strings"

	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// Document is a loaded source ready for planning.
type Document struct {
	Name   string
	Text   string
	Tokens []ttypes.Token
}

// Parse extracts the speakable text of a markdown source and tokenizes it.
func Parse(name, markdown string, opts ...Option) *Document {
	text := NewExtractor(opts...).Extract(markdown)
	return &Document{
		Name:   name,
		Text:   text,
		Tokens: Tokenize(text),
	}
}

// Words returns the number of word tokens.
func (d *Document) Words() int {
	n := 0
	for _, tok := range d.Tokens {
		if tok.IsWord() {
			n++
		}
	}
	return n
}

// Excerpt returns the text of tokens [start, end), clamped to the document.
func (d *Document) Excerpt(start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(d.Tokens) {
		end = len(d.Tokens)
	}
	var b strings.Builder
	for i := start; i < end; i++ {
		b.WriteString(d.Tokens[i].Text)
	}
	return b.String()
}
