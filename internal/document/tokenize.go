package document

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/dgnsrekt/glow-tts/internal/ttypes"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Tokenizer splits plain text into word, punctuation, space and newline
// tokens and assigns sentence ids.
//
// A single line break is a space; a blank line is a newline token and ends
// the sentence (a paragraph break).
type Tokenizer struct {
	abbreviations map[string]bool
	titleAbbrevs  map[string]bool
}

// NewTokenizer creates a tokenizer with the default English abbreviations.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		abbreviations: defaultAbbreviations(),
		titleAbbrevs:  defaultTitleAbbreviations(),
	}
}

// Tokenize tokenizes text with the default tokenizer.
func Tokenize(text string) []ttypes.Token {
	return NewTokenizer().Tokenize(text)
}

// Tokenize returns the index stable token sequence for text.
func (t *Tokenizer) Tokenize(text string) []ttypes.Token {
	var (
		tokens   []ttypes.Token
		sentence int
		pending  bool // the next word starts a new sentence
		lastWord string
		words    int
	)
	// A Caser is stateful, one per call
	fold := cases.Fold()

	emit := func(typ ttypes.TokenType, s string) {
		normalized := norm.NFKC.String(s)
		if typ == ttypes.TokenWord {
			normalized = fold.String(normalized)
		}
		idx := len(tokens)
		tokens = append(tokens, ttypes.Token{
			ID:         "t" + strconv.Itoa(idx),
			Index:      idx,
			Text:       s,
			Normalized: normalized,
			Type:       typ,
			SentenceID: sentence,
		})
	}

	runes := []rune(text)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case isWordRune(r):
			j := i + 1
			for j < len(runes) {
				if isWordRune(runes[j]) {
					j++
					continue
				}
				if isJoiner(runes[j]) && j+1 < len(runes) && isWordRune(runes[j+1]) {
					j += 2
					continue
				}
				break
			}
			if pending && words > 0 {
				sentence++
			}
			pending = false
			lastWord = string(runes[i:j])
			words++
			emit(ttypes.TokenWord, lastWord)
			i = j

		case unicode.IsSpace(r):
			j, newlines := i, 0
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				if runes[j] == '\n' {
					newlines++
				}
				j++
			}
			if newlines >= 2 {
				emit(ttypes.TokenNewline, string(runes[i:j]))
				pending = true
			} else {
				emit(ttypes.TokenSpace, string(runes[i:j]))
			}
			i = j

		default:
			emit(ttypes.TokenPunct, string(r))
			if t.isSentenceBoundary(runes, i, lastWord) {
				pending = true
			}
			i++
		}
	}
	return tokens
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// isJoiner reports runes that stay inside a word when surrounded by word
// runes: don't, well-known, e.g, 3.14, 1,000.
func isJoiner(r rune) bool {
	switch r {
	case '\'', '’', '-', '.', ',':
		return true
	}
	return false
}

// isSentenceBoundary checks if the punctuation at pos ends a sentence.
func (t *Tokenizer) isSentenceBoundary(runes []rune, pos int, prevWord string) bool {
	current := runes[pos]
	if current != '.' && current != '!' && current != '?' {
		return false
	}

	// Only the last dot of an ellipsis can end a sentence
	if current == '.' && pos+1 < len(runes) && runes[pos+1] == '.' {
		return false
	}

	next := pos + 1
	// Closing quotes and brackets belong to the sentence
	for next < len(runes) && strings.ContainsRune("\"'”’)]", runes[next]) {
		next++
	}
	if next >= len(runes) {
		return true
	}
	if !unicode.IsSpace(runes[next]) {
		return false
	}
	for next < len(runes) && unicode.IsSpace(runes[next]) {
		next++
	}
	if next >= len(runes) {
		return true
	}

	if current == '.' && pos > 0 && isWordRune(runes[pos-1]) {
		word := strings.ToLower(prevWord)
		// Titles are never sentence boundaries when followed by names
		if t.titleAbbrevs[word] {
			return false
		}
		if t.abbreviations[word] {
			return unicode.IsUpper(runes[next])
		}
	}

	// Whitespace followed by a capital letter is a strong indicator of a new sentence
	return unicode.IsUpper(runes[next]) || unicode.IsDigit(runes[next])
}

// defaultAbbreviations returns common English abbreviations.
func defaultAbbreviations() map[string]bool {
	return map[string]bool{
		// Titles
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
		"sr": true, "jr": true, "ph.d": true, "m.d": true,

		// Common abbreviations
		"etc": true, "vs": true, "e.g": true, "i.e": true,
		"inc": true, "ltd": true, "co": true, "corp": true,
		"jan": true, "feb": true, "mar": true, "apr": true, "jun": true,
		"jul": true, "aug": true, "sep": true, "sept": true, "oct": true,
		"nov": true, "dec": true,
	}
}

// defaultTitleAbbreviations returns abbreviations that are typically used as titles/prefixes.
func defaultTitleAbbreviations() map[string]bool {
	return map[string]bool{
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
		"sr": true, "jr": true,
	}
}
