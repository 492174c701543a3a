// Package plan groups tokens into synthesis chunks.
package plan

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/glow-tts/internal/cache"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// Build produces the render plan for tokens under settings. Tokens must be
// index stable: tokens[i].Index == i.
func Build(tokens []ttypes.Token, settings ttypes.Settings) (ttypes.RenderPlan, error) {
	if err := settings.Validate(); err != nil {
		return ttypes.RenderPlan{}, fmt.Errorf("invalid settings: %w", err)
	}

	p := ttypes.RenderPlan{Settings: settings}
	switch settings.Strategy {
	case ttypes.StrategyToken:
		p.Chunks = byToken(tokens, settings)
	default:
		p.Chunks = byChunk(tokens, settings)
	}
	return p, nil
}

func newChunk(tokens []ttypes.Token, start, end int, settings ttypes.Settings) (ttypes.Chunk, bool) {
	var b strings.Builder
	for _, tok := range tokens[start:end] {
		b.WriteString(tok.Text)
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		return ttypes.Chunk{}, false
	}
	return ttypes.Chunk{
		StartToken: start,
		EndToken:   end,
		Text:       text,
		Hash:       cache.ChunkHash(text, settings.VoiceID, settings.SpeedWPM),
	}, true
}

func byToken(tokens []ttypes.Token, settings ttypes.Settings) []ttypes.Chunk {
	var chunks []ttypes.Chunk
	for i, tok := range tokens {
		if !tok.IsWord() {
			continue
		}
		if c, ok := newChunk(tokens, i, i+1, settings); ok {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// byChunk collects up to ChunkSize words per chunk. Punctuation and spaces
// stay with the words before them; sentence and paragraph boundaries close
// a chunk early when the pause rules ask for it.
func byChunk(tokens []ttypes.Token, settings ttypes.Settings) []ttypes.Chunk {
	var (
		chunks   []ttypes.Chunk
		start    int
		words    int
		sentence int
	)

	flush := func(end int) {
		if end > start {
			if c, ok := newChunk(tokens, start, end, settings); ok {
				chunks = append(chunks, c)
			}
		}
		start = end
		words = 0
	}

	for i, tok := range tokens {
		switch {
		case tok.IsWord():
			if words > 0 && (words >= settings.ChunkSize ||
				(settings.Pauses.BreakOnSentence && tok.SentenceID != sentence)) {
				flush(i)
			}
			if words == 0 {
				sentence = tok.SentenceID
			}
			words++
		case tok.Type == ttypes.TokenNewline && settings.Pauses.BreakOnParagraph:
			if words > 0 {
				flush(i + 1)
			}
		}
	}
	flush(len(tokens))
	return chunks
}
