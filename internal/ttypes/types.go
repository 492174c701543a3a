// Package ttypes contains shared types for the read-along core.
// This package is used to break import cycles between plan, cache, synth, timeline and playback.
package ttypes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TokenType classifies a token of source text.
type TokenType int

const (
	// TokenWord is a speakable word.
	TokenWord TokenType = iota

	// TokenPunct is punctuation.
	TokenPunct

	// TokenSpace is horizontal whitespace.
	TokenSpace

	// TokenNewline is a line or paragraph break.
	TokenNewline
)

// String returns the string representation of the token type
func (t TokenType) String() string {
	switch t {
	case TokenWord:
		return "word"
	case TokenPunct:
		return "punct"
	case TokenSpace:
		return "space"
	case TokenNewline:
		return "newline"
	default:
		return "unknown"
	}
}

// Token is an immutable unit of source text. Index is its position in the
// token sequence and is unique and ordered.
type Token struct {
	ID         string
	Index      int
	Text       string
	Normalized string
	Type       TokenType
	SentenceID int
}

// IsWord reports whether the token is a word.
func (t Token) IsWord() bool { return t.Type == TokenWord }

// Strategy selects how tokens are grouped into chunks.
type Strategy string

const (
	// StrategyToken synthesizes one word token per chunk.
	StrategyToken Strategy = "token"

	// StrategyChunk synthesizes runs of several tokens per chunk.
	StrategyChunk Strategy = "chunk"
)

// PauseRules control where chunks are forced to end.
type PauseRules struct {
	BreakOnSentence  bool `mapstructure:"break_on_sentence" yaml:"break_on_sentence" json:"break_on_sentence"`
	BreakOnParagraph bool `mapstructure:"break_on_paragraph" yaml:"break_on_paragraph" json:"break_on_paragraph"`
}

// Speed limits in words per minute.
const (
	MinSpeedWPM = 60
	MaxSpeedWPM = 600
)

// Settings are the inputs that, together with the tokens, produce a RenderPlan.
type Settings struct {
	VoiceID   string     `mapstructure:"voice" yaml:"voice" json:"voice"`
	SpeedWPM  int        `mapstructure:"speed_wpm" yaml:"speed_wpm" json:"speed_wpm"`
	Strategy  Strategy   `mapstructure:"strategy" yaml:"strategy" json:"strategy"`
	ChunkSize int        `mapstructure:"chunk_size" yaml:"chunk_size" json:"chunk_size"`
	Pauses    PauseRules `mapstructure:"pauses" yaml:"pauses" json:"pauses"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		VoiceID:   "en_US-lessac-medium",
		SpeedWPM:  180,
		Strategy:  StrategyChunk,
		ChunkSize: 12,
		Pauses: PauseRules{
			BreakOnSentence:  true,
			BreakOnParagraph: true,
		},
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.VoiceID) == "" {
		errs = append(errs, errors.New("voice must not be empty"))
	}
	if s.SpeedWPM < MinSpeedWPM || s.SpeedWPM > MaxSpeedWPM {
		errs = append(errs, fmt.Errorf("speed must be between %d and %d wpm, got %d", MinSpeedWPM, MaxSpeedWPM, s.SpeedWPM))
	}
	switch s.Strategy {
	case StrategyToken, StrategyChunk:
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q", s.Strategy))
	}
	if s.Strategy == StrategyChunk && s.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk size must be at least 1, got %d", s.ChunkSize))
	}
	return errors.Join(errs...)
}

// SameSynthesis reports whether two settings produce identical audio for the
// same tokens.
func (s Settings) SameSynthesis(o Settings) bool {
	return s == o
}

// Chunk is a contiguous run of tokens synthesized as one unit. EndToken is
// exclusive. Hash is the only identity of a chunk.
type Chunk struct {
	StartToken int
	EndToken   int
	Text       string
	Hash       string
}

// Contains reports whether the token index falls inside the chunk.
func (c Chunk) Contains(index int) bool {
	return index >= c.StartToken && index < c.EndToken
}

// RenderPlan is the ordered chunk sequence for one document and settings
// combination. It is never mutated once built.
type RenderPlan struct {
	Chunks   []Chunk
	Settings Settings
}

// Hashes returns the distinct chunk hashes in plan order.
func (p RenderPlan) Hashes() []string {
	seen := make(map[string]struct{}, len(p.Chunks))
	hashes := make([]string, 0, len(p.Chunks))
	for _, c := range p.Chunks {
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		seen[c.Hash] = struct{}{}
		hashes = append(hashes, c.Hash)
	}
	return hashes
}

// AudioAsset is the cached audio for one chunk hash.
type AudioAsset struct {
	Hash       string
	Duration   time.Duration
	Data       []byte
	SampleRate int
	LastAccess time.Time
	Size       int64
}
