// Package timeline maps tokens to virtual time.
//
// A Timeline is built once per render plan from measured chunk durations and
// is read every tick to find the token being spoken.
package timeline

import (
	"sort"
	"time"

	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// Entry is the time slice of one spoken token.
type Entry struct {
	TokenID    string        `json:"token_id"`
	TokenIndex int           `json:"token_index"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
}

// Timeline is the ordered, non-overlapping sequence of entries for one plan.
type Timeline struct {
	Entries  []Entry       `json:"entries"`
	Duration time.Duration `json:"duration"`
}

// Build walks the plan in order, giving each chunk its measured duration.
// Tokens must be index stable: tokens[i].Index == i.
//
// Chunks without a duration (not synthesized, or failed) are skipped and
// take no time. In chunk strategy the duration is split evenly across the
// chunk's word tokens; a chunk without words is skipped.
func Build(plan ttypes.RenderPlan, durations map[string]time.Duration, tokens []ttypes.Token) Timeline {
	var (
		tl     Timeline
		cursor time.Duration
	)

	for _, chunk := range plan.Chunks {
		d, ok := durations[chunk.Hash]
		if !ok || d < 0 {
			continue
		}
		if chunk.StartToken < 0 || chunk.EndToken > len(tokens) || chunk.StartToken >= chunk.EndToken {
			continue
		}

		if plan.Settings.Strategy == ttypes.StrategyToken {
			tok := tokens[chunk.StartToken]
			tl.Entries = append(tl.Entries, Entry{
				TokenID:    tok.ID,
				TokenIndex: tok.Index,
				Start:      cursor,
				End:        cursor + d,
			})
			cursor += d
			continue
		}

		words := make([]ttypes.Token, 0, chunk.EndToken-chunk.StartToken)
		for _, tok := range tokens[chunk.StartToken:chunk.EndToken] {
			if tok.IsWord() {
				words = append(words, tok)
			}
		}
		if len(words) == 0 {
			continue
		}

		slice := d / time.Duration(len(words))
		for i, tok := range words {
			end := cursor + slice
			if i == len(words)-1 {
				// Remainder goes to the last word so the chunk ends exactly
				end = cursor + d - slice*time.Duration(i)
			}
			tl.Entries = append(tl.Entries, Entry{
				TokenID:    tok.ID,
				TokenIndex: tok.Index,
				Start:      cursor,
				End:        end,
			})
			cursor = end
		}
	}

	tl.Duration = cursor
	return tl
}

// Len returns the number of entries.
func (t Timeline) Len() int { return len(t.Entries) }

// EntryAt returns the position in Entries of the entry active at elapsed.
// Time before the first entry clamps to the first, time at or past the end
// clamps to the last, and a gap resolves to the last entry starting at or
// before elapsed. It returns -1 for an empty timeline.
func (t Timeline) EntryAt(elapsed time.Duration) int {
	n := len(t.Entries)
	if n == 0 {
		return -1
	}
	if elapsed >= t.Duration {
		return n - 1
	}
	i := sort.Search(n, func(i int) bool { return t.Entries[i].Start > elapsed })
	if i == 0 {
		return 0
	}
	return i - 1
}

// TokenAt returns the index of the token spoken at elapsed, or -1 for an
// empty timeline.
func (t Timeline) TokenAt(elapsed time.Duration) int {
	i := t.EntryAt(elapsed)
	if i < 0 {
		return -1
	}
	return t.Entries[i].TokenIndex
}

// Lookup returns the entry for a token index.
func (t Timeline) Lookup(tokenIndex int) (Entry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].TokenIndex >= tokenIndex })
	if i < len(t.Entries) && t.Entries[i].TokenIndex == tokenIndex {
		return t.Entries[i], true
	}
	return Entry{}, false
}

// TimeOf resolves a token index to the start of its entry, or of the first
// spoken token after it when the token itself has no entry. Indexes past the
// last entry resolve to the end of the timeline and report false.
func (t Timeline) TimeOf(tokenIndex int) (time.Duration, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].TokenIndex >= tokenIndex })
	if i == len(t.Entries) {
		return t.Duration, false
	}
	return t.Entries[i].Start, true
}
