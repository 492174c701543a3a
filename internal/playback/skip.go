package playback

import "github.com/dgnsrekt/glow-tts/internal/ttypes"

// findTarget scans tokens from current for the token a skip lands on.
func findTarget(unit Unit, dir Direction, tokens []ttypes.Token, current int) (int, bool) {
	if len(tokens) == 0 {
		return 0, false
	}
	current = max(0, min(current, len(tokens)-1))

	switch unit {
	case UnitWord:
		for i := current + int(dir); i >= 0 && i < len(tokens); i += int(dir) {
			if tokens[i].IsWord() {
				return i, true
			}
		}
		return 0, false

	case UnitSentence:
		sentence := tokens[current].SentenceID
		if dir == Forward {
			for i := current + 1; i < len(tokens); i++ {
				if tokens[i].SentenceID != sentence {
					return i, true
				}
			}
			return 0, false
		}
		// Backward lands on the first token of the previous sentence, not on
		// the last one a plain scan would stop at, so that sentence is heard
		// from its start
		i := current - 1
		for i >= 0 && tokens[i].SentenceID == sentence {
			i--
		}
		if i < 0 {
			return 0, false
		}
		prev := tokens[i].SentenceID
		for i > 0 && tokens[i-1].SentenceID == prev {
			i--
		}
		return i, true

	case UnitParagraph:
		if dir == Forward {
			for i := current + 1; i < len(tokens); i++ {
				if tokens[i].Type != ttypes.TokenNewline {
					continue
				}
				for j := i + 1; j < len(tokens); j++ {
					if tokens[j].IsWord() {
						return j, true
					}
				}
				return 0, false
			}
			return 0, false
		}
		// Backward lands on the first word after the nearest break behind
		// the active token
		for i := current - 1; i >= 0; i-- {
			if tokens[i].Type != ttypes.TokenNewline {
				continue
			}
			for j := i + 1; j < current; j++ {
				if tokens[j].IsWord() {
					return j, true
				}
			}
		}
		return 0, true
	}
	return 0, false
}
