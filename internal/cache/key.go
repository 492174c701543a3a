package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ChunkHash returns the content hash that identifies a chunk: two chunks with
// the same text, voice and speed are interchangeable.
func ChunkHash(text, voiceID string, speedWPM int) string {
	data := fmt.Sprintf("%s|%s|%d", strings.TrimSpace(text), voiceID, speedWPM)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:16]) // Use first 16 bytes for shorter keys
}
