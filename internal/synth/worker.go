// Package synth turns render plans into cached chunk audio.
//
// Synthesis engines sit behind the Worker interface: a request carries the
// chunk text, voice and speed, and is correlated with its response by chunk
// hash. Workers may run in process, as a child process, or across NATS.
package synth

import (
	"context"
	"strings"
	"time"
)

// Request asks a worker for the audio of one chunk.
type Request struct {
	Hash     string `json:"hash"`
	Text     string `json:"text"`
	VoiceID  string `json:"voice"`
	SpeedWPM int    `json:"speed_wpm"`
}

// Result is decodable audio for one chunk. Duration and SampleRate are
// hints; the synthesizer measures the decoded audio.
type Result struct {
	Data       []byte
	Duration   time.Duration
	SampleRate int
}

// Worker synthesizes speech.
type Worker interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, req Request) (Result, error)

// Synthesize calls f.
func (f WorkerFunc) Synthesize(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// speakable collapses the whitespace of chunk text.
func speakable(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
