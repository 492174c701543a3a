package synth

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/dgnsrekt/glow-tts/internal/audio"
)

// MockWorker synthesizes a quiet tone whose length follows the requested
// speed: words / wpm minutes. It is used in tests, in CI and when no engine
// is configured.
type MockWorker struct {
	SampleRate int
	Format     audio.Format // FormatWAV or FormatRaw
	Delay      time.Duration

	// Fail, when set, decides per request whether synthesis fails.
	Fail func(Request) error

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// NewMockWorker creates a mock worker producing 22050 Hz mono WAV.
func NewMockWorker() *MockWorker {
	return &MockWorker{SampleRate: 22050, Format: audio.FormatWAV}
}

// Synthesize implements Worker.
func (m *MockWorker) Synthesize(ctx context.Context, req Request) (Result, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		max := m.maxInFlight.Load()
		if n <= max || m.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if m.Fail != nil {
		if err := m.Fail(req); err != nil {
			return Result{}, err
		}
	}

	words := len(strings.Fields(req.Text))
	if words == 0 {
		return Result{}, ErrEmptyText
	}
	if req.SpeedWPM <= 0 {
		return Result{}, errors.New("speed must be positive")
	}

	duration := time.Duration(words) * time.Minute / time.Duration(req.SpeedWPM)
	pcm := tone(duration, m.SampleRate)

	var data []byte
	if m.Format == audio.FormatRaw {
		data = audio.EncodeS16(pcm)
	} else {
		var err error
		if data, err = encodeWAV(pcm); err != nil {
			return Result{}, err
		}
	}
	return Result{Data: data, Duration: pcm.Duration(), SampleRate: m.SampleRate}, nil
}

// Calls returns the number of Synthesize calls.
func (m *MockWorker) Calls() int64 { return m.calls.Load() }

// MaxInFlight returns the highest number of concurrent calls observed.
func (m *MockWorker) MaxInFlight() int64 { return m.maxInFlight.Load() }

// tone returns a 220 Hz sine at a tenth of full scale.
func tone(d time.Duration, sampleRate int) *audio.PCM {
	frames := int(d * time.Duration(sampleRate) / time.Second)
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = float32(0.1 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
	}
	return &audio.PCM{Samples: samples, SampleRate: sampleRate, Channels: 1}
}

func encodeWAV(pcm *audio.PCM) ([]byte, error) {
	out := &memFile{}
	enc := wav.NewEncoder(out, pcm.SampleRate, 16, pcm.Channels, 1)

	data := make([]int, len(pcm.Samples))
	for i, s := range pcm.Samples {
		data[i] = int(s * 32767)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: pcm.Channels, SampleRate: pcm.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out.buf, nil
}

// memFile is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes.
type memFile struct {
	buf []byte
	pos int
}

func (f *memFile) Write(p []byte) (int, error) {
	if end := f.pos + len(p); end > len(f.buf) {
		f.buf = append(f.buf, make([]byte, end-len(f.buf))...)
	}
	n := copy(f.buf[f.pos:], p)
	f.pos += n
	return n, nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(f.pos) + offset
	case io.SeekEnd:
		abs = int64(len(f.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	f.pos = int(abs)
	return abs, nil
}
