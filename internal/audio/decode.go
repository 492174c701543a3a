package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

var (
	// ErrEmptyAudio is returned when there is nothing to decode.
	ErrEmptyAudio = errors.New("empty audio data")

	// ErrUnsupportedFormat is returned for audio that cannot be decoded.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Hint describes raw PCM payloads that carry no header.
type Hint struct {
	SampleRate int
	Channels   int
}

// DefaultHint matches the raw output of most local synthesis engines.
func DefaultHint() Hint {
	return Hint{SampleRate: 22050, Channels: 1}
}

// Format identifies a container format.
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
	FormatRaw Format = "raw"
)

// Sniff guesses the format of synthesized audio from its first bytes.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	default:
		return FormatRaw
	}
}

// Decode turns synthesized bytes into PCM. Headerless data is read as signed
// 16-bit little endian using hint.
func Decode(data []byte, hint Hint) (*PCM, error) {
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}

	switch Sniff(data) {
	case FormatWAV:
		return decodeWAV(data)
	case FormatMP3:
		return decodeMP3(data)
	default:
		if hint.SampleRate <= 0 || hint.Channels <= 0 {
			return nil, fmt.Errorf("%w: raw audio without sample rate", ErrUnsupportedFormat)
		}
		pcm := decodeS16(data, hint.SampleRate, hint.Channels)
		if pcm.Frames() == 0 {
			return nil, ErrEmptyAudio
		}
		return pcm, nil
	}
}

func decodeWAV(data []byte) (*PCM, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav", ErrUnsupportedFormat)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("unable to decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, ErrEmptyAudio
	}

	bitDepth := int(d.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))
	offset := 0
	if bitDepth == 8 {
		// 8-bit wav is unsigned
		offset = 128
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v-offset) / scale
	}
	return &PCM{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

func decodeMP3(data []byte) (*PCM, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unable to decode mp3: %w", err)
	}
	raw, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("unable to read mp3 frames: %w", err)
	}
	// go-mp3 always produces 16-bit little endian stereo
	pcm := decodeS16(raw, d.SampleRate(), 2)
	if pcm.Frames() == 0 {
		return nil, ErrEmptyAudio
	}
	return pcm, nil
}
