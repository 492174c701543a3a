package audio

import (
	"encoding/binary"
	"time"
)

// PCM is decoded audio as interleaved float32 samples in [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames.
func (p *PCM) Frames() int {
	if p == nil || p.Channels == 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Duration returns the playing time of the audio at its own sample rate.
func (p *PCM) Duration() time.Duration {
	if p == nil || p.SampleRate == 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.SampleRate)
}

// Convert returns the audio resampled to sampleRate with channels output
// channels. Resampling is linear; mono is duplicated to every channel and
// multi-channel input is averaged down to mono.
func Convert(p *PCM, sampleRate, channels int) *PCM {
	if p == nil {
		return nil
	}
	if p.SampleRate == sampleRate && p.Channels == channels {
		return p
	}

	frames := p.Frames()
	outFrames := frames
	if p.SampleRate != sampleRate && p.SampleRate > 0 {
		outFrames = int(int64(frames) * int64(sampleRate) / int64(p.SampleRate))
	}

	out := &PCM{
		Samples:    make([]float32, outFrames*channels),
		SampleRate: sampleRate,
		Channels:   channels,
	}
	step := float64(p.SampleRate) / float64(sampleRate)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		for ch := 0; ch < channels; ch++ {
			out.Samples[i*channels+ch] = p.frameAt(pos, ch, channels)
		}
	}
	return out
}

// At returns the linearly interpolated sample of channel ch at fractional
// frame position pos. Positions past the end read as silence.
func (p *PCM) At(pos float64, ch int) float32 {
	return p.frameAt(pos, ch, p.Channels)
}

// frameAt returns the linearly interpolated sample for output channel ch at
// fractional frame position pos.
func (p *PCM) frameAt(pos float64, ch, outChannels int) float32 {
	frames := p.Frames()
	i := int(pos)
	if i >= frames {
		return 0
	}
	frac := float32(pos - float64(i))
	a := p.channelSample(i, ch, outChannels)
	if i+1 >= frames || frac == 0 {
		return a
	}
	b := p.channelSample(i+1, ch, outChannels)
	return a + (b-a)*frac
}

func (p *PCM) channelSample(frame, ch, outChannels int) float32 {
	base := frame * p.Channels
	switch {
	case p.Channels == outChannels:
		return p.Samples[base+ch]
	case p.Channels == 1:
		return p.Samples[base]
	case outChannels == 1:
		var sum float32
		for c := 0; c < p.Channels; c++ {
			sum += p.Samples[base+c]
		}
		return sum / float32(p.Channels)
	default:
		return p.Samples[base+ch%p.Channels]
	}
}

// EncodeS16 encodes the samples as signed 16-bit little endian.
func EncodeS16(p *PCM) []byte {
	out := make([]byte, len(p.Samples)*2)
	for i, s := range p.Samples {
		PutS16(out[i*2:], s)
	}
	return out
}

// PutS16 writes one clipped sample as signed 16-bit little endian.
func PutS16(b []byte, s float32) {
	binary.LittleEndian.PutUint16(b, uint16(floatToS16(s)))
}

func floatToS16(s float32) int16 {
	switch {
	case s >= 1:
		return 32767
	case s <= -1:
		return -32768
	default:
		return int16(s * 32767)
	}
}

func decodeS16(raw []byte, sampleRate, channels int) *PCM {
	n := len(raw) / 2
	n -= n % channels
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	return &PCM{Samples: samples, SampleRate: sampleRate, Channels: channels}
}
