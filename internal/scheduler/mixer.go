package scheduler

import (
	"time"

	"github.com/dgnsrekt/glow-tts/internal/audio"
)

// segment is a chunk placed on the virtual timeline.
type segment struct {
	hash  string
	pcm   *audio.PCM // already in the device format
	start time.Duration
	end   time.Duration
}

// voice is a segment that is sounding (or due to sound) on the device clock.
type voice struct {
	seg        *segment
	startFrame int64   // device frame at which the voice begins
	pos        float64 // read position in source frames
}

// mixer is the io.Reader handed to the device.
type mixer struct {
	s *Scheduler
}

// Read renders the next frames. While nothing is due it renders silence, so
// the device keeps pulling and the output stays ours.
func (m mixer) Read(p []byte) (int, error) {
	return m.s.render(p), nil
}

// render mixes active voices into p as signed 16-bit frames and advances the
// device clock.
func (s *Scheduler) render(p []byte) int {
	frameBytes := s.channels * 2
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0
	}
	out := p[:frames*frameBytes]

	s.mu.Lock()
	defer s.mu.Unlock()

	level := float32(s.volume * s.gain)
	rate := s.rate
	mix := make([]float32, s.channels)

	for i := 0; i < frames; i++ {
		frame := s.rendered + int64(i)
		for ch := range mix {
			mix[ch] = 0
		}

		for _, v := range s.voices {
			if frame < v.startFrame || v.pos >= float64(v.seg.pcm.Frames()) {
				continue
			}
			for ch := range mix {
				mix[ch] += v.seg.pcm.At(v.pos, ch)
			}
			v.pos += rate
		}

		for ch, sample := range mix {
			audio.PutS16(out[(i*s.channels+ch)*2:], sample*level)
		}
	}
	s.rendered += int64(frames)

	// Drop finished voices
	active := s.voices[:0]
	for _, v := range s.voices {
		if v.pos < float64(v.seg.pcm.Frames()) {
			active = append(active, v)
		}
	}
	for i := len(active); i < len(s.voices); i++ {
		s.voices[i] = nil
	}
	s.voices = active

	return len(out)
}
