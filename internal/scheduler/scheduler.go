package scheduler

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/glow-tts/internal/audio"
)

// DefaultClickThreshold is the largest overshoot at which a late segment
// still starts from its beginning instead of mid-buffer.
const DefaultClickThreshold = 80 * time.Millisecond

// Scheduler is the audio scheduler. It owns the device clock and the queue of
// segments placed on the virtual timeline.
//
// Virtual time maps to device frames through a single anchor
// (anchorFrame, anchorOffset) replaced by every Play, Seek and rate change:
//
//	frame(t) = anchorFrame + (t - anchorOffset) / rate * sampleRate
type Scheduler struct {
	device     audio.Device
	sampleRate int
	channels   int
	logger     *log.Logger
	threshold  time.Duration

	// op is bumped by every operation that replaces the anchor. An
	// asynchronous Play continuation holding an older value is discarded.
	op atomic.Uint64

	startMu sync.Mutex // serializes device start
	started bool

	mu           sync.Mutex
	queue        []*segment // sorted by start
	index        map[string]*segment
	voices       []*voice
	rendered     int64 // frames handed to the device
	playing      bool
	rate         float64
	anchorFrame  int64
	anchorOffset time.Duration
	pausedAt     time.Duration
	volume       float64
	gain         float64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClickThreshold overrides DefaultClickThreshold.
func WithClickThreshold(d time.Duration) Option {
	return func(s *Scheduler) { s.threshold = d }
}

// New creates a scheduler for device. The device is started lazily by the
// first Play.
func New(device audio.Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		device:     device,
		sampleRate: device.SampleRate(),
		channels:   device.Channels(),
		threshold:  DefaultClickThreshold,
		index:      make(map[string]*segment),
		rate:       1,
		volume:     1,
		gain:       1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s
}

// Reader returns the stream the device pulls.
func (s *Scheduler) Reader() io.Reader {
	return mixer{s: s}
}

// Play starts sounding the queue from the virtual offset. Starting the
// device may block; if another operation replaced the anchor meanwhile, the
// call has no effect.
func (s *Scheduler) Play(offset time.Duration) error {
	op := s.op.Add(1)

	if err := s.ensureStarted(); err != nil {
		return err
	}

	latency := s.latencyFrames()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.op.Load() != op {
		s.logger.Debug("Discarding stale play", "op", op, "offset", offset)
		return nil
	}
	s.startLocked(offset, latency)
	return nil
}

func (s *Scheduler) ensureStarted() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.started {
		return nil
	}
	if err := s.device.Start(s.Reader()); err != nil {
		return fmt.Errorf("failed to start audio device: %w", err)
	}
	s.started = true
	return nil
}

// startLocked replaces the anchor and reschedules the queue (must be called
// with lock held).
func (s *Scheduler) startLocked(offset time.Duration, latency int64) {
	if offset < 0 {
		offset = 0
	}
	s.voices = nil
	s.playing = true
	s.anchorFrame = s.rendered
	s.anchorOffset = offset

	for _, seg := range s.queue {
		s.scheduleLocked(seg, latency)
	}
}

// scheduleLocked turns a queued segment into a voice on the running clock
// (must be called with lock held).
func (s *Scheduler) scheduleLocked(seg *segment, latency int64) {
	now := s.currentLocked(latency)
	if seg.end <= now {
		return
	}

	v := &voice{seg: seg}
	if seg.start >= now {
		v.startFrame = s.anchorFrame + s.framesFor(seg.start-s.anchorOffset)
		if v.startFrame < s.rendered {
			v.startFrame = s.rendered
		}
	} else {
		// Already late: start right away, skipping what should have been heard
		v.startFrame = s.rendered
		if overshoot := now - seg.start; overshoot >= s.threshold {
			v.pos = overshoot.Seconds() * float64(s.sampleRate)
		}
	}
	s.voices = append(s.voices, v)
}

// framesFor converts a virtual duration into device frames at the current rate.
func (s *Scheduler) framesFor(d time.Duration) int64 {
	return int64(math.Round(d.Seconds() / s.rate * float64(s.sampleRate)))
}

// Pause silences all voices and freezes the virtual time. The device keeps
// running so the output is never surrendered.
func (s *Scheduler) Pause() {
	latency := s.latencyFrames()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.op.Add(1)
	if !s.playing {
		return
	}
	s.pausedAt = s.currentLocked(latency)
	s.playing = false
	s.voices = nil
}

// Seek moves the virtual time. While paused only the frozen offset moves;
// while playing the anchor is replaced.
func (s *Scheduler) Seek(offset time.Duration) {
	if offset < 0 {
		offset = 0
	}
	latency := s.latencyFrames()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.op.Add(1)
	if s.playing {
		s.startLocked(offset, latency)
		return
	}
	s.pausedAt = offset
}

// SetPlaybackRate changes the playback rate. Non-positive rates are ignored.
// While playing, the queue is rescheduled from the current virtual time.
func (s *Scheduler) SetPlaybackRate(rate float64) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return
	}
	latency := s.latencyFrames()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.playing {
		s.rate = rate
		return
	}
	now := s.currentLocked(latency)
	s.rate = rate
	s.op.Add(1)
	s.startLocked(now, latency)
}

// ScheduleChunk places decoded audio at start on the virtual timeline. A hash
// that is already queued is ignored. While playing, the segment is scheduled
// against the running clock immediately. It reports whether the segment was
// added.
func (s *Scheduler) ScheduleChunk(hash string, pcm *audio.PCM, start time.Duration) bool {
	if pcm == nil || pcm.Frames() == 0 {
		return false
	}
	if s.Has(hash) {
		return false
	}

	seg := &segment{
		hash:  hash,
		pcm:   audio.Convert(pcm, s.sampleRate, s.channels),
		start: start,
		end:   start + pcm.Duration(),
	}
	latency := s.latencyFrames()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Lost a race with another caller converting the same hash
	if _, ok := s.index[hash]; ok {
		return false
	}
	s.index[hash] = seg
	i := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].start > start })
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = seg

	if s.playing {
		s.scheduleLocked(seg, latency)
	}
	return true
}

// PruneBefore drops queued segments that end before t and returns how many
// were dropped.
func (s *Scheduler) PruneBefore(t time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]
	pruned := 0
	for _, seg := range s.queue {
		if seg.end < t {
			delete(s.index, seg.hash)
			pruned++
			continue
		}
		kept = append(kept, seg)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	return pruned
}

// Clear drops every queued and sounding segment. Play state and virtual
// time are kept.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = nil
	s.voices = nil
	s.index = make(map[string]*segment)
}

// Has reports whether hash is queued.
func (s *Scheduler) Has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.index[hash]
	return ok
}

// QueueLen returns the number of queued segments.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// CurrentTime returns the virtual time being heard, compensated for output
// latency and clamped to zero.
func (s *Scheduler) CurrentTime() time.Duration {
	latency := s.latencyFrames()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentLocked(latency)
}

func (s *Scheduler) currentLocked(latency int64) time.Duration {
	if !s.playing {
		return s.pausedAt
	}
	elapsed := s.rendered - latency - s.anchorFrame
	if elapsed < 0 {
		elapsed = 0
	}
	seconds := float64(elapsed) / float64(s.sampleRate) * s.rate
	t := s.anchorOffset + time.Duration(seconds*float64(time.Second))
	if t < 0 {
		return 0
	}
	return t
}

// latencyFrames reads the device latency. It is called without the lock
// held: the device may hold its own lock while pulling from the mixer.
func (s *Scheduler) latencyFrames() int64 {
	return int64(s.device.Latency() * time.Duration(s.sampleRate) / time.Second)
}

// IsPlaying reports whether the scheduler is sounding.
func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.playing
}

// Rate returns the playback rate.
func (s *Scheduler) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rate
}

// SetVolume sets the volume, clamped to [0, 1].
func (s *Scheduler) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.volume = clamp01(v)
}

// Volume returns the volume.
func (s *Scheduler) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.volume
}

// SetGain sets the master gain, clamped to [0, 1].
func (s *Scheduler) SetGain(g float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gain = clamp01(g)
}

// Close closes the device.
func (s *Scheduler) Close() error {
	s.Pause()
	return s.device.Close()
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
