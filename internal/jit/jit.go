// Package jit keeps a rolling window of audio scheduled ahead of the playhead.
//
// The Manager is driven by buffering requests from the playback controller.
// Each request schedules the chunks overlapping [t, t+Window) that are not
// already tracked or queued, so overlapping and re-entrant requests never
// schedule a chunk twice.
package jit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/glow-tts/internal/audio"
	"github.com/dgnsrekt/glow-tts/internal/telemetry"
	"github.com/dgnsrekt/glow-tts/internal/timeline"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// Defaults for the buffering window.
const (
	DefaultWindow      = 30 * time.Second
	DefaultLookback    = 10 * time.Second
	DefaultRetain      = 20 * time.Second
	DefaultConcurrency = 3
)

// ErrNotCached is returned when a chunk's audio is missing and no fallback
// synthesizer is configured.
var ErrNotCached = errors.New("chunk audio not cached")

// Scheduler receives decoded segments.
type Scheduler interface {
	ScheduleChunk(key string, pcm *audio.PCM, start time.Duration) bool
	PruneBefore(t time.Duration) int
	Has(key string) bool
	Clear()
}

// Cache is where synthesized audio is read from.
type Cache interface {
	Get(hash string) (ttypes.AudioAsset, bool)
}

// Synthesizer produces audio for chunks that fell out of the cache.
type Synthesizer interface {
	SynthesizeChunk(ctx context.Context, chunk ttypes.Chunk, settings ttypes.Settings) (ttypes.AudioAsset, error)
}

// slot is one chunk occurrence on the timeline. A chunk repeated in the
// document has one slot per occurrence, each with its own key.
type slot struct {
	key   string
	chunk ttypes.Chunk
	start time.Duration
	end   time.Duration
}

// Manager schedules the chunks around the playhead.
type Manager struct {
	sched       Scheduler
	cache       Cache
	synth       Synthesizer
	hint        audio.Hint
	window      time.Duration
	lookback    time.Duration
	retain      time.Duration
	concurrency int
	logger      *log.Logger
	metrics     *telemetry.Metrics

	mu       sync.Mutex
	gen      uint64
	settings ttypes.Settings
	index    []slot
	tracked  map[string]time.Duration // key to segment end
	inflight map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithSynthesizer enables synthesis of chunks missing from the cache.
func WithSynthesizer(s Synthesizer) Option {
	return func(m *Manager) { m.synth = s }
}

// WithWindow sets how far ahead of the playhead audio is scheduled.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithConcurrency sets the number of chunks decoded at once.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithHint sets the format assumed for headerless cached audio.
func WithHint(h audio.Hint) Option {
	return func(m *Manager) { m.hint = h }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates a manager feeding sched from c.
func New(sched Scheduler, c Cache, opts ...Option) *Manager {
	m := &Manager{
		sched:       sched,
		cache:       c,
		hint:        audio.DefaultHint(),
		window:      DefaultWindow,
		lookback:    DefaultLookback,
		retain:      DefaultRetain,
		concurrency: DefaultConcurrency,
		tracked:     make(map[string]time.Duration),
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	return m
}

// SlotKey is the scheduler key of the chunk at position ordinal in its plan.
func SlotKey(hash string, ordinal int) string {
	return hash + "#" + strconv.Itoa(ordinal)
}

// SetPlan replaces the chunk index. A chunk starts at the time of its first
// timed token and lasts its measured duration; chunks with no timeline entry
// are never scheduled. The scheduler is cleared in the same step, and work
// still running for the previous plan is dropped.
func (m *Manager) SetPlan(plan ttypes.RenderPlan, tl timeline.Timeline, durations map[string]time.Duration) {
	index := make([]slot, 0, len(plan.Chunks))
	for i, chunk := range plan.Chunks {
		d, ok := durations[chunk.Hash]
		if !ok {
			continue
		}
		for tok := chunk.StartToken; tok < chunk.EndToken; tok++ {
			if entry, ok := tl.Lookup(tok); ok {
				index = append(index, slot{
					key:   SlotKey(chunk.Hash, i),
					chunk: chunk,
					start: entry.Start,
					end:   entry.Start + d,
				})
				break
			}
		}
	}
	sort.SliceStable(index, func(i, j int) bool { return index[i].start < index[j].start })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.settings = plan.Settings
	m.index = index
	m.tracked = make(map[string]time.Duration)
	m.inflight = make(map[string]struct{})
	m.sched.Clear()
}

// Reset forgets the plan and empties the scheduler.
func (m *Manager) Reset() {
	m.SetPlan(ttypes.RenderPlan{}, timeline.Timeline{}, nil)
}

// Request makes sure the audio covering [t, t+window) is scheduled. It is
// safe to call concurrently; it returns the number of segments it scheduled.
// A chunk that fails is left untracked so the next request retries it, and
// a tracked chunk the scheduler has since pruned counts as missing.
func (m *Manager) Request(ctx context.Context, t time.Duration) int {
	if t < 0 {
		t = 0
	}
	m.metrics.BufferRequest(ctx)
	m.sched.PruneBefore(t - m.lookback)

	m.mu.Lock()
	gen := m.gen
	settings := m.settings
	var work []slot
	// Slots do not overlap, so ends are sorted like starts
	first := sort.Search(len(m.index), func(i int) bool { return m.index[i].end > t })
	for _, s := range m.index[first:] {
		if s.start > t+m.window {
			break
		}
		if _, ok := m.tracked[s.key]; ok {
			// A slot missing from the scheduler was pruned behind an
			// earlier playhead and is scheduled again
			if _, busy := m.inflight[s.key]; busy || m.sched.Has(s.key) {
				continue
			}
		} else if m.sched.Has(s.key) {
			continue
		}
		m.tracked[s.key] = s.end
		m.inflight[s.key] = struct{}{}
		work = append(work, s)
	}
	m.mu.Unlock()

	var scheduled, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, s := range work {
		if ctx.Err() != nil {
			m.untrack(gen, work[i:])
			break
		}
		g.Go(func() error {
			ok, err := m.process(ctx, gen, settings, s)
			m.settle(gen, s, err)
			if err != nil {
				failed.Add(1)
				m.logger.Debug("Buffering chunk failed", "hash", s.chunk.Hash, "start", s.start, "error", err)
				return fmt.Errorf("chunk at %v: %w", s.start, err)
			}
			if ok {
				scheduled.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("Buffering incomplete", "at", t, "failed", failed.Load(), "error", err)
	}

	m.mu.Lock()
	if gen == m.gen {
		for key, end := range m.tracked {
			if _, busy := m.inflight[key]; !busy && end < t-m.retain {
				delete(m.tracked, key)
			}
		}
	}
	m.mu.Unlock()
	return int(scheduled.Load())
}

// process loads, decodes and schedules one slot.
func (m *Manager) process(ctx context.Context, gen uint64, settings ttypes.Settings, s slot) (bool, error) {
	asset, ok := m.cache.Get(s.chunk.Hash)
	if !ok {
		if m.synth == nil {
			return false, ErrNotCached
		}
		var err error
		if asset, err = m.synth.SynthesizeChunk(ctx, s.chunk, settings); err != nil {
			return false, err
		}
	}

	hint := m.hint
	if asset.SampleRate > 0 {
		hint.SampleRate = asset.SampleRate
	}
	pcm, err := audio.Decode(asset.Data, hint)
	if err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false, nil
	}
	if !m.sched.ScheduleChunk(s.key, pcm, s.start) {
		return false, nil
	}
	m.metrics.SegmentScheduled(ctx)
	return true, nil
}

// settle ends the slot's in-flight state. A failed slot is untracked.
func (m *Manager) settle(gen uint64, s slot, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	delete(m.inflight, s.key)
	if err != nil {
		delete(m.tracked, s.key)
	}
}

func (m *Manager) untrack(gen uint64, slots []slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	for _, s := range slots {
		delete(m.tracked, s.key)
		delete(m.inflight, s.key)
	}
}

// Tracked returns the number of chunks marked as buffered.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Slots returns the number of chunks in the index.
func (m *Manager) Slots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}
