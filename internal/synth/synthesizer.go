package synth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/glow-tts/internal/audio"
	"github.com/dgnsrekt/glow-tts/internal/cache"
	"github.com/dgnsrekt/glow-tts/internal/telemetry"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// DefaultConcurrency is the number of chunks synthesized at once.
const DefaultConcurrency = 3

// Progress reports plan synthesis. Done counts finished chunks, failed ones
// included; Total is the number of chunks attempted.
type Progress struct {
	Done   int
	Failed int
	Total  int
	Hash   string
	Err    error
}

// Percent returns completion in [0, 100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Done) * 100 / float64(p.Total)
}

// Report summarizes a plan synthesis.
type Report struct {
	Chunks    int // distinct chunks in the plan
	Cached    int // already in the cache
	Attempted int
	Succeeded int
	Failed    map[string]error
	Canceled  bool
}

// Synthesizer fills the audio cache for render plans.
type Synthesizer struct {
	worker      Worker
	cache       *cache.AudioCache
	hint        audio.Hint
	concurrency int
	logger      *log.Logger
	metrics     *telemetry.Metrics

	group singleflight.Group
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithConcurrency sets how many chunks are synthesized at once.
func WithConcurrency(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Synthesizer) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Synthesizer) { s.metrics = m }
}

// WithHint sets the format assumed for headerless worker output.
func WithHint(h audio.Hint) Option {
	return func(s *Synthesizer) { s.hint = h }
}

// New creates a synthesizer writing into c.
func New(w Worker, c *cache.AudioCache, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		worker:      w,
		cache:       c,
		hint:        audio.DefaultHint(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s
}

// Hint returns the format assumed for headerless audio.
func (s *Synthesizer) Hint() audio.Hint { return s.hint }

// SynthesizeChunk returns the cached asset for chunk, synthesizing it if
// needed. Concurrent calls for one hash share a single synthesis.
func (s *Synthesizer) SynthesizeChunk(ctx context.Context, chunk ttypes.Chunk, settings ttypes.Settings) (ttypes.AudioAsset, error) {
	if asset, ok := s.cache.Get(chunk.Hash); ok {
		s.metrics.CacheLookup(ctx, true)
		return asset, nil
	}
	s.metrics.CacheLookup(ctx, false)

	v, err, _ := s.group.Do(chunk.Hash, func() (any, error) {
		return s.synthesize(ctx, chunk, settings)
	})
	if err != nil {
		return ttypes.AudioAsset{}, err
	}
	return v.(ttypes.AudioAsset), nil
}

func (s *Synthesizer) synthesize(ctx context.Context, chunk ttypes.Chunk, settings ttypes.Settings) (ttypes.AudioAsset, error) {
	start := time.Now()
	res, err := s.worker.Synthesize(ctx, Request{
		Hash:     chunk.Hash,
		Text:     speakable(chunk.Text),
		VoiceID:  settings.VoiceID,
		SpeedWPM: settings.SpeedWPM,
	})
	if err != nil {
		outcome := telemetry.OutcomeFailed
		if errors.Is(err, context.Canceled) {
			outcome = telemetry.OutcomeCanceled
		}
		s.metrics.SynthResult(ctx, outcome, time.Since(start))
		return ttypes.AudioAsset{}, chunkErr(chunk.Hash, err)
	}

	hint := s.hint
	if res.SampleRate > 0 {
		hint.SampleRate = res.SampleRate
	}
	// Decoded once, only to measure the real duration
	pcm, err := audio.Decode(res.Data, hint)
	if err != nil {
		s.metrics.SynthResult(ctx, telemetry.OutcomeFailed, time.Since(start))
		return ttypes.AudioAsset{}, &ChunkError{Hash: chunk.Hash, Code: ErrorCodeAudioFormat, Err: err}
	}

	asset := ttypes.AudioAsset{
		Hash:       chunk.Hash,
		Duration:   pcm.Duration(),
		Data:       res.Data,
		SampleRate: pcm.SampleRate,
	}
	if err := s.cache.Put(asset); err != nil {
		s.metrics.SynthResult(ctx, telemetry.OutcomeFailed, time.Since(start))
		return ttypes.AudioAsset{}, &ChunkError{Hash: chunk.Hash, Code: ErrorCodeCacheWrite, Err: err}
	}

	s.metrics.SynthResult(ctx, telemetry.OutcomeOK, time.Since(start))
	return asset, nil
}

// SynthesizePlan synthesizes every chunk of plan missing from the cache, at
// most the configured concurrency at a time.
//
// A failed chunk is recorded in the report and never stops the others.
// Cancelling ctx stops new chunks from starting, checked before each chunk
// is queued and again when it starts; chunks already running finish and are
// cached. A canceled run returns ErrCanceled with the partial report.
func (s *Synthesizer) SynthesizePlan(ctx context.Context, plan ttypes.RenderPlan, progress func(Progress)) (Report, error) {
	report := Report{Failed: make(map[string]error)}

	var pending []ttypes.Chunk
	seen := make(map[string]struct{}, len(plan.Chunks))
	for _, chunk := range plan.Chunks {
		if _, ok := seen[chunk.Hash]; ok {
			continue
		}
		seen[chunk.Hash] = struct{}{}
		report.Chunks++
		if s.cache.Has(chunk.Hash) {
			report.Cached++
			continue
		}
		pending = append(pending, chunk)
	}
	report.Attempted = len(pending)

	s.logger.Debug("Synthesizing plan",
		"chunks", report.Chunks, "cached", report.Cached, "pending", len(pending))

	var (
		mu   sync.Mutex
		done int
	)
	// Started chunks run to completion even after cancellation
	unitCtx := context.WithoutCancel(ctx)

	var (
		g       errgroup.Group
		stopped error
	)
	g.SetLimit(s.concurrency)
	for _, chunk := range pending {
		if err := ctx.Err(); err != nil {
			stopped = err
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := s.SynthesizeChunk(unitCtx, chunk, plan.Settings)

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				report.Failed[chunk.Hash] = err
				s.logger.Warn("Chunk synthesis failed", "hash", chunk.Hash, "error", err)
			} else {
				report.Succeeded++
			}
			if progress != nil {
				progress(Progress{
					Done:   done,
					Failed: len(report.Failed),
					Total:  report.Attempted,
					Hash:   chunk.Hash,
					Err:    err,
				})
			}
			return nil
		})
	}
	// Only cancellation fails a unit; chunk errors live in the report
	if err := g.Wait(); err != nil {
		stopped = err
	}

	if stopped != nil {
		report.Canceled = true
		return report, fmt.Errorf("%w: %v", ErrCanceled, stopped)
	}
	return report, nil
}
