// Package orchestrator ties plan generation, synthesis, timeline building and
// buffering together for each document load and settings change.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dgnsrekt/glow-tts/internal/cache"
	"github.com/dgnsrekt/glow-tts/internal/jit"
	"github.com/dgnsrekt/glow-tts/internal/plan"
	"github.com/dgnsrekt/glow-tts/internal/playback"
	"github.com/dgnsrekt/glow-tts/internal/scheduler"
	"github.com/dgnsrekt/glow-tts/internal/synth"
	"github.com/dgnsrekt/glow-tts/internal/telemetry"
	"github.com/dgnsrekt/glow-tts/internal/timeline"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

var (
	// ErrNoDocument is returned by operations that need a loaded document.
	ErrNoDocument = errors.New("no document loaded")

	// ErrCacheUnavailable is returned when no synthesized chunk could be stored.
	ErrCacheUnavailable = errors.New("audio cache unavailable")
)

// Session is the voice currently in use. A voice change replaces it.
type Session struct {
	ID        uuid.UUID `json:"id"`
	VoiceID   string    `json:"voice"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is the state shown to a user interface.
type Snapshot struct {
	Playback playback.Snapshot `json:"playback"`
	Session  *Session          `json:"session,omitempty"`
	Settings ttypes.Settings   `json:"settings"`
	Chunks   int               `json:"chunks"`
	Word     string            `json:"word,omitempty"`
}

// Orchestrator owns the playback pipeline for one reader.
type Orchestrator struct {
	cache   *cache.AudioCache
	synth   *synth.Synthesizer
	jit     *jit.Manager
	ctrl    *playback.Controller
	logger  *log.Logger
	metrics *telemetry.Metrics

	// Root context for buffering requests, canceled by Close
	ctx       context.Context
	stop      context.CancelFunc
	buffering atomic.Int64
	buffers   sync.WaitGroup

	mu       sync.Mutex
	epoch    uint64
	cancel   context.CancelFunc
	loaded   bool
	tokens   []ttypes.Token
	settings ttypes.Settings
	plan     ttypes.RenderPlan
	session  *Session
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger     *log.Logger
	metrics    *telemetry.Metrics
	window     time.Duration
	controller []playback.Option
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBufferWindow sets how far ahead audio is scheduled.
func WithBufferWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

// WithControllerOptions passes options to the playback controller.
func WithControllerOptions(opts ...playback.Option) Option {
	return func(o *options) { o.controller = append(o.controller, opts...) }
}

// New wires a synthesizer, its cache and a scheduler into a pipeline.
func New(s *synth.Synthesizer, c *cache.AudioCache, sched *scheduler.Scheduler, opts ...Option) *Orchestrator {
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.Default()
	}

	o := &Orchestrator{
		cache:   c,
		synth:   s,
		logger:  cfg.logger,
		metrics: cfg.metrics,
	}
	o.ctx, o.stop = context.WithCancel(context.Background())

	o.jit = jit.New(sched, c,
		jit.WithSynthesizer(s),
		jit.WithHint(s.Hint()),
		jit.WithWindow(cfg.window),
		jit.WithLogger(cfg.logger.With("component", "jit")),
		jit.WithMetrics(cfg.metrics),
	)

	ctrlOpts := append([]playback.Option{
		playback.WithLogger(cfg.logger.With("component", "playback")),
		playback.WithCallbacks(playback.Callbacks{OnBufferRequest: o.requestBuffer}),
	}, cfg.controller...)
	o.ctrl = playback.New(sched, ctrlOpts...)
	return o
}

// Controller returns the playback controller.
func (o *Orchestrator) Controller() *playback.Controller { return o.ctrl }

// requestBuffer runs a buffering request off the caller's goroutine.
func (o *Orchestrator) requestBuffer(t time.Duration) {
	if o.ctx.Err() != nil {
		return
	}
	o.buffers.Add(1)
	o.ctrl.SetBuffering(o.buffering.Add(1) > 0)
	go func() {
		defer o.buffers.Done()
		n := o.jit.Request(o.ctx, t)
		o.ctrl.SetBuffering(o.buffering.Add(-1) > 0)
		if n > 0 {
			o.logger.Debug("Buffered ahead", "at", t, "segments", n)
		}
	}()
}

// LoadDocument plans, synthesizes and times tokens, then pauses at the
// start with the first window buffered. A load replaces any load still
// running. A canceled or replaced load reports StageCanceled and returns
// nil; chunks it already synthesized stay cached.
func (o *Orchestrator) LoadDocument(ctx context.Context, tokens []ttypes.Token, settings ttypes.Settings, progress ProgressFunc) error {
	_, err := o.load(ctx, tokens, settings, progress)
	return err
}

func (o *Orchestrator) load(ctx context.Context, tokens []ttypes.Token, settings ttypes.Settings, progress ProgressFunc) (bool, error) {
	if err := settings.Validate(); err != nil {
		return false, fmt.Errorf("invalid settings: %w", err)
	}

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.epoch++
	epoch := o.epoch
	loadCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		if o.epoch == epoch {
			o.cancel = nil
		}
		o.mu.Unlock()
	}()

	canceled := func() (bool, error) {
		progress.report(StageCanceled, 0, "Canceled")
		return false, nil
	}

	progress.report(StagePlanning, 0, "Planning chunks")
	p, err := plan.Build(tokens, settings)
	if err != nil {
		return false, err
	}
	o.useVoice(settings.VoiceID)

	progress.report(StageSynthesizing, 0, fmt.Sprintf("Synthesizing %d chunks", len(p.Chunks)))
	report, err := o.synth.SynthesizePlan(loadCtx, p, func(sp synth.Progress) {
		progress.report(StageSynthesizing, sp.Percent()*0.9,
			fmt.Sprintf("Synthesized %d of %d chunks", sp.Done, sp.Total))
	})
	if errors.Is(err, synth.ErrCanceled) {
		return canceled()
	}
	if err != nil {
		return false, err
	}
	if err := fatal(report); err != nil {
		return false, err
	}
	if len(report.Failed) > 0 {
		o.logger.Warn("Some chunks failed to synthesize", "failed", len(report.Failed), "attempted", report.Attempted)
	}

	progress.report(StageTimeline, 92, "Building timeline")
	durations := make(map[string]time.Duration, len(p.Chunks))
	for _, hash := range p.Hashes() {
		if d, ok := o.cache.Duration(hash); ok {
			durations[hash] = d
		}
	}
	tl := timeline.Build(p, durations, tokens)

	o.mu.Lock()
	if epoch != o.epoch || loadCtx.Err() != nil {
		o.mu.Unlock()
		return canceled()
	}
	o.loaded = true
	o.tokens = tokens
	o.settings = settings
	o.plan = p
	o.mu.Unlock()

	// Buffering ticks stop before the plan and the scheduler queue change
	o.ctrl.Pause()
	o.jit.SetPlan(p, tl, durations)
	o.ctrl.SetTimeline(tl)

	progress.report(StageBuffering, 95, "Buffering")
	o.jit.Request(loadCtx, 0)

	message := "Ready"
	if n := len(report.Failed); n > 0 {
		message = fmt.Sprintf("Ready, %d chunks failed", n)
	}
	progress.report(StageReady, 100, message)
	o.logger.Info("Document loaded",
		"tokens", len(tokens), "chunks", len(p.Chunks), "duration", tl.Duration, "failed", len(report.Failed))
	return true, nil
}

// fatal reports a load where no chunk could be written to the cache.
func fatal(report synth.Report) error {
	if report.Attempted == 0 || report.Succeeded > 0 || len(report.Failed) < report.Attempted {
		return nil
	}
	var first error
	for _, err := range report.Failed {
		var chunkErr *synth.ChunkError
		if !errors.As(err, &chunkErr) || chunkErr.Code != synth.ErrorCodeCacheWrite {
			return nil
		}
		first = err
	}
	return fmt.Errorf("%w: %v", ErrCacheUnavailable, first)
}

// useVoice starts a new session when the voice changes.
func (o *Orchestrator) useVoice(voiceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil && o.session.VoiceID == voiceID {
		return
	}
	o.session = &Session{ID: uuid.New(), VoiceID: voiceID, StartedAt: time.Now()}
	o.logger.Debug("Voice session started", "voice", voiceID, "session", o.session.ID)
}

// UpdateSettings reloads the current document with new settings and puts
// playback back on the active token, playing if it was playing.
func (o *Orchestrator) UpdateSettings(ctx context.Context, settings ttypes.Settings, progress ProgressFunc) error {
	o.mu.Lock()
	if !o.loaded {
		o.mu.Unlock()
		return ErrNoDocument
	}
	tokens := o.tokens
	same := settings.SameSynthesis(o.settings)
	o.mu.Unlock()

	if same {
		progress.report(StageReady, 100, "Settings unchanged")
		return nil
	}

	token := o.ctrl.CurrentToken()
	wasPlaying := o.ctrl.State() == playback.StatePlaying
	o.ctrl.Pause()

	done, err := o.load(ctx, tokens, settings, progress)
	if err != nil || !done {
		return err
	}
	if token < 0 {
		return nil
	}
	if wasPlaying {
		return o.ctrl.PlayFrom(token)
	}
	return o.ctrl.SeekByToken(token)
}

// SetPlaybackRate changes playback speed without resynthesis.
func (o *Orchestrator) SetPlaybackRate(rate float64) {
	o.ctrl.SetPlaybackRate(rate)
}

// Skip moves by a word, sentence or paragraph in the loaded document.
func (o *Orchestrator) Skip(unit playback.Unit, dir playback.Direction) error {
	o.mu.Lock()
	tokens := o.tokens
	loaded := o.loaded
	o.mu.Unlock()
	if !loaded {
		return ErrNoDocument
	}
	return o.ctrl.Skip(unit, dir, tokens)
}

// Cancel stops the running load, if any.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Settings returns the settings of the loaded document.
func (o *Orchestrator) Settings() ttypes.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// Tokens returns the loaded tokens.
func (o *Orchestrator) Tokens() []ttypes.Token {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tokens
}

// Session returns the current voice session, or nil before the first load.
func (o *Orchestrator) Session() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	s := *o.session
	return &s
}

// Snapshot returns the state for display.
func (o *Orchestrator) Snapshot() Snapshot {
	pb := o.ctrl.Snapshot()

	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		Playback: pb,
		Settings: o.settings,
		Chunks:   len(o.plan.Chunks),
	}
	if o.session != nil {
		s := *o.session
		snap.Session = &s
	}
	if pb.Token >= 0 && pb.Token < len(o.tokens) {
		snap.Word = o.tokens[pb.Token].Text
	}
	return snap
}

// Close cancels pending work and stops the controller. The scheduler and
// cache are owned by the caller.
func (o *Orchestrator) Close() {
	o.Cancel()
	o.stop()
	o.ctrl.Close()
	o.buffers.Wait()
}
