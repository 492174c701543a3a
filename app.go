package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"

	"github.com/dgnsrekt/glow-tts/internal/audio"
	"github.com/dgnsrekt/glow-tts/internal/cache"
	"github.com/dgnsrekt/glow-tts/internal/config"
	"github.com/dgnsrekt/glow-tts/internal/orchestrator"
	"github.com/dgnsrekt/glow-tts/internal/scheduler"
	"github.com/dgnsrekt/glow-tts/internal/synth"
	"github.com/dgnsrekt/glow-tts/internal/telemetry"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
	"github.com/dgnsrekt/glow-tts/internal/voice"
	"github.com/dgnsrekt/glow-tts/utils"
)

// app is one reader: the pipeline built from a configuration.
type app struct {
	logger  *log.Logger
	metrics *telemetry.Metrics
	cache   *cache.AudioCache
	device  audio.Device
	sched   *scheduler.Scheduler
	orch    *orchestrator.Orchestrator

	mu  sync.Mutex
	cfg config.Config

	// progress reports reloads triggered by configuration changes
	progress orchestrator.ProgressFunc

	stopDevice context.CancelFunc
	closers    []func() error
}

// defaultCacheDir is the user cache directory for glow-tts.
func defaultCacheDir() (string, error) {
	return gap.NewScope(gap.User, "glow-tts").CacheDir()
}

// openCache opens the configured audio cache. An empty dir means the user
// cache directory.
func openCache(ctx context.Context, cfg cache.Config, logger *log.Logger) (*cache.AudioCache, error) {
	if cfg.Dir == "" {
		dir, err := defaultCacheDir()
		if err != nil {
			return nil, fmt.Errorf("find cache directory: %w", err)
		}
		cfg.Dir = dir
	}
	cfg.Dir = utils.ExpandPath(cfg.Dir)
	return cache.Open(ctx, cfg, logger.With("component", "cache"))
}

// newWorker builds the synthesis worker selected by cfg. The returned
// function releases its connection, if any.
func newWorker(cfg config.WorkerConfig) (synth.Worker, func(), error) {
	var (
		w       synth.Worker
		cleanup = func() {}
	)

	switch cfg.Kind {
	case config.WorkerMock:
		m := synth.NewMockWorker()
		m.SampleRate = cfg.SampleRate
		w = m
	case config.WorkerExec:
		ew, err := synth.NewExecWorker(cfg.Command, cfg.Timeout, cfg.SampleRate)
		if err != nil {
			return nil, nil, err
		}
		w = ew
	case config.WorkerNATS:
		conn, err := synth.Connect(cfg.NATS.URL, "glow-tts", cfg.Timeout)
		if err != nil {
			return nil, nil, err
		}
		w = synth.NewNATSWorker(conn, cfg.NATS.Subject, cfg.Timeout)
		cleanup = conn.Close
	default:
		return nil, nil, fmt.Errorf("unknown worker kind %q", cfg.Kind)
	}

	if cfg.RateLimit > 0 {
		w = synth.NewRateLimited(w, cfg.RateLimit, cfg.Burst)
	}
	return w, cleanup, nil
}

// resolveVoice replaces the configured voice with the installed voice it
// names. Without installed voices the name is passed to the worker as is.
func resolveVoice(settings ttypes.Settings, voicesDir string) (ttypes.Settings, error) {
	if voicesDir == "" {
		return settings, nil
	}
	catalog, err := voice.Scan(utils.ExpandPath(voicesDir))
	if err != nil {
		return settings, err
	}
	if catalog.Len() == 0 {
		return settings, nil
	}

	v, err := catalog.Resolve(settings.VoiceID)
	if err != nil {
		return settings, fmt.Errorf("%w (installed: %s)", err, strings.Join(catalog.Names(), ", "))
	}
	if err := voice.Validate(v); err != nil {
		return settings, fmt.Errorf("voice %s: %w", v.Name, err)
	}
	if v.Name != settings.VoiceID {
		log.Debug("Resolved voice", "query", settings.VoiceID, "voice", v.Name)
	}
	settings.VoiceID = v.Name
	return settings, nil
}

// newApp builds the pipeline. The caller must Close it.
func newApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	if logger == nil {
		logger = log.Default()
	}
	a := &app{logger: logger, cfg: cfg}
	built := false
	defer func() {
		if !built {
			_ = a.Close()
		}
	}()

	settings, err := resolveVoice(cfg.Settings, cfg.VoicesDir)
	if err != nil {
		return nil, err
	}
	a.cfg.Settings = settings

	a.metrics, err = telemetry.Setup(Version)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return a.metrics.Shutdown(context.Background()) })

	a.cache, err = openCache(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.cache.Close)

	worker, cleanup, err := newWorker(cfg.Worker)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { cleanup(); return nil })

	s := synth.New(worker, a.cache,
		synth.WithConcurrency(cfg.Concurrency),
		synth.WithHint(audio.Hint{SampleRate: cfg.Worker.SampleRate, Channels: 1}),
		synth.WithLogger(logger.With("component", "synth")),
		synth.WithMetrics(a.metrics),
	)

	a.device, err = audio.NewDevice(cfg.Audio.Device, cfg.Audio.DeviceConfig)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	// The null device only advances when pulled
	if nd, ok := a.device.(*audio.NullDevice); ok {
		var devCtx context.Context
		devCtx, a.stopDevice = context.WithCancel(context.Background())
		go nd.Run(devCtx)
	}

	a.sched = scheduler.New(a.device, scheduler.WithLogger(logger.With("component", "scheduler")))
	a.sched.SetVolume(cfg.Volume)
	a.sched.SetPlaybackRate(cfg.PlaybackRate)
	a.closers = append(a.closers, a.sched.Close)

	a.orch = orchestrator.New(s, a.cache, a.sched,
		orchestrator.WithLogger(logger.With("component", "orchestrator")),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithBufferWindow(cfg.BufferWindow),
	)
	built = true
	return a, nil
}

// Config returns the configuration in effect.
func (a *app) Config() config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// apply moves the running reader to next. Synthesis settings reload the
// document; rate and volume apply in place.
func (a *app) apply(ctx context.Context, next config.Config, progress orchestrator.ProgressFunc) error {
	settings, err := resolveVoice(next.Settings, next.VoicesDir)
	if err != nil {
		return err
	}
	next.Settings = settings

	a.mu.Lock()
	prev := a.cfg
	a.cfg.Settings = next.Settings
	a.cfg.PlaybackRate = next.PlaybackRate
	a.cfg.Volume = next.Volume
	a.mu.Unlock()

	if next.Volume != prev.Volume {
		a.sched.SetVolume(next.Volume)
	}
	if next.PlaybackRate != prev.PlaybackRate {
		a.orch.SetPlaybackRate(next.PlaybackRate)
	}
	if next.Settings.SameSynthesis(prev.Settings) {
		return nil
	}

	err = a.orch.UpdateSettings(ctx, next.Settings, progress)
	if errors.Is(err, orchestrator.ErrNoDocument) {
		return nil
	}
	return err
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close() error {
	if a.orch != nil {
		a.orch.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.stopDevice != nil {
		a.stopDevice()
	}
	return errors.Join(errs...)
}

// cachePath describes where the configured cache lives.
func cachePath(cfg cache.Config) string {
	dir := cfg.Dir
	if dir == "" {
		dir, _ = defaultCacheDir()
	}
	dir = utils.ExpandPath(dir)
	switch cfg.Backend {
	case "disk":
		return filepath.Join(dir, "audio")
	case "sqlite":
		return filepath.Join(dir, "audio.db")
	default:
		return "memory"
	}
}
