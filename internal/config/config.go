// Package config holds the glow-tts configuration: reader settings, cache,
// audio output, synthesis worker and control server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/glow-tts/internal/audio"
	"github.com/dgnsrekt/glow-tts/internal/cache"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// Worker kinds.
const (
	WorkerMock = "mock"
	WorkerExec = "exec"
	WorkerNATS = "nats"
)

// Playback rate limits.
const (
	MinPlaybackRate = 0.25
	MaxPlaybackRate = 4.0
)

// Config contains all glow-tts configuration options.
type Config struct {
	// Synthesis settings; a change re-renders the document
	Settings ttypes.Settings `mapstructure:"settings" yaml:"settings"`

	// Playback settings; applied without resynthesis
	PlaybackRate float64       `mapstructure:"playback_rate" yaml:"playback_rate"`
	Volume       float64       `mapstructure:"volume" yaml:"volume"`
	BufferWindow time.Duration `mapstructure:"buffer_window" yaml:"buffer_window"`
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`

	// Markdown handling
	IncludeCode bool `mapstructure:"include_code" yaml:"include_code"`

	VoicesDir string `mapstructure:"voices_dir" yaml:"voices_dir"`

	Cache  cache.Config `mapstructure:"cache" yaml:"cache"`
	Audio  AudioConfig  `mapstructure:"audio" yaml:"audio"`
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
}

// AudioConfig selects and configures the output device.
type AudioConfig struct {
	Device             audio.DeviceKind `mapstructure:"device" yaml:"device"`
	audio.DeviceConfig `mapstructure:",squash" yaml:",inline"`
}

// WorkerConfig selects the synthesis worker.
type WorkerConfig struct {
	Kind       string        `mapstructure:"kind" yaml:"kind"`
	Command    string        `mapstructure:"command" yaml:"command"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SampleRate int           `mapstructure:"sample_rate" yaml:"sample_rate"`

	// Minimum interval between synthesis calls, 0 disables limiting
	RateLimit time.Duration `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int           `mapstructure:"burst" yaml:"burst"`

	NATS NATSConfig `mapstructure:"nats" yaml:"nats"`
}

// NATSConfig configures the remote worker transport.
type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
	Queue   string `mapstructure:"queue" yaml:"queue"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Env holds settings that only come from the environment.
type Env struct {
	Debug         bool   `env:"GLOW_TTS_DEBUG"`
	LogFile       string `env:"GLOW_TTS_LOG_FILE"`
	ConfigHome    string `env:"GLOW_TTS_CONFIG_HOME"`
	XDGConfigHome string `env:"XDG_CONFIG_HOME"`
	Editor        string `env:"EDITOR" envDefault:"nano"`
}

// ParseEnv reads Env from the process environment.
func ParseEnv() (Env, error) {
	return env.ParseAs[Env]()
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Settings:     ttypes.DefaultSettings(),
		PlaybackRate: 1.0,
		Volume:       1.0,
		BufferWindow: 30 * time.Second,
		Concurrency:  3,
		Cache:        cache.DefaultConfig(),
		Audio: AudioConfig{
			Device:       audio.DeviceAuto,
			DeviceConfig: audio.DefaultDeviceConfig(),
		},
		Worker: WorkerConfig{
			Kind:       WorkerMock,
			Timeout:    30 * time.Second,
			SampleRate: 22050,
			Burst:      1,
			NATS: NATSConfig{
				URL:     "nats://127.0.0.1:4222",
				Subject: "glowtts.synthesize",
				Queue:   "glow-tts-workers",
			},
		},
		Server: ServerConfig{Addr: "127.0.0.1:7878"},
	}
}

// SetDefaults registers the defaults with v so that unset keys still
// unmarshal and `config show` lists every key.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("settings.voice", d.Settings.VoiceID)
	v.SetDefault("settings.speed_wpm", d.Settings.SpeedWPM)
	v.SetDefault("settings.strategy", string(d.Settings.Strategy))
	v.SetDefault("settings.chunk_size", d.Settings.ChunkSize)
	v.SetDefault("settings.pauses.break_on_sentence", d.Settings.Pauses.BreakOnSentence)
	v.SetDefault("settings.pauses.break_on_paragraph", d.Settings.Pauses.BreakOnParagraph)

	v.SetDefault("playback_rate", d.PlaybackRate)
	v.SetDefault("volume", d.Volume)
	v.SetDefault("buffer_window", d.BufferWindow)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("include_code", d.IncludeCode)
	v.SetDefault("voices_dir", d.VoicesDir)

	v.SetDefault("cache.memory_capacity", d.Cache.MemoryCapacity)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.store_capacity", d.Cache.StoreCapacity)
	v.SetDefault("cache.compression_level", d.Cache.CompressionLevel)

	v.SetDefault("audio.device", string(d.Audio.Device))
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.buffer_size", d.Audio.BufferSize)

	v.SetDefault("worker.kind", d.Worker.Kind)
	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.timeout", d.Worker.Timeout)
	v.SetDefault("worker.sample_rate", d.Worker.SampleRate)
	v.SetDefault("worker.rate_limit", d.Worker.RateLimit)
	v.SetDefault("worker.burst", d.Worker.Burst)
	v.SetDefault("worker.nats.url", d.Worker.NATS.URL)
	v.SetDefault("worker.nats.subject", d.Worker.NATS.Subject)
	v.SetDefault("worker.nats.queue", d.Worker.NATS.Queue)

	v.SetDefault("server.addr", d.Server.Addr)
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Settings.Strategy = ttypes.Strategy(strings.ToLower(string(cfg.Settings.Strategy)))
	cfg.Worker.Kind = strings.ToLower(cfg.Worker.Kind)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Settings.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("settings: %w", err))
	}
	if c.PlaybackRate < MinPlaybackRate || c.PlaybackRate > MaxPlaybackRate {
		errs = append(errs, fmt.Errorf("playback_rate must be between %g and %g, got %g", MinPlaybackRate, MaxPlaybackRate, c.PlaybackRate))
	}
	if c.Volume < 0 || c.Volume > 1 {
		errs = append(errs, fmt.Errorf("volume must be between 0 and 1, got %g", c.Volume))
	}
	if c.BufferWindow < time.Second {
		errs = append(errs, fmt.Errorf("buffer_window must be at least 1s, got %v", c.BufferWindow))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}

	switch c.Cache.Backend {
	case "memory", "disk", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be memory, disk or sqlite, got %q", c.Cache.Backend))
	}
	if c.Cache.MemoryCapacity < 0 || c.Cache.StoreCapacity < 0 {
		errs = append(errs, errors.New("cache capacities must not be negative"))
	}
	if c.Cache.CompressionLevel < 0 || c.Cache.CompressionLevel > 22 {
		errs = append(errs, fmt.Errorf("cache.compression_level must be between 0 and 22, got %d", c.Cache.CompressionLevel))
	}

	switch c.Audio.Device {
	case audio.DeviceAuto, audio.DeviceOto, audio.DeviceNull:
	default:
		errs = append(errs, fmt.Errorf("audio.device must be auto, oto or null, got %q", c.Audio.Device))
	}
	if err := c.Audio.DeviceConfig.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}

	if err := c.Worker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}
	return errors.Join(errs...)
}

// Validate checks the worker selection.
func (w *WorkerConfig) Validate() error {
	var errs []error
	switch w.Kind {
	case WorkerMock:
	case WorkerExec:
		if strings.TrimSpace(w.Command) == "" {
			errs = append(errs, errors.New("command is required for the exec worker"))
		}
	case WorkerNATS:
		if w.NATS.URL == "" || w.NATS.Subject == "" {
			errs = append(errs, errors.New("nats url and subject are required for the nats worker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown kind %q", w.Kind))
	}
	if w.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", w.Timeout))
	}
	if w.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", w.SampleRate))
	}
	if w.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %v", w.RateLimit))
	}
	return errors.Join(errs...)
}
