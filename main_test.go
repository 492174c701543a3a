package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/glow-tts/internal/audio"
	"github.com/dgnsrekt/glow-tts/internal/config"
	"github.com/dgnsrekt/glow-tts/internal/document"
	"github.com/dgnsrekt/glow-tts/internal/orchestrator"
	"github.com/dgnsrekt/glow-tts/internal/playback"
	"github.com/dgnsrekt/glow-tts/internal/synth"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
	"github.com/dgnsrekt/glow-tts/internal/voice"
)

func TestSourceFromArg(t *testing.T) {
	dir := t.TempDir()
	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# Hello\n\nWorld."), 0o600); err != nil {
		t.Fatal(err)
	}
	notes := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(notes, []byte("Some notes."), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		arg     string
		want    string
		wantErr bool
	}{
		{name: "file", arg: notes, want: notes},
		{name: "directory readme", arg: dir, want: readme},
		{name: "missing file", arg: filepath.Join(dir, "nope.md"), wantErr: true},
		{name: "unsupported scheme", arg: "ftp://example.com/README.md", wantErr: true},
		{name: "directory without readme", arg: t.TempDir(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := sourceFromArg(tt.arg)
			if tt.wantErr {
				if err == nil {
					src.reader.Close() //nolint:errcheck
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("sourceFromArg failed: %v", err)
			}
			defer src.reader.Close() //nolint:errcheck
			if src.URL != tt.want {
				t.Errorf("URL = %q, want %q", src.URL, tt.want)
			}
		})
	}
}

func TestLoadDocument(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		input     string
		wantWords int
		wantErr   bool
	}{
		{
			name:      "markdown with frontmatter",
			url:       "post.md",
			input:     "---\ntitle: Post\n---\n# Title\n\nHello **bold** world.",
			wantWords: 4,
		},
		{
			name:      "plain text is read verbatim",
			url:       "notes.log",
			input:     "# not a heading",
			wantWords: 3,
		},
		{
			name:    "nothing to read",
			url:     "empty.md",
			input:   "---\ntitle: Empty\n---\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &source{reader: nopCloser(tt.input), URL: tt.url}
			doc, err := loadDocument(src, false)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("loadDocument failed: %v", err)
			}
			if doc.Words() != tt.wantWords {
				t.Errorf("Words() = %d, want %d (text %q)", doc.Words(), tt.wantWords, doc.Text)
			}
		})
	}
}

type stringCloser struct{ *strings.Reader }

func (stringCloser) Close() error { return nil }

func nopCloser(s string) stringCloser { return stringCloser{strings.NewReader(s)} }

func TestResolveVoice(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"en_US-lessac-medium.onnx", "en_GB-alba-medium.onnx"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("model"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	settings := ttypes.DefaultSettings()

	t.Run("fuzzy match", func(t *testing.T) {
		s := settings
		s.VoiceID = "alba"
		got, err := resolveVoice(s, dir)
		if err != nil {
			t.Fatalf("resolveVoice failed: %v", err)
		}
		if got.VoiceID != "en_GB-alba-medium" {
			t.Errorf("VoiceID = %q", got.VoiceID)
		}
	})

	t.Run("no match", func(t *testing.T) {
		s := settings
		s.VoiceID = "zzzz"
		_, err := resolveVoice(s, dir)
		if !errors.Is(err, voice.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("no voices dir", func(t *testing.T) {
		got, err := resolveVoice(settings, "")
		if err != nil || got != settings {
			t.Errorf("resolveVoice = %+v, %v", got, err)
		}
	})

	t.Run("empty voices dir", func(t *testing.T) {
		got, err := resolveVoice(settings, t.TempDir())
		if err != nil || got != settings {
			t.Errorf("resolveVoice = %+v, %v", got, err)
		}
	})
}

func TestNewWorker(t *testing.T) {
	base := config.Default().Worker

	t.Run("mock", func(t *testing.T) {
		w, cleanup, err := newWorker(base)
		if err != nil {
			t.Fatalf("newWorker failed: %v", err)
		}
		defer cleanup()
		m, ok := w.(*synth.MockWorker)
		if !ok {
			t.Fatalf("worker is %T", w)
		}
		if m.SampleRate != base.SampleRate {
			t.Errorf("SampleRate = %d", m.SampleRate)
		}
	})

	t.Run("exec", func(t *testing.T) {
		wc := base
		wc.Kind = config.WorkerExec
		wc.Command = "cat"
		w, cleanup, err := newWorker(wc)
		if err != nil {
			t.Fatalf("newWorker failed: %v", err)
		}
		defer cleanup()
		if _, ok := w.(*synth.ExecWorker); !ok {
			t.Errorf("worker is %T", w)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		wc := base
		wc.RateLimit = 100 * time.Millisecond
		w, cleanup, err := newWorker(wc)
		if err != nil {
			t.Fatalf("newWorker failed: %v", err)
		}
		defer cleanup()
		if _, ok := w.(*synth.RateLimited); !ok {
			t.Errorf("worker is %T", w)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		wc := base
		wc.Kind = "cloud"
		if _, _, err := newWorker(wc); err == nil {
			t.Error("expected an error")
		}
	})
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Settings.SpeedWPM = ttypes.MaxSpeedWPM
	cfg.Cache.Backend = "memory"
	cfg.Cache.Dir = t.TempDir()
	cfg.Audio.Device = audio.DeviceNull
	cfg.Audio.Channels = 1
	return cfg
}

func TestRead_PlaysToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := newApp(ctx, testConfig(t), log.New(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close() //nolint:errcheck

	doc := document.Parse("short.md", "Hello brave new world.")
	var out bytes.Buffer
	if err := a.read(ctx, doc, 0, &out); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("read did not reach the end of the document")
	}

	snap := a.orch.Snapshot()
	if snap.Playback.State != playback.StatePaused {
		t.Errorf("state = %v, want paused", snap.Playback.State)
	}
	if snap.Playback.Offset != snap.Playback.Duration {
		t.Errorf("offset = %v, want %v", snap.Playback.Offset, snap.Playback.Duration)
	}
	if !strings.Contains(out.String(), "world") {
		t.Errorf("status never showed the last word: %q", out.String())
	}
}

func TestRead_CanceledStopsPlayback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a, err := newApp(ctx, testConfig(t), log.New(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close() //nolint:errcheck

	cfg := a.Config()
	cfg.Settings.SpeedWPM = ttypes.MinSpeedWPM
	a.cfg = cfg

	doc := document.Parse("long.md", strings.Repeat("A slow sentence to read. ", 20))
	a.orch.Controller().Subscribe(func(ev playback.Event) {
		if ev.Kind == playback.EventState && ev.State == playback.StatePlaying {
			cancel()
		}
	})

	done := make(chan error, 1)
	go func() { done <- a.read(ctx, doc, 0, &bytes.Buffer{}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("read did not return after cancel")
	}
	if got := a.orch.Controller().State(); got != playback.StatePaused {
		t.Errorf("state = %v, want paused", got)
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), log.New(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close() //nolint:errcheck

	// No document yet: settings are recorded without a reload
	next := a.Config()
	next.PlaybackRate = 1.5
	next.Settings.SpeedWPM = 300
	if err := a.apply(ctx, next, nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if got := a.Config(); got.PlaybackRate != 1.5 || got.Settings.SpeedWPM != 300 {
		t.Errorf("config = %v %d", got.PlaybackRate, got.Settings.SpeedWPM)
	}
	if rate := a.orch.Controller().Snapshot().Rate; rate != 1.5 {
		t.Errorf("rate = %v, want 1.5", rate)
	}

	doc := document.Parse("doc.md", "One two three. Four five six.")
	if err := a.orch.LoadDocument(ctx, doc.Tokens, a.Config().Settings, nil); err != nil {
		t.Fatalf("LoadDocument failed: %v", err)
	}
	before := a.orch.Snapshot().Playback.Duration

	next = a.Config()
	next.Settings.SpeedWPM = 150
	if err := a.apply(ctx, next, nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	snap := a.orch.Snapshot()
	if snap.Settings.SpeedWPM != 150 {
		t.Errorf("orchestrator speed = %d, want 150", snap.Settings.SpeedWPM)
	}
	if snap.Playback.Duration <= before {
		t.Errorf("duration %v did not grow from %v at a slower speed", snap.Playback.Duration, before)
	}
}

func TestHandleKey(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), log.New(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close() //nolint:errcheck

	doc := document.Parse("doc.md", "One two three. Four five six.\n\nSeven eight nine.")
	if err := a.orch.LoadDocument(ctx, doc.Tokens, a.Config().Settings, nil); err != nil {
		t.Fatalf("LoadDocument failed: %v", err)
	}

	tests := []struct {
		key      string
		wantWord string
	}{
		{"w", "two"},
		{"s", "Four"},
		{"}", "Seven"},
		{"b", "six"},
	}
	for _, tt := range tests {
		if a.handleKey(tt.key) {
			t.Fatalf("key %q quit", tt.key)
		}
		if got := a.orch.Snapshot().Word; got != tt.wantWord {
			t.Errorf("after %q word = %q, want %q", tt.key, got, tt.wantWord)
		}
	}

	a.handleKey("+")
	if rate := a.orch.Controller().Snapshot().Rate; rate != 1.25 {
		t.Errorf("rate = %v, want 1.25", rate)
	}
	if !a.handleKey("q") {
		t.Error("q did not quit")
	}
}

func TestStatusLine(t *testing.T) {
	doc := document.Parse("doc.md", "One two three. Four five six.")
	st := newStatus(&bytes.Buffer{}, doc)
	st.width = 40

	// Token 7 is "Four"
	line := st.line(orchestrator.Snapshot{Playback: playback.Snapshot{
		State:    playback.StatePlaying,
		Token:    7,
		Offset:   1500 * time.Millisecond,
		Duration: 3 * time.Second,
		Rate:     1,
	}})
	if !strings.Contains(line, "00:02 / 00:03") {
		t.Errorf("line %q lacks the clock", line)
	}
	if !strings.Contains(line, "Four") {
		t.Errorf("line %q lacks the current word", line)
	}
}
