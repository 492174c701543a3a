package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/glow-tts/internal/audio"
	"github.com/dgnsrekt/glow-tts/internal/cache"
	"github.com/dgnsrekt/glow-tts/internal/document"
	"github.com/dgnsrekt/glow-tts/internal/jit"
	"github.com/dgnsrekt/glow-tts/internal/playback"
	"github.com/dgnsrekt/glow-tts/internal/scheduler"
	"github.com/dgnsrekt/glow-tts/internal/synth"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

const sample = "The quick brown fox jumps over the lazy dog. It was not amused.\n\nThe dog slept on."

// sentences returns n distinct sentences.
func sentences(word string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s sentence number %d is here. ", word, i)
	}
	return b.String()
}

type harness struct {
	orch   *Orchestrator
	worker *synth.MockWorker
	cache  *cache.AudioCache
	sched  *scheduler.Scheduler
}

func newHarness(t *testing.T, capacity int64) harness {
	t.Helper()
	worker := synth.NewMockWorker()
	c := cache.NewAudioCache(capacity)
	s := synth.New(worker, c)
	sched := scheduler.New(audio.NewNullDevice(22050, 1))
	o := New(s, c, sched, WithControllerOptions(playback.WithTickInterval(time.Hour)))
	t.Cleanup(func() {
		o.Close()
		sched.Close()
	})
	return harness{orch: o, worker: worker, cache: c, sched: sched}
}

// progressLog collects progress updates.
type progressLog struct {
	mu      sync.Mutex
	updates []Progress
}

func (p *progressLog) add(pr Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, pr)
}

func (p *progressLog) last() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updates) == 0 {
		return Progress{}
	}
	return p.updates[len(p.updates)-1]
}

func TestLoadDocument(t *testing.T) {
	h := newHarness(t, 0)
	tokens := document.Tokenize(sample)
	var log progressLog

	if err := h.orch.LoadDocument(context.Background(), tokens, ttypes.DefaultSettings(), log.add); err != nil {
		t.Fatalf("LoadDocument failed: %v", err)
	}

	if last := log.last(); last.Stage != StageReady || last.Percent != 100 {
		t.Errorf("final progress = %+v", last)
	}
	for i := 1; i < len(log.updates); i++ {
		if log.updates[i].Percent < log.updates[i-1].Percent {
			t.Fatalf("progress went backwards: %+v", log.updates)
		}
	}

	ctrl := h.orch.Controller()
	if ctrl.State() != playback.StatePaused {
		t.Errorf("state = %v, want paused", ctrl.State())
	}
	words := 0
	for _, tok := range tokens {
		if tok.IsWord() {
			words++
		}
	}
	tl := ctrl.Timeline()
	if tl.Len() != words {
		t.Errorf("timeline has %d entries, want %d", tl.Len(), words)
	}
	// The mock speaks at exactly the requested words per minute
	want := time.Duration(words) * time.Minute / 180
	if diff := tl.Duration - want; diff < -10*time.Millisecond || diff > 10*time.Millisecond {
		t.Errorf("duration = %v, want about %v", tl.Duration, want)
	}
	if h.sched.QueueLen() == 0 {
		t.Error("load should seed the first buffering window")
	}

	snap := h.orch.Snapshot()
	if snap.Word != "The" || snap.Session == nil || snap.Chunks == 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLoadDocument_FailedChunkLeavesGap(t *testing.T) {
	h := newHarness(t, 0)
	h.worker.Fail = func(req synth.Request) error {
		if strings.Contains(req.Text, "amused") {
			return errors.New("engine crashed")
		}
		return nil
	}
	tokens := document.Tokenize(sample)

	if err := h.orch.LoadDocument(context.Background(), tokens, ttypes.DefaultSettings(), nil); err != nil {
		t.Fatalf("LoadDocument failed: %v", err)
	}
	tl := h.orch.Controller().Timeline()
	for _, e := range tl.Entries {
		if tokens[e.TokenIndex].Text == "amused" {
			t.Error("failed chunk should have no time slice")
		}
	}
	if tl.Len() == 0 {
		t.Error("other chunks should still be timed")
	}
}

func TestLoadDocument_Cancel(t *testing.T) {
	h := newHarness(t, 0)
	h.worker.Delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var log progressLog
	progress := func(p Progress) {
		log.add(p)
		if p.Stage == StageSynthesizing && p.Percent > 0 {
			cancel()
		}
	}

	tokens := document.Tokenize(sentences("Another", 10))
	if err := h.orch.LoadDocument(ctx, tokens, ttypes.DefaultSettings(), progress); err != nil {
		t.Fatalf("canceled load returned %v", err)
	}
	if log.last().Stage != StageCanceled {
		t.Errorf("last stage = %s, want canceled", log.last().Stage)
	}
	if h.orch.Controller().State() != playback.StateIdle {
		t.Error("canceled load must not set a timeline")
	}
	if h.cache.Len() == 0 {
		t.Error("chunks synthesized before the cancel should stay cached")
	}
}

func TestLoadDocument_NewerLoadWins(t *testing.T) {
	h := newHarness(t, 0)
	h.worker.Delay = 20 * time.Millisecond
	first := document.Tokenize(sentences("First", 12))
	second := document.Tokenize("Second document.")

	var firstLog progressLog
	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		done <- h.orch.LoadDocument(context.Background(), first, ttypes.DefaultSettings(), func(p Progress) {
			firstLog.add(p)
			if p.Stage == StageSynthesizing {
				once.Do(func() { close(started) })
			}
		})
	}()
	<-started

	if err := h.orch.LoadDocument(context.Background(), second, ttypes.DefaultSettings(), nil); err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first load returned %v", err)
	}
	if firstLog.last().Stage != StageCanceled {
		t.Errorf("first load ended with %s, want canceled", firstLog.last().Stage)
	}
	if got := len(h.orch.Tokens()); got != len(second) {
		t.Errorf("loaded %d tokens, want the second document", got)
	}
}

func TestLoadDocument_ReplacesPlayingDocument(t *testing.T) {
	h := newHarness(t, 0)
	settings := ttypes.DefaultSettings()
	if err := h.orch.LoadDocument(context.Background(), document.Tokenize(sentences("First", 3)), settings, nil); err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	firstPlan := h.orch.plan

	ctrl := h.orch.Controller()
	if err := ctrl.Play(); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := ctrl.SeekTo(time.Second); err != nil {
		t.Fatalf("SeekTo failed: %v", err)
	}

	if err := h.orch.LoadDocument(context.Background(), document.Tokenize(sentences("Second", 3)), settings, nil); err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if ctrl.State() != playback.StatePaused {
		t.Errorf("state = %v, want paused", ctrl.State())
	}

	next := h.orch.plan
	for i, chunk := range next.Chunks {
		if !h.sched.Has(jit.SlotKey(chunk.Hash, i)) {
			t.Errorf("chunk %d of the new document not scheduled", i)
		}
	}
	for i, chunk := range firstPlan.Chunks {
		if h.sched.Has(jit.SlotKey(chunk.Hash, i)) {
			t.Errorf("chunk %d of the replaced document still scheduled", i)
		}
	}
}

func TestLoadDocument_InvalidSettings(t *testing.T) {
	h := newHarness(t, 0)
	settings := ttypes.DefaultSettings()
	settings.SpeedWPM = 5

	if err := h.orch.LoadDocument(context.Background(), document.Tokenize(sample), settings, nil); err == nil {
		t.Error("expected invalid settings error")
	}
}

func TestLoadDocument_CacheUnavailable(t *testing.T) {
	// Every synthesized chunk is larger than the cache
	h := newHarness(t, 16)

	err := h.orch.LoadDocument(context.Background(), document.Tokenize(sample), ttypes.DefaultSettings(), nil)
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Errorf("err = %v, want ErrCacheUnavailable", err)
	}
}

func TestUpdateSettings(t *testing.T) {
	h := newHarness(t, 0)
	tokens := document.Tokenize(sample)
	settings := ttypes.DefaultSettings()

	if err := h.orch.UpdateSettings(context.Background(), settings, nil); !errors.Is(err, ErrNoDocument) {
		t.Errorf("update before load = %v, want ErrNoDocument", err)
	}
	if err := h.orch.LoadDocument(context.Background(), tokens, settings, nil); err != nil {
		t.Fatalf("LoadDocument failed: %v", err)
	}

	ctrl := h.orch.Controller()
	_ = ctrl.SeekByToken(10)
	token := ctrl.CurrentToken()
	session := h.orch.Session()

	calls := h.worker.Calls()
	if err := h.orch.UpdateSettings(context.Background(), settings, nil); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if h.worker.Calls() != calls {
		t.Error("unchanged settings must not resynthesize")
	}

	faster := settings
	faster.SpeedWPM = 240
	if err := h.orch.UpdateSettings(context.Background(), faster, nil); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if ctrl.CurrentToken() != token {
		t.Errorf("token = %d after update, want %d", ctrl.CurrentToken(), token)
	}
	if h.orch.Settings().SpeedWPM != 240 {
		t.Error("settings not applied")
	}
	if h.orch.Session().ID != session.ID {
		t.Error("same voice should keep the session")
	}

	// Switching back reuses the cached chunks
	calls = h.worker.Calls()
	if err := h.orch.UpdateSettings(context.Background(), settings, nil); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if h.worker.Calls() != calls {
		t.Errorf("cached settings resynthesized %d chunks", h.worker.Calls()-calls)
	}

	voice := settings
	voice.VoiceID = "en_GB-alan-low"
	if err := h.orch.UpdateSettings(context.Background(), voice, nil); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if s := h.orch.Session(); s.ID == session.ID || s.VoiceID != voice.VoiceID {
		t.Errorf("voice change should start a new session, got %+v", s)
	}
}

func TestUpdateSettings_ResumesPlaying(t *testing.T) {
	h := newHarness(t, 0)
	tokens := document.Tokenize(sample)
	settings := ttypes.DefaultSettings()
	if err := h.orch.LoadDocument(context.Background(), tokens, settings, nil); err != nil {
		t.Fatalf("LoadDocument failed: %v", err)
	}

	ctrl := h.orch.Controller()
	if err := ctrl.PlayFrom(6); err != nil {
		t.Fatalf("PlayFrom failed: %v", err)
	}
	token := ctrl.CurrentToken()

	settings.SpeedWPM = 120
	if err := h.orch.UpdateSettings(context.Background(), settings, nil); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if ctrl.State() != playback.StatePlaying {
		t.Errorf("state = %v, want playing", ctrl.State())
	}
	if ctrl.CurrentToken() != token {
		t.Errorf("token = %d, want %d", ctrl.CurrentToken(), token)
	}
}

func TestSkip(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.orch.Skip(playback.UnitWord, playback.Forward); !errors.Is(err, ErrNoDocument) {
		t.Errorf("skip before load = %v, want ErrNoDocument", err)
	}

	tokens := document.Tokenize(sample)
	if err := h.orch.LoadDocument(context.Background(), tokens, ttypes.DefaultSettings(), nil); err != nil {
		t.Fatalf("LoadDocument failed: %v", err)
	}
	if err := h.orch.Skip(playback.UnitParagraph, playback.Forward); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if word := h.orch.Snapshot().Word; word != "The" {
		t.Errorf("word after paragraph skip = %q, want The", word)
	}
	if tok := h.orch.Controller().CurrentToken(); tokens[tok-1].Type != ttypes.TokenNewline {
		t.Errorf("token %d does not start a paragraph", tok)
	}
}
