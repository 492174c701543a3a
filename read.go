package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/dgnsrekt/glow-tts/internal/config"
	"github.com/dgnsrekt/glow-tts/internal/document"
	"github.com/dgnsrekt/glow-tts/internal/orchestrator"
	"github.com/dgnsrekt/glow-tts/internal/playback"
)

const (
	defaultStatusWidth = 80
	excerptBefore      = 12
	excerptAfter       = 24
	seekStep           = 5 * time.Second
	rateStep           = 0.25
)

// status draws a single, redrawn line: clock, then the text around the
// word being spoken.
type status struct {
	mu    sync.Mutex
	w     io.Writer
	doc   *document.Document
	width int
	last  string
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newStatus(w io.Writer, doc *document.Document) *status {
	width := defaultStatusWidth
	if isTerminal(w) {
		if tw, _, err := term.GetSize(int(w.(*os.File).Fd())); err == nil && tw > 0 {
			width = tw
		}
	}
	return &status{w: w, doc: doc, width: width}
}

func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

// flat collapses newlines so the excerpt stays on one line.
func flat(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// line renders the status line for snap.
func (s *status) line(snap orchestrator.Snapshot) string {
	pb := snap.Playback
	clock := fmt.Sprintf("%s / %s", formatClock(pb.Offset), formatClock(pb.Duration))
	switch {
	case pb.Buffering:
		clock += " buffering"
	case pb.State == playback.StatePaused:
		clock += " paused"
	}
	if pb.Rate != 1 {
		clock += fmt.Sprintf(" %.2gx", pb.Rate)
	}

	budget := s.width - runewidth.StringWidth(clock) - 3
	cur := pb.Token
	if budget <= 0 || cur < 0 || cur >= len(s.doc.Tokens) {
		return faint(clock)
	}

	word := flat(s.doc.Tokens[cur].Text)
	before := s.doc.Excerpt(cur-excerptBefore, cur)
	after := s.doc.Excerpt(cur+1, cur+1+excerptAfter)
	prefix := strings.TrimLeft(strings.ReplaceAll(before, "\n", " "), " ")
	suffix := strings.ReplaceAll(after, "\n", " ")

	room := budget - runewidth.StringWidth(word)
	if room < 0 {
		return faint(clock) + "   " + highlight(runewidth.Truncate(word, budget, "…"))
	}
	if w := runewidth.StringWidth(prefix); w > room/3 {
		prefix = runewidth.TruncateLeft(prefix, w-room/3, "…")
	}
	suffix = runewidth.Truncate(suffix, room-runewidth.StringWidth(prefix), "…")

	return faint(clock) + "   " + prefix + highlight(word) + suffix
}

func (s *status) draw(snap orchestrator.Snapshot) {
	l := s.line(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	if l == s.last {
		return
	}
	s.last = l
	fmt.Fprint(s.w, "\r\x1b[2K"+l) //nolint:errcheck
}

func (s *status) message(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = ""
	fmt.Fprint(s.w, "\r\x1b[2K"+faint(msg)) //nolint:errcheck
}

func (s *status) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, "\r\n") //nolint:errcheck
}

// progressTo shows document loads on the status line.
func progressTo(s *status) orchestrator.ProgressFunc {
	return func(p orchestrator.Progress) {
		if p.Stage == orchestrator.StageReady || p.Stage == orchestrator.StageCanceled {
			return
		}
		s.message(fmt.Sprintf("%s %3.0f%% %s", p.Stage, p.Percent, p.Message))
	}
}

// read loads doc and plays it from token start until the end of the
// document or until ctx is done.
func (a *app) read(ctx context.Context, doc *document.Document, start int, w io.Writer) error {
	st := newStatus(w, doc)
	progress := progressTo(st)
	a.mu.Lock()
	a.progress = progress
	a.mu.Unlock()

	if err := a.orch.LoadDocument(ctx, doc.Tokens, a.Config().Settings, progress); err != nil {
		st.done()
		return err
	}
	if ctx.Err() != nil {
		st.done()
		return nil
	}

	ended := make(chan struct{})
	var endOnce sync.Once
	ctrl := a.orch.Controller()
	unsubscribe := ctrl.Subscribe(func(ev playback.Event) {
		if ev.Kind == playback.EventBufferRequest {
			return
		}
		snap := a.orch.Snapshot()
		st.draw(snap)
		pb := snap.Playback
		if ev.Kind == playback.EventState && ev.State == playback.StatePaused &&
			pb.Duration > 0 && pb.Offset >= pb.Duration {
			endOnce.Do(func() { close(ended) })
		}
	})
	defer unsubscribe()

	st.draw(a.orch.Snapshot())

	var err error
	if start > 0 {
		err = ctrl.PlayFrom(start)
	} else {
		err = ctrl.Play()
	}
	if err != nil {
		st.done()
		return err
	}

	quit := make(chan struct{})
	if isTerminal(w) {
		if restore, ok := a.listenKeys(ctx, quit); ok {
			defer restore()
		}
	}

	select {
	case <-ctx.Done():
		ctrl.Pause()
	case <-quit:
		ctrl.Pause()
	case <-ended:
	}
	st.done()
	return nil
}

// listenKeys reads single keystrokes from an interactive terminal and maps
// them to playback controls. It reports false when stdin is not a terminal.
func (a *app) listenKeys(ctx context.Context, quit chan<- struct{}) (func(), bool) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, false
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		a.logger.Debug("Could not enter raw mode", "error", err)
		return nil, false
	}
	restore := func() { _ = term.Restore(fd, old) }

	go func() {
		buf := make([]byte, 8)
		var once sync.Once
		for ctx.Err() == nil {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if a.handleKey(string(buf[:n])) {
				once.Do(func() { close(quit) })
				return
			}
		}
	}()
	return restore, true
}

// handleKey applies one keystroke. It reports true when the key quits.
func (a *app) handleKey(key string) bool {
	ctrl := a.orch.Controller()
	var err error
	switch key {
	case "q", "\x03", "\x1b":
		return true
	case " ":
		err = ctrl.Toggle()
	case "\x1b[C", "l":
		err = ctrl.Seek(seekStep)
	case "\x1b[D", "h":
		err = ctrl.Seek(-seekStep)
	case "w":
		err = a.orch.Skip(playback.UnitWord, playback.Forward)
	case "b":
		err = a.orch.Skip(playback.UnitWord, playback.Backward)
	case "s", ")":
		err = a.orch.Skip(playback.UnitSentence, playback.Forward)
	case "S", "(":
		err = a.orch.Skip(playback.UnitSentence, playback.Backward)
	case "}":
		err = a.orch.Skip(playback.UnitParagraph, playback.Forward)
	case "{":
		err = a.orch.Skip(playback.UnitParagraph, playback.Backward)
	case "+", "=":
		a.nudgeRate(rateStep)
	case "-":
		a.nudgeRate(-rateStep)
	}
	if err != nil {
		a.logger.Warn("Playback control failed", "key", fmt.Sprintf("%q", key), "error", err)
	}
	return false
}

func (a *app) nudgeRate(step float64) {
	rate := a.orch.Controller().Snapshot().Rate + step
	if rate < config.MinPlaybackRate || rate > config.MaxPlaybackRate {
		return
	}
	a.mu.Lock()
	a.cfg.PlaybackRate = rate
	a.mu.Unlock()
	a.orch.SetPlaybackRate(rate)
}
