// Package playback is the play/pause/seek state machine over a timeline.
//
// The controller owns no clock of its own. The scheduler's virtual time is
// read on every tick to derive the active token, detect the end of the
// timeline and pace buffering requests.
package playback

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/glow-tts/internal/timeline"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// Defaults for the tick loop.
const (
	DefaultTickInterval   = time.Second / 60
	DefaultBufferInterval = time.Second
)

// Scheduler is the audio clock the controller drives.
type Scheduler interface {
	Play(offset time.Duration) error
	Pause()
	Seek(offset time.Duration)
	SetPlaybackRate(rate float64)
	CurrentTime() time.Duration
	Rate() float64
}

// Controller is the playback state machine: IDLE until a timeline is set,
// then PAUSED and PLAYING. Reaching the end of the timeline pauses.
type Controller struct {
	sched          Scheduler
	logger         *log.Logger
	tickInterval   time.Duration
	bufferInterval time.Duration
	callbacks      Callbacks

	mu         sync.Mutex
	state      State
	tl         timeline.Timeline
	token      int
	offset     time.Duration
	lastBuffer time.Duration
	buffering  bool
	stop       chan struct{}
	ticks      sync.WaitGroup

	listenersMu sync.Mutex
	listeners   map[int]func(Event)
	nextID      int
}

// Option configures a Controller.
type Option func(*Controller)

// WithCallbacks sets the event callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Controller) { c.callbacks = cb }
}

// WithTickInterval sets the tick period.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tickInterval = d
		}
	}
}

// WithBufferInterval sets the minimum virtual time between buffering
// requests while playing.
func WithBufferInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.bufferInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates an idle controller.
func New(sched Scheduler, opts ...Option) *Controller {
	c := &Controller{
		sched:          sched,
		tickInterval:   DefaultTickInterval,
		bufferInterval: DefaultBufferInterval,
		token:          -1,
		listeners:      make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c
}

// Subscribe registers fn for every event and returns a function removing it.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

// SetTimeline replaces the timeline and pauses at its start.
func (c *Controller) SetTimeline(tl timeline.Timeline) {
	c.mu.Lock()
	var events []Event
	c.stopTickLocked()
	c.sched.Pause()
	c.sched.Seek(0)
	c.tl = tl
	c.lastBuffer = 0
	events = c.setStateLocked(StatePaused, events)
	events = c.updateLocked(0, events)
	c.mu.Unlock()

	c.emit(events)
}

// Play resumes from the scheduler's current time. Playback past the end of
// the timeline restarts from the beginning. Without a timeline it does
// nothing.
func (c *Controller) Play() error {
	return c.play(-1)
}

// PlayFrom starts playing at the token with the given index.
func (c *Controller) PlayFrom(tokenIndex int) error {
	return c.play(tokenIndex)
}

func (c *Controller) play(tokenIndex int) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}

	offset := c.sched.CurrentTime()
	if tokenIndex >= 0 {
		offset, _ = c.tl.TimeOf(tokenIndex)
	}
	if offset >= c.tl.Duration {
		offset = 0
	}

	if err := c.sched.Play(offset); err != nil {
		c.mu.Unlock()
		return err
	}

	var events []Event
	events = c.setStateLocked(StatePlaying, events)
	events = c.bufferLocked(offset, events)
	events = c.updateLocked(offset, events)
	c.startTickLocked()
	c.mu.Unlock()

	c.emit(events)
	return nil
}

// Pause stops sounding audio and freezes the position.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.state != StatePlaying {
		c.mu.Unlock()
		return
	}
	c.stopTickLocked()
	c.sched.Pause()

	var events []Event
	events = c.setStateLocked(StatePaused, events)
	events = c.updateLocked(c.sched.CurrentTime(), events)
	c.mu.Unlock()

	c.emit(events)
}

// Toggle plays when paused and pauses when playing.
func (c *Controller) Toggle() error {
	if c.State() == StatePlaying {
		c.Pause()
		return nil
	}
	return c.Play()
}

// Seek moves the position by delta, clamped to the timeline.
func (c *Controller) Seek(delta time.Duration) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	return c.seekLocked(c.sched.CurrentTime() + delta)
}

// SeekTo moves the position to an absolute offset, clamped to the timeline.
func (c *Controller) SeekTo(offset time.Duration) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	return c.seekLocked(offset)
}

// SeekByToken moves the position to the start of a token. Tokens without
// a time slice resolve to the next spoken token.
func (c *Controller) SeekByToken(index int) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	target, _ := c.tl.TimeOf(index)
	return c.seekLocked(target)
}

// seekLocked is entered with the lock held and releases it. Playing seeks
// re-anchor the scheduler; paused seeks only move the frozen position.
func (c *Controller) seekLocked(target time.Duration) error {
	target = max(0, min(target, c.tl.Duration))

	if c.state == StatePlaying {
		if err := c.sched.Play(target); err != nil {
			c.mu.Unlock()
			return err
		}
	} else {
		c.sched.Seek(target)
	}

	var events []Event
	events = c.bufferLocked(target, events)
	events = c.updateLocked(target, events)
	c.mu.Unlock()

	c.emit(events)
	return nil
}

// SetPlaybackRate changes the speed of playback. Non-positive rates are
// ignored.
func (c *Controller) SetPlaybackRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sched.SetPlaybackRate(rate)
}

// SetBuffering sets the buffering flag shown in snapshots.
func (c *Controller) SetBuffering(b bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffering = b
}

// Tick refreshes the derived state from the scheduler clock. It is called
// by the tick loop while playing and is a no-op otherwise.
func (c *Controller) Tick() {
	c.mu.Lock()
	if c.state != StatePlaying {
		c.mu.Unlock()
		return
	}

	var events []Event
	now := c.sched.CurrentTime()
	if now >= c.tl.Duration {
		c.stopTickLocked()
		c.sched.Pause()
		c.sched.Seek(c.tl.Duration)
		events = c.updateLocked(c.tl.Duration, events)
		events = c.setStateLocked(StatePaused, events)
		c.logger.Debug("Reached end of timeline", "duration", c.tl.Duration)
	} else {
		events = c.updateLocked(now, events)
		if now-c.lastBuffer >= c.bufferInterval {
			events = c.bufferLocked(now, events)
		}
	}
	c.mu.Unlock()

	c.emit(events)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Timeline returns the current timeline.
func (c *Controller) Timeline() timeline.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tl
}

// CurrentToken returns the index of the active token, or -1.
func (c *Controller) CurrentToken() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Snapshot returns the current derived view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	offset := c.offset
	if c.state == StatePlaying {
		offset = c.sched.CurrentTime()
	}
	return Snapshot{
		State:     c.state,
		Token:     c.token,
		Offset:    offset,
		Duration:  c.tl.Duration,
		Rate:      c.sched.Rate(),
		Buffering: c.buffering,
	}
}

// SkipWord moves to the next or previous word.
func (c *Controller) SkipWord(dir Direction, tokens []ttypes.Token) error {
	return c.Skip(UnitWord, dir, tokens)
}

// SkipSentence moves to the next sentence or to the start of the previous one.
func (c *Controller) SkipSentence(dir Direction, tokens []ttypes.Token) error {
	return c.Skip(UnitSentence, dir, tokens)
}

// SkipParagraph moves to the next paragraph, or back to the start of the
// current one.
func (c *Controller) SkipParagraph(dir Direction, tokens []ttypes.Token) error {
	return c.Skip(UnitParagraph, dir, tokens)
}

// Skip seeks to the token found by scanning tokens from the active one. It
// does nothing when no such token exists, except that a backward paragraph
// skip clamps to the first token.
func (c *Controller) Skip(unit Unit, dir Direction, tokens []ttypes.Token) error {
	target, ok := findTarget(unit, dir, tokens, c.CurrentToken())
	if !ok {
		return nil
	}
	return c.SeekByToken(target)
}

func (c *Controller) startTickLocked() {
	if c.stop != nil {
		return
	}
	stop := make(chan struct{})
	c.stop = stop
	c.ticks.Add(1)
	go func() {
		defer c.ticks.Done()
		ticker := time.NewTicker(c.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Tick()
			}
		}
	}()
}

// stopTickLocked signals the tick loop without waiting; a tick already
// waiting for the lock sees the new state and does nothing.
func (c *Controller) stopTickLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// Close stops the tick loop and waits for it to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopTickLocked()
	c.mu.Unlock()
	c.ticks.Wait()
}

func (c *Controller) setStateLocked(s State, events []Event) []Event {
	if c.state == s {
		return events
	}
	c.state = s
	return append(events, Event{Kind: EventState, State: s, Token: c.token})
}

func (c *Controller) updateLocked(now time.Duration, events []Event) []Event {
	if now != c.offset {
		c.offset = now
		events = append(events, Event{Kind: EventTime, Time: now, Token: c.token, State: c.state})
	}
	if token := c.tl.TokenAt(now); token != c.token {
		c.token = token
		events = append(events, Event{Kind: EventToken, Time: now, Token: token, State: c.state})
	}
	return events
}

func (c *Controller) bufferLocked(at time.Duration, events []Event) []Event {
	c.lastBuffer = at
	return append(events, Event{Kind: EventBufferRequest, Time: at, Token: c.token, State: c.state})
}

func (c *Controller) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	c.listenersMu.Lock()
	listeners := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.listenersMu.Unlock()

	for _, ev := range events {
		switch ev.Kind {
		case EventTime:
			if c.callbacks.OnTime != nil {
				c.callbacks.OnTime(ev.Time)
			}
		case EventToken:
			if c.callbacks.OnToken != nil {
				c.callbacks.OnToken(ev.Token)
			}
		case EventState:
			if c.callbacks.OnStateChange != nil {
				c.callbacks.OnStateChange(ev.State)
			}
		case EventBufferRequest:
			if c.callbacks.OnBufferRequest != nil {
				c.callbacks.OnBufferRequest(ev.Time)
			}
		}
		for _, fn := range listeners {
			fn(ev)
		}
	}
}
