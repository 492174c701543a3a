package jit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/glow-tts/internal/audio"
	"github.com/dgnsrekt/glow-tts/internal/document"
	"github.com/dgnsrekt/glow-tts/internal/plan"
	"github.com/dgnsrekt/glow-tts/internal/scheduler"
	"github.com/dgnsrekt/glow-tts/internal/timeline"
	"github.com/dgnsrekt/glow-tts/internal/ttypes"
)

// fakeScheduler records every ScheduleChunk call, duplicates included.
type fakeScheduler struct {
	mu     sync.Mutex
	calls  map[string]int
	starts map[string]time.Duration
	pruned []time.Duration
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{calls: make(map[string]int), starts: make(map[string]time.Duration)}
}

func (f *fakeScheduler) ScheduleChunk(key string, pcm *audio.PCM, start time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	f.starts[key] = start
	return f.calls[key] == 1
}

func (f *fakeScheduler) PruneBefore(t time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, t)
	return 0
}

func (f *fakeScheduler) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key] > 0
}

func (f *fakeScheduler) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
	f.starts = make(map[string]time.Duration)
}

func (f *fakeScheduler) duplicates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c > 1 {
			n++
		}
	}
	return n
}

func (f *fakeScheduler) scheduled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeCache serves a short clip for every hash it holds.
type fakeCache struct {
	mu     sync.Mutex
	assets map[string]ttypes.AudioAsset
	delay  time.Duration
}

func (c *fakeCache) Get(hash string) (ttypes.AudioAsset, bool) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assets[hash]
	return a, ok
}

func (c *fakeCache) put(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assets[hash] = clip(hash)
}

func clip(hash string) ttypes.AudioAsset {
	pcm := &audio.PCM{Samples: make([]float32, 100), SampleRate: 1000, Channels: 1}
	return ttypes.AudioAsset{Hash: hash, Data: audio.EncodeS16(pcm), SampleRate: 1000}
}

type fixture struct {
	plan      ttypes.RenderPlan
	timeline  timeline.Timeline
	durations map[string]time.Duration
	cache     *fakeCache
}

// newFixture plans one chunk per word, each lasting 10 seconds.
func newFixture(t *testing.T, text string) fixture {
	t.Helper()

	settings := ttypes.DefaultSettings()
	settings.Strategy = ttypes.StrategyToken
	tokens := document.Tokenize(text)
	p, err := plan.Build(tokens, settings)
	if err != nil {
		t.Fatalf("plan.Build failed: %v", err)
	}

	f := fixture{
		plan:      p,
		durations: make(map[string]time.Duration),
		cache:     &fakeCache{assets: make(map[string]ttypes.AudioAsset)},
	}
	for _, c := range p.Chunks {
		f.durations[c.Hash] = 10 * time.Second
		f.cache.put(c.Hash)
	}
	f.timeline = timeline.Build(p, f.durations, tokens)
	return f
}

const tenWords = "alpha bravo charlie delta echo foxtrot golf hotel india juliet"

func TestManager_Window(t *testing.T) {
	f := newFixture(t, tenWords)
	sched := newFakeScheduler()
	m := New(sched, f.cache)
	m.SetPlan(f.plan, f.timeline, f.durations)

	if m.Slots() != 10 {
		t.Fatalf("slots = %d, want 10", m.Slots())
	}
	// Chunks starting at 0, 10, 20 and 30 seconds
	if n := m.Request(context.Background(), 0); n != 4 {
		t.Errorf("scheduled %d, want 4", n)
	}
	if got := sched.starts[SlotKey(f.plan.Chunks[3].Hash, 3)]; got != 30*time.Second {
		t.Errorf("fourth chunk starts at %v, want 30s", got)
	}

	// Overlapping window only adds what is new
	if n := m.Request(context.Background(), 15*time.Second); n != 1 {
		t.Errorf("second request scheduled %d, want 1", n)
	}
	if sched.duplicates() != 0 {
		t.Error("a chunk was scheduled twice")
	}
}

func TestManager_ReentrantRequests(t *testing.T) {
	f := newFixture(t, tenWords)
	f.cache.delay = 10 * time.Millisecond
	sched := newFakeScheduler()
	m := New(sched, f.cache)
	m.SetPlan(f.plan, f.timeline, f.durations)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Request(context.Background(), time.Duration(i)*time.Second)
		}(i)
	}
	wg.Wait()

	if sched.duplicates() != 0 {
		t.Errorf("%d chunks scheduled more than once", sched.duplicates())
	}
	// Requests at 0..7s cover chunks starting up to 37s
	if sched.scheduled() != 4 {
		t.Errorf("scheduled %d distinct chunks, want 4", sched.scheduled())
	}
}

func TestManager_FailureIsRetried(t *testing.T) {
	f := newFixture(t, tenWords)
	missing := f.plan.Chunks[1].Hash
	delete(f.cache.assets, missing)

	sched := newFakeScheduler()
	m := New(sched, f.cache)
	m.SetPlan(f.plan, f.timeline, f.durations)

	if n := m.Request(context.Background(), 0); n != 3 {
		t.Errorf("scheduled %d, want 3 with one failure", n)
	}
	if m.Tracked() != 3 {
		t.Errorf("tracked = %d, failed chunk must be untracked", m.Tracked())
	}

	f.cache.put(missing)
	if n := m.Request(context.Background(), 0); n != 1 {
		t.Errorf("retry scheduled %d, want 1", n)
	}
	if !sched.Has(SlotKey(missing, 1)) {
		t.Error("retried chunk not scheduled")
	}
}

func TestManager_RepeatedTextSchedulesEveryOccurrence(t *testing.T) {
	f := newFixture(t, "again again again")
	if len(f.plan.Hashes()) != 1 {
		t.Fatalf("expected one distinct hash, got %d", len(f.plan.Hashes()))
	}
	sched := newFakeScheduler()
	m := New(sched, f.cache)
	m.SetPlan(f.plan, f.timeline, f.durations)

	if n := m.Request(context.Background(), 0); n != 3 {
		t.Errorf("scheduled %d, want 3", n)
	}
}

func TestManager_PruneAndRetain(t *testing.T) {
	f := newFixture(t, tenWords)
	sched := newFakeScheduler()
	m := New(sched, f.cache)
	m.SetPlan(f.plan, f.timeline, f.durations)

	m.Request(context.Background(), 0)
	m.Request(context.Background(), 60*time.Second)

	if last := sched.pruned[len(sched.pruned)-1]; last != 50*time.Second {
		t.Errorf("pruned before %v, want 50s", last)
	}
	// Chunks ending at 10, 20 and 30s fall more than 20s behind; 40s stays
	if m.Tracked() != 5 {
		t.Errorf("tracked = %d, want 5", m.Tracked())
	}
}

func TestManager_SynthesizesOnMiss(t *testing.T) {
	f := newFixture(t, tenWords)
	f.cache.assets = make(map[string]ttypes.AudioAsset)

	var calls int
	var mu sync.Mutex
	synth := synthFunc(func(ctx context.Context, chunk ttypes.Chunk, s ttypes.Settings) (ttypes.AudioAsset, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		if s.Strategy != ttypes.StrategyToken {
			return ttypes.AudioAsset{}, errors.New("settings not passed through")
		}
		return clip(chunk.Hash), nil
	})

	sched := newFakeScheduler()
	m := New(sched, f.cache, WithSynthesizer(synth), WithWindow(10*time.Second))
	m.SetPlan(f.plan, f.timeline, f.durations)

	if n := m.Request(context.Background(), 0); n != 2 {
		t.Errorf("scheduled %d, want 2", n)
	}
	if calls != 2 {
		t.Errorf("synthesized %d chunks, want 2", calls)
	}
}

func TestManager_CanceledAndReset(t *testing.T) {
	f := newFixture(t, tenWords)
	sched := newFakeScheduler()
	m := New(sched, f.cache)
	m.SetPlan(f.plan, f.timeline, f.durations)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n := m.Request(ctx, 0); n != 0 {
		t.Errorf("canceled request scheduled %d", n)
	}
	if m.Tracked() != 0 {
		t.Errorf("canceled request left %d tracked", m.Tracked())
	}

	m.Reset()
	if m.Slots() != 0 || m.Request(context.Background(), 0) != 0 {
		t.Error("reset manager should schedule nothing")
	}
}

func TestManager_WithScheduler(t *testing.T) {
	f := newFixture(t, tenWords)
	dev := audio.NewNullDevice(1000, 1)
	sched := scheduler.New(dev)
	defer sched.Close()

	m := New(sched, f.cache)
	m.SetPlan(f.plan, f.timeline, f.durations)

	m.Request(context.Background(), 0)
	m.Request(context.Background(), 5*time.Second)
	if sched.QueueLen() != 4 {
		t.Errorf("queue holds %d segments, want 4", sched.QueueLen())
	}
}

func TestManager_BackwardSeekReschedulesPruned(t *testing.T) {
	f := newFixture(t, tenWords)
	sched := scheduler.New(audio.NewNullDevice(1000, 1))
	defer sched.Close()

	m := New(sched, f.cache)
	m.SetPlan(f.plan, f.timeline, f.durations)

	m.Request(context.Background(), 0)
	m.Request(context.Background(), 30*time.Second)
	// Prunes everything ending before 50s while [30s,40s) stays tracked
	m.Request(context.Background(), 60*time.Second)

	key := SlotKey(f.plan.Chunks[3].Hash, 3)
	if sched.Has(key) {
		t.Fatal("chunk at 30s should have been pruned")
	}
	if n := m.Request(context.Background(), 35*time.Second); n != 1 {
		t.Errorf("request after seeking back scheduled %d, want 1", n)
	}
	for i := 3; i <= 6; i++ {
		if !sched.Has(SlotKey(f.plan.Chunks[i].Hash, i)) {
			t.Errorf("chunk %d missing after seeking back to 35s", i)
		}
	}
}

func TestManager_SetPlanClearsScheduler(t *testing.T) {
	old := newFixture(t, tenWords)
	next := newFixture(t, "kilo lima mike november")
	sched := scheduler.New(audio.NewNullDevice(1000, 1))
	defer sched.Close()

	m := New(sched, old.cache)
	m.SetPlan(old.plan, old.timeline, old.durations)
	m.Request(context.Background(), 0)
	if sched.QueueLen() != 4 {
		t.Fatalf("queue holds %d segments, want 4", sched.QueueLen())
	}

	for _, c := range next.plan.Chunks {
		old.cache.put(c.Hash)
	}
	m.SetPlan(next.plan, next.timeline, next.durations)
	if sched.QueueLen() != 0 {
		t.Errorf("queue holds %d segments after a new plan, want 0", sched.QueueLen())
	}

	// A late request from the previous playhead and the first request for
	// the new plan together schedule the new plan once
	m.Request(context.Background(), 0)
	m.Request(context.Background(), 0)
	if sched.QueueLen() != 4 {
		t.Errorf("queue holds %d segments, want 4", sched.QueueLen())
	}
	if !sched.Has(SlotKey(next.plan.Chunks[0].Hash, 0)) {
		t.Error("first chunk of the new plan not scheduled")
	}
}

func TestManager_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t, tenWords)
	f.cache.assets = make(map[string]ttypes.AudioAsset)

	var (
		mu             sync.Mutex
		inFlight, peak int
	)
	synth := synthFunc(func(ctx context.Context, chunk ttypes.Chunk, s ttypes.Settings) (ttypes.AudioAsset, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return clip(chunk.Hash), nil
	})

	sched := newFakeScheduler()
	m := New(sched, f.cache, WithSynthesizer(synth), WithConcurrency(2), WithWindow(100*time.Second))
	m.SetPlan(f.plan, f.timeline, f.durations)

	if n := m.Request(context.Background(), 0); n != 10 {
		t.Errorf("scheduled %d, want 10", n)
	}
	if peak > 2 {
		t.Errorf("%d chunks processed at once, want at most 2", peak)
	}
}

type synthFunc func(ctx context.Context, chunk ttypes.Chunk, s ttypes.Settings) (ttypes.AudioAsset, error)

func (f synthFunc) SynthesizeChunk(ctx context.Context, chunk ttypes.Chunk, s ttypes.Settings) (ttypes.AudioAsset, error) {
	return f(ctx, chunk, s)
}
