package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// NullDevice simulates an output device without producing sound. Audio is
// consumed either manually with Pull (tests) or in real time with Run.
type NullDevice struct {
	sampleRate int
	channels   int

	mu      sync.Mutex
	src     io.Reader
	latency time.Duration
	gate    chan struct{}
	closed  bool

	// Metrics for testing
	starts atomic.Int64
	frames atomic.Int64
	peak   atomic.Uint32 // largest absolute sample seen by Pull
}

// NewNullDevice creates a null device.
func NewNullDevice(sampleRate, channels int) *NullDevice {
	return &NullDevice{sampleRate: sampleRate, channels: channels}
}

// SetLatency sets the simulated output latency.
func (d *NullDevice) SetLatency(l time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = l
}

// HoldStart makes the next Start calls block until release is called,
// simulating a slow output device.
func (d *NullDevice) HoldStart() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.gate == gate {
				d.gate = nil
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

// Start attaches the source.
func (d *NullDevice) Start(src io.Reader) error {
	d.starts.Add(1)

	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("device is closed")
	}
	if d.src == nil {
		d.src = src
	}
	return nil
}

// Pull consumes dur worth of frames from the source, like hardware would.
// It returns the number of frames read.
func (d *NullDevice) Pull(dur time.Duration) int {
	return d.PullFrames(int(dur * time.Duration(d.sampleRate) / time.Second))
}

// PullFrames consumes exactly frames frames from the source.
func (d *NullDevice) PullFrames(frames int) int {
	d.mu.Lock()
	src := d.src
	d.mu.Unlock()
	if src == nil || frames <= 0 {
		return 0
	}

	buf := make([]byte, frames*d.channels*2)
	n, _ := io.ReadFull(src, buf)

	peak := d.peak.Load()
	for i := 0; i+1 < n; i += 2 {
		v := int16(binary.LittleEndian.Uint16(buf[i:]))
		if v < 0 {
			v = -v
		}
		if uint32(v) > peak {
			peak = uint32(v)
		}
	}
	d.peak.Store(peak)

	read := n / (d.channels * 2)
	d.frames.Add(int64(read))
	return read
}

// Run pulls audio in real time until ctx is done.
func (d *NullDevice) Run(ctx context.Context) {
	const period = 10 * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	start := time.Now()
	var pulled int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			want := int64(now.Sub(start) * time.Duration(d.sampleRate) / time.Second)
			if want > pulled {
				pulled += int64(d.PullFrames(int(want - pulled)))
			}
		}
	}
}

// Latency returns the simulated latency.
func (d *NullDevice) Latency() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latency
}

// SampleRate returns the output sample rate.
func (d *NullDevice) SampleRate() int { return d.sampleRate }

// Channels returns the output channel count.
func (d *NullDevice) Channels() int { return d.channels }

// Starts returns how many times Start was called.
func (d *NullDevice) Starts() int64 { return d.starts.Load() }

// FramesPulled returns the total frames consumed.
func (d *NullDevice) FramesPulled() int64 { return d.frames.Load() }

// Peak returns the largest absolute 16-bit sample consumed so far and resets it.
func (d *NullDevice) Peak() int {
	return int(d.peak.Swap(0))
}

// Close closes the device.
func (d *NullDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
