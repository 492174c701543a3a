package audio

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
)

// OtoDevice is a Device backed by oto/v3. It holds a single oto player that
// is never paused: silence is streamed while nothing is scheduled.
type OtoDevice struct {
	cfg DeviceConfig

	mu      sync.Mutex // serializes Start and Close
	context *oto.Context
	player  atomic.Pointer[oto.Player]
}

// NewOtoDevice validates cfg and returns an unstarted device.
func NewOtoDevice(cfg DeviceConfig) (*OtoDevice, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &OtoDevice{cfg: cfg}, nil
}

// Start creates the oto context (waiting for it to be ready) and starts
// pulling from src.
func (d *OtoDevice) Start(src io.Reader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.player.Load() != nil {
		return nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   d.cfg.SampleRate,
		ChannelCount: d.cfg.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   d.cfg.BufferSize,
	}
	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	player := ctx.NewPlayer(src)
	// Keep the player's own read-ahead short, it adds to output latency
	player.SetBufferSize(d.bytesFor(d.cfg.BufferSize))
	player.Play()

	d.context = ctx
	d.player.Store(player)
	return nil
}

func (d *OtoDevice) bytesFor(dur time.Duration) int {
	frames := int(dur * time.Duration(d.cfg.SampleRate) / time.Second)
	return frames * d.cfg.Channels * 2
}

// Latency returns the audio read from the source but not yet heard. It does
// not wait for a Start in progress.
func (d *OtoDevice) Latency() time.Duration {
	player := d.player.Load()
	if player == nil {
		return 0
	}
	bytesPerSecond := d.cfg.SampleRate * d.cfg.Channels * 2
	buffered := time.Duration(player.BufferedSize()) * time.Second / time.Duration(bytesPerSecond)
	return buffered + d.cfg.BufferSize
}

// SampleRate returns the output sample rate.
func (d *OtoDevice) SampleRate() int { return d.cfg.SampleRate }

// Channels returns the output channel count.
func (d *OtoDevice) Channels() int { return d.cfg.Channels }

// Close stops the player. oto.Context has no Close in v3; it is suspended.
func (d *OtoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if player := d.player.Swap(nil); player != nil {
		if err := player.Close(); err != nil {
			return fmt.Errorf("failed to close oto player: %w", err)
		}
	}
	if d.context != nil {
		if err := d.context.Suspend(); err != nil {
			return fmt.Errorf("failed to suspend oto context: %w", err)
		}
		d.context = nil
	}
	return nil
}
