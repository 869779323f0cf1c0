// Package capture owns the microphone side of a conversation: it acquires an
// input device, encodes its float sample blocks to PCM16 frames, and hands
// them to a single consumer.
//
// Acquisition and delivery are split on purpose. [Open] claims the device and
// fails fast on missing hardware or denied permission, without any audio
// flowing; [Pipeline.Start] begins delivery once the other end is ready to
// receive. [Pipeline.Stop] releases the device on every path and guarantees
// that no frame reaches the consumer after it returns.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parleyio/parley/pkg/audio"
)

// Conversation capture defaults. 16kHz mono is what speech-to-speech models
// consume; 4096 samples per block keeps delivery at a steady 256ms cadence.
const (
	DefaultSampleRate = 16000
	DefaultBlockSize  = 4096
)

// ErrStarted is returned by [Pipeline.Start] when delivery already began or
// the pipeline was stopped.
var ErrStarted = errors.New("capture: pipeline already started")

// Config describes the capture stream. Zero fields take the package defaults.
type Config struct {
	// SampleRate of produced frames in Hz.
	SampleRate int

	// BlockSize is the number of samples per delivered frame. Must be a
	// power of two.
	BlockSize int
}

// withDefaults fills zero fields from the package defaults.
func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	return c
}

// Pipeline captures microphone audio as PCM16 frames. Create one with [Open];
// a Pipeline is not reusable after Stop.
type Pipeline struct {
	dev    audio.InputDevice
	format audio.Format

	stopOnce sync.Once
	stopErr  error

	mu       sync.Mutex
	started  bool
	stopped  bool
	produced time.Duration
}

// Open validates cfg and acquires the input device, without starting
// delivery. It fails with [audio.ErrDeviceUnavailable] or
// [audio.ErrPermissionDenied] (wrapped) when the device cannot be acquired;
// both are terminal for the attempt, the caller decides whether to surface or
// retry.
func Open(devs audio.Devices, cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("capture: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return nil, fmt.Errorf("capture: block size %d is not a power of two", cfg.BlockSize)
	}

	dev, err := devs.OpenInput(audio.InputConfig{
		SampleRate: cfg.SampleRate,
		Channels:   1,
		BlockSize:  cfg.BlockSize,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: open input device: %w", err)
	}

	return &Pipeline{
		dev:    dev,
		format: audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
	}, nil
}

// Format returns the format of produced frames.
func (p *Pipeline) Format() audio.Format {
	return p.format
}

// Start begins frame delivery. Each device block is encoded to PCM16 and
// passed to onFrame on the device goroutine, one frame at a time, stamped
// with the stream position at which the block starts. Start may be called
// once; onFrame must not call back into the Pipeline.
func (p *Pipeline) Start(onFrame func(audio.Frame)) error {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return ErrStarted
	}
	p.started = true
	p.mu.Unlock()

	p.dev.OnBlock(func(samples []float32) {
		// The lock spans encode and delivery so that Stop, which takes the
		// same lock, cannot return while a frame is still on its way out.
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.stopped {
			return
		}
		frame := audio.Frame{
			Data:       audio.FloatToPCM16(samples),
			SampleRate: p.format.SampleRate,
			Channels:   p.format.Channels,
			Timestamp:  p.produced,
		}
		p.produced += frame.Duration()
		onFrame(frame)
	})
	return nil
}

// Stop halts delivery and releases the device. After Stop returns no further
// frame is observable by the consumer. Stop is idempotent; repeated calls
// return the result of the first.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		// Close outside the lock: the device may wait for an in-flight
		// block handler, and that handler needs the lock to observe the
		// stop.
		if err := p.dev.Close(); err != nil {
			p.stopErr = fmt.Errorf("capture: close input device: %w", err)
		}
	})
	return p.stopErr
}

// Produced reports how much audio has been delivered so far.
func (p *Pipeline) Produced() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.produced
}
