// Package playback schedules model audio gaplessly onto an output device.
//
// Chunks arrive from the network as the model speaks, faster or slower than
// real time. The [Scheduler] keeps a cursor at the end of everything queued
// so far and schedules each chunk at whichever is later, the cursor or the
// device clock, so consecutive chunks play back to back without gaps or
// overlap. [Scheduler.Interrupt] cuts all queued audio at once for barge-in.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parleyio/parley/pkg/audio"
)

// Model audio defaults. Speech-to-speech providers emit 24kHz mono PCM16.
const (
	DefaultSampleRate = 24000
	DefaultChannels   = 1
)

// ErrClosed is returned by [Scheduler.Enqueue] after Close.
var ErrClosed = errors.New("playback: scheduler closed")

// Config describes the playback stream. Zero fields take the package defaults.
type Config struct {
	// SampleRate of enqueued PCM in Hz.
	SampleRate int

	// Channels of enqueued PCM.
	Channels int
}

// withDefaults fills zero fields from the package defaults.
func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels == 0 {
		c.Channels = DefaultChannels
	}
	return c
}

// Scheduler plays PCM16 chunks in arrival order without gaps. Create one with
// [Open]; a Scheduler is not reusable after Close.
type Scheduler struct {
	dev    audio.OutputDevice
	format audio.Format

	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	cursor time.Duration
	active map[uint64]audio.PlaybackHandle
	nextID uint64
	closed bool
}

// Open validates cfg and acquires the output device. It fails with
// [audio.ErrDeviceUnavailable] or [audio.ErrPermissionDenied] (wrapped) when
// the device cannot be acquired.
func Open(devs audio.Devices, cfg Config) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("playback: invalid format %dHz %dch", cfg.SampleRate, cfg.Channels)
	}

	dev, err := devs.OpenOutput(audio.OutputConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("playback: open output device: %w", err)
	}

	return &Scheduler{
		dev:    dev,
		format: audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		active: make(map[uint64]audio.PlaybackHandle),
	}, nil
}

// Format returns the format enqueued PCM is interpreted in.
func (s *Scheduler) Format() audio.Format {
	return s.format
}

// Enqueue schedules pcm to start the moment the previously enqueued chunk
// ends, or immediately when the queue has drained past the device clock.
// Chunks with an odd byte count are rejected with [audio.ErrMalformedFrame]
// and leave the cursor untouched; empty chunks are a no-op.
func (s *Scheduler) Enqueue(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("playback: %w: %d bytes is not int16 aligned", audio.ErrMalformedFrame, len(pcm))
	}
	if len(pcm) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	start := s.cursor
	if now := s.dev.Now(); now > start {
		start = now
	}

	handle, err := s.dev.ScheduleBuffer(pcm, start)
	if err != nil {
		return fmt.Errorf("playback: schedule buffer: %w", err)
	}

	s.cursor = start + s.format.Duration(len(pcm))
	id := s.nextID
	s.nextID++
	s.active[id] = handle
	handle.OnFinished(func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	})
	return nil
}

// Interrupt stops every queued chunk immediately and rewinds the cursor to
// the device clock, so the next Enqueue plays right away. Audio cut off by
// an interrupt is discarded, not resumed.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, handle := range s.active {
		handle.Stop()
		delete(s.active, id)
	}
	s.cursor = s.dev.Now()
}

// Active reports how many scheduled chunks have neither finished nor been
// stopped.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Buffered reports how much queued audio lies ahead of the device clock.
func (s *Scheduler) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.cursor - s.dev.Now(); d > 0 {
		return d
	}
	return 0
}

// Close stops all queued audio and releases the device. Idempotent; repeated
// calls return the result of the first.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for id, handle := range s.active {
			handle.Stop()
			delete(s.active, id)
		}
		s.mu.Unlock()

		if err := s.dev.Close(); err != nil {
			s.closeErr = fmt.Errorf("playback: close output device: %w", err)
		}
	})
	return s.closeErr
}
