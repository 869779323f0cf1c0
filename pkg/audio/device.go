package audio

import "time"

// Devices grants access to the host's audio endpoints. Implementations own
// any library-level initialisation; opening a device acquires it exclusively
// until Close.
type Devices interface {
	// OpenInput acquires a capture device. Fails with ErrDeviceUnavailable
	// when no input device exists and ErrPermissionDenied when the process
	// may not record audio.
	OpenInput(cfg InputConfig) (InputDevice, error)

	// OpenOutput acquires a playback device. Error semantics match OpenInput.
	OpenOutput(cfg OutputConfig) (OutputDevice, error)
}

// InputConfig describes the capture stream to open.
type InputConfig struct {
	// SampleRate of delivered blocks in Hz.
	SampleRate int

	// Channels of delivered blocks. 1 for a conversation microphone.
	Channels int

	// BlockSize is the number of samples per channel delivered per block.
	BlockSize int
}

// OutputConfig describes the playback stream to open.
type OutputConfig struct {
	// SampleRate of scheduled PCM in Hz.
	SampleRate int

	// Channels of scheduled PCM.
	Channels int
}

// InputDevice is an acquired capture endpoint. The device is exclusively
// owned by its opener; no two pipelines may share one.
type InputDevice interface {
	// OnBlock registers the block handler and begins delivery. Exactly one
	// handler may be registered; blocks are delivered sequentially on a
	// device goroutine, each holding BlockSize float samples in [-1, 1].
	OnBlock(handler func(samples []float32))

	// Close releases the device. Idempotent. No blocks are delivered once
	// Close returns.
	Close() error
}

// OutputDevice plays scheduled PCM16 buffers against a monotonic clock that
// starts at zero when the device is opened.
type OutputDevice interface {
	// Now reports the device clock's current position.
	Now() time.Duration

	// ScheduleBuffer schedules pcm (little-endian int16, in the opened
	// format) to start playing at start on the device clock. A start time
	// already in the past plays immediately. The returned handle is live
	// until the buffer finishes or is stopped.
	ScheduleBuffer(pcm []byte, start time.Duration) (PlaybackHandle, error)

	// Close stops all playback and releases the device. Idempotent.
	Close() error
}

// PlaybackHandle identifies one scheduled buffer.
type PlaybackHandle interface {
	// OnFinished registers a callback invoked exactly once, asynchronously,
	// when the buffer finishes playing naturally. It is not invoked for
	// buffers cut off by Stop. At most one callback may be registered.
	OnFinished(func())

	// Stop halts playback of this buffer immediately. Idempotent; stopping
	// an already-finished buffer is a no-op.
	Stop()
}
