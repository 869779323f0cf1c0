// Package mock provides in-memory mock implementations of the [audio.Devices],
// [audio.InputDevice], [audio.OutputDevice], and [audio.PlaybackHandle]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := &mock.OutputDevice{}
//	devs := &mock.Devices{
//	    OpenInputResult:  &mock.InputDevice{},
//	    OpenOutputResult: out,
//	}
//	dev, err := devs.OpenOutput(audio.OutputConfig{SampleRate: 24000, Channels: 1})
//	...
//	out.Advance(500 * time.Millisecond) // complete buffers that ended by then
package mock

import (
	"sync"
	"time"

	"github.com/parleyio/parley/pkg/audio"
)

// ─── Devices ──────────────────────────────────────────────────────────────────

// OpenInputCall records the arguments of a single [Devices.OpenInput] invocation.
type OpenInputCall struct {
	// Config is the config argument passed to OpenInput.
	Config audio.InputConfig
}

// OpenOutputCall records the arguments of a single [Devices.OpenOutput] invocation.
type OpenOutputCall struct {
	// Config is the config argument passed to OpenOutput.
	Config audio.OutputConfig
}

// Devices is a mock implementation of [audio.Devices].
// Set the exported Result fields before use; inspect the *Calls fields after.
type Devices struct {
	mu sync.Mutex

	// OpenInputResult is the [audio.InputDevice] returned by OpenInput.
	OpenInputResult audio.InputDevice

	// OpenInputError is the error returned by OpenInput.
	OpenInputError error

	// OpenOutputResult is the [audio.OutputDevice] returned by OpenOutput.
	OpenOutputResult audio.OutputDevice

	// OpenOutputError is the error returned by OpenOutput.
	OpenOutputError error

	// OpenInputCalls records all OpenInput invocations.
	OpenInputCalls []OpenInputCall

	// OpenOutputCalls records all OpenOutput invocations.
	OpenOutputCalls []OpenOutputCall
}

// OpenInput implements [audio.Devices]. Records the call and returns
// OpenInputResult / OpenInputError.
func (d *Devices) OpenInput(cfg audio.InputConfig) (audio.InputDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenInputCalls = append(d.OpenInputCalls, OpenInputCall{Config: cfg})
	if d.OpenInputError != nil {
		return nil, d.OpenInputError
	}
	return d.OpenInputResult, nil
}

// OpenOutput implements [audio.Devices]. Records the call and returns
// OpenOutputResult / OpenOutputError.
func (d *Devices) OpenOutput(cfg audio.OutputConfig) (audio.OutputDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenOutputCalls = append(d.OpenOutputCalls, OpenOutputCall{Config: cfg})
	if d.OpenOutputError != nil {
		return nil, d.OpenOutputError
	}
	return d.OpenOutputResult, nil
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
// Drive it from tests with [InputDevice.EmitBlock].
type InputDevice struct {
	mu sync.Mutex

	// CloseError is returned by [InputDevice.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// RecordedHandlers holds the handlers registered via OnBlock,
	// in order of registration.
	RecordedHandlers []func(samples []float32)

	closed bool
}

// OnBlock implements [audio.InputDevice]. The handler is appended to
// RecordedHandlers. To simulate captured audio in tests, call
// [InputDevice.EmitBlock].
func (d *InputDevice) OnBlock(handler func(samples []float32)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RecordedHandlers = append(d.RecordedHandlers, handler)
}

// Close implements [audio.InputDevice]. Marks the device closed and returns
// CloseError. Subsequent EmitBlock calls are dropped.
func (d *InputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	return d.CloseError
}

// Closed reports whether Close has been called.
func (d *InputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// EmitBlock delivers samples to all registered handlers on the calling
// goroutine. It is a no-op once the device is closed.
func (d *InputDevice) EmitBlock(samples []float32) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	handlers := make([]func([]float32), len(d.RecordedHandlers))
	copy(handlers, d.RecordedHandlers)
	d.mu.Unlock()
	for _, h := range handlers {
		h(samples)
	}
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [OutputDevice.ScheduleBuffer]
// invocation.
type ScheduleCall struct {
	// PCM is the buffer passed to ScheduleBuffer.
	PCM []byte
	// Start is the device-clock start time passed to ScheduleBuffer.
	Start time.Duration
}

// OutputDevice is a mock implementation of [audio.OutputDevice]. Its clock
// starts at zero and only moves when the test calls [OutputDevice.Advance].
type OutputDevice struct {
	mu sync.Mutex

	// Format is used by Advance to compute how long each scheduled buffer
	// plays for. Defaults to 24000Hz mono if left zero.
	Format audio.Format

	// ScheduleError is returned by ScheduleBuffer. When set, the call is
	// still recorded but no handle is created.
	ScheduleError error

	// CloseError is returned by [OutputDevice.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// ScheduleCalls records all ScheduleBuffer invocations.
	ScheduleCalls []ScheduleCall

	// Handles holds the handles returned by ScheduleBuffer, in schedule order.
	Handles []*PlaybackHandle

	now    time.Duration
	closed bool
}

// Now implements [audio.OutputDevice]. Returns the mock clock position.
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// ScheduleBuffer implements [audio.OutputDevice]. Records the call and returns
// a new [PlaybackHandle], or ScheduleError if set.
func (d *OutputDevice) ScheduleBuffer(pcm []byte, start time.Duration) (audio.PlaybackHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{PCM: pcm, Start: start})
	if d.ScheduleError != nil {
		return nil, d.ScheduleError
	}
	h := &PlaybackHandle{PCM: pcm, Start: start}
	d.Handles = append(d.Handles, h)
	return h, nil
}

// Close implements [audio.OutputDevice]. Marks the device closed and returns
// CloseError.
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	return d.CloseError
}

// Closed reports whether Close has been called.
func (d *OutputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Advance moves the mock clock forward by delta and completes every scheduled
// buffer whose playback window has fully elapsed. Completion fires each
// handle's OnFinished callback on the calling goroutine; stopped handles do
// not fire.
func (d *OutputDevice) Advance(delta time.Duration) {
	d.mu.Lock()
	d.now += delta
	format := d.Format
	if format.BytesPerSecond() <= 0 {
		format = audio.Format{SampleRate: 24000, Channels: 1}
	}
	var due []*PlaybackHandle
	for _, h := range d.Handles {
		if h.Start+format.Duration(len(h.PCM)) <= d.now {
			due = append(due, h)
		}
	}
	d.mu.Unlock()
	for _, h := range due {
		h.Finish()
	}
}

// ─── PlaybackHandle ───────────────────────────────────────────────────────────

// PlaybackHandle is a mock implementation of [audio.PlaybackHandle] returned
// by [OutputDevice.ScheduleBuffer].
type PlaybackHandle struct {
	mu sync.Mutex

	// PCM is the buffer this handle was scheduled with.
	PCM []byte

	// Start is the device-clock start time this handle was scheduled at.
	Start time.Duration

	onFinished func()
	stopped    bool
	finished   bool
}

// OnFinished implements [audio.PlaybackHandle]. Registering on a handle that
// already finished fires the callback asynchronously.
func (h *PlaybackHandle) OnFinished(cb func()) {
	h.mu.Lock()
	if h.finished && !h.stopped && cb != nil {
		h.mu.Unlock()
		go cb()
		return
	}
	h.onFinished = cb
	h.mu.Unlock()
}

// Stop implements [audio.PlaybackHandle]. Idempotent; a stopped handle never
// fires OnFinished.
func (h *PlaybackHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

// Stopped reports whether Stop has been called.
func (h *PlaybackHandle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Finished reports whether the handle completed naturally via Finish.
func (h *PlaybackHandle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// Finish marks the buffer as played to completion and fires the OnFinished
// callback on the calling goroutine. It is a no-op if the handle was stopped
// or already finished. Prefer [OutputDevice.Advance] where clock position
// matters.
func (h *PlaybackHandle) Finish() {
	h.mu.Lock()
	if h.stopped || h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	cb := h.onFinished
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}
