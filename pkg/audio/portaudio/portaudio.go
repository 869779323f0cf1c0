// Package portaudio adapts the host's real audio devices to the [audio.Devices]
// interfaces using the PortAudio library.
//
// The low-level binding in this file talks to PortAudio over CGO; adapter.go
// layers the capture and playback device contracts on top. Building requires
// portaudio installed via pkg-config (e.g. apt install portaudio19-dev,
// brew install portaudio).
package portaudio

/*
#cgo pkg-config: portaudio-2.0

#include <portaudio.h>
#include <stdlib.h>
#include <string.h>

// Wrapper functions using void* to avoid CGO type issues with PaStream
static PaError pa_open_stream(void **stream,
                              const PaStreamParameters *inputParams,
                              const PaStreamParameters *outputParams,
                              double sampleRate,
                              unsigned long framesPerBuffer,
                              PaStreamFlags streamFlags) {
    return Pa_OpenStream((PaStream**)stream, inputParams, outputParams, sampleRate,
                         framesPerBuffer, streamFlags, NULL, NULL);
}

static PaError pa_start_stream(void *stream) {
    return Pa_StartStream((PaStream*)stream);
}

static PaError pa_stop_stream(void *stream) {
    return Pa_StopStream((PaStream*)stream);
}

static PaError pa_close_stream(void *stream) {
    return Pa_CloseStream((PaStream*)stream);
}

static PaError pa_read_stream(void *stream, void *buffer, unsigned long frames) {
    return Pa_ReadStream((PaStream*)stream, buffer, frames);
}

static PaError pa_write_stream(void *stream, const void *buffer, unsigned long frames) {
    return Pa_WriteStream((PaStream*)stream, buffer, frames);
}

static double pa_get_stream_time(void *stream) {
    return Pa_GetStreamTime((PaStream*)stream);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	initOnce sync.Once
	initErr  error
)

// paError converts a PortAudio error code to a Go error.
func paError(code C.PaError) error {
	if code == C.paNoError {
		return nil
	}
	return errors.New(C.GoString(C.Pa_GetErrorText(code)))
}

// Initialize initializes the PortAudio library.
// It is safe to call multiple times.
func Initialize() error {
	initOnce.Do(func() {
		initErr = paError(C.Pa_Initialize())
	})
	return initErr
}

// Terminate terminates the PortAudio library. Call only after every open
// stream has been closed.
func Terminate() error {
	return paError(C.Pa_Terminate())
}

// DeviceInfo contains information about an audio device.
type DeviceInfo struct {
	Index             int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefaultInput    bool
	IsDefaultOutput   bool
}

// Devices returns a list of available audio devices.
func Devices() ([]DeviceInfo, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}

	count := int(C.Pa_GetDeviceCount())
	if count < 0 {
		return nil, paError(C.PaError(count))
	}

	defaultInput := int(C.Pa_GetDefaultInputDevice())
	defaultOutput := int(C.Pa_GetDefaultOutputDevice())

	devices := make([]DeviceInfo, count)
	for i := 0; i < count; i++ {
		info := C.Pa_GetDeviceInfo(C.PaDeviceIndex(i))
		if info == nil {
			continue
		}
		devices[i] = DeviceInfo{
			Index:             i,
			Name:              C.GoString(info.name),
			MaxInputChannels:  int(info.maxInputChannels),
			MaxOutputChannels: int(info.maxOutputChannels),
			DefaultSampleRate: float64(info.defaultSampleRate),
			IsDefaultInput:    i == defaultInput,
			IsDefaultOutput:   i == defaultOutput,
		}
	}
	return devices, nil
}

// resolveDevice turns a device index into validated stream parameters.
// index < 0 selects the system default for the direction.
func resolveDevice(index int, input bool) (C.PaDeviceIndex, *C.PaDeviceInfo, error) {
	var idx C.PaDeviceIndex
	if index < 0 {
		if input {
			idx = C.Pa_GetDefaultInputDevice()
		} else {
			idx = C.Pa_GetDefaultOutputDevice()
		}
		if idx == C.paNoDevice {
			if input {
				return 0, nil, errors.New("no default input device")
			}
			return 0, nil, errors.New("no default output device")
		}
	} else {
		idx = C.PaDeviceIndex(index)
	}

	info := C.Pa_GetDeviceInfo(idx)
	if info == nil {
		return 0, nil, fmt.Errorf("invalid device index %d", int(idx))
	}
	return idx, info, nil
}

// Stream represents an open audio stream.
type Stream struct {
	stream   unsafe.Pointer
	buffer   unsafe.Pointer
	capacity int // frames the C buffer can hold
	channels int
	closed   bool
	mu       sync.Mutex
}

// openStream opens a PortAudio stream on the given devices. A device index of
// -1 selects the system default; a channel count of 0 disables the direction.
func openStream(inputDevice, inputChannels, outputDevice, outputChannels int, sampleRate float64, framesPerBuffer int) (*Stream, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}

	var inputParams, outputParams *C.PaStreamParameters

	if inputChannels > 0 {
		idx, info, err := resolveDevice(inputDevice, true)
		if err != nil {
			return nil, err
		}
		inputParams = &C.PaStreamParameters{
			device:                    idx,
			channelCount:              C.int(inputChannels),
			sampleFormat:              C.paInt16,
			suggestedLatency:          info.defaultLowInputLatency,
			hostApiSpecificStreamInfo: nil,
		}
	}

	if outputChannels > 0 {
		idx, info, err := resolveDevice(outputDevice, false)
		if err != nil {
			return nil, err
		}
		outputParams = &C.PaStreamParameters{
			device:                    idx,
			channelCount:              C.int(outputChannels),
			sampleFormat:              C.paInt16,
			suggestedLatency:          info.defaultLowOutputLatency,
			hostApiSpecificStreamInfo: nil,
		}
	}

	var paStream unsafe.Pointer
	err := paError(C.pa_open_stream(
		&paStream,
		inputParams,
		outputParams,
		C.double(sampleRate),
		C.ulong(framesPerBuffer),
		C.paClipOff,
	))
	if err != nil {
		return nil, err
	}

	channels := inputChannels
	if outputChannels > channels {
		channels = outputChannels
	}
	bufferSize := framesPerBuffer * channels * 2 // int16 = 2 bytes

	return &Stream{
		stream:   paStream,
		buffer:   C.malloc(C.size_t(bufferSize)),
		capacity: framesPerBuffer,
		channels: channels,
	}, nil
}

// Start starts the audio stream.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("stream closed")
	}
	return paError(C.pa_start_stream(s.stream))
}

// Close closes the audio stream. It waits for an in-flight Read or Write to
// return first.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	C.pa_stop_stream(s.stream)
	err := paError(C.pa_close_stream(s.stream))
	C.free(s.buffer)
	return err
}

// Read reads frames*channels samples from an input stream. It blocks until
// the hardware has captured that much audio.
func (s *Stream) Read(frames int) ([]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("stream closed")
	}
	if frames > s.capacity {
		return nil, fmt.Errorf("read of %d frames exceeds stream buffer of %d", frames, s.capacity)
	}

	err := paError(C.pa_read_stream(s.stream, s.buffer, C.ulong(frames)))
	if err != nil {
		return nil, err
	}

	samples := make([]int16, frames*s.channels)
	C.memcpy(unsafe.Pointer(&samples[0]), s.buffer, C.size_t(len(samples)*2))
	return samples, nil
}

// Write writes interleaved samples to an output stream. It blocks until the
// hardware has consumed the buffer.
func (s *Stream) Write(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("stream closed")
	}
	if len(samples) == 0 {
		return nil
	}
	if len(samples) > s.capacity*s.channels {
		return fmt.Errorf("write of %d samples exceeds stream buffer of %d", len(samples), s.capacity*s.channels)
	}

	C.memcpy(s.buffer, unsafe.Pointer(&samples[0]), C.size_t(len(samples)*2))
	return paError(C.pa_write_stream(s.stream, s.buffer, C.ulong(len(samples)/s.channels)))
}

// Time returns the stream's current time in seconds, or 0 when the host API
// does not provide a stream clock. The caller must keep the stream open for
// the duration of the call; Time itself does not lock.
func (s *Stream) Time() float64 {
	return float64(C.pa_get_stream_time(s.stream))
}
