// Package audio defines the data types and device contracts shared by the
// capture and playback sides of a live voice conversation: PCM16 frames,
// the float ↔ PCM16 codec, format conversion helpers, and the input/output
// device interfaces implemented by pkg/audio/portaudio (real hardware) and
// pkg/audio/mock (tests).
package audio

import (
	"fmt"
	"time"
)

// Frame is a single buffer of audio flowing through the pipeline. Capture
// produces fixed-size frames (one per device block); playback consumes
// variable-size frames (one per server audio chunk). A Frame is immutable
// once produced.
type Frame struct {
	// Data holds interleaved little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for model audio).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo output devices.
	Channels int

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns how long the frame plays for.
func (f Frame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Samples returns the number of samples per channel in the frame.
func (f Frame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of the format (2 bytes per sample).
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of PCM16 in this format play for.
// Returns 0 for a zero or invalid format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Bytes returns the byte count covering d of audio in this format, aligned
// down to a whole sample across all channels.
func (f Format) Bytes(d time.Duration) int {
	bps := f.BytesPerSecond()
	if bps <= 0 || d <= 0 {
		return 0
	}
	n := int(d * time.Duration(bps) / time.Second)
	align := 2 * f.Channels
	return n - n%align
}

// String returns a human-readable format description, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
