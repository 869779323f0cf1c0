package audio

import "errors"

var (
	// ErrDeviceUnavailable indicates that no usable audio device exists for
	// the requested direction. Terminal for the attempt; callers surface it
	// and let the user retry rather than retrying themselves.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrPermissionDenied indicates the process lacks permission to use the
	// requested audio device. Terminal for the attempt, like
	// ErrDeviceUnavailable.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrMalformedFrame indicates a PCM buffer whose byte length is not a
	// whole number of int16 samples. Local and non-fatal: the frame is
	// dropped and the stream continues.
	ErrMalformedFrame = errors.New("audio: malformed frame")
)
