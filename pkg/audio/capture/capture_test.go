package capture_test

import (
	"errors"
	"testing"
	"time"

	"github.com/parleyio/parley/pkg/audio"
	"github.com/parleyio/parley/pkg/audio/capture"
	"github.com/parleyio/parley/pkg/audio/mock"
)

func TestOpen_Defaults(t *testing.T) {
	devs := &mock.Devices{OpenInputResult: &mock.InputDevice{}}
	p, err := capture.Open(devs, capture.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devs.OpenInputCalls) != 1 {
		t.Fatalf("expected 1 OpenInput call, got %d", len(devs.OpenInputCalls))
	}
	got := devs.OpenInputCalls[0].Config
	want := audio.InputConfig{SampleRate: 16000, Channels: 1, BlockSize: 4096}
	if got != want {
		t.Errorf("device config: got %+v, want %+v", got, want)
	}
	if f := p.Format(); f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("format: got %v, want 16000Hz mono", f)
	}
}

func TestOpen_NonPowerOfTwoBlock(t *testing.T) {
	devs := &mock.Devices{OpenInputResult: &mock.InputDevice{}}
	_, err := capture.Open(devs, capture.Config{BlockSize: 1000})
	if err == nil {
		t.Fatal("expected error for non-power-of-two block size")
	}
	// The device must not be touched when the config is invalid.
	if len(devs.OpenInputCalls) != 0 {
		t.Errorf("expected no OpenInput calls, got %d", len(devs.OpenInputCalls))
	}
}

func TestOpen_DeviceUnavailable(t *testing.T) {
	devs := &mock.Devices{OpenInputError: audio.ErrDeviceUnavailable}
	_, err := capture.Open(devs, capture.Config{})
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestOpen_PermissionDenied(t *testing.T) {
	devs := &mock.Devices{OpenInputError: audio.ErrPermissionDenied}
	_, err := capture.Open(devs, capture.Config{})
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestPipeline_DeliversFrames(t *testing.T) {
	dev := &mock.InputDevice{}
	devs := &mock.Devices{OpenInputResult: dev}
	p, err := capture.Open(devs, capture.Config{SampleRate: 16000, BlockSize: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var frames []audio.Frame
	if err := p.Start(func(f audio.Frame) { frames = append(frames, f) }); err != nil {
		t.Fatalf("start: %v", err)
	}

	dev.EmitBlock([]float32{0, 0.5, -0.5, 0, 0, 0, 0, 0})
	dev.EmitBlock([]float32{1.0, -1.0, 0, 0, 0, 0, 0, 0})

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	// 8 samples = 16 bytes = 500µs at 16kHz mono.
	if frames[0].Timestamp != 0 {
		t.Errorf("frame 0 timestamp: got %v, want 0", frames[0].Timestamp)
	}
	if want := 500 * time.Microsecond; frames[1].Timestamp != want {
		t.Errorf("frame 1 timestamp: got %v, want %v", frames[1].Timestamp, want)
	}
	if frames[0].SampleRate != 16000 || frames[0].Channels != 1 {
		t.Errorf("frame format: got %dHz %dch", frames[0].SampleRate, frames[0].Channels)
	}
	if len(frames[0].Data) != 16 {
		t.Errorf("frame data: got %d bytes, want 16", len(frames[0].Data))
	}
	if got := p.Produced(); got != time.Millisecond {
		t.Errorf("produced: got %v, want 1ms", got)
	}
}

func TestPipeline_StartTwice(t *testing.T) {
	devs := &mock.Devices{OpenInputResult: &mock.InputDevice{}}
	p, err := capture.Open(devs, capture.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Start(func(audio.Frame) {}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := p.Start(func(audio.Frame) {}); !errors.Is(err, capture.ErrStarted) {
		t.Fatalf("second start: got %v, want ErrStarted", err)
	}
}

func TestPipeline_StartAfterStop(t *testing.T) {
	devs := &mock.Devices{OpenInputResult: &mock.InputDevice{}}
	p, err := capture.Open(devs, capture.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Start(func(audio.Frame) {}); !errors.Is(err, capture.ErrStarted) {
		t.Fatalf("start after stop: got %v, want ErrStarted", err)
	}
}

func TestPipeline_StopIdempotent(t *testing.T) {
	dev := &mock.InputDevice{}
	devs := &mock.Devices{OpenInputResult: dev}
	p, err := capture.Open(devs, capture.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if dev.CallCountClose != 1 {
		t.Errorf("expected device closed once, got %d", dev.CallCountClose)
	}
}

func TestPipeline_StopReturnsCloseError(t *testing.T) {
	closeErr := errors.New("stream busy")
	dev := &mock.InputDevice{CloseError: closeErr}
	devs := &mock.Devices{OpenInputResult: dev}
	p, err := capture.Open(devs, capture.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Stop(); !errors.Is(err, closeErr) {
		t.Fatalf("stop: got %v, want wrapped close error", err)
	}
	// Repeated stops report the same outcome without closing again.
	if err := p.Stop(); !errors.Is(err, closeErr) {
		t.Fatalf("second stop: got %v, want wrapped close error", err)
	}
	if dev.CallCountClose != 1 {
		t.Errorf("expected device closed once, got %d", dev.CallCountClose)
	}
}

func TestPipeline_NoFramesAfterStop(t *testing.T) {
	dev := &mock.InputDevice{}
	devs := &mock.Devices{OpenInputResult: dev}
	p, err := capture.Open(devs, capture.Config{BlockSize: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var frames int
	if err := p.Start(func(audio.Frame) { frames++ }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Invoke the registered handler directly, bypassing the mock device's
	// own closed check, to prove the pipeline drops late blocks itself.
	if len(dev.RecordedHandlers) != 1 {
		t.Fatalf("expected 1 registered handler, got %d", len(dev.RecordedHandlers))
	}
	dev.RecordedHandlers[0](make([]float32, 8))

	if frames != 0 {
		t.Errorf("expected no frames after stop, got %d", frames)
	}
}

func TestPipeline_StopWaitsForInFlightDelivery(t *testing.T) {
	dev := &mock.InputDevice{}
	devs := &mock.Devices{OpenInputResult: dev}
	p, err := capture.Open(devs, capture.Config{BlockSize: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	if err := p.Start(func(audio.Frame) {
		close(entered)
		<-release
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	go dev.EmitBlock(make([]float32, 8))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery to begin")
	}

	stopDone := make(chan struct{})
	go func() {
		p.Stop()
		close(stopDone)
	}()

	// Stop must not return while a frame is still being delivered.
	select {
	case <-stopDone:
		t.Fatal("stop returned while delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stop to finish")
	}
}
