package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleyio/parley/internal/auth"
	"github.com/parleyio/parley/internal/session"
	"github.com/parleyio/parley/internal/transcript"
	"github.com/parleyio/parley/pkg/audio"
	"github.com/parleyio/parley/pkg/audio/capture"
	audiomock "github.com/parleyio/parley/pkg/audio/mock"
	"github.com/parleyio/parley/pkg/provider/live"
	livemock "github.com/parleyio/parley/pkg/provider/live/mock"
)

// harness wires a session to mock devices and a mock provider so tests can
// script both sides of a conversation.
type harness struct {
	provider *livemock.Provider
	conn     *livemock.Conn
	in       *audiomock.InputDevice
	out      *audiomock.OutputDevice
	devs     *audiomock.Devices
	turns    chan transcript.Turn
	sess     *session.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		conn:  livemock.NewConn(),
		in:    &audiomock.InputDevice{},
		out:   &audiomock.OutputDevice{},
		turns: make(chan transcript.Turn, 8),
	}
	h.devs = &audiomock.Devices{OpenInputResult: h.in, OpenOutputResult: h.out}
	h.provider = &livemock.Provider{
		Conn: h.conn,
		ProviderCapabilities: live.Capabilities{
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
		},
	}

	sess, err := session.New(session.Config{
		Provider:     h.provider,
		ProviderName: "mock",
		Devices:      h.devs,
		Auth:         auth.NewAPIKey("test-key", nil),
		Capture:      capture.Config{SampleRate: 16000, BlockSize: 1024},
		OnTurn:       func(turn transcript.Turn) { h.turns <- turn },
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sess = sess
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// waitTurn blocks until the next finalised turn reaches the OnTurn callback.
func (h *harness) waitTurn(t *testing.T) transcript.Turn {
	t.Helper()
	select {
	case turn := <-h.turns:
		return turn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a finalised turn")
		return transcript.Turn{}
	}
}

// waitDone blocks until the session's current run has fully resolved.
func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the session to resolve")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestNew_RequiresProvider(t *testing.T) {
	t.Parallel()

	_, err := session.New(session.Config{Devices: &audiomock.Devices{}})
	if err == nil || !strings.Contains(err.Error(), "provider") {
		t.Fatalf("New without provider = %v; want provider error", err)
	}
}

func TestNew_RequiresDevices(t *testing.T) {
	t.Parallel()

	_, err := session.New(session.Config{Provider: &livemock.Provider{}})
	if err == nil || !strings.Contains(err.Error(), "devices") {
		t.Fatalf("New without devices = %v; want devices error", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	cases := map[session.State]string{
		session.StateIdle:       "idle",
		session.StateConnecting: "connecting",
		session.StateActive:     "active",
		session.StateClosing:    "closing",
		session.StateClosed:     "closed",
		session.StateErrored:    "errored",
		session.State(99):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q; want %q", int(state), got, want)
		}
	}
}

func TestStart_Unauthorized(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	requests := 0
	unauthorized, err := session.New(session.Config{
		Provider: h.provider,
		Devices:  h.devs,
		Auth:     auth.NewAPIKey("", func() { requests++ }),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = unauthorized.Start(context.Background())
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("Start = %v; want auth.ErrUnauthorized", err)
	}
	if requests != 1 {
		t.Errorf("RequestAuthorization invoked %d times; want 1", requests)
	}
	if got := unauthorized.State(); got != session.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
	if len(h.devs.OpenInputCalls) != 0 {
		t.Errorf("capture device opened %d times; a refused start must hold nothing", len(h.devs.OpenInputCalls))
	}
	if len(h.provider.ConnectCalls) != 0 {
		t.Errorf("provider connected %d times; a refused start must not dial", len(h.provider.ConnectCalls))
	}
	if session.Retryable(err) {
		t.Error("an authorization failure must not be retryable")
	}
}

func TestStart_CaptureDeviceUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.devs.OpenInputError = audio.ErrDeviceUnavailable

	err := h.sess.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start = %v; want ErrDeviceUnavailable", err)
	}
	if got := h.sess.State(); got != session.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
	if len(h.devs.OpenOutputCalls) != 0 {
		t.Error("playback device opened even though capture failed")
	}
	if session.Retryable(err) {
		t.Error("a device failure must not be retryable")
	}
}

func TestStart_PlaybackDeviceDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.devs.OpenOutputError = audio.ErrPermissionDenied

	err := h.sess.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start = %v; want ErrPermissionDenied", err)
	}
	if got := h.sess.State(); got != session.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
	if h.in.CallCountClose != 1 {
		t.Errorf("capture device closed %d times; want released exactly once", h.in.CallCountClose)
	}
}

func TestStart_ConnectFailure_Errored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.ConnectErr = errors.New("dial tcp: connection refused")

	err := h.sess.Start(context.Background())
	if !errors.Is(err, session.ErrTransport) {
		t.Fatalf("Start = %v; want ErrTransport", err)
	}
	if !session.Retryable(err) {
		t.Error("a connect failure must be retryable")
	}
	if got := h.sess.State(); got != session.StateErrored {
		t.Errorf("state = %v; want errored", got)
	}
	if h.in.CallCountClose != 1 || h.out.CallCountClose != 1 {
		t.Errorf("devices closed %d/%d times; want both released exactly once",
			h.in.CallCountClose, h.out.CallCountClose)
	}
	waitDone(t, h.sess)
	if got := h.sess.Err(); !errors.Is(got, session.ErrTransport) {
		t.Errorf("Err() = %v; want the connect failure", got)
	}
}

func TestStart_WhileActive_ReturnsAlreadyStarted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	defer h.sess.Stop()

	if err := h.sess.Start(context.Background()); !errors.Is(err, session.ErrAlreadyStarted) {
		t.Fatalf("second Start = %v; want ErrAlreadyStarted", err)
	}
}

func TestStart_SendsSessionConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	want := live.SessionConfig{
		Model:        "gemini-2.0-flash-live-001",
		Voice:        "Aoede",
		Instructions: "Answer in one sentence.",
	}

	sess, err := session.New(session.Config{
		Provider: h.provider,
		Devices:  h.devs,
		Session:  want,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()

	if len(h.provider.ConnectCalls) != 1 {
		t.Fatalf("Connect called %d times; want 1", len(h.provider.ConnectCalls))
	}
	if got := h.provider.ConnectCalls[0].Cfg; got != want {
		t.Errorf("Connect config = %+v; want %+v", got, want)
	}
}

func TestCapture_FramesReachProvider(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	defer h.sess.Stop()

	h.in.EmitBlock(make([]float32, 1024))

	if got := len(h.conn.SendAudioCalls); got != 1 {
		t.Fatalf("SendAudio called %d times; want 1", got)
	}
	frame := h.conn.SendAudioCalls[0].Frame
	if frame.SampleRate != 16000 || frame.Channels != 1 {
		t.Errorf("frame format = %dHz %dch; want 16000Hz mono", frame.SampleRate, frame.Channels)
	}
	if len(frame.Data) != 2048 {
		t.Errorf("frame carries %d bytes; want 2048 (1024 samples of PCM16)", len(frame.Data))
	}
}

func TestCapture_ResampledToProviderRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.provider.ProviderCapabilities.InputSampleRate = 24000
	h.start(t)
	defer h.sess.Stop()

	h.in.EmitBlock(make([]float32, 1024))

	if got := len(h.conn.SendAudioCalls); got != 1 {
		t.Fatalf("SendAudio called %d times; want 1", got)
	}
	frame := h.conn.SendAudioCalls[0].Frame
	if frame.SampleRate != 24000 {
		t.Errorf("frame rate = %dHz; want resampled to 24000Hz", frame.SampleRate)
	}
	if len(frame.Data) != 3072 {
		t.Errorf("frame carries %d bytes; want 3072 (1024 samples upsampled 16k to 24k)", len(frame.Data))
	}
}

// TestSession_FullConversation walks one complete exchange: user speech is
// transcribed in partials, the model answers with audio and text, a barge-in
// cuts playback, and the next response starts immediately.
func TestSession_FullConversation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	if got := h.sess.State(); got != session.StateActive {
		t.Fatalf("state after Start = %v; want active", got)
	}

	// The user speaks; the microphone block reaches the provider.
	h.in.EmitBlock(make([]float32, 1024))
	if got := len(h.conn.SendAudioCalls); got != 1 {
		t.Fatalf("SendAudio called %d times; want 1", got)
	}

	// First exchange: transcription partials, 50ms of model audio, turn end.
	audioA := make([]byte, 2400)
	h.conn.Emit(live.InputTranscript{Text: "Hel"})
	h.conn.Emit(live.InputTranscript{Text: "lo"})
	h.conn.Emit(live.OutputTranscript{Text: "Hi there."})
	h.conn.Emit(live.AudioChunk{PCM: audioA})
	h.conn.Emit(live.TurnComplete{})

	userTurn := h.waitTurn(t)
	if userTurn.Role != transcript.RoleUser || userTurn.Text != "Hello" {
		t.Errorf("first turn = %v %q; want concatenated user partials", userTurn.Role, userTurn.Text)
	}
	modelTurn := h.waitTurn(t)
	if modelTurn.Role != transcript.RoleModel || modelTurn.Text != "Hi there." {
		t.Errorf("second turn = %v %q; want the model text", modelTurn.Role, modelTurn.Text)
	}
	if len(h.out.ScheduleCalls) != 1 {
		t.Fatalf("scheduled %d buffers; want 1", len(h.out.ScheduleCalls))
	}
	if got := h.out.ScheduleCalls[0].Start; got != 0 {
		t.Errorf("first chunk scheduled at %v; want 0 on an empty queue", got)
	}

	// Second exchange: the model is interrupted mid-response, then answers
	// again. The interrupt must cut the queue and rewind the cursor so the
	// next chunk plays immediately.
	audioB := make([]byte, 2400)
	audioC := make([]byte, 2400)
	h.conn.Emit(live.AudioChunk{PCM: audioB})
	h.conn.Emit(live.Interrupted{})
	h.conn.Emit(live.AudioChunk{PCM: audioC})
	h.conn.Emit(live.OutputTranscript{Text: "Let me rephrase."})
	h.conn.Emit(live.TurnComplete{})

	rephrased := h.waitTurn(t)
	if rephrased.Text != "Let me rephrase." {
		t.Errorf("turn after interrupt = %q; want the rephrased text", rephrased.Text)
	}

	if len(h.out.ScheduleCalls) != 3 {
		t.Fatalf("scheduled %d buffers; want 3", len(h.out.ScheduleCalls))
	}
	if got := h.out.ScheduleCalls[1].Start; got != 50*time.Millisecond {
		t.Errorf("second chunk scheduled at %v; want gapless 50ms after the first", got)
	}
	if got := h.out.ScheduleCalls[2].Start; got != 0 {
		t.Errorf("chunk after interrupt scheduled at %v; want 0, the rewound cursor", got)
	}
	if !h.out.Handles[0].Stopped() || !h.out.Handles[1].Stopped() {
		t.Error("interrupt left queued audio playing; both earlier chunks must stop")
	}
	if h.out.Handles[2].Stopped() {
		t.Error("chunk scheduled after the interrupt must not be stopped")
	}

	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.sess.State(); got != session.StateClosed {
		t.Errorf("state after Stop = %v; want closed", got)
	}
	if turns := h.sess.Transcript(); len(turns) != 3 {
		t.Errorf("transcript has %d turns; want 3", len(turns))
	}
	if h.in.CallCountClose != 1 || h.out.CallCountClose != 1 {
		t.Errorf("devices closed %d/%d times; want exactly once each",
			h.in.CallCountClose, h.out.CallCountClose)
	}
}

func TestMalformedChunk_DroppedWithoutDisruption(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	defer h.sess.Stop()

	h.conn.Emit(live.AudioChunk{PCM: []byte{0x01, 0x02, 0x03}}) // odd byte count
	h.conn.Emit(live.AudioChunk{PCM: make([]byte, 480)})
	h.conn.Emit(live.OutputTranscript{Text: "still talking"})
	h.conn.Emit(live.TurnComplete{})

	if turn := h.waitTurn(t); turn.Text != "still talking" {
		t.Errorf("turn = %q; the conversation must continue past a malformed chunk", turn.Text)
	}
	if got := len(h.out.ScheduleCalls); got != 1 {
		t.Errorf("scheduled %d buffers; the malformed chunk must never reach the device", got)
	}
}

func TestTransportError_TearsDownAndRetryable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	// A pending partial must not be flushed into the transcript by teardown.
	h.conn.Emit(live.InputTranscript{Text: "dangling"})
	h.conn.Finish(live.Failure{Reason: errors.New("websocket: broken pipe")})

	waitDone(t, h.sess)
	if got := h.sess.State(); got != session.StateErrored {
		t.Fatalf("state = %v; want errored", got)
	}
	err := h.sess.Err()
	if !errors.Is(err, session.ErrTransport) {
		t.Errorf("Err() = %v; want ErrTransport", err)
	}
	if !session.Retryable(err) {
		t.Error("a transport failure must be retryable")
	}
	if h.in.CallCountClose != 1 || h.out.CallCountClose != 1 {
		t.Errorf("devices closed %d/%d times; want both released exactly once",
			h.in.CallCountClose, h.out.CallCountClose)
	}
	if got := len(h.sess.Transcript()); got != 0 {
		t.Errorf("transcript has %d turns; teardown must not fabricate one from partials", got)
	}
	select {
	case turn := <-h.turns:
		t.Errorf("OnTurn fired with %q; teardown must not flush partials", turn.Text)
	default:
	}
}

func TestRemoteClose_Errored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.conn.Finish(live.Closed{})

	waitDone(t, h.sess)
	if got := h.sess.State(); got != session.StateErrored {
		t.Fatalf("state = %v; want errored", got)
	}
	if err := h.sess.Err(); !errors.Is(err, session.ErrUnexpectedClose) {
		t.Errorf("Err() = %v; want ErrUnexpectedClose", err)
	}
	if !session.Retryable(h.sess.Err()) {
		t.Error("an unexpected close must be retryable")
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	if err := h.sess.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := h.sess.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if h.in.CallCountClose != 1 || h.out.CallCountClose != 1 {
		t.Errorf("devices closed %d/%d times; repeated Stop must not re-release",
			h.in.CallCountClose, h.out.CallCountClose)
	}
}

func TestStop_BeforeStart_IsNoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop on an idle session = %v; want nil", err)
	}
	if got := h.sess.State(); got != session.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
}

func TestStop_AfterError_IsNoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	h.conn.Finish(live.Failure{Reason: errors.New("boom")})
	waitDone(t, h.sess)

	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop after error = %v; want nil", err)
	}
	if got := h.sess.State(); got != session.StateErrored {
		t.Errorf("state = %v; a no-op Stop must not overwrite the terminal state", got)
	}
	if h.in.CallCountClose != 1 || h.out.CallCountClose != 1 {
		t.Errorf("devices closed %d/%d times; want exactly once each",
			h.in.CallCountClose, h.out.CallCountClose)
	}
}

func TestStop_NoEventsObservableAfterReturn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The stream has terminated; late emissions go nowhere.
	h.conn.Emit(live.OutputTranscript{Text: "too late"})
	h.conn.Emit(live.TurnComplete{})

	select {
	case turn := <-h.turns:
		t.Errorf("OnTurn fired with %q after Stop returned", turn.Text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStop_DuringConnect_AbortsDial(t *testing.T) {
	t.Parallel()

	p := &blockingProvider{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		caps:    live.Capabilities{InputSampleRate: 16000, OutputSampleRate: 24000},
	}
	in := &audiomock.InputDevice{}
	out := &audiomock.OutputDevice{}
	sess, err := session.New(session.Config{
		Provider: p,
		Devices:  &audiomock.Devices{OpenInputResult: in, OpenOutputResult: out},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	startErr := make(chan error, 1)
	go func() { startErr <- sess.Start(context.Background()) }()

	<-p.entered
	if got := sess.State(); got != session.StateConnecting {
		t.Fatalf("state during dial = %v; want connecting", got)
	}

	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop during connect: %v", err)
	}

	select {
	case err := <-startErr:
		if err == nil {
			t.Fatal("Start returned nil after Stop aborted the dial")
		}
		if !strings.Contains(err.Error(), "stopped during connect") {
			t.Errorf("Start = %v; want a stopped-during-connect error", err)
		}
		if session.Retryable(err) {
			t.Error("a requested stop must not look retryable")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop cancelled the dial")
	}

	if got := sess.State(); got != session.StateClosed {
		t.Errorf("state = %v; want closed", got)
	}
	if in.CallCountClose != 1 || out.CallCountClose != 1 {
		t.Errorf("devices closed %d/%d times; want both released exactly once",
			in.CallCountClose, out.CallCountClose)
	}
}

func TestRestart_AfterTransportError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	// First conversation finalises one exchange, then dies with a partial
	// pending.
	h.conn.Emit(live.InputTranscript{Text: "Hi"})
	h.conn.Emit(live.OutputTranscript{Text: "Hello!"})
	h.conn.Emit(live.TurnComplete{})
	h.waitTurn(t)
	h.waitTurn(t)
	h.conn.Emit(live.InputTranscript{Text: "dangling"})
	h.conn.Finish(live.Failure{Reason: errors.New("connection reset")})
	waitDone(t, h.sess)

	// Second conversation on the same session.
	conn2 := livemock.NewConn()
	h.provider.Conn = conn2
	h.start(t)

	if got := h.sess.State(); got != session.StateActive {
		t.Fatalf("state after restart = %v; want active", got)
	}
	if err := h.sess.Err(); err != nil {
		t.Errorf("Err() after restart = %v; want cleared", err)
	}

	// The stale partial belongs to the dead connection, not this turn.
	conn2.Emit(live.InputTranscript{Text: "Again"})
	conn2.Emit(live.TurnComplete{})
	if turn := h.waitTurn(t); turn.Text != "Again" {
		t.Errorf("first turn after restart = %q; want %q without stale partials", turn.Text, "Again")
	}

	// Finalised history survives the restart.
	if got := len(h.sess.Transcript()); got != 3 {
		t.Errorf("transcript has %d turns after restart; want 3", got)
	}

	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(h.provider.ConnectCalls) != 2 {
		t.Errorf("Connect called %d times; want 2", len(h.provider.ConnectCalls))
	}
	if len(h.devs.OpenInputCalls) != 2 {
		t.Errorf("capture device opened %d times; want reacquired on restart", len(h.devs.OpenInputCalls))
	}
}

func TestRestart_AfterStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)
	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	h.provider.Conn = livemock.NewConn()
	h.start(t)
	defer h.sess.Stop()

	if got := h.sess.State(); got != session.StateActive {
		t.Errorf("state after restart = %v; want active", got)
	}
}

func TestDone_BeforeStart_IsClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	select {
	case <-h.sess.Done():
	default:
		t.Error("Done() before the first Start must be closed")
	}
}

func TestTeardownOrder_OnStop(t *testing.T) {
	t.Parallel()

	rec := &closeRecorder{}
	conn := &recordingConn{Conn: livemock.NewConn(), rec: rec}
	in := &recordingInput{InputDevice: &audiomock.InputDevice{}, rec: rec}
	out := &recordingOutput{OutputDevice: &audiomock.OutputDevice{}, rec: rec}

	sess, err := session.New(session.Config{
		Provider: &livemock.Provider{Conn: conn, ProviderCapabilities: live.Capabilities{InputSampleRate: 16000, OutputSampleRate: 24000}},
		Devices:  &audiomock.Devices{OpenInputResult: in, OpenOutputResult: out},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"conn", "capture", "playback"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("teardown closed %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("teardown order = %v; want %v", got, want)
		}
	}
}

func TestTeardownOrder_OnTransportError(t *testing.T) {
	t.Parallel()

	rec := &closeRecorder{}
	conn := &recordingConn{Conn: livemock.NewConn(), rec: rec}
	in := &recordingInput{InputDevice: &audiomock.InputDevice{}, rec: rec}
	out := &recordingOutput{OutputDevice: &audiomock.OutputDevice{}, rec: rec}

	sess, err := session.New(session.Config{
		Provider: &livemock.Provider{Conn: conn, ProviderCapabilities: live.Capabilities{InputSampleRate: 16000, OutputSampleRate: 24000}},
		Devices:  &audiomock.Devices{OpenInputResult: in, OpenOutputResult: out},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn.Finish(live.Failure{Reason: errors.New("boom")})
	waitDone(t, sess)

	want := []string{"conn", "capture", "playback"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("teardown closed %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("teardown order = %v; want %v", got, want)
		}
	}
}

// blockingProvider parks Connect until released or cancelled, so tests can
// hold a session in the Connecting state.
type blockingProvider struct {
	caps    live.Capabilities
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Connect(ctx context.Context, _ live.SessionConfig) (live.Conn, error) {
	close(p.entered)
	select {
	case <-p.release:
		return livemock.NewConn(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *blockingProvider) Capabilities() live.Capabilities { return p.caps }

// closeRecorder captures the order in which teardown releases resources.
type closeRecorder struct {
	mu    sync.Mutex
	order []string
}

func (c *closeRecorder) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, name)
}

func (c *closeRecorder) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

type recordingConn struct {
	*livemock.Conn
	rec *closeRecorder
}

func (c *recordingConn) Close() error {
	c.rec.record("conn")
	return c.Conn.Close()
}

type recordingInput struct {
	*audiomock.InputDevice
	rec *closeRecorder
}

func (d *recordingInput) Close() error {
	d.rec.record("capture")
	return d.InputDevice.Close()
}

type recordingOutput struct {
	*audiomock.OutputDevice
	rec *closeRecorder
}

func (d *recordingOutput) Close() error {
	d.rec.record("playback")
	return d.OutputDevice.Close()
}
