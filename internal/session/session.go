// Package session drives one live voice conversation end to end.
//
// A [Session] owns everything a conversation needs: the authorization gate,
// the microphone capture pipeline, the playback scheduler, one provider
// connection, and the transcript being accumulated. [Session.Start] wires
// them together and returns once audio flows in both directions; a
// background event loop then serialises every inbound provider event, in
// arrival order, into playback, transcript, and interruption handling until
// the conversation ends.
//
// Sessions are restartable: after a terminal state (Closed or Errored) a new
// Start begins a fresh conversation on the same Session, keeping the
// finalised transcript. [Retrier] builds on this to bring dropped
// conversations back with backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyio/parley/internal/auth"
	"github.com/parleyio/parley/internal/observe"
	"github.com/parleyio/parley/internal/transcript"
	"github.com/parleyio/parley/pkg/audio"
	"github.com/parleyio/parley/pkg/audio/capture"
	"github.com/parleyio/parley/pkg/audio/playback"
	"github.com/parleyio/parley/pkg/provider/live"
)

// State identifies where a [Session] is in its lifecycle.
type State int

const (
	// StateIdle means no conversation is running and no resource is held.
	StateIdle State = iota

	// StateConnecting means the devices are held and the provider connection
	// attempt is in flight.
	StateConnecting

	// StateActive means the conversation is live: audio flows both ways.
	StateActive

	// StateClosing means Stop was called and teardown is in progress.
	StateClosing

	// StateClosed means the conversation ended by request. Terminal until
	// the next Start.
	StateClosed

	// StateErrored means the conversation was lost to a transport or
	// protocol failure. Terminal until the next Start; [Session.Err] carries
	// the cause.
	StateErrored
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyStarted is returned by [Session.Start] while a previous
	// conversation is still connecting, active, or closing.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrTransport marks conversations lost to a transport or protocol
	// failure. Errors carrying it are retryable.
	ErrTransport = errors.New("session: transport error")

	// ErrUnexpectedClose marks conversations the server ended without a
	// local Stop. Errors carrying it are retryable.
	ErrUnexpectedClose = errors.New("session: connection closed unexpectedly")

	// errStopped is returned by Start when Stop aborts an in-flight connect.
	errStopped = errors.New("session: stopped during connect")
)

// Retryable reports whether err identifies a lost conversation that a fresh
// Start may recover. Authorization, device, and configuration errors are not
// retryable: repeating them without operator action would only fail again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrUnexpectedClose)
}

// Config assembles a [Session]'s collaborators. Provider and Devices are
// required; every other field has a working zero value.
type Config struct {
	// Provider supplies live conversations.
	Provider live.Provider

	// ProviderName appears in logs and metric attributes. Empty means
	// "live".
	ProviderName string

	// Devices opens the microphone and the speaker.
	Devices audio.Devices

	// Auth gates conversation start. Nil means always authorized.
	Auth auth.Authorizer

	// Session is sent to the provider on every connect.
	Session live.SessionConfig

	// Capture configures the microphone stream.
	Capture capture.Config

	// OnTurn, when set, is invoked from the event loop for every finalised
	// transcript turn, in completion order. It must return promptly: the
	// inbound event stream stalls while it runs.
	OnTurn func(transcript.Turn)

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is a restartable state machine around one live conversation at a
// time. All methods are safe for concurrent use.
type Session struct {
	cfg     Config
	name    string
	log     *slog.Logger
	metrics *observe.Metrics

	agg  *transcript.Aggregator
	tlog *transcript.Log

	mu       sync.Mutex
	state    State
	starting bool
	err      error
	run      *run
}

// run bundles the resources of one conversation so that a restart never
// observes a predecessor's state.
type run struct {
	conn     live.Conn // nil until the provider connect returns
	capture  *capture.Pipeline
	playback *playback.Scheduler

	// cancel aborts an in-flight provider connect.
	cancel context.CancelFunc

	// loopStarted is set once the event loop goroutine exists; loopDone is
	// closed when it exits.
	loopStarted bool
	loopDone    chan struct{}

	// done is closed after teardown completes, whichever side performs it.
	done chan struct{}
}

// New validates cfg and returns an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: config needs a provider")
	}
	if cfg.Devices == nil {
		return nil, errors.New("session: config needs audio devices")
	}
	name := cfg.ProviderName
	if name == "" {
		name = "live"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Session{
		cfg:     cfg,
		name:    name,
		log:     log.With("provider", name),
		metrics: metrics,
		agg:     transcript.NewAggregator(),
		tlog:    transcript.NewLog(),
	}, nil
}

// Start begins a new conversation: it checks authorization, acquires the
// capture and playback devices, connects the provider, and returns once
// audio flows in both directions.
//
// A refused authorization or a device failure leaves the session Idle with
// nothing held; a connect failure moves it to Errored with a retryable
// error. Only one conversation runs at a time: Start returns
// [ErrAlreadyStarted] while a previous one is connecting, active, or
// closing.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.starting || s.state == StateConnecting || s.state == StateActive || s.state == StateClosing {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	// Authorization comes before anything is acquired: a refused start
	// leaves no device held and no connection attempted.
	if s.cfg.Auth != nil && !s.cfg.Auth.IsAuthorized() {
		s.cfg.Auth.RequestAuthorization()
		s.log.Warn("conversation start refused, authorization missing")
		return fmt.Errorf("session: start: %w", auth.ErrUnauthorized)
	}

	mic, err := capture.Open(s.cfg.Devices, s.cfg.Capture)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	caps := s.cfg.Provider.Capabilities()
	play, err := playback.Open(s.cfg.Devices, playback.Config{SampleRate: caps.OutputSampleRate})
	if err != nil {
		if stopErr := mic.Stop(); stopErr != nil {
			s.log.Warn("releasing capture device after failed start", "error", stopErr)
		}
		return fmt.Errorf("session: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &run{
		capture:  mic,
		playback: play,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.state = StateConnecting
	s.err = nil
	s.run = r
	// Partials left over from a lost connection describe a stream the new
	// conversation knows nothing about.
	s.agg.Reset()
	s.mu.Unlock()
	s.log.Info("connecting", "model", s.cfg.Session.Model, "voice", s.cfg.Session.Voice)

	spanCtx, span := observe.StartSpan(cctx, "session.connect")
	started := time.Now()
	conn, err := s.cfg.Provider.Connect(spanCtx, s.cfg.Session)
	span.End()
	if err != nil {
		return s.failConnect(ctx, r, err)
	}

	s.mu.Lock()
	if s.state != StateConnecting || s.run != r {
		// Stop won the race while the dial was in flight. It already
		// released the devices, so only the fresh conn needs closing.
		s.mu.Unlock()
		if closeErr := conn.Close(); closeErr != nil {
			s.log.Warn("closing conversation", "error", closeErr)
		}
		return errStopped
	}
	r.conn = conn
	s.state = StateActive
	// Capture delivery and the event loop begin inside the same critical
	// section as the Active transition, so Stop can never observe one
	// without the other.
	if err := mic.Start(s.frameSender(ctx, conn, caps.InputSampleRate)); err != nil {
		// Unreachable while this run owns the pipeline; fail the run anyway.
		cause := fmt.Errorf("session: %w", err)
		s.state = StateErrored
		s.err = cause
		s.mu.Unlock()
		if closeErr := conn.Close(); closeErr != nil {
			s.log.Warn("closing conversation", "error", closeErr)
		}
		s.release(r)
		close(r.done)
		return cause
	}
	r.loopStarted = true
	go s.eventLoop(ctx, r)
	s.mu.Unlock()

	s.metrics.RecordConnect(ctx, s.name, time.Since(started).Seconds())
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("conversation active", "connect_duration", time.Since(started).Round(time.Millisecond))
	return nil
}

// failConnect resolves a failed provider connect. If Stop aborted the dial
// it already owns teardown; otherwise the session moves to Errored and the
// devices are released here.
func (s *Session) failConnect(ctx context.Context, r *run, dialErr error) error {
	s.mu.Lock()
	if s.state != StateConnecting || s.run != r {
		s.mu.Unlock()
		return errStopped
	}
	cause := fmt.Errorf("%w: connect: %w", ErrTransport, dialErr)
	s.state = StateErrored
	s.err = cause
	s.mu.Unlock()

	s.release(r)
	close(r.done)
	s.metrics.RecordSessionError(ctx, s.name, "connect")
	s.log.Error("connect failed", "error", dialErr)
	return cause
}

// frameSender returns the capture callback: it converts microphone frames to
// the provider's input rate and forwards them on the conversation. Frames
// that fail to send are dropped; surfacing transport failure is the event
// loop's job.
func (s *Session) frameSender(ctx context.Context, conn live.Conn, inputRate int) func(audio.Frame) {
	if inputRate == 0 {
		inputRate = capture.DefaultSampleRate
	}
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: inputRate, Channels: 1}}
	return func(frame audio.Frame) {
		frame = conv.Convert(frame)
		if len(frame.Data) == 0 {
			s.metrics.RecordDroppedFrame(ctx, "capture")
			return
		}
		if err := conn.SendAudio(frame); err != nil {
			s.log.Debug("capture frame not sent", "error", err)
			s.metrics.RecordDroppedFrame(ctx, "capture")
			return
		}
		s.metrics.RecordCapturedFrame(ctx, s.name)
	}
}

// eventLoop serialises the conversation's inbound events. Every event is
// handled in arrival order on this one goroutine, so a transcript partial is
// in the aggregator before the audio that follows it is scheduled, and an
// interruption cuts playback before any later chunk is queued.
func (s *Session) eventLoop(ctx context.Context, r *run) {
	defer close(r.loopDone)

	for ev := range r.conn.Events() {
		s.metrics.RecordTransportEvent(ctx, s.name, ev.Kind())

		switch ev := ev.(type) {
		case live.InputTranscript:
			s.agg.AppendInput(ev.Text)
		case live.OutputTranscript:
			s.agg.AppendOutput(ev.Text)
		case live.AudioChunk:
			s.schedule(ctx, r, ev.PCM)
		case live.Interrupted:
			r.playback.Interrupt()
			s.metrics.Interruptions.Add(ctx, 1)
			s.log.Info("response interrupted, playback cut")
		case live.TurnComplete:
			s.completeTurn(ctx)
		case live.Failure:
			s.finish(ctx, r, fmt.Errorf("%w: %w", ErrTransport, ev.Reason))
			return
		case live.Closed:
			s.finish(ctx, r, ErrUnexpectedClose)
			return
		}
	}

	// The stream ended without a terminal event. Treat it as an unexpected
	// close so the run still resolves.
	s.finish(ctx, r, ErrUnexpectedClose)
}

// schedule queues one chunk of model audio. Malformed chunks are dropped
// without disturbing playback; scheduling failures are logged and the
// conversation continues.
func (s *Session) schedule(ctx context.Context, r *run, pcm []byte) {
	if err := r.playback.Enqueue(pcm); err != nil {
		s.metrics.RecordDroppedFrame(ctx, "playback")
		if errors.Is(err, audio.ErrMalformedFrame) {
			s.log.Warn("dropping malformed audio chunk", "bytes", len(pcm), "error", err)
			return
		}
		s.log.Error("scheduling model audio", "error", err)
		return
	}
	s.metrics.PlaybackChunks.Add(ctx, 1)
	s.metrics.PlaybackSeconds.Add(ctx, r.playback.Format().Duration(len(pcm)).Seconds())
}

// completeTurn finalises the accumulated partials into transcript turns.
func (s *Session) completeTurn(ctx context.Context) {
	turns := s.agg.CompleteTurn()
	if len(turns) == 0 {
		return
	}
	s.tlog.Append(turns...)
	for _, turn := range turns {
		s.metrics.RecordTurn(ctx, string(turn.Role))
		s.log.Info("turn finalised", "role", turn.Role, "chars", len(turn.Text))
		if s.cfg.OnTurn != nil {
			s.cfg.OnTurn(turn)
		}
	}
}

// finish resolves a run that ended remotely. When Stop already owns the
// teardown it does nothing; otherwise the session moves to Errored, the
// resources are released, and Done observers are woken.
func (s *Session) finish(ctx context.Context, r *run, cause error) {
	s.mu.Lock()
	if s.state != StateActive || s.run != r {
		// Stop owns the teardown and is waiting for this loop to exit.
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	s.err = cause
	s.mu.Unlock()

	if err := r.conn.Close(); err != nil {
		s.log.Warn("closing conversation", "error", err)
	}
	s.release(r)
	close(r.done)

	s.metrics.RecordSessionError(ctx, s.name, errorKind(cause))
	s.metrics.ActiveSessions.Add(ctx, -1)
	s.log.Error("conversation lost", "error", cause)
}

// Stop ends the conversation and blocks until teardown completes: after Stop
// returns no further event is observable, no device is held, and no audio
// plays. Stop is idempotent and safe from any state; stopping an Idle or
// already-terminal session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	r := s.run
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil
	case StateClosing, StateClosed, StateErrored:
		s.mu.Unlock()
		// Another Stop or the event loop owns teardown; wait it out so the
		// idempotence contract still holds after return.
		if r != nil {
			<-r.done
		}
		return nil
	}
	s.state = StateClosing
	conn := r.conn // nil while the dial is still in flight
	r.cancel()
	s.mu.Unlock()

	s.log.Info("stopping conversation")

	// Teardown order: connection first so the provider stops producing,
	// then the capture pipeline, then the playback device.
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Warn("closing conversation", "error", err)
		}
	}
	if r.loopStarted {
		<-r.loopDone
	}
	capErr := r.capture.Stop()
	playErr := r.playback.Close()

	s.mu.Lock()
	s.state = StateClosed
	wasActive := r.loopStarted
	s.mu.Unlock()
	if wasActive {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	close(r.done)
	s.log.Info("conversation stopped")
	return errors.Join(capErr, playErr)
}

// release stops the capture pipeline and closes the playback scheduler,
// logging failures. Both are idempotent.
func (s *Session) release(r *run) {
	if err := r.capture.Stop(); err != nil {
		s.log.Warn("releasing capture device", "error", err)
	}
	if err := r.playback.Close(); err != nil {
		s.log.Warn("releasing playback device", "error", err)
	}
}

// closedChan is what Done returns before the first Start.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done returns a channel that is closed once the current conversation has
// fully resolved: the state is terminal and every resource is released.
// Before the first Start it returns an already-closed channel.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return closedChan
	}
	return s.run.done
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of the last Errored transition, or nil. It resets
// when the next conversation starts connecting.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Transcript returns the finalised turns accumulated so far, oldest first.
// The transcript survives restarts: a conversation resumed after a transport
// failure keeps appending to the same record.
func (s *Session) Transcript() []transcript.Turn {
	return s.tlog.Turns()
}

// errorKind maps a terminal cause to a low-cardinality metric attribute.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnexpectedClose):
		return "unexpected_close"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}
