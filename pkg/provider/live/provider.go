// Package live defines the Provider interface for realtime speech-to-speech
// backends.
//
// A live provider wraps a voice model service that accepts a continuous
// microphone stream and answers with synthesised speech over one stateful
// connection, with no intermediate STT or TTS stage. Examples include the
// Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is Conn: one open conversation whose inbound
// traffic arrives on a single ordered event stream. Transcript text, audio
// chunks, turn boundaries, and interruptions are all delivered on the same
// channel in exactly the order the server sent them, because relative order
// between kinds is meaningful: an [Interrupted] arriving before an
// [AudioChunk] must stop playback before that chunk is queued.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"

	"github.com/parleyio/parley/pkg/audio"
)

// SessionConfig is the initial configuration for a new conversation.
type SessionConfig struct {
	// Model names the provider model to converse with. Empty selects the
	// provider's default.
	Model string

	// Voice selects the voice for synthesised speech. Empty selects the
	// provider's default.
	Voice string

	// Instructions is the system-level prompt applied for the whole
	// conversation.
	Instructions string
}

// Capabilities describes static properties of a live provider. The values
// are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the PCM16 rate in Hz the provider consumes.
	InputSampleRate int

	// OutputSampleRate is the PCM16 rate in Hz the provider emits.
	OutputSampleRate int

	// Voices lists the voice names available for this provider.
	Voices []string
}

// Event is one item on a conversation's inbound stream. Concrete types are
// [InputTranscript], [OutputTranscript], [AudioChunk], [TurnComplete],
// [Interrupted], [Failure], and [Closed].
type Event interface {
	// Kind returns a short stable name for logging and metrics.
	Kind() string
}

// InputTranscript carries a partial transcription of the user's speech, as
// recognised by the model. Partials concatenate into the turn's full text.
type InputTranscript struct {
	Text string
}

// OutputTranscript carries a partial transcription of the model's spoken
// response. Partials concatenate into the turn's full text.
type OutputTranscript struct {
	Text string
}

// AudioChunk carries one chunk of synthesised model speech as little-endian
// PCM16 at the provider's output sample rate.
type AudioChunk struct {
	PCM []byte
}

// TurnComplete marks the end of a conversation turn: the model has finished
// responding and accumulated transcripts can be finalised.
type TurnComplete struct{}

// Interrupted signals that the model's response was cut off, typically
// because the user started speaking over it. Audio received before this
// event should stop playing; no more chunks follow for the cut-off response.
type Interrupted struct{}

// Failure is a terminal event: the transport or protocol broke. No events
// follow it.
type Failure struct {
	Reason error
}

// Closed is a terminal event: the connection ended without a transport
// error, either because Close was called or because the server ended the
// conversation. No events follow it.
type Closed struct{}

func (InputTranscript) Kind() string  { return "input_transcript" }
func (OutputTranscript) Kind() string { return "output_transcript" }
func (AudioChunk) Kind() string       { return "audio_chunk" }
func (TurnComplete) Kind() string     { return "turn_complete" }
func (Interrupted) Kind() string      { return "interrupted" }
func (Failure) Kind() string          { return "failure" }
func (Closed) Kind() string           { return "closed" }

// Conn represents one open conversation. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the conversation is no longer needed.
type Conn interface {
	// SendAudio delivers one capture frame to the provider. The frame must
	// match the provider's input sample rate. Returns an error if the
	// conversation is closed or the transport cannot accept the frame.
	SendAudio(frame audio.Frame) error

	// Events returns the conversation's inbound stream. Events arrive in
	// server order and the stream ends with exactly one terminal event,
	// [Failure] or [Closed]; nothing follows a terminal event, so consumers
	// stop reading once they see one. Sends block until received; consumers
	// must drain the channel promptly to keep the provider's receive loop
	// moving.
	Events() <-chan Event

	// Close ends the conversation and releases the transport. It returns
	// once the event stream has terminated. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime speech-to-speech backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new conversation with the given configuration.
	// The returned Conn is ready to accept audio immediately. The caller
	// owns the Conn and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)

	// Capabilities returns static metadata about this provider's model and
	// audio formats. The result is assumed constant for the lifetime of the
	// Provider instance.
	Capabilities() Capabilities
}
