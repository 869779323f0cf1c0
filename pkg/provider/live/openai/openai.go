// Package openai implements the live.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime protocol.
// Outbound audio is transmitted as base64-encoded PCM16 appended to the
// server-side input buffer; inbound events are decoded into the ordered
// live.Event stream.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/parleyio/parley/pkg/audio"
	"github.com/parleyio/parley/pkg/provider/live"
)

// Compile-time assertions that Provider and conn satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// The Realtime API speaks 24kHz PCM16 in both directions.
	sampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used when SessionConfig.Model is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:  sampleRate,
		OutputSampleRate: sampleRate,
		Voices: []string{
			"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse",
		},
	}
}

// Connect establishes a new Realtime conversation. It sends the session
// configuration and waits for the server's session.created frame, so a
// returned Conn is ready to accept audio immediately.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:       ws,
		events:   make(chan live.Event, 64),
		recvDone: make(chan struct{}),
		ctx:      connCtx,
		cancel:   connCancel,
	}

	if err := c.sendSessionUpdate(cfg); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	// The server announces the session before any content flows; a rejected
	// configuration surfaces here as a connect error rather than a broken
	// conversation later.
	if err := c.awaitSessionCreated(ctx); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "session not created")
		return nil, err
	}

	go c.receiveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string `json:"voice,omitempty"`
	Instructions      string `json:"instructions,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`

	// InputAudioTranscription opts in to user-side transcripts; without it
	// the server never emits input_audio_transcription events.
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws       *websocket.Conn
	events   chan live.Event
	recvDone chan struct{}

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends a session.update event configuring voice,
// instructions, audio formats and input transcription.
func (c *conn) sendSessionUpdate(cfg live.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionParams{Model: "whisper-1"},
	}
	if cfg.Voice != "" {
		params.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	return c.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// awaitSessionCreated reads the first server frame and verifies the session
// was accepted.
func (c *conn) awaitSessionCreated(ctx context.Context) error {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("openai: read session acknowledgement: %w", err)
	}
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("openai: decode session acknowledgement: %w", err)
	}
	if evt.Type == "error" {
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return fmt.Errorf("openai: session rejected: %s", msg)
	}
	if evt.Type != "session.created" {
		return fmt.Errorf("openai: unexpected first frame %q, want session.created", evt.Type)
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// emit delivers ev on the event stream in order. It reports false once the
// conversation context ends, which abandons delivery.
func (c *conn) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// receiveLoop reads server frames until the connection terminates, then
// emits exactly one terminal event and closes the stream.
func (c *conn) receiveLoop() {
	defer close(c.recvDone)
	defer close(c.events)

	terminal := c.readFrames()
	select {
	case c.events <- terminal:
	case <-c.ctx.Done():
		// Close was requested locally; the consumer no longer listens.
	}
}

func (c *conn) readFrames() live.Event {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || c.isClosed() {
				return live.Closed{}
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return live.Closed{}
			}
			return live.Failure{Reason: fmt.Errorf("openai: read: %w", err)}
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue // skip malformed frames
		}

		if terminal := c.handleServerEvent(&evt); terminal != nil {
			return terminal
		}
	}
}

// handleServerEvent dispatches one decoded frame. It returns a non-nil
// terminal event when the conversation cannot continue.
func (c *conn) handleServerEvent(evt *serverEvent) live.Event {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return nil
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return nil // drop undecodable chunks, keep the conversation
		}
		if !c.emit(live.AudioChunk{PCM: pcm}) {
			return live.Closed{}
		}

	case "response.audio_transcript.delta":
		// Deltas are forwarded as partials; the consumer accumulates them
		// into the turn text.
		if evt.Delta == "" {
			return nil
		}
		if !c.emit(live.OutputTranscript{Text: evt.Delta}) {
			return live.Closed{}
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return nil
		}
		if !c.emit(live.InputTranscript{Text: evt.Transcript}) {
			return live.Closed{}
		}

	case "input_audio_buffer.speech_started":
		// The server's voice activity detection heard the user start talking
		// over the model.
		if !c.emit(live.Interrupted{}) {
			return live.Closed{}
		}

	case "response.done":
		if !c.emit(live.TurnComplete{}) {
			return live.Closed{}
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return live.Failure{Reason: fmt.Errorf("openai: server error: %s", msg)}
	}

	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ── Conn methods ───────────────────────────────────────────────────────────────

// SendAudio appends one PCM16 capture frame to the server-side input buffer.
// The Realtime API expects the sample rate negotiated at session start, so
// frames must already match Capabilities().InputSampleRate.
func (c *conn) SendAudio(frame audio.Frame) error {
	if c.isClosed() {
		return fmt.Errorf("openai: conversation closed")
	}

	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	})
}

// Events returns the conversation's ordered inbound stream.
func (c *conn) Events() <-chan live.Event { return c.events }

// Close terminates the conversation and releases the transport. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.recvDone
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel() // unblocks receiveLoop
	c.ws.Close(websocket.StatusNormalClosure, "conversation closed")
	<-c.recvDone
	return nil
}
