// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Outbound audio is transmitted as base64-encoded PCM chunks;
// inbound server content is decoded into the ordered live.Event stream.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/parleyio/parley/pkg/audio"
	"github.com/parleyio/parley/pkg/provider/live"
)

// Compile-time assertions that Provider and conn satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used when SessionConfig.Model is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:  inputSampleRate,
		OutputSampleRate: outputSampleRate,
		Voices:           []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect establishes a new Gemini Live conversation. It sends the
// BidiGenerateContent setup message and waits for the server's setupComplete
// acknowledgement, so a returned Conn is ready to accept audio immediately.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:       ws,
		events:   make(chan live.Event, 64),
		recvDone: make(chan struct{}),
		ctx:      connCtx,
		cancel:   connCancel,
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	if err := c.sendSetup(model, cfg); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	// The server acknowledges the setup before any content flows; a
	// rejected setup (bad model, bad voice) surfaces here as a connect
	// error rather than a broken conversation later.
	if err := c.awaitSetupComplete(ctx); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "setup not acknowledged")
		return nil, err
	}

	go c.receiveLoop()
	go c.keepaliveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *systemInstruction   `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *transcriptionConfig `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *transcriptionConfig `json:"outputAudioTranscription,omitempty"`
}

// transcriptionConfig opts in to server-side transcription; an empty object
// enables it with default settings.
type transcriptionConfig struct{}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
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

// sendSetup sends the initial BidiGenerateContent setup message.
func (c *conn) sendSetup(model string, cfg live.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			InputAudioTranscription:  &transcriptionConfig{},
			OutputAudioTranscription: &transcriptionConfig{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return c.writeJSON(msg)
}

// awaitSetupComplete reads the first server frame and verifies it
// acknowledges the setup.
func (c *conn) awaitSetupComplete(ctx context.Context) error {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("gemini: read setup acknowledgement: %w", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("gemini: decode setup acknowledgement: %w", err)
	}
	if msg.Error != nil {
		return fmt.Errorf("gemini: setup rejected: %s", msg.Error.Message)
	}
	if msg.SetupComplete == nil {
		return fmt.Errorf("gemini: unexpected first frame, want setupComplete")
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
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
			return live.Failure{Reason: fmt.Errorf("gemini: read: %w", err)}
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if terminal := c.handleServerMessage(&msg); terminal != nil {
			return terminal
		}
	}
}

// handleServerMessage dispatches one decoded frame. It returns a non-nil
// terminal event when the conversation cannot continue.
func (c *conn) handleServerMessage(msg *serverMessage) live.Event {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		return live.Failure{Reason: fmt.Errorf("gemini: server error: %s", text)}
	}
	if msg.ServerContent != nil {
		if !c.handleServerContent(msg.ServerContent) {
			return live.Closed{}
		}
	}
	return nil
}

// handleServerContent emits the events carried by one serverContent frame,
// preserving their order. It reports false when delivery was abandoned.
func (c *conn) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue // drop undecodable chunks, keep the conversation
				}
				if !c.emit(live.AudioChunk{PCM: pcm}) {
					return false
				}
			}
			if p.Text != "" {
				if !c.emit(live.OutputTranscript{Text: p.Text}) {
					return false
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !c.emit(live.InputTranscript{Text: sc.InputTranscription.Text}) {
			return false
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !c.emit(live.OutputTranscript{Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.Interrupted {
		if !c.emit(live.Interrupted{}) {
			return false
		}
	}

	if sc.TurnComplete {
		if !c.emit(live.TurnComplete{}) {
			return false
		}
	}

	return true
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ── Conn methods ───────────────────────────────────────────────────────────────

// SendAudio delivers one PCM16 capture frame to the model as a realtime
// media chunk.
func (c *conn) SendAudio(frame audio.Frame) error {
	if c.isClosed() {
		return fmt.Errorf("gemini: conversation closed")
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{
					MIMEType: fmt.Sprintf("audio/pcm;rate=%d", frame.SampleRate),
					Data:     base64.StdEncoding.EncodeToString(frame.Data),
				},
			},
		},
	}
	return c.writeJSON(msg)
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

	c.cancel() // unblocks receiveLoop and keepaliveLoop
	c.ws.Close(websocket.StatusNormalClosure, "conversation closed")
	<-c.recvDone
	return nil
}
