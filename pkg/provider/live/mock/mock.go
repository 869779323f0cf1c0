// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and feed controlled conversations.
// Use Conn to script the inbound event stream and inspect which methods
// were invoked by the session.
//
// Example:
//
//	conn := mock.NewConn()
//	p := &mock.Provider{Conn: conn}
//	// ... start the component under test ...
//	conn.Emit(live.AudioChunk{PCM: pcm})
//	conn.Emit(live.TurnComplete{})
//	conn.Finish(live.Closed{})
//
// Emit and Finish are intended to be called from a single scripting
// goroutine, mirroring the serialized receive loop of a real connection.
package mock

import (
	"context"
	"sync"

	"github.com/parleyio/parley/pkg/audio"
	"github.com/parleyio/parley/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Conn is returned by Connect. If nil, Connect returns a new Conn.
	Conn live.Conn

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Connect records the call and returns Conn, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Conn != nil {
		return p.Conn, nil
	}
	return NewConn(), nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Conn.SendAudio.
type SendAudioCall struct {
	// Frame holds the frame passed to SendAudio with a copied Data slice.
	Frame audio.Frame
}

// Conn is a mock implementation of live.Conn. Create it with NewConn so the
// event stream and its termination signal are wired up.
type Conn struct {
	mu       sync.Mutex
	events   chan live.Event
	done     chan struct{}
	finished bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by every Close call.
	CloseErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewConn returns a Conn with a buffered event stream ready for scripting.
func NewConn() *Conn {
	return &Conn{
		events: make(chan live.Event, 64),
		done:   make(chan struct{}),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (c *Conn) SendAudio(frame audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame.Data))
	copy(cp, frame.Data)
	frame.Data = cp
	c.SendAudioCalls = append(c.SendAudioCalls, SendAudioCall{Frame: frame})
	return c.SendAudioErr
}

// Events returns the scripted event stream.
func (c *Conn) Events() <-chan live.Event { return c.events }

// Close records the call and, if the stream is still open, terminates it
// with a Closed event. Idempotent like the real thing.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CloseCallCount++
	err := c.CloseErr
	c.mu.Unlock()

	c.Finish(live.Closed{})
	return err
}

// Emit delivers ev on the event stream, blocking until the consumer receives
// it. It becomes a no-op once the stream has finished.
func (c *Conn) Emit(ev live.Event) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Finish emits the terminal event and ends the stream. Consumers stop at the
// terminal event, so the channel itself stays open and late Emit calls have
// somewhere safe to go. Subsequent calls are no-ops.
func (c *Conn) Finish(terminal live.Event) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	close(c.done)
	c.events <- terminal
}

// Finished reports whether the stream has terminated. Thread-safe.
func (c *Conn) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// ResetCalls clears all recorded calls. Thread-safe.
func (c *Conn) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendAudioCalls = nil
	c.CloseCallCount = 0
}

// Ensure Conn implements live.Conn at compile time.
var _ live.Conn = (*Conn)(nil)
