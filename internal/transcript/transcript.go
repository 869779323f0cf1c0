// Package transcript accumulates streamed transcription partials into
// ordered conversation turns.
//
// Live providers deliver transcription in fragments: user speech arrives as
// recognition partials while the user talks, and the model's speech arrives
// as text deltas alongside its audio. The [Aggregator] concatenates both
// streams independently and, at each turn boundary, flushes them into
// finished [Turn] values with the user's words first. The [Log] keeps the
// append-only record of every finished turn for rendering and persistence.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies which side of the conversation produced a turn.
type Role string

const (
	// RoleUser marks speech transcribed from the microphone.
	RoleUser Role = "user"
	// RoleModel marks speech synthesised by the model.
	RoleModel Role = "model"
)

// Turn is one finished utterance in the conversation.
type Turn struct {
	// Role is the speaker.
	Role Role

	// Text is the full utterance, concatenated from transcription partials.
	Text string

	// At is when the turn was completed.
	At time.Time
}

// Aggregator accumulates transcription partials for the exchange currently
// in flight. It is safe for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	input  strings.Builder
	output strings.Builder
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// AppendInput adds a user-side transcription partial.
func (a *Aggregator) AppendInput(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.input.WriteString(text)
}

// AppendOutput adds a model-side transcription partial.
func (a *Aggregator) AppendOutput(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.output.WriteString(text)
}

// Input returns the user text accumulated since the last turn boundary.
func (a *Aggregator) Input() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.input.String()
}

// Output returns the model text accumulated since the last turn boundary.
func (a *Aggregator) Output() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.output.String()
}

// CompleteTurn flushes the accumulated partials into finished turns and
// clears both accumulators. It returns up to two turns, the user's first;
// a side with no accumulated text produces no turn. An exchange where
// neither side spoke returns an empty slice.
func (a *Aggregator) CompleteTurn() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	turns := make([]Turn, 0, 2)
	if a.input.Len() > 0 {
		turns = append(turns, Turn{Role: RoleUser, Text: a.input.String(), At: now})
	}
	if a.output.Len() > 0 {
		turns = append(turns, Turn{Role: RoleModel, Text: a.output.String(), At: now})
	}
	a.input.Reset()
	a.output.Reset()
	return turns
}

// Reset discards the accumulated partials without producing turns. Used
// when a fresh conversation begins and partials from a lost connection no
// longer correspond to anything the provider remembers.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.input.Reset()
	a.output.Reset()
}

// Log is an append-only record of finished turns. It is safe for
// concurrent use.
type Log struct {
	mu    sync.Mutex
	turns []Turn
}

// NewLog returns an empty Log.
func NewLog() *Log {
	return &Log{}
}

// Append adds turns to the log in order.
func (l *Log) Append(turns ...Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, turns...)
}

// Turns returns a copy of all recorded turns in completion order.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of recorded turns.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}
