// Package health serves the debug listener's liveness and readiness probes.
//
// Liveness (/healthz) only proves the process is up and serving HTTP.
// Readiness (/readyz) tracks the conversation itself: it answers 200 while
// audio is streaming and 503 otherwise, with a JSON body naming the provider,
// the session state, the finalised turn count, and the failure cause when the
// session died. A dashboard scraping /readyz can therefore tell "idle",
// "reconnect backoff", and "broken" apart without log access.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/parleyio/parley/internal/session"
	"github.com/parleyio/parley/internal/transcript"
)

// Conversation is the narrow view of the live session the probes report on.
type Conversation interface {
	// State reports where the session is in its lifecycle.
	State() session.State

	// Err reports the session's terminal error, nil while it is healthy.
	Err() error

	// Transcript lists the finalised turns so far.
	Transcript() []transcript.Turn
}

var _ Conversation = (*session.Session)(nil)

// Status is the JSON body served by the readiness probe.
type Status struct {
	// Ready mirrors the HTTP status: true exactly when the conversation is
	// active.
	Ready bool `json:"ready"`

	// Provider is the configured backend ("gemini-live", "openai-realtime").
	Provider string `json:"provider,omitempty"`

	// State is the session lifecycle state ("idle", "active", "errored", ...).
	State string `json:"state"`

	// Turns counts the finalised transcript turns so far.
	Turns int `json:"turns"`

	// Cause carries the terminal error when the session has one.
	Cause string `json:"cause,omitempty"`
}

// Handler serves the probe endpoints for one conversation session.
type Handler struct {
	provider string
	conv     Conversation
}

// New returns a Handler reporting on conv. provider labels the readiness body
// so dashboards can tell a Gemini client from an OpenAI one.
func New(provider string, conv Conversation) *Handler {
	return &Handler{provider: provider, conv: conv}
}

// Healthz is the liveness probe. It always answers 200: if this handler runs
// at all, the process is alive. Conversation state is Readyz's business.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz is the readiness probe: 200 while the conversation is active, 503
// with the same body otherwise so the scraper learns why.
func (h *Handler) Readyz(w http.ResponseWriter, _ *http.Request) {
	st := h.snapshot()
	code := http.StatusOK
	if !st.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// snapshot assembles the readiness body from the session's current state.
func (h *Handler) snapshot() Status {
	state := h.conv.State()
	st := Status{
		Ready:    state == session.StateActive,
		Provider: h.provider,
		State:    state.String(),
		Turns:    len(h.conv.Transcript()),
	}
	if err := h.conv.Err(); err != nil {
		st.Cause = err.Error()
	}
	return st
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: encode response", "err", err)
	}
}
