package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Defaults for [Retrier]. Ten restarts with a doubling delay capped at 30s
// rides out multi-minute provider outages without hammering the endpoint.
const (
	DefaultMaxRestarts = 10
	DefaultBackoff     = 1 * time.Second
	DefaultMaxBackoff  = 30 * time.Second
)

// Retrier keeps a [Session] running. It starts the session and, whenever the
// conversation is lost to a retryable failure, waits an exponentially
// growing backoff and starts it again. Non-retryable errors and an exhausted
// restart budget end the loop; so does context cancellation, which stops the
// session cleanly.
type Retrier struct {
	// MaxRestarts is the number of consecutive failed restarts tolerated
	// before giving up. Zero means DefaultMaxRestarts. The count resets
	// every time a conversation becomes active.
	MaxRestarts int

	// Backoff is the delay before the first restart. Zero means
	// DefaultBackoff. It doubles per consecutive failure up to MaxBackoff.
	Backoff time.Duration

	// MaxBackoff caps the restart delay. Zero means DefaultMaxBackoff.
	MaxBackoff time.Duration

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Run drives s until ctx is cancelled, a non-retryable error occurs, or
// MaxRestarts consecutive restarts fail. Cancellation stops the session and
// returns nil; a session stopped by another caller also ends the loop with
// nil.
func (r *Retrier) Run(ctx context.Context, s *Session) error {
	maxRestarts := r.MaxRestarts
	if maxRestarts == 0 {
		maxRestarts = DefaultMaxRestarts
	}
	initial := r.Backoff
	if initial == 0 {
		initial = DefaultBackoff
	}
	maxBackoff := r.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = DefaultMaxBackoff
	}
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}

	backoff := initial
	restarts := 0
	for {
		err := s.Start(ctx)
		if err == nil {
			// Live again; consecutive-failure accounting starts over.
			restarts = 0
			backoff = initial

			select {
			case <-ctx.Done():
				return s.Stop()
			case <-s.Done():
				err = s.Err()
			}
		}
		if err == nil {
			// The run resolved without an error: another caller stopped
			// the session. Nothing left to keep alive.
			return nil
		}
		if !Retryable(err) {
			return err
		}

		restarts++
		if restarts > maxRestarts {
			return fmt.Errorf("session: giving up after %d restarts: %w", maxRestarts, err)
		}
		log.Warn("conversation lost, restarting",
			"error", err,
			"attempt", restarts,
			"max_restarts", maxRestarts,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
