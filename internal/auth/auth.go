// Package auth gates conversation startup on credential availability.
//
// The session never inspects credentials itself; it asks an [Authorizer]
// whether it may connect and, when the answer is no, triggers the
// out-of-band authorization flow and aborts the attempt. The caller
// re-invokes startup once authorization has been obtained.
package auth

import "errors"

// ErrUnauthorized indicates a conversation was started without valid
// credentials. The attempt was aborted before any device or network
// resource was acquired.
var ErrUnauthorized = errors.New("auth: not authorized")

// Authorizer reports whether a conversation may be started and knows how to
// kick off the flow that obtains authorization.
//
// Implementations must be safe for concurrent use.
type Authorizer interface {
	// IsAuthorized reports whether credentials are currently available.
	IsAuthorized() bool

	// RequestAuthorization starts the flow that obtains credentials, for
	// example prompting the user for an API key. It is fire-and-forget:
	// callers re-check IsAuthorized afterwards rather than waiting on it.
	RequestAuthorization()
}

// APIKey is an Authorizer backed by a static API key. It is authorized
// exactly when the key is non-empty; RequestAuthorization records the
// request through the callback so the operator can be told how to supply
// a key.
type APIKey struct {
	key       string
	onRequest func()
}

// NewAPIKey returns an APIKey authorizer. onRequest is invoked on every
// RequestAuthorization call; it may be nil.
func NewAPIKey(key string, onRequest func()) *APIKey {
	return &APIKey{key: key, onRequest: onRequest}
}

// IsAuthorized reports whether a key was supplied.
func (a *APIKey) IsAuthorized() bool { return a.key != "" }

// RequestAuthorization invokes the configured callback, if any.
func (a *APIKey) RequestAuthorization() {
	if a.onRequest != nil {
		a.onRequest()
	}
}

var _ Authorizer = (*APIKey)(nil)
