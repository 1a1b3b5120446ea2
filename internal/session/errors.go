package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when the send handle is requested
	// before the session is ready or after it was torn down.
	ErrNotInitialized = errors.New("session: not initialized")

	// ErrClosed is returned by WaitReady once the session reached a
	// terminal state and can never become ready again.
	ErrClosed = errors.New("session: closed")
)

// AuthenticationError reports that the platform refused or revoked the
// session's credentials.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "session: authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectionError reports that the platform connection could not be
// established or was lost during initialization.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: connection failed: %s: %v", e.Reason, e.Err)
	}
	return "session: connection failed: " + e.Reason
}

func (e *ConnectionError) Unwrap() error { return e.Err }
