package dispatch

import (
	"errors"
	"fmt"
)

// ErrWorkerActive is returned by Run when another drain worker is running.
var ErrWorkerActive = errors.New("dispatch: queue worker already running")

// SendFailure reports an outbound send that the platform did not accept.
type SendFailure struct {
	ChatID string
	Stage  string // "fetch media", "send"
	Err    error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("dispatch: %s to %s: %v", e.Stage, e.ChatID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }
