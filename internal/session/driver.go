package session

import (
	"context"

	"github.com/clawinfra/wabridge/internal/types"
)

// SignalKind enumerates the platform events that move the state machine.
type SignalKind int

const (
	SignalQR SignalKind = iota
	SignalAuthenticated
	SignalReady
	SignalDisconnected
	SignalAuthFailure
	SignalConnFailure
)

func (k SignalKind) String() string {
	switch k {
	case SignalQR:
		return "qr"
	case SignalAuthenticated:
		return "authenticated"
	case SignalReady:
		return "ready"
	case SignalDisconnected:
		return "disconnected"
	case SignalAuthFailure:
		return "auth_failure"
	case SignalConnFailure:
		return "conn_failure"
	}
	return "unknown"
}

// Signal is a typed platform event emitted by a Driver.
type Signal struct {
	Kind   SignalKind
	QRCode string // SignalQR only
	Reason string
	Err    error
}

// Sink receives everything a Driver observes. Both callbacks may be called
// from the driver's own goroutines and must not block for long.
type Sink struct {
	Signal  func(Signal)
	Message func(types.PlatformMessage)
}

// Sender is the live send handle of a ready session.
type Sender interface {
	Send(ctx context.Context, msg types.OutgoingMessage) (string, error)
}

// ContactResolver looks up display metadata for a canonical id.
type ContactResolver interface {
	Contact(ctx context.Context, id string) (types.Contact, error)
}

// Driver is a concrete platform client. Start must return promptly; the
// outcome of the connection arrives later through the sink.
type Driver interface {
	Sender
	ContactResolver
	Start(ctx context.Context, sink Sink) error
	Logout(ctx context.Context) error
	Close() error
}
