// Package notify fans session state changes and queue outcomes out to
// operators over MQTT and WebSocket.
package notify

import (
	"context"
	"time"

	"github.com/clawinfra/wabridge/internal/dispatch"
	"github.com/clawinfra/wabridge/internal/session"
)

// Event types
const (
	TypeState = "state"
	TypeQueue = "queue"
)

// Queue results
const (
	ResultSent    = "sent"
	ResultDropped = "dropped"
)

// Event is the JSON document delivered to every notifier.
type Event struct {
	Type    string      `json:"type"`
	Session string      `json:"session"`
	At      time.Time   `json:"at"`
	State   *StateEvent `json:"state,omitempty"`
	Queue   *QueueEvent `json:"queue,omitempty"`
}

type StateEvent struct {
	From   session.State `json:"from"`
	To     session.State `json:"to"`
	QRCode string        `json:"qrCode,omitempty"`
	Reason string        `json:"reason,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type QueueEvent struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Result      string `json:"result"`
	MessageID   string `json:"messageId,omitempty"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
}

// Notifier accepts events without blocking the caller for long.
type Notifier interface {
	Notify(Event)
}

// StateChanged builds a state event from a session transition.
func StateChanged(sessionName string, c session.Change) Event {
	se := &StateEvent{From: c.From, To: c.To, QRCode: c.QRCode, Reason: c.Reason}
	if c.Err != nil {
		se.Error = c.Err.Error()
	}
	return Event{Type: TypeState, Session: sessionName, At: c.At, State: se}
}

// QueueOutcome builds a queue event. A nil err means the item was sent.
func QueueOutcome(sessionName string, item dispatch.Item, messageID string, err error) Event {
	qe := &QueueEvent{
		ID:          item.ID,
		Destination: item.Destination,
		Result:      ResultSent,
		MessageID:   messageID,
		Attempts:    item.Attempts,
	}
	if err != nil {
		qe.Result = ResultDropped
		qe.Error = err.Error()
	} else {
		qe.Attempts++
	}
	return Event{Type: TypeQueue, Session: sessionName, At: time.Now(), Queue: qe}
}

// Pump forwards session changes to every notifier until ctx is done or
// changes is closed.
func Pump(ctx context.Context, sessionName string, changes <-chan session.Change, notifiers ...Notifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			ev := StateChanged(sessionName, c)
			for _, n := range notifiers {
				n.Notify(ev)
			}
		}
	}
}
