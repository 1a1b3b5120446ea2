package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/wabridge/internal/types"
)

// subscriberBuffer bounds each subscriber's backlog of state changes.
const subscriberBuffer = 64

// Change describes one state transition.
type Change struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	QRCode string    `json:"qrCode,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Err    error     `json:"-"`
}

// MessageHandler consumes inbound platform messages.
type MessageHandler func(types.PlatformMessage)

// Manager owns the lifecycle of one named platform session.
type Manager struct {
	name   string
	driver Driver
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	qr       string
	started  bool
	closed   bool
	initDone chan struct{}
	initErr  error
	termErr  error
	changed  chan struct{} // closed and replaced on every transition
	done     chan struct{} // closed on reaching a terminal state
	subs     []chan Change
	handlers []MessageHandler
	readyAt  time.Time
}

// NewManager creates a session manager in the Created state.
func NewManager(name string, driver Driver, logger *slog.Logger) *Manager {
	return &Manager{
		name:     name,
		driver:   driver,
		logger:   logger.With("component", "session", "session", name),
		now:      time.Now,
		state:    Created,
		initDone: make(chan struct{}),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name returns the configured session name.
func (m *Manager) Name() string { return m.name }

// Initialize starts the driver and blocks until the session is Ready or
// initialization fails. Repeated and concurrent calls share one outcome.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	first := !m.started && !m.closed
	if first {
		m.started = true
		m.transitionLocked(Initializing, Change{})
	}
	m.mu.Unlock()

	if first {
		m.logger.Info("initializing session")
		err := m.driver.Start(ctx, Sink{Signal: m.handleSignal, Message: m.deliver})
		if err != nil {
			var authErr *AuthenticationError
			var connErr *ConnectionError
			if !errors.As(err, &authErr) && !errors.As(err, &connErr) {
				err = &ConnectionError{Reason: "start client", Err: err}
			}
			m.fail(err)
		}
	}

	select {
	case <-m.initDone:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client returns the live send handle. It fails with ErrNotInitialized
// unless the session is Ready.
func (m *Manager) Client() (Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Ready || m.closed {
		return nil, ErrNotInitialized
	}
	return m.driver, nil
}

// Send is a convenience wrapper around Client().Send.
func (m *Manager) Send(ctx context.Context, msg types.OutgoingMessage) (string, error) {
	c, err := m.Client()
	if err != nil {
		return "", err
	}
	return c.Send(ctx, msg)
}

// Contact resolves metadata through the driver's contact store.
func (m *Manager) Contact(ctx context.Context, id string) (types.Contact, error) {
	return m.driver.Contact(ctx, id)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsReady reports whether sends can be attempted.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Ready && !m.closed
}

// ReadySince returns when the session became ready, or the zero time.
func (m *Manager) ReadySince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyAt
}

// QRCode returns the latest pairing challenge while awaiting auth.
func (m *Manager) QRCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != AwaitingAuth {
		return ""
	}
	return m.qr
}

// WaitReady blocks until the session is Ready. It returns ErrClosed once
// the session is terminal or torn down.
func (m *Manager) WaitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		switch {
		case m.state == Ready:
			m.mu.Unlock()
			return nil
		case m.state.Terminal():
			m.mu.Unlock()
			return ErrClosed
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed when the session reaches a terminal state.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Err returns the error that ended the session, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.termErr
}

// Subscribe returns a channel receiving every subsequent transition.
func (m *Manager) Subscribe() <-chan Change {
	ch := make(chan Change, subscriberBuffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// OnMessage registers an inbound message handler.
func (m *Manager) OnMessage(h MessageHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Logout ends the platform session and clears the send handle. Calling it
// more than once is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	return m.teardown(ctx, true)
}

// Close disconnects from the platform but keeps the stored credentials.
func (m *Manager) Close() error {
	return m.teardown(context.Background(), false)
}

func (m *Manager) teardown(ctx context.Context, logout bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	var err error
	if started {
		if logout {
			m.logger.Info("logging out session")
			err = m.driver.Logout(ctx)
		} else {
			err = m.driver.Close()
		}
	}

	reason := "closed"
	if logout {
		reason = "logged out"
	}

	m.mu.Lock()
	switch {
	case m.state == Ready:
		m.transitionLocked(Disconnected, Change{Reason: reason})
	case !m.state.Terminal():
		m.transitionLocked(Error, Change{Reason: reason, Err: ErrNotInitialized})
		m.finishInitLocked(fmt.Errorf("%w: %s before ready", ErrNotInitialized, reason))
	}
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("session %s: %s: %w", m.name, reason, err)
	}
	return nil
}

func (m *Manager) handleSignal(sig Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug("driver signal", "kind", sig.Kind.String(), "state", m.state.String())

	switch sig.Kind {
	case SignalQR:
		m.qr = sig.QRCode
		m.transitionLocked(AwaitingAuth, Change{QRCode: sig.QRCode})

	case SignalAuthenticated:
		m.qr = ""
		m.transitionLocked(Authenticated, Change{Reason: sig.Reason})

	case SignalReady:
		// Stored credentials skip the pairing challenge entirely.
		if m.state == Initializing || m.state == AwaitingAuth {
			m.qr = ""
			m.transitionLocked(Authenticated, Change{Reason: "stored credentials"})
		}
		if m.transitionLocked(Ready, Change{Reason: sig.Reason}) {
			m.readyAt = m.now()
			m.finishInitLocked(nil)
		}

	case SignalDisconnected:
		if m.state == Ready {
			m.transitionLocked(Disconnected, Change{Reason: sig.Reason, Err: sig.Err})
			return
		}
		m.failLocked(&ConnectionError{Reason: orDefault(sig.Reason, "disconnected before ready"), Err: sig.Err})

	case SignalAuthFailure:
		m.failLocked(&AuthenticationError{Reason: orDefault(sig.Reason, "rejected"), Err: sig.Err})

	case SignalConnFailure:
		m.failLocked(&ConnectionError{Reason: orDefault(sig.Reason, "failed"), Err: sig.Err})
	}
}

func (m *Manager) deliver(msg types.PlatformMessage) {
	m.mu.Lock()
	handlers := make([]MessageHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(err)
}

func (m *Manager) failLocked(err error) {
	if m.transitionLocked(Error, Change{Reason: err.Error(), Err: err}) {
		m.finishInitLocked(err)
	}
}

func (m *Manager) finishInitLocked(err error) {
	select {
	case <-m.initDone:
		return
	default:
	}
	m.initErr = err
	close(m.initDone)
}

// transitionLocked applies to if the table allows it and publishes the
// change. Rejected transitions are logged and leave the state untouched.
func (m *Manager) transitionLocked(to State, c Change) bool {
	from := m.state
	if !CanTransition(from, to) {
		m.logger.Warn("rejected state transition", "from", from.String(), "to", to.String())
		return false
	}

	m.state = to
	c.From, c.To, c.At = from, to, m.now()

	close(m.changed)
	m.changed = make(chan struct{})

	if to.Terminal() {
		m.termErr = c.Err
		close(m.done)
	}

	attrs := []any{"from", from.String(), "to", to.String()}
	if c.Reason != "" {
		attrs = append(attrs, "reason", c.Reason)
	}
	if to == Error {
		m.logger.Error("session state changed", attrs...)
	} else {
		m.logger.Info("session state changed", attrs...)
	}

	for _, ch := range m.subs {
		select {
		case ch <- c:
		default:
			m.logger.Warn("state subscriber lagging, change dropped", "to", to.String())
		}
	}
	return true
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
