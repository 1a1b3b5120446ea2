package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/wabridge/internal/types"
)

type sentRecord struct {
	msg types.OutgoingMessage
	at  time.Time
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentRecord
	calls int
	fail  func(types.OutgoingMessage) error
}

func (s *fakeSender) Send(_ context.Context, msg types.OutgoingMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(msg); err != nil {
			return "", err
		}
	}
	s.sent = append(s.sent, sentRecord{msg: msg, at: time.Now()})
	return "WA-" + msg.Text, nil
}

func (s *fakeSender) snapshot() ([]sentRecord, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentRecord, len(s.sent))
	copy(out, s.sent)
	return out, s.calls
}

// gate is a Readiness that blocks until opened.
type gate struct {
	mu     sync.Mutex
	open   bool
	ch     chan struct{}
	closed bool
}

func newGate(open bool) *gate {
	g := &gate{ch: make(chan struct{})}
	if open {
		g.Open()
	}
	return g
}

func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

func (g *gate) WaitReady(ctx context.Context) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return errors.New("session closed")
	}
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeFetcher struct {
	att  *types.Attachment
	err  error
	urls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (*types.Attachment, error) {
	f.urls = append(f.urls, rawURL)
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.att
	return &cp, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
