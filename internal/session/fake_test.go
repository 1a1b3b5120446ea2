package session

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/clawinfra/wabridge/internal/types"
)

type fakeDriver struct {
	mu        sync.Mutex
	sink      Sink
	starts    int
	startErr  error
	onStart   func(Sink)
	sent      []types.OutgoingMessage
	logouts   int
	closes    int
	logoutErr error
}

func (d *fakeDriver) Start(_ context.Context, sink Sink) error {
	d.mu.Lock()
	d.starts++
	d.sink = sink
	onStart := d.onStart
	d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	if onStart != nil {
		go onStart(sink)
	}
	return nil
}

func (d *fakeDriver) Send(_ context.Context, msg types.OutgoingMessage) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return "MSG1", nil
}

func (d *fakeDriver) Contact(_ context.Context, id string) (types.Contact, error) {
	return types.Contact{ID: id, Name: "Ana", Found: true}, nil
}

func (d *fakeDriver) Logout(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logouts++
	return d.logoutErr
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDriver) startCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

func (d *fakeDriver) emit(sig Signal) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	sink.Signal(sig)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
