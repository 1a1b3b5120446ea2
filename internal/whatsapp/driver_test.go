package whatsapp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/clawinfra/wabridge/internal/session"
	"github.com/clawinfra/wabridge/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHasCredentialsWithoutStore(t *testing.T) {
	d := New(Options{StorePath: filepath.Join(t.TempDir(), "missing", "session.db")}, quietLogger())

	paired, err := d.HasCredentials(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if paired {
		t.Error("missing store reported as paired")
	}
}

func TestDriverBeforeStart(t *testing.T) {
	d := New(Options{StorePath: filepath.Join(t.TempDir(), "session.db")}, quietLogger())

	_, err := d.Send(context.Background(), types.OutgoingMessage{To: "5511999999999@c.us", Text: "hi"})
	if !errors.Is(err, session.ErrNotInitialized) {
		t.Errorf("Send before Start: got %v, want ErrNotInitialized", err)
	}
	if err := d.Logout(context.Background()); err != nil {
		t.Errorf("Logout before Start: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close before Start: %v", err)
	}
}
