package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/wabridge/internal/dispatch"
	"github.com/clawinfra/wabridge/internal/session"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ev Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubStreamsEvents(t *testing.T) {
	h := NewHub(testLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv)
	waitClients(t, h, 1)

	h.Notify(StateChanged("default", session.Change{From: session.Initializing, To: session.AwaitingAuth, QRCode: "2@abc"}))
	h.Notify(QueueOutcome("default", dispatch.Item{ID: "q1", Destination: "1@c.us", Attempts: 2}, "", context.DeadlineExceeded))

	ev := readEvent(t, conn)
	if ev.Type != TypeState || ev.State.To != session.AwaitingAuth || ev.State.QRCode != "2@abc" {
		t.Errorf("first event = %+v", ev)
	}
	ev = readEvent(t, conn)
	if ev.Type != TypeQueue || ev.Queue.Result != ResultDropped || ev.Queue.Attempts != 2 || ev.Queue.Error == "" {
		t.Errorf("second event = %+v", ev.Queue)
	}
}

func TestHubReplaysLatestState(t *testing.T) {
	h := NewHub(testLogger())
	h.Notify(StateChanged("default", session.Change{From: session.Initializing, To: session.Authenticated}))
	h.Notify(StateChanged("default", session.Change{From: session.Authenticated, To: session.Ready}))

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv)
	ev := readEvent(t, conn)
	if ev.State == nil || ev.State.To != session.Ready {
		t.Fatalf("replayed %+v, want ready", ev)
	}
}

func TestHubUnregistersOnClose(t *testing.T) {
	h := NewHub(testLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv)
	waitClients(t, h, 1)
	conn.Close(websocket.StatusNormalClosure, "bye")
	waitClients(t, h, 0)
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub(testLogger())
	ch := h.register()

	for i := 0; i < clientBuffer+1; i++ {
		h.Notify(Event{Type: TypeQueue})
	}
	if h.Clients() != 0 {
		t.Fatal("slow client still registered")
	}
	n := 0
	for range ch {
		n++
	}
	if n != clientBuffer {
		t.Errorf("drained %d events, want %d", n, clientBuffer)
	}
	h.unregister(ch)
}

func TestPump(t *testing.T) {
	h := NewHub(testLogger())
	ch := h.register()
	changes := make(chan session.Change, 2)
	changes <- session.Change{From: session.Created, To: session.Initializing}
	changes <- session.Change{From: session.Initializing, To: session.Error, Err: context.Canceled}
	close(changes)

	Pump(context.Background(), "s1", changes, h)

	first, second := <-ch, <-ch
	if first.Session != "s1" || first.State.To != session.Initializing {
		t.Errorf("first = %+v", first)
	}
	if second.State.Error != context.Canceled.Error() {
		t.Errorf("error not carried: %+v", second.State)
	}
}

func TestQueueOutcomeSent(t *testing.T) {
	ev := QueueOutcome("s", dispatch.Item{ID: "q", Destination: "1@c.us", Attempts: 1}, "WA9", nil)
	if ev.Queue.Result != ResultSent || ev.Queue.MessageID != "WA9" || ev.Queue.Attempts != 2 {
		t.Errorf("queue event = %+v", ev.Queue)
	}
}
