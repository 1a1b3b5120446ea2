package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/wabridge/internal/types"
)

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEnqueueRejectsMissingFields(t *testing.T) {
	q := NewQueue(&fakeSender{}, newGate(true), QueueOptions{MaxAttempts: 3}, testLogger())

	tests := []Item{
		{Content: "hello"},
		{Destination: "5585988123456@c.us"},
		{},
		{Destination: "not-a-number", Content: "hello"},
	}
	for _, it := range tests {
		if _, err := q.Enqueue(it); err == nil {
			t.Errorf("Enqueue(%+v) succeeded", it)
		} else {
			var ve *types.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %T", err)
			}
		}
		if q.Len() != 0 {
			t.Fatalf("queue length changed to %d", q.Len())
		}
	}
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	q := NewQueue(&fakeSender{}, newGate(true), QueueOptions{MaxAttempts: 4}, testLogger())

	a, err := q.Enqueue(Item{Destination: "+55 85 98812-3456", Content: "a", Metadata: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	b, _ := q.Enqueue(Item{Destination: "5585988123456@c.us", Content: "b", MaxAttempts: 9})

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids not unique: %q %q", a.ID, b.ID)
	}
	if a.Destination != "5585988123456@c.us" {
		t.Errorf("destination not canonical: %q", a.Destination)
	}
	if a.MaxAttempts != 4 || b.MaxAttempts != 9 {
		t.Errorf("maxAttempts = %d, %d", a.MaxAttempts, b.MaxAttempts)
	}
	if a.EnqueuedAt.IsZero() || a.Attempts != 0 {
		t.Errorf("item = %+v", a)
	}
	if q.Len() != 2 {
		t.Errorf("Len = %d", q.Len())
	}
	items := q.Items()
	if items[0].ID != a.ID || items[1].ID != b.ID {
		t.Error("Items not in FIFO order")
	}
}

func TestQueueFIFOWithSendInterval(t *testing.T) {
	sender := &fakeSender{}
	interval := 40 * time.Millisecond

	var mu sync.Mutex
	var succeeded []string
	q := NewQueue(sender, newGate(true), QueueOptions{
		SendInterval: interval,
		MaxAttempts:  3,
		OnSuccess: func(it Item, id string) {
			mu.Lock()
			succeeded = append(succeeded, it.Content+"="+id)
			mu.Unlock()
		},
	}, testLogger())

	for _, c := range []string{"m1", "m2", "m3"} {
		if _, err := q.Enqueue(Item{Destination: "5585988123456@c.us", Content: c}); err != nil {
			t.Fatal(err)
		}
	}
	runQueue(t, q)

	waitUntil(t, func() bool { s, _ := sender.snapshot(); return len(s) == 3 })
	waitUntil(t, func() bool { return q.Len() == 0 })

	sent, _ := sender.snapshot()
	for i, want := range []string{"m1", "m2", "m3"} {
		if sent[i].msg.Text != want {
			t.Errorf("position %d: %q, want %q", i, sent[i].msg.Text, want)
		}
	}
	for i := 1; i < len(sent); i++ {
		if gap := sent[i].at.Sub(sent[i-1].at); gap < interval {
			t.Errorf("gap between sends %d and %d was %v, want >= %v", i-1, i, gap, interval)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(succeeded) != 3 || succeeded[0] != "m1=WA-m1" {
		t.Errorf("success callbacks = %v", succeeded)
	}
}

func TestQueueDropsAfterMaxAttempts(t *testing.T) {
	sender := &fakeSender{fail: func(types.OutgoingMessage) error { return errors.New("platform rejected") }}

	var mu sync.Mutex
	var failures []Item
	q := NewQueue(sender, newGate(true), QueueOptions{
		RetryDelay:  5 * time.Millisecond,
		MaxAttempts: 3,
		OnFailure: func(it Item, err error) {
			mu.Lock()
			failures = append(failures, it)
			mu.Unlock()
		},
	}, testLogger())

	if _, err := q.Enqueue(Item{Destination: "5585988123456@c.us", Content: "doomed"}); err != nil {
		t.Fatal(err)
	}
	runQueue(t, q)

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	})
	time.Sleep(30 * time.Millisecond)

	_, calls := sender.snapshot()
	if calls != 3 {
		t.Errorf("attempted %d times, want 3", calls)
	}
	if q.Len() != 0 {
		t.Errorf("item not removed, Len = %d", q.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || failures[0].Attempts != 3 {
		t.Errorf("failure callbacks = %+v", failures)
	}
}

func TestQueueRetryThenSucceed(t *testing.T) {
	var n int
	sender := &fakeSender{fail: func(m types.OutgoingMessage) error {
		n++
		if m.Text == "flaky" && n < 2 {
			return errors.New("transient")
		}
		return nil
	}}
	q := NewQueue(sender, newGate(true), QueueOptions{RetryDelay: 5 * time.Millisecond, MaxAttempts: 3}, testLogger())
	q.Enqueue(Item{Destination: "5585988123456@c.us", Content: "flaky"})
	q.Enqueue(Item{Destination: "5585988123456@c.us", Content: "next"})
	runQueue(t, q)

	waitUntil(t, func() bool { s, _ := sender.snapshot(); return len(s) == 2 })
	sent, calls := sender.snapshot()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	// head-of-line: next waits for flaky
	if sent[0].msg.Text != "flaky" || sent[1].msg.Text != "next" {
		t.Errorf("order = %q, %q", sent[0].msg.Text, sent[1].msg.Text)
	}
}

func TestQueueWaitsForReadiness(t *testing.T) {
	sender := &fakeSender{}
	g := newGate(false)
	q := NewQueue(sender, g, QueueOptions{MaxAttempts: 3}, testLogger())
	q.Enqueue(Item{Destination: "5585988123456@c.us", Content: "hold"})
	runQueue(t, q)

	time.Sleep(40 * time.Millisecond)
	if _, calls := sender.snapshot(); calls != 0 {
		t.Fatal("sent before the session was ready")
	}
	if q.Len() != 1 {
		t.Fatalf("item lost while waiting, Len = %d", q.Len())
	}

	g.Open()
	waitUntil(t, func() bool { s, _ := sender.snapshot(); return len(s) == 1 })
}

func TestQueueSingleWorker(t *testing.T) {
	q := NewQueue(&fakeSender{}, newGate(true), QueueOptions{MaxAttempts: 1}, testLogger())
	runQueue(t, q)
	waitUntil(t, func() bool { return q.running.Load() })

	if err := q.Run(context.Background()); !errors.Is(err, ErrWorkerActive) {
		t.Errorf("second Run = %v, want ErrWorkerActive", err)
	}
}

func TestQueueStopsWhenSessionClosed(t *testing.T) {
	g := newGate(false)
	g.closed = true
	q := NewQueue(&fakeSender{}, g, QueueOptions{MaxAttempts: 1}, testLogger())
	q.Enqueue(Item{Destination: "5585988123456@c.us", Content: "x"})

	errc := make(chan error, 1)
	go func() { errc <- q.Run(context.Background()) }()
	select {
	case err := <-errc:
		if err == nil {
			t.Error("expected an error from a closed session")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestQueueIdleWorkerWakesOnEnqueue(t *testing.T) {
	sender := &fakeSender{}
	q := NewQueue(sender, newGate(true), QueueOptions{MaxAttempts: 1}, testLogger())
	runQueue(t, q)
	time.Sleep(10 * time.Millisecond)

	q.Enqueue(Item{Destination: "5585988123456@c.us", Content: "late"})
	waitUntil(t, func() bool { s, _ := sender.snapshot(); return len(s) == 1 })
}

func TestSetPacing(t *testing.T) {
	q := NewQueue(&fakeSender{}, newGate(true), QueueOptions{MaxAttempts: 3}, testLogger())
	q.SetPacing(time.Second, 2*time.Second, 0)
	it, _ := q.Enqueue(Item{Destination: "5585988123456@c.us", Content: "x"})
	if it.MaxAttempts != 1 {
		t.Errorf("maxAttempts floor not applied: %d", it.MaxAttempts)
	}
}
