package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/wabridge/internal/metrics"
	"github.com/clawinfra/wabridge/internal/session"
	"github.com/clawinfra/wabridge/internal/types"
)

// Item is one queued outbound message.
type Item struct {
	ID          string         `json:"id"`
	Destination string         `json:"destination"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
}

// Readiness blocks until sends may be attempted.
type Readiness interface {
	WaitReady(ctx context.Context) error
}

// QueueOptions configures pacing, retries and outcome callbacks.
type QueueOptions struct {
	SendInterval time.Duration
	RetryDelay   time.Duration
	MaxAttempts  int
	OnSuccess    func(item Item, messageID string)
	OnFailure    func(item Item, err error)
}

// Queue is a FIFO of outbound messages drained by a single worker.
// The head item blocks the rest until it succeeds or is dropped.
type Queue struct {
	sender session.Sender
	ready  Readiness
	logger *slog.Logger

	onSuccess func(Item, string)
	onFailure func(Item, error)

	sendInterval atomic.Int64
	retryDelay   atomic.Int64
	maxAttempts  atomic.Int64

	mu      sync.Mutex
	items   []*Item
	wake    chan struct{}
	running atomic.Bool
}

// NewQueue creates an empty queue.
func NewQueue(sender session.Sender, ready Readiness, opts QueueOptions, logger *slog.Logger) *Queue {
	q := &Queue{
		sender:    sender,
		ready:     ready,
		logger:    logger.With("component", "dispatch", "path", "queue"),
		onSuccess: opts.OnSuccess,
		onFailure: opts.OnFailure,
		wake:      make(chan struct{}, 1),
	}
	q.SetPacing(opts.SendInterval, opts.RetryDelay, opts.MaxAttempts)
	return q
}

// SetPacing updates the pause after a success, the base retry delay and
// the attempt limit applied to items enqueued from now on.
func (q *Queue) SetPacing(sendInterval, retryDelay time.Duration, maxAttempts int) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	q.sendInterval.Store(int64(sendInterval))
	q.retryDelay.Store(int64(retryDelay))
	q.maxAttempts.Store(int64(maxAttempts))
}

// Enqueue validates and appends item, returning it with its assigned id.
// Invalid items leave the queue untouched.
func (q *Queue) Enqueue(item Item) (Item, error) {
	if item.Destination == "" {
		metrics.OutboundSends.WithLabelValues("queue", "invalid").Inc()
		return Item{}, types.Missing("destination")
	}
	if item.Content == "" {
		metrics.OutboundSends.WithLabelValues("queue", "invalid").Inc()
		return Item{}, types.Missing("content")
	}
	to, err := types.ParseChatID(item.Destination)
	if err != nil {
		metrics.OutboundSends.WithLabelValues("queue", "invalid").Inc()
		return Item{}, err
	}

	item.ID = uuid.NewString()
	item.Destination = to
	item.EnqueuedAt = time.Now()
	item.Attempts = 0
	if item.MaxAttempts < 1 {
		item.MaxAttempts = int(q.maxAttempts.Load())
	}

	q.mu.Lock()
	stored := item
	q.items = append(q.items, &stored)
	n := len(q.items)
	q.mu.Unlock()

	metrics.QueueLength.Set(float64(n))
	q.logger.Debug("message queued", "id", item.ID, "to", to, "queueLength", n)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return item, nil
}

// Len returns the number of waiting items, including the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot of the queue in order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// Run drains the queue until ctx is cancelled. Only one Run may be active.
// It returns an error only when the session can never become ready again.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrWorkerActive
	}
	defer q.running.Store(false)

	q.logger.Info("queue worker started")
	defer q.logger.Info("queue worker stopped", "unsent", q.Len())

	for {
		head, ok := q.head()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
				continue
			}
		}

		if err := q.ready.WaitReady(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("queue: %w", err)
		}

		id, err := q.sender.Send(ctx, types.OutgoingMessage{To: head.Destination, Text: head.Content})
		if err == nil {
			metrics.OutboundSends.WithLabelValues("queue", "success").Inc()
			q.logger.Info("queued message sent", "id", head.ID, "to", head.Destination, "messageId", id)
			if q.onSuccess != nil {
				q.onSuccess(head, id)
			}
			q.pop()
			if !sleepCtx(ctx, time.Duration(q.sendInterval.Load())) {
				return nil
			}
			continue
		}

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil
		}

		metrics.OutboundSends.WithLabelValues("queue", "failure").Inc()
		attempts := q.recordAttempt()
		if attempts >= head.MaxAttempts {
			metrics.OutboundSends.WithLabelValues("queue", "dropped").Inc()
			head.Attempts = attempts
			q.logger.Error("queued message dropped", "id", head.ID, "to", head.Destination, "attempts", attempts, "error", err)
			q.pop()
			if q.onFailure != nil {
				q.onFailure(head, err)
			}
			continue
		}

		delay := time.Duration(q.retryDelay.Load()) * time.Duration(attempts)
		q.logger.Warn("queued send failed, retrying", "id", head.ID, "attempt", attempts, "of", head.MaxAttempts, "retryIn", delay, "error", err)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

func (q *Queue) head() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return *q.items[0], true
}

func (q *Queue) recordAttempt() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[0].Attempts++
	return q.items[0].Attempts
}

func (q *Queue) pop() {
	q.mu.Lock()
	q.items[0] = nil
	q.items = q.items[1:]
	n := len(q.items)
	q.mu.Unlock()
	metrics.QueueLength.Set(float64(n))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
