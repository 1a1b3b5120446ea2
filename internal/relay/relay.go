// Package relay forwards inbound platform messages to the orchestrator,
// at most once and in delivery order.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/clawinfra/wabridge/internal/metrics"
	"github.com/clawinfra/wabridge/internal/session"
	"github.com/clawinfra/wabridge/internal/types"
)

// DefaultTimeout bounds each forward request.
const DefaultTimeout = 10 * time.Second

// Source is the session surface the relay subscribes to.
type Source interface {
	OnMessage(session.MessageHandler)
	session.ContactResolver
}

// ForwardFailure reports a forward that did not reach the orchestrator.
// The message is dropped.
type ForwardFailure struct {
	MessageID  string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *ForwardFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("relay: forward %s: orchestrator returned %d", e.MessageID, e.StatusCode)
	}
	return fmt.Sprintf("relay: forward %s: %v", e.MessageID, e.Err)
}

func (e *ForwardFailure) Unwrap() error { return e.Err }

// Options configures a Relay.
type Options struct {
	URL                string
	Timeout            time.Duration
	BufferSize         int
	ForwardOwnMessages bool
	Client             HTTPClient
}

// Relay normalizes and forwards inbound messages.
type Relay struct {
	url      string
	client   HTTPClient
	logger   *slog.Logger
	pending  chan types.PlatformMessage
	resolver session.ContactResolver

	timeout    atomic.Int64
	forwardOwn atomic.Bool
}

// New creates a relay. Call Setup to subscribe and Run to start forwarding.
func New(opts Options, logger *slog.Logger) *Relay {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	r := &Relay{
		url:     opts.URL,
		client:  opts.Client,
		logger:  logger.With("component", "relay"),
		pending: make(chan types.PlatformMessage, opts.BufferSize),
	}
	r.SetTimeout(opts.Timeout)
	r.forwardOwn.Store(opts.ForwardOwnMessages)
	return r
}

// SetTimeout changes the per-forward timeout; zero restores the default.
func (r *Relay) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	r.timeout.Store(int64(d))
}

// SetForwardOwnMessages toggles forwarding of the bridge account's own
// messages.
func (r *Relay) SetForwardOwnMessages(v bool) {
	r.forwardOwn.Store(v)
}

// Setup subscribes the relay to src's message events.
func (r *Relay) Setup(src Source) {
	r.resolver = src
	src.OnMessage(r.accept)
}

// accept filters an event and queues it for forwarding without blocking
// the platform's event goroutine.
func (r *Relay) accept(msg types.PlatformMessage) {
	if IsNotification(msg) {
		metrics.InboundEvents.WithLabelValues("filtered").Inc()
		r.logger.Debug("notification filtered", "type", msg.Type, "chat", msg.Chat)
		return
	}
	if msg.IsFromMe && !r.forwardOwn.Load() {
		metrics.InboundEvents.WithLabelValues("own").Inc()
		return
	}

	select {
	case r.pending <- msg:
	default:
		metrics.InboundEvents.WithLabelValues("overflow").Inc()
		r.logger.Warn("relay buffer full, message dropped", "messageId", msg.ID, "chat", msg.Chat)
	}
}

// Run forwards queued messages one at a time until ctx is cancelled.
// Messages still buffered at shutdown are lost.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", "url", r.url)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped", "unsent", len(r.pending))
			return nil
		case msg := <-r.pending:
			in := r.Normalize(ctx, msg)
			if err := r.Forward(ctx, in); err != nil {
				metrics.InboundEvents.WithLabelValues("dropped").Inc()
				r.logger.Warn("forward failed, message dropped", "messageId", in.MessageID, "error", err)
				continue
			}
			metrics.InboundEvents.WithLabelValues("forwarded").Inc()
		}
	}
}

// Normalize builds the canonical payload for msg. Contact lookups that
// fail fall back to the push name.
func (r *Relay) Normalize(ctx context.Context, msg types.PlatformMessage) types.InboundMessage {
	in := types.InboundMessage{
		MessageID: msg.ID,
		Body:      msg.Body,
		Type:      msg.Type,
		IsGroup:   msg.IsGroup,
		Media:     msg.Media,
	}
	if !msg.Timestamp.IsZero() {
		in.Timestamp = msg.Timestamp.Unix()
	}

	if msg.IsFromMe {
		in.From, in.To = msg.Self, msg.Chat
	} else {
		in.From, in.To = msg.Chat, msg.Self
	}
	if msg.IsGroup {
		in.Author = msg.Sender
	}

	// Binary content is described, never inlined.
	if msg.HasBinary && in.Media == nil {
		in.Media = &types.MediaInfo{Mimetype: "application/octet-stream"}
	}

	author := msg.Sender
	if author == "" {
		author = msg.Chat
	}
	in.Sender = types.Sender{
		ID:      author,
		Name:    msg.PushName,
		IsMe:    msg.IsFromMe,
		IsUser:  types.IsUserID(author),
		IsGroup: types.IsGroupID(author),
	}

	if r.resolver != nil {
		c, err := r.resolver.Contact(ctx, author)
		if err != nil {
			r.logger.Debug("contact lookup failed", "id", author, "error", err)
		} else if c.Name != "" {
			in.Sender.Name = c.Name
			in.Sender.ShortName = c.ShortName
		}
	}
	if in.Sender.ShortName == "" {
		in.Sender.ShortName = in.Sender.Name
	}
	return in
}

// Forward posts one payload to the orchestrator. Any failure is returned
// as a *ForwardFailure; there is no retry.
func (r *Relay) Forward(ctx context.Context, in types.InboundMessage) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &ForwardFailure{MessageID: in.MessageID, Err: fmt.Errorf("marshal: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.timeout.Load()))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return &ForwardFailure{MessageID: in.MessageID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	metrics.ForwardDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return &ForwardFailure{MessageID: in.MessageID, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ForwardFailure{MessageID: in.MessageID, StatusCode: resp.StatusCode}
	}

	r.logger.Debug("message forwarded", "messageId", in.MessageID, "from", in.From, "type", in.Type)
	return nil
}
