package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/clawinfra/wabridge/internal/metrics"
	"github.com/clawinfra/wabridge/internal/session"
	"github.com/clawinfra/wabridge/internal/types"
)

// Fetcher resolves a media URL into an attachment.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*types.Attachment, error)
}

// Direct sends one request synchronously through the session.
type Direct struct {
	sender  session.Sender
	fetcher Fetcher
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDirect creates a direct sender. limiter may be nil.
func NewDirect(sender session.Sender, fetcher Fetcher, limiter *rate.Limiter, logger *slog.Logger) *Direct {
	return &Direct{
		sender:  sender,
		fetcher: fetcher,
		limiter: limiter,
		logger:  logger.With("component", "dispatch", "path", "direct"),
	}
}

// NewLimiter returns a token bucket for perSecond sends, or nil when
// perSecond is zero.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Send validates req, attaches fetched media when mediaUrl is set and
// sends it. It returns the platform message id.
func (d *Direct) Send(ctx context.Context, req types.SendRequest) (string, error) {
	if req.ChatID == "" {
		metrics.OutboundSends.WithLabelValues("direct", "invalid").Inc()
		return "", types.Missing("chatId")
	}
	if req.Message == "" {
		metrics.OutboundSends.WithLabelValues("direct", "invalid").Inc()
		return "", types.Missing("message")
	}
	to, err := types.ParseChatID(req.ChatID)
	if err != nil {
		metrics.OutboundSends.WithLabelValues("direct", "invalid").Inc()
		return "", err
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	out := types.OutgoingMessage{To: to, Text: req.Message}
	if req.MediaURL != "" {
		att, err := d.fetcher.Fetch(ctx, req.MediaURL)
		if err != nil {
			metrics.OutboundSends.WithLabelValues("direct", "failure").Inc()
			var ve *types.ValidationError
			if errors.As(err, &ve) {
				return "", err
			}
			return "", &SendFailure{ChatID: to, Stage: "fetch media", Err: err}
		}
		if mt := req.EffectiveMimetype(); mt != "" {
			att.Mimetype = mt
		}
		att.Caption = req.Message
		out.Text = ""
		out.Attachment = att
	}

	id, err := d.sender.Send(ctx, out)
	if err != nil {
		metrics.OutboundSends.WithLabelValues("direct", "failure").Inc()
		if errors.Is(err, session.ErrNotInitialized) {
			return "", err
		}
		return "", &SendFailure{ChatID: to, Stage: "send", Err: err}
	}

	metrics.OutboundSends.WithLabelValues("direct", "success").Inc()
	d.logger.Info("message sent", "to", to, "messageId", id, "media", out.Attachment != nil)
	return id, nil
}
