// Package whatsapp implements the session driver on top of whatsmeow,
// with credentials kept in a per-session sqlite store.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	watypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/clawinfra/wabridge/internal/session"
	"github.com/clawinfra/wabridge/internal/types"
)

// Options configures a Driver.
type Options struct {
	// StorePath is the sqlite file holding the device credentials.
	StorePath      string
	DeviceName     string
	PrintQR        bool
	QROutput       io.Writer
	ClientLogLevel string
}

// Driver is a session.Driver backed by a whatsmeow client.
type Driver struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	client    *whatsmeow.Client
	container *sqlstore.Container
	sink      session.Sink
}

var _ session.Driver = (*Driver)(nil)

// New creates a driver; nothing is opened until Start.
func New(opts Options, logger *slog.Logger) *Driver {
	if opts.QROutput == nil {
		opts.QROutput = os.Stdout
	}
	if opts.DeviceName == "" {
		opts.DeviceName = "wabridge"
	}
	return &Driver{
		opts:   opts,
		logger: logger.With("component", "whatsapp"),
	}
}

// StoreDSN returns the sqlite DSN for a credential store path.
func StoreDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Start opens the credential store and connects. Pairing and connection
// outcomes are reported through sink.
func (d *Driver) Start(ctx context.Context, sink session.Sink) error {
	if err := os.MkdirAll(filepath.Dir(d.opts.StorePath), 0700); err != nil {
		return &session.ConnectionError{Reason: "create session dir", Err: err}
	}

	container, err := sqlstore.New(ctx, "sqlite", StoreDSN(d.opts.StorePath),
		NewLogger(d.logger, "store", d.opts.ClientLogLevel))
	if err != nil {
		return &session.ConnectionError{Reason: "open credential store", Err: err}
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return &session.ConnectionError{Reason: "load device", Err: err}
	}

	store.DeviceProps.Os = proto.String(d.opts.DeviceName)

	client := whatsmeow.NewClient(device, NewLogger(d.logger, "client", d.opts.ClientLogLevel))
	// Reconnection is left to the process supervisor.
	client.EnableAutoReconnect = false
	client.AddEventHandler(d.handleEvent)

	d.mu.Lock()
	d.client = client
	d.container = container
	d.sink = sink
	d.mu.Unlock()

	if client.Store.ID == nil {
		qrCh, err := client.GetQRChannel(ctx)
		if err != nil {
			return &session.ConnectionError{Reason: "open pairing channel", Err: err}
		}
		go d.watchQR(qrCh)
	} else {
		d.logger.Info("using stored credentials", "jid", client.Store.ID.String())
	}

	if err := client.Connect(); err != nil {
		return &session.ConnectionError{Reason: "connect", Err: err}
	}
	return nil
}

// HasCredentials reports whether the store already holds a paired device.
// It does not connect.
func (d *Driver) HasCredentials(ctx context.Context) (bool, error) {
	if _, err := os.Stat(d.opts.StorePath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	container, err := sqlstore.New(ctx, "sqlite", StoreDSN(d.opts.StorePath),
		NewLogger(d.logger, "store", d.opts.ClientLogLevel))
	if err != nil {
		return false, fmt.Errorf("open credential store: %w", err)
	}
	defer container.Close()

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return false, fmt.Errorf("load device: %w", err)
	}
	return device.ID != nil, nil
}

func (d *Driver) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			d.logger.Info("pairing code received, scan it with the phone app")
			if d.opts.PrintQR {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, d.opts.QROutput)
			}
			d.emit(session.Signal{Kind: session.SignalQR, QRCode: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// PairSuccess carries the transition.
		case whatsmeow.QRChannelTimeout.Event:
			d.emit(session.Signal{Kind: session.SignalAuthFailure, Reason: "pairing timed out"})
		case whatsmeow.QRChannelClientOutdated.Event:
			d.emit(session.Signal{Kind: session.SignalAuthFailure, Reason: "client outdated"})
		default:
			d.emit(session.Signal{Kind: session.SignalAuthFailure, Reason: "pairing: " + item.Event, Err: item.Error})
		}
	}
}

func (d *Driver) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		d.emit(session.Signal{Kind: session.SignalAuthenticated, Reason: "paired as " + e.ID.String()})
	case *events.Connected:
		d.emit(session.Signal{Kind: session.SignalReady})
	case *events.Disconnected:
		d.emit(session.Signal{Kind: session.SignalDisconnected, Reason: "connection lost"})
	case *events.StreamReplaced:
		d.emit(session.Signal{Kind: session.SignalDisconnected, Reason: "stream replaced by another client"})
	case *events.LoggedOut:
		d.emit(session.Signal{Kind: session.SignalAuthFailure, Reason: "logged out: " + e.Reason.String()})
	case *events.ClientOutdated:
		d.emit(session.Signal{Kind: session.SignalAuthFailure, Reason: "client outdated"})
	case *events.ConnectFailure:
		d.emit(session.Signal{Kind: session.SignalConnFailure, Reason: fmt.Sprintf("connect failure %d: %s", e.Reason, e.Message)})
	case *events.TemporaryBan:
		d.emit(session.Signal{Kind: session.SignalConnFailure, Reason: e.String()})
	case *events.Message:
		d.deliver(fromMessageEvent(e, d.selfJID()))
	case *events.CallOffer:
		d.deliver(fromCallOffer(e, d.selfJID()))
	}
}

func (d *Driver) emit(sig session.Signal) {
	d.mu.RLock()
	fn := d.sink.Signal
	d.mu.RUnlock()
	if fn != nil {
		fn(sig)
	}
}

func (d *Driver) deliver(msg types.PlatformMessage) {
	d.mu.RLock()
	fn := d.sink.Message
	d.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (d *Driver) current() *whatsmeow.Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client
}

func (d *Driver) selfJID() watypes.JID {
	c := d.current()
	if c == nil || c.Store.ID == nil {
		return watypes.EmptyJID
	}
	return *c.Store.ID
}

// Send delivers text or an uploaded attachment and returns the message id.
func (d *Driver) Send(ctx context.Context, msg types.OutgoingMessage) (string, error) {
	client := d.current()
	if client == nil {
		return "", session.ErrNotInitialized
	}

	to, err := toJID(msg.To)
	if err != nil {
		return "", err
	}

	if msg.Attachment == nil {
		resp, err := client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(msg.Text)})
		if err != nil {
			return "", fmt.Errorf("send text: %w", err)
		}
		return resp.ID, nil
	}

	att := msg.Attachment
	kind := mediaKind(att.Mimetype)
	up, err := client.Upload(ctx, att.Data, kind)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}

	resp, err := client.SendMessage(ctx, to, mediaMessage(kind, att, up))
	if err != nil {
		return "", fmt.Errorf("send media: %w", err)
	}

	// Audio messages cannot carry a caption.
	if kind == whatsmeow.MediaAudio && att.Caption != "" {
		if _, err := client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(att.Caption)}); err != nil {
			d.logger.Warn("audio caption not delivered", "to", msg.To, "error", err)
		}
	}
	return resp.ID, nil
}

func mediaMessage(kind whatsmeow.MediaType, att *types.Attachment, up whatsmeow.UploadResponse) *waE2E.Message {
	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(att.Caption),
			Mimetype:      proto.String(att.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(att.Caption),
			Mimetype:      proto.String(att.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(att.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(strings.HasPrefix(att.Mimetype, "audio/ogg")),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(att.Filename),
			FileName:      proto.String(att.Filename),
			Caption:       proto.String(att.Caption),
			Mimetype:      proto.String(att.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}

// Contact resolves display metadata from the device contact store. An
// unknown contact is not an error.
func (d *Driver) Contact(ctx context.Context, id string) (types.Contact, error) {
	c := types.Contact{ID: id}
	client := d.current()
	if client == nil {
		return c, nil
	}

	jid, err := toJID(id)
	if err != nil {
		return c, err
	}
	if jid.Server == watypes.GroupServer {
		info, err := client.GetGroupInfo(ctx, jid)
		if err != nil {
			return c, fmt.Errorf("group info: %w", err)
		}
		c.Name, c.ShortName, c.Found = info.Name, info.Name, true
		return c, nil
	}

	info, err := client.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return c, fmt.Errorf("contact lookup: %w", err)
	}
	c.Found = info.Found
	c.PushName = info.PushName
	c.Name = firstNonEmpty(info.FullName, info.BusinessName, info.PushName)
	c.ShortName = firstNonEmpty(info.FirstName, c.Name)
	return c, nil
}

// Logout unlinks the device from the account and disconnects.
func (d *Driver) Logout(ctx context.Context) error {
	client := d.current()
	if client == nil {
		return nil
	}

	var err error
	if client.Store.ID != nil && client.IsConnected() {
		err = client.Logout(ctx)
	}
	return errors.Join(err, d.Close())
}

// Close disconnects and releases the credential store.
func (d *Driver) Close() error {
	d.mu.Lock()
	client, container := d.client, d.container
	d.client, d.container = nil, nil
	d.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	if container != nil {
		return container.Close()
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
