package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/wabridge/internal/api"
	"github.com/clawinfra/wabridge/internal/config"
	"github.com/clawinfra/wabridge/internal/dispatch"
	"github.com/clawinfra/wabridge/internal/notify"
	"github.com/clawinfra/wabridge/internal/relay"
	"github.com/clawinfra/wabridge/internal/session"
	"github.com/clawinfra/wabridge/internal/whatsapp"
)

// teardownTimeout bounds the logout round trip on shutdown.
const teardownTimeout = 10 * time.Second

// App is the running bridge: one session plus everything hanging off it.
type App struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger
	level   *slog.LevelVar

	session   *session.Manager
	changes   <-chan session.Change
	relay     *relay.Relay
	direct    *dispatch.Direct
	queue     *dispatch.Queue
	hub       *notify.Hub
	publisher *notify.Publisher
	notifiers []notify.Notifier
	server    *api.Server
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge (default command)",
		Long: "Connects the WhatsApp session, printing a QR code when pairing is needed,\n" +
			"then relays inbound messages and serves the control API until stopped.\n" +
			"Exits with status 2 when the session is lost so a supervisor can restart it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger, level := newLogger(c.stderr, cfg.Server.LogLevel)

	driver := whatsapp.New(whatsapp.Options{
		StorePath:      storePath(cfg),
		DeviceName:     cfg.Session.DeviceName,
		PrintQR:        cfg.Session.PrintQR,
		QROutput:       c.stdout,
		ClientLogLevel: cfg.Session.ClientLogLevel,
	}, logger)

	ctx, stop := signal.NotifyContext(ctx, getShutdownSignals()...)
	defer stop()

	logger.Info("starting wabridge", "version", version, "session", cfg.Session.Name, "orchestrator", cfg.Relay.OrchestratorURL)
	return newApp(cfg, c.configPath, logger, level, driver).Run(ctx)
}

func storePath(cfg *config.Config) string {
	return filepath.Join(cfg.SessionDir(), "session.db")
}

// newApp wires every component around driver. Nothing runs until Run.
func newApp(cfg *config.Config, cfgPath string, logger *slog.Logger, level *slog.LevelVar, driver session.Driver) *App {
	a := &App{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		level:   level,
	}

	a.session = session.NewManager(cfg.Session.Name, driver, logger)
	a.changes = a.session.Subscribe()

	a.hub = notify.NewHub(logger)
	a.notifiers = []notify.Notifier{a.hub, notify.NewRecorder()}
	if cfg.MQTT.Broker != "" {
		a.publisher = notify.NewPublisher(notify.PublisherOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Session:     cfg.Session.Name,
		}, logger)
		a.notifiers = append(a.notifiers, a.publisher)
	}

	a.relay = relay.New(relay.Options{
		URL:                cfg.Relay.OrchestratorURL,
		Timeout:            cfg.Relay.Timeout(),
		BufferSize:         cfg.Relay.BufferSize,
		ForwardOwnMessages: cfg.Relay.ForwardOwnMessages,
	}, logger)
	a.relay.Setup(a.session)

	fetcher := dispatch.NewMediaFetcher(nil, cfg.Dispatch.MediaTimeout(), cfg.Dispatch.MaxMediaBytes)
	limiter := dispatch.NewLimiter(cfg.Dispatch.DirectRatePerSecond, cfg.Dispatch.DirectBurst)
	a.direct = dispatch.NewDirect(a.session, fetcher, limiter, logger)

	a.queue = dispatch.NewQueue(a.session, a.session, dispatch.QueueOptions{
		SendInterval: cfg.Dispatch.SendInterval(),
		RetryDelay:   cfg.Dispatch.RetryDelay(),
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		OnSuccess: func(item dispatch.Item, messageID string) {
			a.notify(notify.QueueOutcome(cfg.Session.Name, item, messageID, nil))
		},
		OnFailure: func(item dispatch.Item, err error) {
			a.notify(notify.QueueOutcome(cfg.Session.Name, item, "", err))
		},
	}, logger)

	a.server = api.NewServer(api.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		JWTSecret:       []byte(cfg.Server.JWTSecret),
		ShutdownTimeout: cfg.Server.ShutdownTimeout(),
		Session:         a.session,
		Direct:          a.direct,
		Queue:           a.queue,
		Events:          a.hub,
	}, logger)

	return a
}

func (a *App) notify(ev notify.Event) {
	for _, n := range a.notifiers {
		n.Notify(ev)
	}
}

// Run starts every service and blocks until ctx is cancelled or the
// session ends. The session is torn down before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.publisher != nil {
		if err := a.publisher.Connect(); err != nil {
			a.logger.Warn("MQTT unavailable, state changes will not be published", "error", err)
		} else {
			g.Go(func() error { return a.publisher.Run(gctx) })
		}
	}

	g.Go(func() error {
		notify.Pump(gctx, a.cfg.Session.Name, a.changes, a.notifiers...)
		return nil
	})

	g.Go(func() error {
		if err := a.server.Start(gctx); err != nil {
			return &exitError{code: exitFailure, err: err}
		}
		return nil
	})

	g.Go(func() error { return a.relay.Run(gctx) })

	g.Go(func() error {
		err := a.queue.Run(gctx)
		if errors.Is(err, session.ErrClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error { return a.lifecycle(gctx) })

	if sigs := getReloadSignals(); len(sigs) > 0 {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, sigs...)
		defer signal.Stop(hup)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					a.logger.Info("reload signal received")
					a.reload()
				}
			}
		})
	}

	if a.cfg.Server.WatchConfig && a.cfgPath != "" {
		w := config.NewWatcher(a.cfgPath, 0, a.logger.With("component", "config"), a.reload)
		g.Go(func() error { return w.Run(gctx) })
	}

	err := g.Wait()
	a.teardown()
	return err
}

// lifecycle initializes the session and turns its end into an exit status.
func (a *App) lifecycle(ctx context.Context) error {
	if err := a.session.Initialize(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &exitError{code: exitFailure, err: fmt.Errorf("initialize session: %w", err)}
	}
	a.logger.Info("session ready, bridge is live", "session", a.session.Name(), "api", a.server.Addr())

	select {
	case <-ctx.Done():
		return nil
	case <-a.session.Done():
	}

	state := a.session.State()
	if !a.cfg.Session.ExitOnDisconnect {
		a.logger.Warn("session ended, API stays up without a session", "state", state.String())
		<-ctx.Done()
		return nil
	}
	err := fmt.Errorf("session ended in state %s", state)
	if cause := a.session.Err(); cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	return &exitError{code: exitDisconnected, err: err}
}

func (a *App) teardown() {
	if a.cfg.Session.LogoutOnShutdown {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := a.session.Logout(ctx); err != nil {
			a.logger.Warn("logout on shutdown failed", "error", err)
		}
		return
	}
	if err := a.session.Close(); err != nil {
		a.logger.Warn("session close failed", "error", err)
	}
}

// reload re-reads the config and pushes hot-reloadable fields into the
// running components.
func (a *App) reload() {
	result, err := a.cfg.Reload(a.cfgPath)
	if err != nil {
		a.logger.Error("config reload failed", "error", err)
		return
	}

	config.RLock()
	level := a.cfg.Server.LogLevel
	rc := a.cfg.Relay
	dc := a.cfg.Dispatch
	config.RUnlock()

	a.level.Set(parseLogLevel(level))
	a.relay.SetTimeout(rc.Timeout())
	a.relay.SetForwardOwnMessages(rc.ForwardOwnMessages)
	a.queue.SetPacing(dc.SendInterval(), dc.RetryDelay(), dc.MaxAttempts)

	result.LogResult(a.logger.With("component", "config"))
}
