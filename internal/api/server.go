// Package api serves the bridge's HTTP control surface.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/clawinfra/wabridge/internal/dispatch"
	"github.com/clawinfra/wabridge/internal/metrics"
	"github.com/clawinfra/wabridge/internal/security"
	"github.com/clawinfra/wabridge/internal/session"
	"github.com/clawinfra/wabridge/internal/types"
)

// Session is the view of the platform session the API needs.
type Session interface {
	Name() string
	State() session.State
	IsReady() bool
	ReadySince() time.Time
	QRCode() string
	Logout(ctx context.Context) error
}

// DirectSender runs the synchronous send path.
type DirectSender interface {
	Send(ctx context.Context, req types.SendRequest) (string, error)
}

// Queue is the paced send path.
type Queue interface {
	Enqueue(item dispatch.Item) (dispatch.Item, error)
	Len() int
}

// Options wires the server to the rest of the bridge.
type Options struct {
	Host            string
	Port            int
	JWTSecret       []byte
	ShutdownTimeout time.Duration

	Session Session
	Direct  DirectSender
	Queue   Queue
	// Events serves the operator event stream; nil disables /events.
	Events http.Handler
}

// Server is the HTTP API server
type Server struct {
	opts       Options
	logger     *slog.Logger
	startedAt  time.Time
	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(opts Options, logger *slog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		opts:      opts,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr is the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)
	r.Use(metrics.Middleware)
	r.Use(security.AuthMiddleware(s.opts.JWTSecret, s.logger, "/health", "/metrics"))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/status", s.handleStatus)
	r.Get("/qr", s.handleQR)
	if s.opts.Events != nil {
		r.Method(http.MethodGet, "/events", s.opts.Events)
	}

	r.Group(func(r chi.Router) {
		r.Use(security.RequireRole(security.RoleOperator, security.RoleOrchestrator))
		r.Post("/send-message", s.handleSendMessage)
		r.Post("/queue-message", s.handleQueueMessage)
	})
	r.With(security.RequireRole(security.RoleOperator)).Post("/logout", s.handleLogout)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Start starts the HTTP server and shuts it down when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: sends block until the platform answers and
		// /events is long-lived.
	}

	s.logger.Info("API server starting", "addr", s.httpServer.Addr, "auth", len(s.opts.JWTSecret) > 0)

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}
