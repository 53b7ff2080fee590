// Package api provides the HTTP and WebSocket server for SevakBot.
//
// It exposes endpoints to start, inspect and log out tenant sessions, send
// manual messages, request event broadcasts, and follow a tenant's connection
// status and login QR codes as a live stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/SevakBot/internal/broadcast"
	"github.com/BTreeMap/SevakBot/internal/models"
	"github.com/BTreeMap/SevakBot/internal/status"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = 1 << 20
)

// Sessions is the tenant connection registry as seen by the API.
type Sessions interface {
	Connect(tenantID string) error
	Logout(ctx context.Context, tenantID string) error
	Send(ctx context.Context, tenantID, to, body string) error
	Status(tenantID string) (models.SessionInfo, error)
	List() []models.SessionInfo
}

// Broadcasts runs and tracks broadcast jobs.
type Broadcasts interface {
	Request(ctx context.Context, tenantID, eventID string) (broadcast.Job, error)
	Get(jobID string) (broadcast.Job, error)
	List(tenantID string) []broadcast.Job
}

// StatusFeed hands out status channel subscriptions.
type StatusFeed interface {
	Subscribe(tenantID string) *status.Subscription
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	// AllowedOrigins limits which browser origins may open the status stream.
	// Empty means same-origin only.
	AllowedOrigins []string
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithShutdownTimeout sets how long Run waits for in-flight requests on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

// WithAllowedOrigins permits cross-origin status stream connections from the given origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) {
		o.AllowedOrigins = append(o.AllowedOrigins, origins...)
	}
}

// Server serves the SevakBot API.
type Server struct {
	opts       Opts
	sessions   Sessions
	broadcasts Broadcasts
	feed       StatusFeed
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(sessions Sessions, broadcasts Broadcasts, feed StatusFeed, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		opts:       cfg,
		sessions:   sessions,
		broadcasts: broadcasts,
		feed:       feed,
		mux:        http.NewServeMux(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.HandleFunc("GET /tenants", s.listTenantsHandler)
	s.mux.HandleFunc("GET /tenants/{tenantID}", s.tenantStatusHandler)
	s.mux.HandleFunc("POST /tenants/{tenantID}/connect", s.connectHandler)
	s.mux.HandleFunc("POST /tenants/{tenantID}/logout", s.logoutHandler)
	s.mux.HandleFunc("POST /tenants/{tenantID}/send", s.sendHandler)
	s.mux.HandleFunc("POST /tenants/{tenantID}/broadcasts", s.broadcastHandler)
	s.mux.HandleFunc("GET /tenants/{tenantID}/broadcasts", s.listBroadcastsHandler)
	s.mux.HandleFunc("GET /broadcasts/{jobID}", s.broadcastStatusHandler)
	s.mux.HandleFunc("GET /tenants/{tenantID}/status/stream", s.statusStreamHandler)
	s.mux.HandleFunc("GET /status/stream", s.statusStreamHandler)
}

// Handler returns the root handler, for use with httptest or a custom http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully. Status
// streams see the cancellation through their request context and close.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down API server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return sameOrigin(origin, r.Host)
}

func sameOrigin(origin, host string) bool {
	for _, scheme := range []string{"http://", "https://"} {
		if origin == scheme+host {
			return true
		}
	}
	return false
}
