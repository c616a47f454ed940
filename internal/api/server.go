package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/history"
	"github.com/nerrad567/ams-agent/internal/infrastructure/config"
	"github.com/nerrad567/ams-agent/internal/infrastructure/logging"
	"github.com/nerrad567/ams-agent/internal/signals"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ConnectionStatus reports the broker session state.
type ConnectionStatus interface {
	Status() connection.Status
}

// Reachability reports whether the network is usable.
type Reachability interface {
	Reachable() bool
}

// BrightnessControl applies a brightness control payload.
type BrightnessControl interface {
	HandleControl(ctx context.Context, payload []byte) error
}

// HistoryReader reads the connection journal.
type HistoryReader interface {
	Recent(ctx context.Context, f history.Filter) ([]history.Entry, error)
	RecentOutcomes(ctx context.Context, limit int) ([]history.Outcome, error)
}

// HealthChecker is a dependency checked by the health endpoints.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	Connection ConnectionStatus
	Network    Reachability // optional
	Signals    signals.Source
	Control    BrightnessControl   // optional: POST /brightness returns 503 without it
	History    HistoryReader       // optional: /history returns 503 without it
	Gatherer   prometheus.Gatherer // optional: no metrics route without it
	Version    string
	Checks     map[string]HealthChecker // optional: checked by the health endpoints
}

// Server is the agent's local HTTP endpoint.
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	connection ConnectionStatus
	network    Reachability
	signals    signals.Source
	control    BrightnessControl
	history    HistoryReader
	gatherer   prometheus.Gatherer
	version    string
	checks     map[string]HealthChecker

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Connection == nil {
		return nil, fmt.Errorf("connection status is required")
	}
	if deps.Signals == nil {
		return nil, fmt.Errorf("signal source is required")
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		connection: deps.Connection,
		network:    deps.Network,
		signals:    deps.Signals,
		control:    deps.Control,
		history:    deps.History,
		gatherer:   deps.Gatherer,
		version:    deps.Version,
		checks:     deps.Checks,
	}, nil
}

// Start binds the listen address and serves in a background goroutine.
//
// The address is bound before Start returns so a port conflict is reported
// to the caller. The server runs until Close.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("binding API listener on %s: %w", s.cfg.Listen, err)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	s.listener = ln
	s.done = make(chan struct{})

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}(s.server, s.done)

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	<-done
	return nil
}
