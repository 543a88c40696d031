package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/ble-mqtt-bridge/internal/bridges/ble"
	"github.com/nerrad567/ble-mqtt-bridge/internal/history"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// BridgeView is the part of the bridge the API reads.
type BridgeView interface {
	Health() ble.HealthMessage
	Devices() []ble.DeviceStatus
	Device(id string) (ble.DeviceStatus, error)
}

// HistoryReader serves recorded values.
type HistoryReader interface {
	GetHistory(ctx context.Context, deviceID, characteristic string, limit int) ([]history.Entry, error)
	LastValues(ctx context.Context, deviceID string) (map[string]history.Entry, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Bridge  BridgeView
	History HistoryReader // optional
	Version string
}

// Server is the status HTTP server.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	bridge  BridgeView
	history HistoryReader
	version string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New validates deps. The server does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger.With("component", "api"),
		bridge:  deps.Bridge,
		history: deps.History,
		version: deps.Version,
	}, nil
}

// Start binds the listener and serves in the background. Binding happens
// before Start returns, so a port already in use is reported here.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("binding API listener: %w", err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       s.cfg.IdleTimeout(),
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
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

// Close shuts the server down, waiting for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
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
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
