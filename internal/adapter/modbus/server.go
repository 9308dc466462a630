package modbus

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/rs/zerolog"
	mbserver "github.com/simonvetter/modbus"
)

// ServerConfig holds configuration for the Modbus/TCP listener.
type ServerConfig struct {
	// ListenAddress is the interface to bind (e.g., "0.0.0.0")
	ListenAddress string

	// Port is the TCP port to listen on
	Port int

	// UnitID is the only unit id answered
	UnitID uint8

	// MaxClients bounds the number of concurrent master connections
	MaxClients int

	// IdleTimeout closes connections without traffic
	IdleTimeout time.Duration
}

// Address returns the host:port the listener binds to.
func (c ServerConfig) Address() string {
	host := c.ListenAddress
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// Server is a Modbus/TCP slave serving a RegisterTable.
type Server struct {
	config  ServerConfig
	handler *Handler
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	server  *mbserver.ModbusServer
	started time.Time
}

// NewServer creates a listener that is not yet bound.
func NewServer(config ServerConfig, table RegisterTable, logger zerolog.Logger, metricsReg *metrics.Registry) *Server {
	if config.MaxClients <= 0 {
		config.MaxClients = 5
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	logger = logger.With().Str("component", "modbus-server").Str("address", config.Address()).Logger()
	return &Server{
		config:  config,
		handler: NewHandler(table, config.UnitID, logger, metricsReg),
		logger:  logger,
		metrics: metricsReg,
	}
}

// Start binds the listener. A bind failure is returned wrapped in ErrListenerBind.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}

	server, err := mbserver.NewServer(&mbserver.ServerConfiguration{
		URL:        "tcp://" + s.config.Address(),
		Timeout:    s.config.IdleTimeout,
		MaxClients: uint(s.config.MaxClients),
	}, s.handler)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrListenerBind, err)
	}
	if err := server.Start(); err != nil {
		s.setUp(false)
		return fmt.Errorf("%w: %s: %v", domain.ErrListenerBind, s.config.Address(), err)
	}

	s.server = server
	s.started = time.Now()
	s.setUp(true)
	s.logger.Info().
		Uint8("unit_id", s.config.UnitID).
		Int("max_clients", s.config.MaxClients).
		Msg("Modbus listener started")
	return nil
}

// Stop closes the listener and all master connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Stop()
	s.server = nil
	s.setUp(false)
	if err != nil {
		return fmt.Errorf("stopping modbus listener: %w", err)
	}
	s.logger.Info().Dur("uptime", time.Since(s.started)).Msg("Modbus listener stopped")
	return nil
}

// IsRunning reports whether the listener is bound.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// Config returns the listener configuration.
func (s *Server) Config() ServerConfig {
	return s.config
}

// Stats returns request statistics.
func (s *Server) Stats() map[string]uint64 {
	return s.handler.Stats()
}

func (s *Server) setUp(up bool) {
	if s.metrics != nil {
		s.metrics.SetListenerUp(up)
	}
}
