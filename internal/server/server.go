package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/firesim/internal/core/events/bus"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/simulation"
	"github.com/zeusync/firesim/internal/core/storage"
)

// Server exposes a simulation over HTTP and streams its events to websocket
// clients.
type Server struct {
	sim    *simulation.Simulation
	store  storage.Store
	config Config
	logger log.Log

	hub      *hub
	handler  http.Handler
	http     *http.Server
	listener net.Listener
	subs     []bus.Subscription

	// Server state
	running int32 // atomic bool
	closed  int32 // atomic bool

	serveDone chan struct{}
	mu        sync.Mutex
}

// Config holds server configuration
type Config struct {
	ListenAddr string
	MaxClients int
	// ClientBuffer is the number of queued messages after which a slow
	// websocket client is dropped.
	ClientBuffer    int
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Token enables authentication when non-empty.
	Token string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8080",
		MaxClients:      64,
		ClientBuffer:    256,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxClients < 1:
		return fmt.Errorf("%w: max clients %d", ErrInvalidConfig, c.MaxClients)
	case c.ClientBuffer < 1:
		return fmt.Errorf("%w: client buffer %d", ErrInvalidConfig, c.ClientBuffer)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: write timeout %v", ErrInvalidConfig, c.WriteTimeout)
	}
	return nil
}

// Stats contains server statistics
type Stats struct {
	ClientCount int64 `json:"client_count"`
	Broadcasts  int64 `json:"broadcasts"`
	Dropped     int64 `json:"dropped"`
	Running     bool  `json:"running"`
}

// NewServer creates a server for sim. store may be nil, in which case
// snapshot requests fail with ErrNoStore.
func NewServer(config Config, sim *simulation.Simulation, store storage.Store, logger log.Log) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sim == nil {
		return nil, fmt.Errorf("%w: nil simulation", ErrInvalidConfig)
	}
	if logger == nil {
		logger = log.Nop()
	}

	s := &Server{
		sim:    sim,
		store:  store,
		config: config,
		logger: logger.With(log.String("component", "server")),
	}
	s.hub = newHub(config.MaxClients, config.ClientBuffer, s.logger)
	s.handler = s.routes()

	s.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.Int("max_clients", config.MaxClients),
		log.Bool("auth", config.Token != ""))

	return s, nil
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start subscribes to the simulation's events and starts serving.
func (s *Server) Start(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}

	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.logger.Error("Failed to create listener", log.Error(err))
		return fmt.Errorf("%w: %w", ErrListenerFailed, err)
	}

	sub, err := s.sim.Bus().Subscribe(bus.Wildcard, s.forward)
	if err != nil {
		_ = listener.Close()
		atomic.StoreInt32(&s.running, 0)
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.subs = []bus.Subscription{sub}
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveDone = make(chan struct{})
	srv, done := s.http, s.serveDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", log.Error(err))
		}
	}()

	s.logger.Info("Server listening", log.String("addr", listener.Addr().String()))
	return nil
}

// Addr is the bound address while running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping server")

	s.mu.Lock()
	subs, srv, done := s.subs, s.http, s.serveDone
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Cancel()
	}

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	// websocket connections are hijacked, Shutdown does not wait for them
	s.hub.closeAll()
	err := srv.Shutdown(ctx)
	<-done

	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()

	s.logger.Info("Server stopped")
	return err
}

// Close closes the server and releases all resources
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil // Already closed
	}

	s.logger.Info("Closing server")

	if atomic.LoadInt32(&s.running) == 1 {
		_ = s.Stop(context.Background())
	}

	s.logger.Info("Server closed")

	return nil
}

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	st := s.hub.stats()
	st.Running = atomic.LoadInt32(&s.running) == 1
	return st
}

// forward relays every bus event to the websocket clients. It runs on the
// publishing goroutine and never blocks.
func (s *Server) forward(e bus.Event) error {
	s.hub.broadcast(Message{
		Type:   e.Type(),
		Source: e.Source(),
		At:     e.Timestamp(),
		Data:   e.Data(),
	})
	return nil
}
