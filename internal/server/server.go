package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/infodancer/mxd/internal/config"
	"github.com/infodancer/mxd/internal/metrics"
	"github.com/infodancer/mxd/internal/tcpmap"
)

// HandlerFactory builds the connection handler for one configured map.
type HandlerFactory func(m config.MapConfig) (ConnectionHandler, error)

// Server coordinates the map listeners, one per configured map.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	collector metrics.Collector
	factory   HandlerFactory

	listeners []*Listener
	mu        sync.Mutex
}

// New creates a new Server with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, collector metrics.Collector) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
	}
}

// SetHandlerFactory sets how each map's connections are served.
// Must be called before Run.
func (s *Server) SetHandlerFactory(f HandlerFactory) {
	s.factory = f
}

// ResponderHandler serves every connection with r.
func ResponderHandler(r *tcpmap.Responder) ConnectionHandler {
	return func(ctx context.Context, conn *Connection) {
		r.Serve(ctx, conn)
	}
}

// Run starts all configured listeners and blocks until the context is cancelled.
// All listeners run in their own goroutines.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()

	if s.factory == nil {
		s.mu.Unlock()
		return errors.New("server: no handler factory configured")
	}

	for _, m := range s.cfg.Maps {
		handler, err := s.factory(m)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("map %s: %w", m.Label(), err)
		}

		listener := NewListener(ListenerConfig{
			Address:        m.Address,
			Name:           m.Label(),
			Variant:        m.Variant,
			IdleTimeout:    s.cfg.Timeouts.ConnectionTimeout(),
			CommandTimeout: s.cfg.Timeouts.CommandTimeout(),
			LogTransaction: s.cfg.LogLevel == "debug",
			Logger:         s.logger,
			Collector:      s.collector,
			Handler:        handler,
		})
		s.listeners = append(s.listeners, listener)
	}
	listeners := append([]*Listener(nil), s.listeners...)

	s.mu.Unlock()

	s.logger.Info("starting map server",
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(listeners)),
	)

	var wg sync.WaitGroup
	errChan := make(chan error, len(listeners))

	for _, l := range listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	<-ctx.Done()

	s.logger.Info("map server shutting down")

	wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("map server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Listeners returns the listeners created by Run.
func (s *Server) Listeners() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Listener(nil), s.listeners...)
}

// Shutdown stops accepting new connections on every listener.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

var _ tcpmap.Conn = (*Connection)(nil)
