package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/mxd/internal/config"
	"github.com/infodancer/mxd/internal/logging"
	"github.com/infodancer/mxd/internal/metrics"
)

// ConnectionHandler is called for each new connection.
// It receives the context and connection, and should serve map requests
// until the client goes away.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// Listener manages a single TCP listener for one lookup map.
type Listener struct {
	address   string
	name      string
	variant   config.MapVariant
	connCfg   ConnectionConfig
	handler   ConnectionHandler
	collector metrics.Collector
	logger    *slog.Logger

	listener net.Listener
	ready    chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// ListenerConfig holds configuration for creating a new Listener.
type ListenerConfig struct {
	Address        string
	Name           string
	Variant        config.MapVariant
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Collector      metrics.Collector
	Handler        ConnectionHandler
}

// NewListener creates a new Listener with the given configuration.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	name := cfg.Name
	if name == "" {
		name = string(cfg.Variant)
	}

	mapLogger := logging.WithMap(logger, cfg.Address, string(cfg.Variant))

	return &Listener{
		address: cfg.Address,
		name:    name,
		variant: cfg.Variant,
		connCfg: ConnectionConfig{
			IdleTimeout:    cfg.IdleTimeout,
			CommandTimeout: cfg.CommandTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         mapLogger,
		},
		handler:   cfg.Handler,
		collector: collector,
		logger:    mapLogger,
		ready:     make(chan struct{}),
	}
}

// Start begins listening for connections.
// It blocks until the context is cancelled or an unrecoverable error occurs.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	close(l.ready)

	l.logger.Info("listener started",
		slog.String("address", ln.Addr().String()),
		slog.String("map", l.name),
	)

	go l.acceptLoop(ctx)

	<-ctx.Done()

	l.logger.Info("listener shutting down")

	if err := l.Close(); err != nil {
		l.logger.Debug("error closing listener",
			slog.String("error", err.Error()),
		)
	}

	// Wait for in-flight requests to be answered
	l.wg.Wait()

	l.logger.Info("listener stopped")
	return ctx.Err()
}

// acceptLoop accepts connections until the listener is closed.
func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()

			if closed {
				return
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				l.logger.Warn("temporary accept error",
					slog.String("error", err.Error()),
				)
				time.Sleep(5 * time.Millisecond)
				continue
			}

			l.logger.Error("accept error",
				slog.String("error", err.Error()),
			)
			return
		}

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection wraps a connection and calls the handler.
func (l *Listener) handleConnection(ctx context.Context, netConn net.Conn) {
	defer l.wg.Done()

	conn := NewConnection(netConn, l.connCfg)
	l.collector.ConnectionOpened(l.name)
	defer l.collector.ConnectionClosed(l.name)

	conn.Logger().Debug("connection accepted")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connCtx = logging.NewContext(connCtx, conn.Logger())

	// Closing on cancellation unblocks a handler waiting on a read.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	if l.handler != nil {
		l.handler(connCtx, conn)
	}

	_ = conn.Close()
	conn.Logger().Debug("connection closed")
}

// Close stops the listener from accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Address returns the configured listen address.
func (l *Listener) Address() string {
	return l.address
}

// Addr blocks until the listener is bound and returns the bound address.
// It returns nil if ctx ends first.
func (l *Listener) Addr(ctx context.Context) net.Addr {
	select {
	case <-l.ready:
	case <-ctx.Done():
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener.Addr()
}

// Name returns the map label used in logs and metrics.
func (l *Listener) Name() string {
	return l.name
}

// Variant returns the map variant served by this listener.
func (l *Listener) Variant() config.MapVariant {
	return l.variant
}
