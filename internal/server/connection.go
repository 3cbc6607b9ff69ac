package server

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/mxd/internal/logging"
)

// Connection is one map client connection. It satisfies tcpmap.Conn.
//
// Postfix keeps map connections open between lookups, so each request read
// waits at most the idle timeout. Each reply write is bounded by the command
// timeout.
type Connection struct {
	conn           net.Conn
	reader         *bufio.Reader
	writer         io.Writer
	logger         *slog.Logger
	idleTimeout    time.Duration
	commandTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewConnection wraps conn. With LogTransaction every byte in either
// direction is logged at debug level.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithConnection(logger, conn.RemoteAddr().String())

	var r io.Reader = conn
	var w io.Writer = conn
	if cfg.LogTransaction {
		r = logging.NewTransactionReader(conn, logger, "recv")
		w = logging.NewTransactionWriter(conn, logger, "send")
	}

	return &Connection{
		conn:           conn,
		reader:         bufio.NewReader(r),
		writer:         w,
		logger:         logger,
		idleTimeout:    cfg.IdleTimeout,
		commandTimeout: cfg.CommandTimeout,
	}
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// ReadLine reads the next request line including its terminator. A partial
// line is returned together with the error that cut it short.
func (c *Connection) ReadLine() (string, error) {
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return "", err
		}
	}
	return c.reader.ReadString('\n')
}

// WriteLine writes one encoded reply in a single write.
func (c *Connection) WriteLine(line string) error {
	if c.commandTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.commandTimeout)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(c.writer, line)
	return err
}

// Close closes the underlying connection. Later calls return the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
