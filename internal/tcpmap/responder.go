package tcpmap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/infodancer/mxd/internal/logging"
	"github.com/infodancer/mxd/internal/metrics"
)

// Resolver answers a single lookup. Expected outcomes such as an unknown key
// are returned as replies. An error means the answer could not be determined
// and is reported to the client as a temporary failure.
type Resolver interface {
	Resolve(ctx context.Context, key string) (Reply, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, key string) (Reply, error)

// Resolve calls f(ctx, key).
func (f ResolverFunc) Resolve(ctx context.Context, key string) (Reply, error) {
	return f(ctx, key)
}

// Conn is the connection surface the responder needs. It is satisfied by
// *server.Connection. ReadLine returns a line including its terminator and
// WriteLine sends an encoded reply.
type Conn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Logger() *slog.Logger
}

// Responder serves the request/response loop for one map.
// A single Responder may serve many connections concurrently.
type Responder struct {
	name      string
	resolver  Resolver
	collector metrics.Collector
}

// NewResponder creates a Responder. name labels the map in metrics.
func NewResponder(name string, resolver Resolver, collector metrics.Collector) *Responder {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Responder{
		name:      name,
		resolver:  resolver,
		collector: collector,
	}
}

// Serve reads request lines from conn and writes one reply per line until
// the client disconnects, a read fails, or ctx is cancelled.
func (r *Responder) Serve(ctx context.Context, conn Conn) {
	logger := conn.Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := conn.ReadLine()
		if err != nil {
			switch {
			case line != "" && errors.Is(err, io.EOF):
				logger.Debug("discarding unterminated request", slog.String("line", line))
			case errors.Is(err, os.ErrDeadlineExceeded):
				logger.Info("closing idle connection")
			case !isClosedError(err):
				logger.Debug("read failed", slog.String("error", err.Error()))
			}
			return
		}

		reply := r.Handle(ctx, line)
		r.collector.LookupCompleted(r.name, reply.Code)

		if err := conn.WriteLine(reply.Encode()); err != nil {
			logger.Debug("write failed", slog.String("error", err.Error()))
			return
		}
	}
}

// Handle answers one request line. It never returns an error: malformed
// requests and resolver failures are mapped onto replies.
func (r *Responder) Handle(ctx context.Context, line string) Reply {
	logger := logging.FromContext(ctx)

	req, err := ParseRequest(line)
	switch {
	case errors.Is(err, ErrMissingKey):
		return PermanentFailure("missing key")
	case errors.Is(err, ErrPutNotImplemented):
		return PermanentFailure("put is not implemented")
	case errors.Is(err, ErrUnknownCommand):
		logger.Debug("unknown command", slog.String("verb", req.Verb))
		return PermanentFailure("unknown command")
	case err != nil:
		return PermanentFailure("malformed key")
	}

	reply, err := r.resolver.Resolve(ctx, req.Key)
	if err != nil {
		logger.Warn("lookup failed",
			slog.String("key", req.Key),
			slog.String("error", err.Error()),
		)
		return TemporaryFailure("temporary lookup failure")
	}

	logger.Info("lookup",
		slog.String("key", req.Key),
		slog.Int("code", reply.Code),
	)
	return reply
}

func isClosedError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
