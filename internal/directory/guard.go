package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Timeout bounds every call to the wrapped directory. Zero disables it.
	Timeout time.Duration

	// Failures is the number of consecutive failures that opens the breaker.
	// Zero disables the breaker.
	Failures uint32

	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// Guard bounds directory calls with a timeout and a circuit breaker so a
// slow or dead backend fails fast instead of stalling map replies.
type Guard struct {
	next    Directory
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewGuard wraps next.
func NewGuard(next Directory, cfg GuardConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{next: next, timeout: cfg.Timeout}

	if cfg.Failures > 0 {
		failures := cfg.Failures
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "directory",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					slog.String("name", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		})
	}
	return g
}

// LookupAddress implements Directory.
func (g *Guard) LookupAddress(ctx context.Context, address string) (Result, error) {
	return g.call(ctx, func(ctx context.Context) (Result, error) {
		return g.next.LookupAddress(ctx, address)
	})
}

// LookupUser implements Directory.
func (g *Guard) LookupUser(ctx context.Context, userID string) (Result, error) {
	return g.call(ctx, func(ctx context.Context) (Result, error) {
		return g.next.LookupUser(ctx, userID)
	})
}

// CertificateExpiry implements Directory.
func (g *Guard) CertificateExpiry(ctx context.Context, fingerprint string) (Result, error) {
	return g.call(ctx, func(ctx context.Context) (Result, error) {
		return g.next.CertificateExpiry(ctx, fingerprint)
	})
}

// State reports the breaker state, or "disabled".
func (g *Guard) State() string {
	if g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}

func (g *Guard) call(ctx context.Context, fn func(context.Context) (Result, error)) (Result, error) {
	run := func() (Result, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		res, err := fn(callCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return res, err
	}

	if g.breaker == nil {
		return run()
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return run()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Result{}, err
	}
	return out.(Result), nil
}

// Close closes the wrapped directory.
func (g *Guard) Close() error {
	return Close(g.next)
}

var _ Directory = (*Guard)(nil)
