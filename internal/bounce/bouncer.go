package bounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/infodancer/mxd/internal/config"
	"github.com/infodancer/mxd/internal/metrics"
)

// Transport sends a composed message to one recipient.
type Transport interface {
	Send(ctx context.Context, to string, msg []byte) error
}

// Bouncer builds bounces and sends them.
type Bouncer struct {
	builder   *Builder
	transport Transport
	collector metrics.Collector
	logger    *slog.Logger
}

// New creates a Bouncer.
func New(builder *Builder, transport Transport, collector metrics.Collector, logger *slog.Logger) *Bouncer {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bouncer{builder: builder, transport: transport, collector: collector, logger: logger}
}

// Open builds the Bouncer described by cfg: the configured transport,
// optionally DKIM signed, behind the bounce rate limit.
func Open(cfg *config.Config, collector metrics.Collector, logger *slog.Logger) (*Bouncer, error) {
	var transport Transport
	switch cfg.Bounce.Transport {
	case "sendmail":
		transport = NewSendmail(cfg.Bounce.Sendmail)
	case "smtp":
		transport = NewSMTP(cfg.Bounce.SMTPAddress, cfg.Hostname, cfg.Bounce.SMTPUsername, cfg.Bounce.SMTPPassword)
	default:
		return nil, fmt.Errorf("unknown bounce transport: %s", cfg.Bounce.Transport)
	}

	if cfg.Bounce.DKIMKeyFile != "" {
		key, err := LoadSigningKey(cfg.Bounce.DKIMKeyFile)
		if err != nil {
			return nil, err
		}
		transport = NewDKIM(transport, cfg.Bounce.DKIMDomain, cfg.Bounce.DKIMSelector, key)
	}

	if cfg.Bounce.Rate > 0 {
		transport = NewLimited(transport, cfg.Bounce.Rate, cfg.Bounce.Burst)
	}

	builder := NewBuilder(cfg.Bounce.From, cfg.Bounce.Subject, cfg.Hostname)
	return New(builder, transport, collector, logger), nil
}

// Bounce returns original to its sender with reason. It returns an error
// wrapping ErrInvalidReturnPath when no bounce may be sent; callers treat
// that as a completed bounce.
func (b *Bouncer) Bounce(ctx context.Context, original []byte, reason string) error {
	msg, err := b.builder.Build(original, reason)
	if errors.Is(err, ErrInvalidReturnPath) {
		b.collector.BounceSent(metrics.BounceSuppressed)
		b.logger.Info("not bouncing to invalid return path", slog.String("error", err.Error()))
		return err
	}
	if err != nil {
		b.collector.BounceSent(metrics.BounceFailure)
		return fmt.Errorf("building bounce: %w", err)
	}

	if err := b.transport.Send(ctx, msg.To, msg.Raw); err != nil {
		if errors.Is(err, ErrRateLimited) {
			b.collector.BounceSent(metrics.BounceRateLimited)
		} else {
			b.collector.BounceSent(metrics.BounceFailure)
		}
		return fmt.Errorf("sending bounce to %s: %w", msg.To, err)
	}

	b.collector.BounceSent(metrics.BounceSuccess)
	b.logger.Info("bounce sent",
		slog.String("to", msg.To),
		slog.String("reason", reason))
	return nil
}
