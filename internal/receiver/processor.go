package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/infodancer/mxd/internal/bounce"
	"github.com/infodancer/mxd/internal/directory"
	"github.com/infodancer/mxd/internal/logging"
	"github.com/infodancer/mxd/internal/metrics"
	"github.com/infodancer/mxd/internal/payload"
	"github.com/infodancer/mxd/internal/store"
)

// Outcome is the result of one processing attempt.
type Outcome int

const (
	// Delivered means the message was stored and the file removed.
	Delivered Outcome = iota
	// Bounced means the sender was told (or could not be told) and the file removed.
	Bounced
	// Deferred means the file was left in place for another attempt.
	Deferred
	// Held means a bounce was due but could not be sent; the file was left in place.
	Held
	// Gone means the file had already been removed.
	Gone
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Bounced:
		return "bounced"
	case Deferred:
		return "deferred"
	case Held:
		return "held"
	default:
		return "gone"
	}
}

// Encryptor encrypts plaintext to an armored public key.
type Encryptor interface {
	Encrypt(ctx context.Context, armoredKey string, plaintext []byte) (string, error)
}

// Bouncer returns a message to its sender.
type Bouncer interface {
	Bounce(ctx context.Context, original []byte, reason string) error
}

// Timeouts bound each external call made while processing a message.
type Timeouts struct {
	Directory time.Duration
	Encrypt   time.Duration
	Store     time.Duration
	Bounce    time.Duration
}

// ProcessorConfig holds the collaborators of a Processor.
type ProcessorConfig struct {
	Directory      directory.Directory
	Encryptor      Encryptor
	Store          store.Store
	Bouncer        Bouncer
	Stalls         StallTracker
	StallThreshold time.Duration
	Timeouts       Timeouts
	Collector      metrics.Collector
	Logger         *slog.Logger

	// Now and NewID default to time.Now and random UUIDs.
	Now   func() time.Time
	NewID func() string
}

// Processor runs the per-message pipeline:
// owner, key, encrypt, store, then remove or bounce.
type Processor struct {
	cfg ProcessorConfig
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Stalls == nil {
		cfg.Stalls = NewMemoryStalls()
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 5 * 24 * time.Hour
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Processor{cfg: cfg}
}

// Process handles the message file at path once.
// After it returns the file has been removed only if the outcome is
// Delivered or Bounced.
// Process is safe for concurrent use on distinct paths.
func (p *Processor) Process(ctx context.Context, path string) Outcome {
	logger := logging.WithMessage(p.cfg.Logger, path)
	ctx = logging.NewContext(ctx, logger)

	outcome := p.process(ctx, path)
	switch outcome {
	case Delivered:
		p.cfg.Collector.MessageProcessed(metrics.OutcomeStored)
	case Bounced:
		p.cfg.Collector.MessageProcessed(metrics.OutcomeBounced)
	case Deferred:
		p.cfg.Collector.MessageProcessed(metrics.OutcomeStalled)
	case Held:
		p.cfg.Collector.MessageProcessed(metrics.OutcomeKept)
	case Gone:
		p.cfg.Collector.MessageProcessed(metrics.OutcomeDropped)
	}
	return outcome
}

func (p *Processor) process(ctx context.Context, path string) Outcome {
	logger := logging.FromContext(ctx)

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("message already gone")
		return Gone
	}
	if err != nil {
		return p.stall(ctx, path, nil, fmt.Errorf("reading message: %w", err))
	}

	owner, err := Owner(raw)
	if err != nil {
		logger.Warn("cannot determine message owner", slog.String("error", err.Error()))
		return p.bounce(ctx, path, raw, bounce.ReasonMissingUser)
	}
	logger = logger.With(slog.String("user_id", owner))
	ctx = logging.NewContext(ctx, logger)

	dctx, cancel := context.WithTimeout(ctx, p.cfg.Timeouts.directoryTimeout())
	res, err := p.cfg.Directory.LookupUser(dctx, owner)
	cancel()
	if err != nil {
		return p.stall(ctx, path, raw, fmt.Errorf("looking up %s: %w", owner, err))
	}
	switch res.Status {
	case directory.NotFound:
		logger.Warn("message owner not in directory")
		return p.bounce(ctx, path, raw, bounce.ReasonMissingUser)
	case directory.FoundNoKey:
		logger.Warn("message owner has no public key")
		return p.bounce(ctx, path, raw, bounce.ReasonMissingKey)
	}

	content, err := payload.NewContent(raw).Marshal()
	if err != nil {
		return p.stall(ctx, path, raw, err)
	}

	ectx, cancel := context.WithTimeout(ctx, p.cfg.Timeouts.encryptTimeout())
	armored, err := p.cfg.Encryptor.Encrypt(ectx, res.PublicKey, content)
	cancel()
	if err != nil {
		return p.stall(ctx, path, raw, fmt.Errorf("encrypting: %w", err))
	}

	doc := payload.NewDocument(p.cfg.NewID(), armored)
	sctx, cancel := context.WithTimeout(ctx, p.cfg.Timeouts.storeTimeout())
	err = p.cfg.Store.Put(sctx, owner, doc)
	cancel()
	if err != nil {
		return p.stall(ctx, path, raw, fmt.Errorf("storing document %s: %w", doc.ID, err))
	}

	logger.Info("message stored", slog.String("doc_id", doc.ID))
	p.finish(ctx, path)
	return Delivered
}

// bounce returns the message to its sender. The file is removed when the
// bounce was sent or must not be sent at all. A failed send leaves it for
// the next attempt and records it as stalled so it shows up in the stalled
// count until a bounce goes out.
func (p *Processor) bounce(ctx context.Context, path string, raw []byte, reason string) Outcome {
	logger := logging.FromContext(ctx)

	bctx, cancel := context.WithTimeout(ctx, p.cfg.Timeouts.bounceTimeout())
	err := p.cfg.Bouncer.Bounce(bctx, raw, reason)
	cancel()

	if err != nil && !errors.Is(err, bounce.ErrInvalidReturnPath) {
		logger.Error("bounce failed, keeping message", slog.String("error", err.Error()))
		if _, serr := p.cfg.Stalls.Fail(ctx, path, p.cfg.Now()); serr != nil {
			logger.Error("failed to record stalled bounce", slog.String("error", serr.Error()))
		}
		p.reportStalls(ctx)
		return Held
	}

	logger.Info("message bounced", slog.String("reason", reason))
	p.finish(ctx, path)
	return Bounced
}

// stall records a transient failure. Once the first failure of path is
// older than the stall threshold the message is bounced instead.
func (p *Processor) stall(ctx context.Context, path string, raw []byte, cause error) Outcome {
	logger := logging.FromContext(ctx)
	now := p.cfg.Now()

	first, err := p.cfg.Stalls.Fail(ctx, path, now)
	if err != nil {
		logger.Error("processing failed and the failure could not be recorded",
			slog.String("error", cause.Error()),
			slog.String("stall_error", err.Error()))
		return Deferred
	}
	p.reportStalls(ctx)

	age := now.Sub(first)
	if age <= p.cfg.StallThreshold || raw == nil {
		logger.Warn("processing failed, will retry",
			slog.String("error", cause.Error()),
			slog.Duration("stalled_for", age))
		return Deferred
	}

	logger.Error("message stalled too long, bouncing",
		slog.String("error", cause.Error()),
		slog.Duration("stalled_for", age))
	return p.bounce(ctx, path, raw, bounce.ReasonServerError)
}

// finish removes a handled message and forgets its stall record.
func (p *Processor) finish(ctx context.Context, path string) {
	logger := logging.FromContext(ctx)

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error("failed to remove handled message", slog.String("error", err.Error()))
	}
	if err := p.cfg.Stalls.Clear(ctx, path); err != nil {
		logger.Error("failed to clear stall record", slog.String("error", err.Error()))
	}
	p.reportStalls(ctx)
}

func (p *Processor) reportStalls(ctx context.Context) {
	if n, err := p.cfg.Stalls.Count(ctx); err == nil {
		p.cfg.Collector.StalledMessages(n)
	}
}

func (t Timeouts) directoryTimeout() time.Duration { return orDefault(t.Directory, 10*time.Second) }
func (t Timeouts) encryptTimeout() time.Duration   { return orDefault(t.Encrypt, 30*time.Second) }
func (t Timeouts) storeTimeout() time.Duration     { return orDefault(t.Store, 30*time.Second) }
func (t Timeouts) bounceTimeout() time.Duration    { return orDefault(t.Bounce, time.Minute) }

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
