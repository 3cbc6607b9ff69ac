package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infodancer/mxd/internal/bounce"
	"github.com/infodancer/mxd/internal/config"
	"github.com/infodancer/mxd/internal/directory"
	"github.com/infodancer/mxd/internal/logging"
	"github.com/infodancer/mxd/internal/metrics"
	"github.com/infodancer/mxd/internal/pgp"
	"github.com/infodancer/mxd/internal/receiver"
	"github.com/infodancer/mxd/internal/resolver"
	"github.com/infodancer/mxd/internal/server"
	"github.com/infodancer/mxd/internal/store"
	"github.com/infodancer/mxd/internal/tcpmap"
)

func runServe() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	sweeps := make(chan os.Signal, 1)
	notifySweep(sweeps)

	if err := serve(ctx, cfg, logger, sweeps); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// serve runs the map listeners and the mail receiver until ctx is
// cancelled. A value on sweeps triggers an immediate spool sweep.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, sweeps <-chan os.Signal) error {
	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	}, nil)

	dir, err := directory.Open(cfg.Directory, cfg.Timeouts.DirectoryTimeout(), logger)
	if err != nil {
		return fmt.Errorf("opening directory: %w", err)
	}
	defer func() { _ = directory.Close(dir) }()

	logger.Info("starting mxd",
		"hostname", cfg.Hostname,
		"maps", len(cfg.Maps),
		"mail_directories", len(cfg.Mail.Directories),
		"directory", cfg.Directory.Type)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := metricsServer.Start(gctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	if len(cfg.Maps) > 0 {
		srv := server.New(&cfg, logger, collector)
		srv.SetHandlerFactory(func(m config.MapConfig) (server.ConnectionHandler, error) {
			r, err := resolver.ForMap(m, dir, cfg.Mail.DeliveryDomain)
			if err != nil {
				return nil, err
			}
			return server.ResponderHandler(tcpmap.NewResponder(m.Label(), r, collector)), nil
		})
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if len(cfg.Mail.Directories) > 0 {
		w, closeAll, err := newReceiver(cfg, dir, collector, logger)
		if err != nil {
			return err
		}
		defer closeAll()

		g.Go(func() error { return w.Run(gctx) })
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case sig := <-sweeps:
					logger.Info("sweep requested", "signal", sig.String())
					w.RequestSweep()
				}
			}
		})
	}

	return g.Wait()
}

// newReceiver assembles the message pipeline and the spool watcher that
// feeds it. The returned func releases the store and stall backends.
func newReceiver(cfg config.Config, dir directory.Directory, collector metrics.Collector, logger *slog.Logger) (*receiver.Watcher, func(), error) {
	st, err := store.Open(cfg.Store, cfg.Mail.DeliveryDomain, cfg.Timeouts.StoreTimeout(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	stalls, err := receiver.OpenStalls(cfg.Stall)
	if err != nil {
		_ = store.Close(st)
		return nil, nil, fmt.Errorf("opening stall tracker: %w", err)
	}

	closeAll := func() {
		if err := store.Close(st); err != nil {
			logger.Warn("closing store", "error", err)
		}
		if c, ok := stalls.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("closing stall tracker", "error", err)
			}
		}
	}

	bouncer, err := bounce.Open(&cfg, collector, logger)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("configuring bounces: %w", err)
	}

	proc := receiver.NewProcessor(receiver.ProcessorConfig{
		Directory:      dir,
		Encryptor:      pgp.NewEncryptor(),
		Store:          st,
		Bouncer:        bouncer,
		Stalls:         stalls,
		StallThreshold: cfg.Mail.StallLimit(),
		Timeouts: receiver.Timeouts{
			Directory: cfg.Timeouts.DirectoryTimeout(),
			Encrypt:   cfg.Timeouts.EncryptTimeout(),
			Store:     cfg.Timeouts.StoreTimeout(),
			Bounce:    cfg.Timeouts.BounceTimeout(),
		},
		Collector: collector,
		Logger:    logger,
	})

	w := receiver.NewWatcher(receiver.WatcherConfig{
		Directories:   cfg.Mail.Directories,
		SweepInterval: cfg.Mail.SweepEvery(),
		WatchRetry:    cfg.Mail.WatchRetryDelay(),
		Handler:       proc,
		Collector:     collector,
		Logger:        logger,
	})
	return w, closeAll, nil
}
