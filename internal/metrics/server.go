package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the configuration for the metrics server.
type Config struct {
	Enabled bool
	Address string
	Path    string
}

// NoopServer is a no-op implementation of the Server interface.
// It does nothing when started or shut down.
type NoopServer struct{}

// Start is a no-op that returns immediately.
func (n *NoopServer) Start(ctx context.Context) error {
	return nil
}

// Shutdown is a no-op that returns immediately.
func (n *NoopServer) Shutdown(ctx context.Context) error {
	return nil
}

// New creates a Collector and Server based on the provided configuration.
// When cfg.Enabled is false both are no-ops. Otherwise metrics are registered
// with reg, or the default registerer when reg is nil.
func New(cfg Config, reg prometheus.Registerer) (Collector, Server) {
	if !cfg.Enabled {
		return &NoopCollector{}, &NoopServer{}
	}
	if reg == nil {
		return NewPrometheusCollector(prometheus.DefaultRegisterer), NewPrometheusServer(cfg.Address, cfg.Path)
	}
	var g prometheus.Gatherer = prometheus.DefaultGatherer
	if rg, ok := reg.(prometheus.Gatherer); ok {
		g = rg
	}
	return NewPrometheusCollector(reg), NewPrometheusServerFor(cfg.Address, cfg.Path, g)
}
