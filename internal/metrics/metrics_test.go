package metrics

import (
	"context"
	"testing"
	"time"
)

func TestNoopCollectorImplementsInterface(t *testing.T) {
	var _ Collector = &NoopCollector{}
}

func TestNoopServerImplementsInterface(t *testing.T) {
	var _ Server = &NoopServer{}
}

func TestNoopCollectorMethods(t *testing.T) {
	c := &NoopCollector{}

	// All methods should execute without panic
	c.ConnectionOpened("alias")
	c.ConnectionClosed("alias")
	c.LookupCompleted("alias", 200)
	c.LookupCompleted("access", 500)
	c.MessageProcessed(OutcomeStored)
	c.MessageProcessed(OutcomeStalled)
	c.StalledMessages(3)
	c.BounceSent(BounceSuccess)
	c.BounceSent(BounceRateLimited)
	c.SweepCompleted(150 * time.Millisecond)
}

func TestNoopServerStart(t *testing.T) {
	s := &NoopServer{}
	ctx := context.Background()

	err := s.Start(ctx)
	if err != nil {
		t.Errorf("Start() error = %v, want nil", err)
	}
}

func TestNoopServerShutdown(t *testing.T) {
	s := &NoopServer{}
	ctx := context.Background()

	err := s.Shutdown(ctx)
	if err != nil {
		t.Errorf("Shutdown() error = %v, want nil", err)
	}
}

func TestNewDisabled(t *testing.T) {
	collector, server := New(Config{Enabled: false, Address: ":9100", Path: "/metrics"}, nil)

	if _, ok := collector.(*NoopCollector); !ok {
		t.Errorf("New() with Enabled=false returned collector type %T, want *NoopCollector", collector)
	}
	if _, ok := server.(*NoopServer); !ok {
		t.Errorf("New() with Enabled=false returned server type %T, want *NoopServer", server)
	}

	// Verify the server works
	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		t.Errorf("server.Start() error = %v", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("server.Shutdown() error = %v", err)
	}
}
