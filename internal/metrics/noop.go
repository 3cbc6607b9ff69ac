package metrics

import "time"

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(mapName string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(mapName string) {}

// LookupCompleted is a no-op.
func (n *NoopCollector) LookupCompleted(mapName string, code int) {}

// MessageProcessed is a no-op.
func (n *NoopCollector) MessageProcessed(outcome string) {}

// StalledMessages is a no-op.
func (n *NoopCollector) StalledMessages(count int) {}

// BounceSent is a no-op.
func (n *NoopCollector) BounceSent(result string) {}

// SweepCompleted is a no-op.
func (n *NoopCollector) SweepCompleted(duration time.Duration) {}
