// Package metrics provides interfaces and implementations for collecting
// service metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import (
	"context"
	"time"
)

// Message outcomes reported through MessageProcessed.
const (
	OutcomeStored  = "stored"
	OutcomeBounced = "bounced"
	OutcomeStalled = "stalled"
	OutcomeKept    = "kept"
	OutcomeDropped = "dropped"
)

// Bounce results reported through BounceSent.
const (
	BounceSuccess     = "success"
	BounceFailure     = "failure"
	BounceSuppressed  = "suppressed"
	BounceRateLimited = "rate_limited"
)

// Collector defines the interface for recording service metrics.
type Collector interface {
	// Map listener metrics (map is the listener label)
	ConnectionOpened(mapName string)
	ConnectionClosed(mapName string)

	// LookupCompleted records one answered request with its reply code.
	LookupCompleted(mapName string, code int)

	// Mail pipeline metrics
	MessageProcessed(outcome string)
	StalledMessages(count int)
	BounceSent(result string)
	SweepCompleted(duration time.Duration)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
