package bounce

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a bounce could not get a send slot in time.
var ErrRateLimited = errors.New("bounce rate limit exceeded")

// Limited caps the rate at which bounces leave the host.
type Limited struct {
	next    Transport
	limiter *rate.Limiter
}

// NewLimited allows perSecond bounces per second with the given burst.
func NewLimited(next Transport, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Send waits for a slot, bounded by ctx, then sends.
func (l *Limited) Send(ctx context.Context, to string, msg []byte) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return l.next.Send(ctx, to, msg)
}
