package reliability

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter bounds the outbound call rate to one collaborator service.
// *rate.Limiter satisfies it directly.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewRateLimiter returns a token-bucket limiter allowing perSecond sustained
// calls with the given burst. Non-positive arguments yield nil, which the
// wrappers treat as unlimited.
func NewRateLimiter(perSecond float64, burst int) Limiter {
	if perSecond <= 0 || burst <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
