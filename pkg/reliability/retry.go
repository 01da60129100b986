// Package reliability wraps the fulfillment service clients with retry,
// circuit breaking, and rate limiting. The saga layer stays oblivious: a
// wrapped client satisfies the same port as a bare one.
package reliability

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/clawback/clawback/pkg/fulfillment"
)

// RetryPolicy controls retry behavior for outbound collaborator calls.
// These retries smooth over transport blips within one step execution; they
// are unrelated to the customer-facing saga retry flow.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do executes fn with retries according to the policy. The zero policy runs
// fn exactly once.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		delay := p.BaseDelay
		if delay > 0 {
			delay = delay << (attempt - 1)
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		delay = jitter(delay)
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// DefaultShouldRetry retries transport-level failures, timeouts included: a
// deadline blown on the per-call context is the ordinary slow-service case.
// Cancellation, an open breaker, and business refusals (ServiceError) are
// final: re-asking a service that just declined a card or reported an empty
// shelf yields the same answer. The caller's own expired context never loops
// here; Do checks it between attempts.
func DefaultShouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var svcErr *fulfillment.ServiceError
	return !errors.As(err, &svcErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// defaultJitter keeps the exponential shape while spreading concurrent
// retries across [d/2, d].
func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
