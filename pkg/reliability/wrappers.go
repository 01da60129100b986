package reliability

import (
	"context"
	"time"

	"github.com/clawback/clawback/pkg/fulfillment"
)

// Settings bundles the reliability knobs for one collaborator client.
type Settings struct {
	Timeout         time.Duration
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	RatePerSecond   float64
	Burst           int
	BreakerFailures int
	BreakerReset    time.Duration
}

// DefaultSettings returns conservative production defaults.
func DefaultSettings() Settings {
	return Settings{
		Timeout:         5 * time.Second,
		MaxAttempts:     3,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		RatePerSecond:   50,
		Burst:           25,
		BreakerFailures: 5,
		BreakerReset:    10 * time.Second,
	}
}

// Components builds the limiter, breaker, and retry policy the settings
// describe. Disabled knobs come back nil (or, for retry, single-attempt).
func (s Settings) Components() (Limiter, *CircuitBreaker, RetryPolicy) {
	limiter := NewRateLimiter(s.RatePerSecond, s.Burst)

	var breaker *CircuitBreaker
	if s.BreakerFailures > 0 {
		breaker = NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  s.BreakerFailures,
			ResetTimeout: s.BreakerReset,
		})
	}

	retry := RetryPolicy{
		MaxAttempts: s.MaxAttempts,
		BaseDelay:   s.BaseDelay,
		MaxDelay:    s.MaxDelay,
	}
	return limiter, breaker, retry
}

// WrapInventory builds a reliability-wrapped inventory client from settings.
func WrapInventory(base fulfillment.InventoryClient, s Settings) *ReliableInventoryClient {
	limiter, breaker, retry := s.Components()
	return NewReliableInventoryClient(base, limiter, breaker, retry, s.Timeout)
}

// WrapPayment builds a reliability-wrapped payment client from settings.
func WrapPayment(base fulfillment.PaymentClient, s Settings) *ReliablePaymentClient {
	limiter, breaker, retry := s.Components()
	return NewReliablePaymentClient(base, limiter, breaker, retry, s.Timeout)
}

// WrapShipping builds a reliability-wrapped shipping client from settings.
func WrapShipping(base fulfillment.ShippingClient, s Settings) *ReliableShippingClient {
	limiter, breaker, retry := s.Components()
	return NewReliableShippingClient(base, limiter, breaker, retry, s.Timeout)
}

// ReliableInventoryClient wraps an InventoryClient with reliability controls.
type ReliableInventoryClient struct {
	base    fulfillment.InventoryClient
	limiter Limiter
	breaker *CircuitBreaker
	retry   RetryPolicy
	timeout time.Duration
}

var _ fulfillment.InventoryClient = (*ReliableInventoryClient)(nil)

// NewReliableInventoryClient constructs a reliability-wrapped inventory
// client. A nil limiter or breaker disables that control; a zero timeout
// leaves calls unbounded.
func NewReliableInventoryClient(base fulfillment.InventoryClient, limiter Limiter, breaker *CircuitBreaker, retry RetryPolicy, timeout time.Duration) *ReliableInventoryClient {
	return &ReliableInventoryClient{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
		timeout: timeout,
	}
}

func (c *ReliableInventoryClient) Reserve(ctx context.Context, req fulfillment.ReservationRequest) (*fulfillment.Reservation, error) {
	var out *fulfillment.Reservation
	err := do(ctx, c.limiter, c.breaker, c.retry, c.timeout, func(callCtx context.Context) error {
		var err error
		out, err = c.base.Reserve(callCtx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReliableInventoryClient) Release(ctx context.Context, reservationID string) error {
	return do(ctx, c.limiter, c.breaker, c.retry, c.timeout, func(callCtx context.Context) error {
		return c.base.Release(callCtx, reservationID)
	})
}

func (c *ReliableInventoryClient) CheckReservation(ctx context.Context, reservationID string) (bool, error) {
	var active bool
	err := do(ctx, c.limiter, c.breaker, c.retry, c.timeout, func(callCtx context.Context) error {
		var err error
		active, err = c.base.CheckReservation(callCtx, reservationID)
		return err
	})
	if err != nil {
		return false, err
	}
	return active, nil
}

// ReliablePaymentClient wraps a PaymentClient with reliability controls.
type ReliablePaymentClient struct {
	base    fulfillment.PaymentClient
	limiter Limiter
	breaker *CircuitBreaker
	retry   RetryPolicy
	timeout time.Duration
}

var _ fulfillment.PaymentClient = (*ReliablePaymentClient)(nil)

// NewReliablePaymentClient constructs a reliability-wrapped payment client.
func NewReliablePaymentClient(base fulfillment.PaymentClient, limiter Limiter, breaker *CircuitBreaker, retry RetryPolicy, timeout time.Duration) *ReliablePaymentClient {
	return &ReliablePaymentClient{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
		timeout: timeout,
	}
}

func (c *ReliablePaymentClient) Authorize(ctx context.Context, req fulfillment.AuthorizationRequest) (*fulfillment.Authorization, error) {
	var out *fulfillment.Authorization
	err := do(ctx, c.limiter, c.breaker, c.retry, c.timeout, func(callCtx context.Context) error {
		var err error
		out, err = c.base.Authorize(callCtx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReliablePaymentClient) Void(ctx context.Context, authorizationID string) error {
	return do(ctx, c.limiter, c.breaker, c.retry, c.timeout, func(callCtx context.Context) error {
		return c.base.Void(callCtx, authorizationID)
	})
}

func (c *ReliablePaymentClient) CheckAuthorization(ctx context.Context, authorizationID string) (bool, error) {
	var active bool
	err := do(ctx, c.limiter, c.breaker, c.retry, c.timeout, func(callCtx context.Context) error {
		var err error
		active, err = c.base.CheckAuthorization(callCtx, authorizationID)
		return err
	})
	if err != nil {
		return false, err
	}
	return active, nil
}

// ReliableShippingClient wraps a ShippingClient with reliability controls.
type ReliableShippingClient struct {
	base    fulfillment.ShippingClient
	limiter Limiter
	breaker *CircuitBreaker
	retry   RetryPolicy
	timeout time.Duration
}

var _ fulfillment.ShippingClient = (*ReliableShippingClient)(nil)

// NewReliableShippingClient constructs a reliability-wrapped shipping client.
func NewReliableShippingClient(base fulfillment.ShippingClient, limiter Limiter, breaker *CircuitBreaker, retry RetryPolicy, timeout time.Duration) *ReliableShippingClient {
	return &ReliableShippingClient{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
		timeout: timeout,
	}
}

func (c *ReliableShippingClient) CreateShipment(ctx context.Context, req fulfillment.ShipmentRequest) (*fulfillment.Shipment, error) {
	var out *fulfillment.Shipment
	err := do(ctx, c.limiter, c.breaker, c.retry, c.timeout, func(callCtx context.Context) error {
		var err error
		out, err = c.base.CreateShipment(callCtx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReliableShippingClient) CancelShipment(ctx context.Context, shipmentID string) error {
	return do(ctx, c.limiter, c.breaker, c.retry, c.timeout, func(callCtx context.Context) error {
		return c.base.CancelShipment(callCtx, shipmentID)
	})
}

func (c *ReliableShippingClient) CheckShipment(ctx context.Context, shipmentID string) (bool, error) {
	var active bool
	err := do(ctx, c.limiter, c.breaker, c.retry, c.timeout, func(callCtx context.Context) error {
		var err error
		active, err = c.base.CheckShipment(callCtx, shipmentID)
		return err
	})
	if err != nil {
		return false, err
	}
	return active, nil
}

// do runs one wrapped call: take a rate token, pass the breaker, bound the
// call if a timeout is set, and retry per policy. The token and the deadline
// are per attempt so retries of a throttled or slow service queue up with a
// fresh budget instead of stampeding it.
func do(ctx context.Context, limiter Limiter, breaker *CircuitBreaker, retry RetryPolicy, timeout time.Duration, fn func(context.Context) error) error {
	attempt := func() error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		call := func() error { return fn(callCtx) }
		if breaker != nil {
			return breaker.Execute(call)
		}
		return call()
	}
	return retry.Do(ctx, attempt)
}
