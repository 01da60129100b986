package saga

import (
	"context"
	"sync"
	"time"
)

// fakeStep is a configurable Step for exercising the orchestrator without
// real service clients.
type fakeStep struct {
	name     string
	order    int
	stepType StepType

	execute    func(ctx context.Context, sc *Context) StepResult
	compensate func(ctx context.Context, sc *Context) CompensationResult

	mu            sync.Mutex
	executions    int
	compensations int
}

func (s *fakeStep) Name() string   { return s.name }
func (s *fakeStep) Order() int     { return s.order }
func (s *fakeStep) Type() StepType { return s.stepType }

func (s *fakeStep) Execute(ctx context.Context, sc *Context) StepResult {
	s.mu.Lock()
	s.executions++
	s.mu.Unlock()
	if s.execute != nil {
		return s.execute(ctx, sc)
	}
	return StepSuccess(nil)
}

func (s *fakeStep) Compensate(ctx context.Context, sc *Context) CompensationResult {
	s.mu.Lock()
	s.compensations++
	s.mu.Unlock()
	if s.compensate != nil {
		return s.compensate(ctx, sc)
	}
	return CompensationSuccess("undone")
}

func (s *fakeStep) executeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions
}

func (s *fakeStep) compensateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compensations
}

// threeSteps builds a passing inventory -> payment -> shipping pipeline whose
// steps record artifacts the way the real fulfillment steps do.
func threeSteps() (*fakeStep, *fakeStep, *fakeStep) {
	inventory := &fakeStep{
		name:     "reserve_inventory",
		order:    1,
		stepType: StepTypeInventory,
		execute: func(_ context.Context, sc *Context) StepResult {
			Put(sc, KeyReservationID, "res-1")
			return StepSuccess(sc.StringData(KeyReservationID.Name()))
		},
	}
	payment := &fakeStep{
		name:     "authorize_payment",
		order:    2,
		stepType: StepTypePayment,
		execute: func(_ context.Context, sc *Context) StepResult {
			Put(sc, KeyAuthorizationID, "auth-1")
			return StepSuccess(sc.StringData(KeyAuthorizationID.Name()))
		},
	}
	shipping := &fakeStep{
		name:     "arrange_shipping",
		order:    3,
		stepType: StepTypeShipping,
		execute: func(_ context.Context, sc *Context) StepResult {
			Put(sc, KeyShipmentID, "ship-1")
			Put(sc, KeyTrackingNumber, "TRK-1")
			Put(sc, KeyEstimatedDelivery, "2026-09-01")
			return StepSuccess(sc.StringData(
				KeyShipmentID.Name(), KeyTrackingNumber.Name(), KeyEstimatedDelivery.Name()))
		},
	}
	return inventory, payment, shipping
}

func buildDefinition(steps ...Step) *Definition {
	b := New("fulfillment")
	for _, s := range steps {
		b.Step(s)
	}
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

func testOrder(id string) *Order {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	return &Order{
		ID:         id,
		CustomerID: "cust-1",
		Items: []OrderItem{
			{SKU: "SKU-100", Name: "widget", Quantity: 2, UnitPrice: 1250},
		},
		Total:     2500,
		Status:    OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testAddress() Address {
	return Address{
		Line1:      "1 Harbor Way",
		City:       "Oakland",
		Region:     "CA",
		PostalCode: "94607",
		Country:    "US",
	}
}

func testRequest(orderID string) SagaRequest {
	return SagaRequest{
		Order:           testOrder(orderID),
		PaymentMethodID: "pm-1",
		ShippingAddress: testAddress(),
	}
}

// captureEmitter records every emitted event in order.
type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *captureEmitter) Emit(_ context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *captureEmitter) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

func (e *captureEmitter) types() []EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

// captureNotifier records the status phases in notification order.
type captureNotifier struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (n *captureNotifier) Notify(_ context.Context, u StatusUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, u)
}

func (n *captureNotifier) phases() []StatusPhase {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]StatusPhase, 0, len(n.updates))
	for _, u := range n.updates {
		out = append(out, u.Phase)
	}
	return out
}

// fastRetry keeps compensation retries from slowing the tests down.
func fastRetry() CompensationRetryConfig {
	return CompensationRetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}
