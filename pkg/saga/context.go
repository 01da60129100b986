package saga

import (
	"sync"
)

// Key is a typed handle into a Context's data map. The name doubles as the
// persisted payload key, so a value written under KeyReservationID lands in
// the step result row under "reservation_id" and survives a process restart.
type Key[T any] struct {
	name string
}

// NewKey creates a typed context key. Names must be unique within a saga.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the persisted payload key.
func (k Key[T]) Name() string { return k.name }

// Context carries the shared state of one saga execution across its steps:
// the order snapshot, request inputs, and the artifacts earlier steps
// produced. All access is synchronized; steps may be re-driven by a future
// parallel executor without changing their code.
type Context struct {
	mu sync.Mutex

	order           *Order
	executionID     string
	customerID      string
	paymentMethodID string
	shippingAddress Address

	data      map[string]any
	completed []string
}

// NewContext builds the context for one execution. The order is snapshotted;
// later store writes do not leak into running steps.
func NewContext(order *Order, executionID, paymentMethodID string, shipTo Address) *Context {
	return &Context{
		order:           order.Clone(),
		executionID:     executionID,
		customerID:      order.CustomerID,
		paymentMethodID: paymentMethodID,
		shippingAddress: shipTo,
		data:            make(map[string]any),
	}
}

// Order returns a copy of the order snapshot this execution is acting on.
func (c *Context) Order() *Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Clone()
}

// ExecutionID returns the id of the execution this context belongs to.
func (c *Context) ExecutionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executionID
}

// CustomerID returns the ordering customer.
func (c *Context) CustomerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.customerID
}

// PaymentMethodID returns the payment method the saga charges against.
func (c *Context) PaymentMethodID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paymentMethodID
}

// SetPaymentMethodID swaps the payment method. Used by retries that carry an
// updated payment instrument.
func (c *Context) SetPaymentMethodID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paymentMethodID = id
}

// ShippingAddress returns the destination the saga ships to.
func (c *Context) ShippingAddress() Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shippingAddress
}

// SetShippingAddress swaps the destination. Used by retries that carry an
// updated address.
func (c *Context) SetShippingAddress(a Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shippingAddress = a
}

// MarkCompleted records that a step finished its forward work. Order of
// calls is the forward completion order; compensation walks it backwards.
func (c *Context) MarkCompleted(stepName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, stepName)
}

// CompletedSteps returns the forward completion order so far.
func (c *Context) CompletedSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.completed))
	copy(out, c.completed)
	return out
}

// RestoreData loads previously persisted step artifacts into the context.
// Retries use it to rehydrate skipped steps' outputs (a still-valid
// reservation id must be visible to the payment step that runs after it).
func (c *Context) RestoreData(data map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range data {
		c.data[k] = v
	}
}

// StringData returns the subset of context data holding string values,
// keyed by context key name. This is the payload the store persists per
// completed step.
func (c *Context) StringData(keys ...string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := c.data[k]; ok {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// Put stores a typed value under key. Methods cannot introduce type
// parameters, hence the package-level function.
func Put[T any](c *Context, key Key[T], value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key.name] = value
}

// Data retrieves a typed value. The second return is false when the key is
// absent or holds a different type.
func Data[T any](c *Context, key Key[T]) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key.name]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		var zero T
		return zero, false
	}
	return typed, true
}
