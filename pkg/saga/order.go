package saga

import (
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of an order. Values are persisted; do
// not renumber or rename.
type OrderStatus string

const (
	// OrderPending: created, no saga has picked it up yet.
	OrderPending OrderStatus = "PENDING"
	// OrderProcessing: a saga execution is in flight for this order.
	OrderProcessing OrderStatus = "PROCESSING"
	// OrderCompleted: fulfillment succeeded end to end.
	OrderCompleted OrderStatus = "COMPLETED"
	// OrderFailed: fulfillment failed; compensation either was not needed,
	// did not fully succeed, or retry attempts ran out.
	OrderFailed OrderStatus = "FAILED"
	// OrderCompensated: fulfillment failed and every completed step was
	// fully undone.
	OrderCompensated OrderStatus = "COMPENSATED"
)

// validOrderTransitions defines the legal order status machine. FAILED and
// COMPENSATED permit PROCESSING again because a retry starts a fresh
// execution for the same order.
var validOrderTransitions = map[OrderStatus]map[OrderStatus]struct{}{
	OrderPending: {
		OrderProcessing: {},
	},
	OrderProcessing: {
		OrderCompleted:   {},
		OrderFailed:      {},
		OrderCompensated: {},
	},
	OrderFailed: {
		OrderProcessing: {},
	},
	OrderCompensated: {
		OrderProcessing: {},
	},
	OrderCompleted: {},
}

// CanTransitionTo reports whether s -> target is a legal order transition.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	targets, ok := validOrderTransitions[s]
	if !ok {
		return false
	}
	_, ok = targets[target]
	return ok
}

// IsTerminal reports whether no saga will move the order further without an
// explicit retry.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderCompleted, OrderFailed, OrderCompensated:
		return true
	default:
		return false
	}
}

// ValidateOrderTransition returns ErrInvalidTransition when from -> to is not
// a legal order status change.
func ValidateOrderTransition(from, to OrderStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: order status %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// OrderItem is one line of an order. Prices are minor currency units
// (cents), never floats.
type OrderItem struct {
	SKU       string `json:"sku"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Address is a shipping destination. Kept flat; carrier selection only needs
// the country and postal code.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Validate checks the address is complete enough to ship to.
func (a Address) Validate() error {
	if a.Line1 == "" {
		return fmt.Errorf("address line1 is required")
	}
	if a.City == "" {
		return fmt.Errorf("address city is required")
	}
	if a.PostalCode == "" {
		return fmt.Errorf("address postal code is required")
	}
	if a.Country == "" {
		return fmt.Errorf("address country is required")
	}
	return nil
}

// Order is the durable aggregate a fulfillment saga acts on.
type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	Items      []OrderItem `json:"items"`
	Total      int64       `json:"total"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Validate checks the order is well formed enough to start a saga.
func (o *Order) Validate() error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	if o.CustomerID == "" {
		return fmt.Errorf("order %s: customer id is required", o.ID)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("order %s: at least one item is required", o.ID)
	}
	for i, item := range o.Items {
		if item.SKU == "" {
			return fmt.Errorf("order %s: item %d: sku is required", o.ID, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("order %s: item %d: quantity must be positive", o.ID, i)
		}
	}
	if o.Total < 0 {
		return fmt.Errorf("order %s: total must not be negative", o.ID)
	}
	return nil
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state through a shared pointer.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Items != nil {
		cp.Items = make([]OrderItem, len(o.Items))
		copy(cp.Items, o.Items)
	}
	return &cp
}
