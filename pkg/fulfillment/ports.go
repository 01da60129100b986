// Package fulfillment provides the concrete order-fulfillment pipeline: the
// saga steps that reserve inventory, authorize payment, and arrange shipping,
// the client ports those steps call, and in-memory client implementations for
// tests and demos.
package fulfillment

import (
	"context"
	"fmt"

	"github.com/clawback/clawback/pkg/saga"
)

// ServiceError is an expected business refusal from a collaborator service,
// carrying the machine-readable code that gets persisted with the step
// failure. Errors that are not ServiceError are treated as unexpected.
type ServiceError struct {
	Code    saga.ErrorCode
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewServiceError builds a classified collaborator refusal.
func NewServiceError(code saga.ErrorCode, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ReservationRequest asks the warehouse to hold stock for an order.
type ReservationRequest struct {
	OrderID string
	Items   []saga.OrderItem
}

// Reservation is a warehouse hold on an order's items.
type Reservation struct {
	ReservationID string
}

// AuthorizationRequest asks the payment provider to hold funds.
type AuthorizationRequest struct {
	OrderID         string
	CustomerID      string
	PaymentMethodID string
	// Amount is in minor currency units.
	Amount int64
}

// Authorization is a payment hold that can later be captured or voided.
type Authorization struct {
	AuthorizationID string
}

// ShipmentRequest asks the carrier to book a delivery.
type ShipmentRequest struct {
	OrderID string
	Address saga.Address
}

// Shipment is a booked delivery.
type Shipment struct {
	ShipmentID        string
	TrackingNumber    string
	EstimatedDelivery string
}

// InventoryClient is the warehouse port.
//
// Release must tolerate ids that no longer exist: releasing twice, or
// releasing a hold the warehouse already expired, is a no-op rather than an
// error. Compensation and retries both depend on that.
type InventoryClient interface {
	Reserve(ctx context.Context, req ReservationRequest) (*Reservation, error)
	Release(ctx context.Context, reservationID string) error
	// CheckReservation reports whether the hold is still active.
	CheckReservation(ctx context.Context, reservationID string) (bool, error)
}

// PaymentClient is the payment provider port. Void is idempotent the same
// way Release is.
type PaymentClient interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error)
	Void(ctx context.Context, authorizationID string) error
	// CheckAuthorization reports whether the hold is still active.
	CheckAuthorization(ctx context.Context, authorizationID string) (bool, error)
}

// ShippingClient is the carrier port. CancelShipment is idempotent the same
// way Release is.
type ShippingClient interface {
	CreateShipment(ctx context.Context, req ShipmentRequest) (*Shipment, error)
	CancelShipment(ctx context.Context, shipmentID string) error
	// CheckShipment reports whether the booking is still active.
	CheckShipment(ctx context.Context, shipmentID string) (bool, error)
}
