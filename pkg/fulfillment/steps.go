package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/clawback/clawback/pkg/saga"
)

// Step names as persisted in step results and retry plans.
const (
	StepNameReserveInventory = "reserve_inventory"
	StepNameAuthorizePayment = "authorize_payment"
	StepNameArrangeShipping  = "arrange_shipping"
)

// Steps returns the forward fulfillment pipeline in execution order.
func Steps(inventory InventoryClient, payment PaymentClient, shipping ShippingClient) []saga.Step {
	return []saga.Step{
		NewReserveInventoryStep(inventory),
		NewAuthorizePaymentStep(payment),
		NewArrangeShippingStep(shipping),
	}
}

// NewDefinition builds the standard order-fulfillment pipeline.
func NewDefinition(inventory InventoryClient, payment PaymentClient, shipping ShippingClient) (*saga.Definition, error) {
	builder := saga.New("order-fulfillment")
	for _, step := range Steps(inventory, payment, shipping) {
		builder.Step(step)
	}
	return builder.Build()
}

// classifyFailure maps a collaborator error onto the error code persisted
// with the failure. ServiceError carries its own code; interrupted calls map
// onto the caller's timeout code because the remote side effect may or may
// not have landed; anything else is unexpected.
func classifyFailure(err error, timeoutCode saga.ErrorCode) (saga.ErrorCode, string) {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code, svcErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return timeoutCode, err.Error()
	}
	return saga.CodeUnexpected, err.Error()
}

// ReserveInventoryStep places a warehouse hold on the ordered items. It runs
// first so a stock shortage fails the order before any money moves.
type ReserveInventoryStep struct {
	inventory InventoryClient
}

// NewReserveInventoryStep creates the inventory reservation step.
func NewReserveInventoryStep(inventory InventoryClient) *ReserveInventoryStep {
	return &ReserveInventoryStep{inventory: inventory}
}

func (s *ReserveInventoryStep) Name() string        { return StepNameReserveInventory }
func (s *ReserveInventoryStep) Order() int          { return 1 }
func (s *ReserveInventoryStep) Type() saga.StepType { return saga.StepTypeInventory }

// Execute asks the warehouse to hold every line item and records the
// reservation id for later release.
func (s *ReserveInventoryStep) Execute(ctx context.Context, sc *saga.Context) saga.StepResult {
	order := sc.Order()
	reservation, err := s.inventory.Reserve(ctx, ReservationRequest{
		OrderID: order.ID,
		Items:   order.Items,
	})
	if err != nil {
		code, msg := classifyFailure(err, saga.CodeServiceTimeout)
		return saga.StepFailure(code, msg)
	}
	saga.Put(sc, saga.KeyReservationID, reservation.ReservationID)
	return saga.StepSuccess(sc.StringData(saga.KeyReservationID.Name()))
}

// Compensate releases the hold. Running without a recorded reservation is a
// success: there is nothing at the warehouse to undo.
func (s *ReserveInventoryStep) Compensate(ctx context.Context, sc *saga.Context) saga.CompensationResult {
	reservationID, ok := saga.Data(sc, saga.KeyReservationID)
	if !ok || reservationID == "" {
		return saga.CompensationSuccess("no reservation to release")
	}
	if err := s.inventory.Release(ctx, reservationID); err != nil {
		code, msg := classifyFailure(err, saga.CodeServiceTimeout)
		return saga.CompensationFailure(code, fmt.Sprintf("release reservation %s: %s", reservationID, msg))
	}
	return saga.CompensationSuccess("released reservation " + reservationID)
}

// AuthorizePaymentStep places a hold on the customer's payment method for
// the order total. The amount comes from the order; the method comes from
// the saga context, so a retry can swap in a replacement card.
type AuthorizePaymentStep struct {
	payment PaymentClient
}

// NewAuthorizePaymentStep creates the payment authorization step.
func NewAuthorizePaymentStep(payment PaymentClient) *AuthorizePaymentStep {
	return &AuthorizePaymentStep{payment: payment}
}

func (s *AuthorizePaymentStep) Name() string        { return StepNameAuthorizePayment }
func (s *AuthorizePaymentStep) Order() int          { return 2 }
func (s *AuthorizePaymentStep) Type() saga.StepType { return saga.StepTypePayment }

// Execute authorizes the order total and records the authorization id for
// later void or capture.
func (s *AuthorizePaymentStep) Execute(ctx context.Context, sc *saga.Context) saga.StepResult {
	order := sc.Order()
	auth, err := s.payment.Authorize(ctx, AuthorizationRequest{
		OrderID:         order.ID,
		CustomerID:      sc.CustomerID(),
		PaymentMethodID: sc.PaymentMethodID(),
		Amount:          order.Total,
	})
	if err != nil {
		code, msg := classifyFailure(err, saga.CodePaymentTimeout)
		return saga.StepFailure(code, msg)
	}
	saga.Put(sc, saga.KeyAuthorizationID, auth.AuthorizationID)
	return saga.StepSuccess(sc.StringData(saga.KeyAuthorizationID.Name()))
}

// Compensate voids the authorization so the hold on the customer's funds is
// dropped.
func (s *AuthorizePaymentStep) Compensate(ctx context.Context, sc *saga.Context) saga.CompensationResult {
	authorizationID, ok := saga.Data(sc, saga.KeyAuthorizationID)
	if !ok || authorizationID == "" {
		return saga.CompensationSuccess("no authorization to void")
	}
	if err := s.payment.Void(ctx, authorizationID); err != nil {
		code, msg := classifyFailure(err, saga.CodePaymentTimeout)
		return saga.CompensationFailure(code, fmt.Sprintf("void authorization %s: %s", authorizationID, msg))
	}
	return saga.CompensationSuccess("voided authorization " + authorizationID)
}

// ArrangeShippingStep books the delivery with the carrier. It runs last so
// nothing ships until stock and funds are both secured.
type ArrangeShippingStep struct {
	shipping ShippingClient
}

// NewArrangeShippingStep creates the shipping arrangement step.
func NewArrangeShippingStep(shipping ShippingClient) *ArrangeShippingStep {
	return &ArrangeShippingStep{shipping: shipping}
}

func (s *ArrangeShippingStep) Name() string        { return StepNameArrangeShipping }
func (s *ArrangeShippingStep) Order() int          { return 3 }
func (s *ArrangeShippingStep) Type() saga.StepType { return saga.StepTypeShipping }

// Execute books the shipment and records the shipment id, tracking number,
// and delivery estimate. The latter two surface in the success result.
func (s *ArrangeShippingStep) Execute(ctx context.Context, sc *saga.Context) saga.StepResult {
	order := sc.Order()
	shipment, err := s.shipping.CreateShipment(ctx, ShipmentRequest{
		OrderID: order.ID,
		Address: sc.ShippingAddress(),
	})
	if err != nil {
		code, msg := classifyFailure(err, saga.CodeServiceTimeout)
		return saga.StepFailure(code, msg)
	}
	saga.Put(sc, saga.KeyShipmentID, shipment.ShipmentID)
	saga.Put(sc, saga.KeyTrackingNumber, shipment.TrackingNumber)
	saga.Put(sc, saga.KeyEstimatedDelivery, shipment.EstimatedDelivery)
	return saga.StepSuccess(sc.StringData(
		saga.KeyShipmentID.Name(),
		saga.KeyTrackingNumber.Name(),
		saga.KeyEstimatedDelivery.Name(),
	))
}

// Compensate cancels the booking.
func (s *ArrangeShippingStep) Compensate(ctx context.Context, sc *saga.Context) saga.CompensationResult {
	shipmentID, ok := saga.Data(sc, saga.KeyShipmentID)
	if !ok || shipmentID == "" {
		return saga.CompensationSuccess("no shipment to cancel")
	}
	if err := s.shipping.CancelShipment(ctx, shipmentID); err != nil {
		code, msg := classifyFailure(err, saga.CodeServiceTimeout)
		return saga.CompensationFailure(code, fmt.Sprintf("cancel shipment %s: %s", shipmentID, msg))
	}
	return saga.CompensationSuccess("cancelled shipment " + shipmentID)
}
