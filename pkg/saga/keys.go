package saga

// Standard context keys for the fulfillment saga. Each key name is also the
// persisted payload key in SagaStepResult.Data, which is what lets a retry
// rehydrate a prior execution's artifacts back into a fresh context.
var (
	// KeyReservationID: inventory hold handle, written by the reservation
	// step, released by its compensation.
	KeyReservationID = NewKey[string]("reservation_id")

	// KeyAuthorizationID: payment hold handle, written by the authorization
	// step, voided by its compensation.
	KeyAuthorizationID = NewKey[string]("authorization_id")

	// KeyShipmentID: carrier booking handle, written by the shipping step,
	// cancelled by its compensation.
	KeyShipmentID = NewKey[string]("shipment_id")

	// KeyTrackingNumber: customer-facing tracking code from the carrier.
	KeyTrackingNumber = NewKey[string]("tracking_number")

	// KeyEstimatedDelivery: carrier delivery estimate, RFC 3339.
	KeyEstimatedDelivery = NewKey[string]("estimated_delivery")
)
