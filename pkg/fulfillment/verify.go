package fulfillment

import (
	"context"

	"github.com/clawback/clawback/pkg/saga"
)

// Verifier answers retry-time validity probes by asking each artifact's
// owning service whether it is still active. A nil client means no probe for
// that step type; its artifacts count as alive.
type Verifier struct {
	inventory InventoryClient
	payment   PaymentClient
	shipping  ShippingClient
}

// NewVerifier creates a verifier over the fulfillment clients.
func NewVerifier(inventory InventoryClient, payment PaymentClient, shipping ShippingClient) *Verifier {
	return &Verifier{inventory: inventory, payment: payment, shipping: shipping}
}

// VerifyArtifact implements saga.ArtifactVerifier. Unknown step types and
// results without an artifact id report alive; the TTL check remains the
// caller's primary defense either way.
func (v *Verifier) VerifyArtifact(ctx context.Context, stepType saga.StepType, data map[string]string) (bool, error) {
	switch stepType {
	case saga.StepTypeInventory:
		id := data[saga.KeyReservationID.Name()]
		if v.inventory == nil || id == "" {
			return true, nil
		}
		return v.inventory.CheckReservation(ctx, id)
	case saga.StepTypePayment:
		id := data[saga.KeyAuthorizationID.Name()]
		if v.payment == nil || id == "" {
			return true, nil
		}
		return v.payment.CheckAuthorization(ctx, id)
	case saga.StepTypeShipping:
		id := data[saga.KeyShipmentID.Name()]
		if v.shipping == nil || id == "" {
			return true, nil
		}
		return v.shipping.CheckShipment(ctx, id)
	default:
		return true, nil
	}
}
