package fulfillment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clawback/clawback/pkg/saga"
)

// The in-memory clients back tests, examples, and the demo driver. State
// lives in process memory behind a mutex; failure injection is armed per
// client and per operation so a scenario can break exactly the call it
// wants broken.

// InMemoryInventoryClient is a stub warehouse.
type InMemoryInventoryClient struct {
	mu           sync.Mutex
	seq          int
	reservations map[string]ReservationRequest
	outOfStock   map[string]bool
	reserveErr   error
	releaseErr   error
	checkErr     error
}

// NewInMemoryInventoryClient creates an empty warehouse with every SKU in
// stock.
func NewInMemoryInventoryClient() *InMemoryInventoryClient {
	return &InMemoryInventoryClient{
		reservations: make(map[string]ReservationRequest),
		outOfStock:   make(map[string]bool),
	}
}

// Reserve holds the requested items and returns a reservation id.
func (c *InMemoryInventoryClient) Reserve(ctx context.Context, req ReservationRequest) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserveErr != nil {
		return nil, c.reserveErr
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, NewServiceError(saga.CodeInventoryUnavailable,
				"sku %s: quantity must be positive", item.SKU)
		}
		if c.outOfStock[item.SKU] {
			return nil, NewServiceError(saga.CodeInventoryUnavailable,
				"sku %s is out of stock", item.SKU)
		}
	}
	c.seq++
	id := fmt.Sprintf("rsv-%06d", c.seq)
	c.reservations[id] = req
	return &Reservation{ReservationID: id}, nil
}

// Release drops a hold. Unknown and already-released ids are a no-op.
func (c *InMemoryInventoryClient) Release(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.releaseErr != nil {
		return c.releaseErr
	}
	delete(c.reservations, reservationID)
	return nil
}

// CheckReservation reports whether the hold is still active.
func (c *InMemoryInventoryClient) CheckReservation(ctx context.Context, reservationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkErr != nil {
		return false, c.checkErr
	}
	_, active := c.reservations[reservationID]
	return active, nil
}

// MarkOutOfStock makes reservations fail for any order containing the SKUs.
func (c *InMemoryInventoryClient) MarkOutOfStock(skus ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sku := range skus {
		c.outOfStock[sku] = true
	}
}

// Restock clears the out-of-stock marks for the SKUs.
func (c *InMemoryInventoryClient) Restock(skus ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sku := range skus {
		delete(c.outOfStock, sku)
	}
}

// FailReservationsWith makes Reserve return err until cleared with nil.
func (c *InMemoryInventoryClient) FailReservationsWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserveErr = err
}

// FailReleasesWith makes Release return err until cleared with nil.
func (c *InMemoryInventoryClient) FailReleasesWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseErr = err
}

// FailChecksWith makes CheckReservation return err until cleared with nil.
func (c *InMemoryInventoryClient) FailChecksWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkErr = err
}

// ExpireReservation drops a hold out from under the saga, the way the
// warehouse does when a hold ages out. Reports whether the id was active.
func (c *InMemoryInventoryClient) ExpireReservation(reservationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, active := c.reservations[reservationID]
	delete(c.reservations, reservationID)
	return active
}

// HasReservation reports whether the id is currently held.
func (c *InMemoryInventoryClient) HasReservation(reservationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, active := c.reservations[reservationID]
	return active
}

// ActiveReservations returns the number of live holds.
func (c *InMemoryInventoryClient) ActiveReservations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reservations)
}

// InMemoryPaymentClient is a stub payment provider.
type InMemoryPaymentClient struct {
	mu             sync.Mutex
	seq            int
	authorizations map[string]AuthorizationRequest
	requests       []AuthorizationRequest
	declined       map[string]bool
	authorizeErr   error
	voidErr        error
	checkErr       error
}

// NewInMemoryPaymentClient creates a provider that accepts every method.
func NewInMemoryPaymentClient() *InMemoryPaymentClient {
	return &InMemoryPaymentClient{
		authorizations: make(map[string]AuthorizationRequest),
		declined:       make(map[string]bool),
	}
}

// Authorize holds funds and returns an authorization id. Declined methods
// and non-positive amounts are business refusals, not transport errors.
func (c *InMemoryPaymentClient) Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.authorizeErr != nil {
		return nil, c.authorizeErr
	}
	if req.Amount <= 0 {
		return nil, NewServiceError(saga.CodePaymentDeclined,
			"cannot authorize non-positive amount %d", req.Amount)
	}
	if c.declined[req.PaymentMethodID] {
		return nil, NewServiceError(saga.CodePaymentDeclined,
			"payment method %s was declined", req.PaymentMethodID)
	}
	c.seq++
	id := fmt.Sprintf("auth-%06d", c.seq)
	c.authorizations[id] = req
	return &Authorization{AuthorizationID: id}, nil
}

// Void drops a hold. Unknown and already-voided ids are a no-op.
func (c *InMemoryPaymentClient) Void(ctx context.Context, authorizationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.voidErr != nil {
		return c.voidErr
	}
	delete(c.authorizations, authorizationID)
	return nil
}

// CheckAuthorization reports whether the hold is still active.
func (c *InMemoryPaymentClient) CheckAuthorization(ctx context.Context, authorizationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkErr != nil {
		return false, c.checkErr
	}
	_, active := c.authorizations[authorizationID]
	return active, nil
}

// DeclineMethod makes authorizations with the method fail as declined.
func (c *InMemoryPaymentClient) DeclineMethod(paymentMethodID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declined[paymentMethodID] = true
}

// AcceptMethod clears a decline mark.
func (c *InMemoryPaymentClient) AcceptMethod(paymentMethodID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.declined, paymentMethodID)
}

// FailAuthorizationsWith makes Authorize return err until cleared with nil.
func (c *InMemoryPaymentClient) FailAuthorizationsWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorizeErr = err
}

// FailVoidsWith makes Void return err until cleared with nil.
func (c *InMemoryPaymentClient) FailVoidsWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voidErr = err
}

// FailChecksWith makes CheckAuthorization return err until cleared with nil.
func (c *InMemoryPaymentClient) FailChecksWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkErr = err
}

// ExpireAuthorization drops a hold the way the provider does past the
// capture window. Reports whether the id was active.
func (c *InMemoryPaymentClient) ExpireAuthorization(authorizationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, active := c.authorizations[authorizationID]
	delete(c.authorizations, authorizationID)
	return active
}

// HasAuthorization reports whether the id is currently active.
func (c *InMemoryPaymentClient) HasAuthorization(authorizationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, active := c.authorizations[authorizationID]
	return active
}

// ActiveAuthorizations returns the number of live holds.
func (c *InMemoryPaymentClient) ActiveAuthorizations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.authorizations)
}

// Requests returns every authorization request seen, refusals included, in
// arrival order.
func (c *InMemoryPaymentClient) Requests() []AuthorizationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AuthorizationRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

type shipmentRecord struct {
	request  ShipmentRequest
	tracking string
	estimate string
}

// InMemoryShippingClient is a stub carrier.
type InMemoryShippingClient struct {
	mu            sync.Mutex
	seq           int
	shipments     map[string]shipmentRecord
	unserviceable map[string]bool
	createErr     error
	cancelErr     error
	checkErr      error
	now           func() time.Time
}

// NewInMemoryShippingClient creates a carrier that serves every country.
func NewInMemoryShippingClient() *InMemoryShippingClient {
	return &InMemoryShippingClient{
		shipments:     make(map[string]shipmentRecord),
		unserviceable: make(map[string]bool),
		now:           time.Now,
	}
}

// CreateShipment books a delivery and returns the shipment id, a tracking
// number, and a delivery estimate five days out.
func (c *InMemoryShippingClient) CreateShipment(ctx context.Context, req ShipmentRequest) (*Shipment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return nil, c.createErr
	}
	if c.unserviceable[req.Address.Country] {
		return nil, NewServiceError(saga.CodeShippingUnavailable,
			"no carrier serves %s", req.Address.Country)
	}
	c.seq++
	rec := shipmentRecord{
		request:  req,
		tracking: fmt.Sprintf("TRK-%08d", c.seq),
		estimate: c.now().AddDate(0, 0, 5).Format("2006-01-02"),
	}
	id := fmt.Sprintf("shp-%06d", c.seq)
	c.shipments[id] = rec
	return &Shipment{
		ShipmentID:        id,
		TrackingNumber:    rec.tracking,
		EstimatedDelivery: rec.estimate,
	}, nil
}

// CancelShipment drops a booking. Unknown and already-cancelled ids are a
// no-op.
func (c *InMemoryShippingClient) CancelShipment(ctx context.Context, shipmentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelErr != nil {
		return c.cancelErr
	}
	delete(c.shipments, shipmentID)
	return nil
}

// CheckShipment reports whether the booking is still active.
func (c *InMemoryShippingClient) CheckShipment(ctx context.Context, shipmentID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkErr != nil {
		return false, c.checkErr
	}
	_, active := c.shipments[shipmentID]
	return active, nil
}

// MarkUnserviceable makes bookings to the countries fail.
func (c *InMemoryShippingClient) MarkUnserviceable(countries ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, country := range countries {
		c.unserviceable[country] = true
	}
}

// MarkServiceable clears the unserviceable marks for the countries.
func (c *InMemoryShippingClient) MarkServiceable(countries ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, country := range countries {
		delete(c.unserviceable, country)
	}
}

// FailShipmentsWith makes CreateShipment return err until cleared with nil.
func (c *InMemoryShippingClient) FailShipmentsWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createErr = err
}

// FailCancellationsWith makes CancelShipment return err until cleared with
// nil.
func (c *InMemoryShippingClient) FailCancellationsWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelErr = err
}

// FailChecksWith makes CheckShipment return err until cleared with nil.
func (c *InMemoryShippingClient) FailChecksWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkErr = err
}

// ExpireShipment drops a booking the way a carrier voids a stale label.
// Reports whether the id was active.
func (c *InMemoryShippingClient) ExpireShipment(shipmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, active := c.shipments[shipmentID]
	delete(c.shipments, shipmentID)
	return active
}

// HasShipment reports whether the id is currently booked.
func (c *InMemoryShippingClient) HasShipment(shipmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, active := c.shipments[shipmentID]
	return active
}

// ActiveShipments returns the number of live bookings.
func (c *InMemoryShippingClient) ActiveShipments() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shipments)
}
