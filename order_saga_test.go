package coordinate

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fake payment subsystem.
type fakePayments struct {
	chargeErr error
	charged   []decimal.Decimal
	refunded  []string
}

func (p *fakePayments) Charge(_ context.Context, customerID string, amount decimal.Decimal) (string, error) {
	if p.chargeErr != nil {
		return "", p.chargeErr
	}
	p.charged = append(p.charged, amount)
	return "pay-" + customerID, nil
}

func (p *fakePayments) Refund(_ context.Context, paymentID string) error {
	p.refunded = append(p.refunded, paymentID)
	return nil
}

// Fake shipping subsystem.
type fakeShipments struct {
	createErr error
	cancelErr error
	onCreate  func()
	created   int
	cancelled []string
}

func (s *fakeShipments) Create(_ context.Context, customerID string, _ []OrderItem) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	if s.onCreate != nil {
		s.onCreate()
	}
	s.created++
	return "ship-" + customerID, nil
}

func (s *fakeShipments) Cancel(_ context.Context, shipmentID string) error {
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.cancelled = append(s.cancelled, shipmentID)
	return nil
}

func newFulfillment(gw *MemoryGateway, payments *fakePayments, shipments *fakeShipments) *OrderFulfillment {
	f := NewOrderFulfillment(gw, payments, shipments, nil)
	f.retry = fastRetry
	return f
}

func seedFulfillment(gw *MemoryGateway) {
	gw.PutItem(InventoryItem{ID: "widget", Quantity: 10, Price: dec("25")})
	gw.PutItem(InventoryItem{ID: "gadget", Quantity: 5, Price: dec("100")})
}

var fulfillmentReq = FulfillmentRequest{
	CustomerID: "cust",
	Items: []RequestedItem{
		{ItemID: "widget", Quantity: 2},
		{ItemID: "gadget", Quantity: 1},
	},
}

func TestOrderFulfillmentHappyPath(t *testing.T) {
	gw := NewMemoryGateway()
	seedFulfillment(gw)
	payments := &fakePayments{}
	shipments := &fakeShipments{}
	f := newFulfillment(gw, payments, shipments)

	result := f.Run(context.Background(), fulfillmentReq)
	require.True(t, result.Saga.Success(), "saga failed: %v", result.Saga.Err)
	require.NotEmpty(t, result.OrderID)

	order, ok := gw.OrderByID(result.OrderID)
	require.True(t, ok)
	assert.Equal(t, OrderStatusConfirmed, order.Status)
	assert.True(t, order.TotalAmount.Equal(dec("150")), "2*25 + 1*100")

	require.Len(t, payments.charged, 1)
	assert.True(t, payments.charged[0].Equal(dec("150")))
	assert.Empty(t, payments.refunded)
	assert.Empty(t, shipments.cancelled)

	widget, _ := gw.ItemByID("widget")
	assert.Equal(t, int64(8), widget.Quantity)
	assert.Equal(t, int64(2), widget.Reserved)
}

// A shipment failure unwinds payment and inventory, in that order, and no
// order document is ever created.
func TestOrderFulfillmentCompensatesOnShipmentFailure(t *testing.T) {
	gw := NewMemoryGateway()
	seedFulfillment(gw)
	payments := &fakePayments{}
	shipments := &fakeShipments{createErr: errors.New("carrier unavailable")}
	f := newFulfillment(gw, payments, shipments)

	result := f.Run(context.Background(), fulfillmentReq)
	require.False(t, result.Saga.Success())
	assert.Equal(t, SagaStatusCompensated, result.Saga.Status)
	assert.Equal(t, StepCreateShipment, result.Saga.FailedStep)
	assert.Empty(t, result.OrderID)

	// Payment refunded.
	require.Len(t, payments.refunded, 1)
	assert.Equal(t, "pay-cust", payments.refunded[0])

	// Inventory back where it started.
	widget, _ := gw.ItemByID("widget")
	gadget, _ := gw.ItemByID("gadget")
	assert.Equal(t, int64(10), widget.Quantity)
	assert.Equal(t, int64(0), widget.Reserved)
	assert.Equal(t, int64(5), gadget.Quantity)
}

func TestOrderFulfillmentStopsAtInventoryShortage(t *testing.T) {
	gw := NewMemoryGateway()
	gw.PutItem(InventoryItem{ID: "widget", Quantity: 1, Price: dec("25")})
	payments := &fakePayments{}
	shipments := &fakeShipments{}
	f := newFulfillment(gw, payments, shipments)

	result := f.Run(context.Background(), FulfillmentRequest{
		CustomerID: "cust",
		Items:      []RequestedItem{{ItemID: "widget", Quantity: 5}},
	})
	require.False(t, result.Saga.Success())
	assert.ErrorIs(t, result.Saga.Err, ErrInsufficientInventory)
	assert.Equal(t, StepReserveInventory, result.Saga.FailedStep)

	// Nothing downstream ever ran.
	assert.Empty(t, payments.charged)
	assert.Zero(t, shipments.created)
}

func TestOrderFulfillmentPaymentDeclineReleasesInventory(t *testing.T) {
	gw := NewMemoryGateway()
	seedFulfillment(gw)
	payments := &fakePayments{chargeErr: errors.New("card declined")}
	shipments := &fakeShipments{}
	f := newFulfillment(gw, payments, shipments)

	result := f.Run(context.Background(), fulfillmentReq)
	require.False(t, result.Saga.Success())
	assert.Equal(t, StepProcessPayment, result.Saga.FailedStep)

	widget, _ := gw.ItemByID("widget")
	assert.Equal(t, int64(10), widget.Quantity, "reservation released")
	assert.Zero(t, shipments.created, "shipment step never reached")
	assert.Empty(t, payments.refunded, "nothing was charged, nothing to refund")
}

// A failing cancel leaves the saga in CompensationFailed but the other
// compensations still run.
func TestOrderFulfillmentReportsStuckCompensation(t *testing.T) {
	gw := NewMemoryGateway()
	seedFulfillment(gw)
	payments := &fakePayments{}
	shipments := &fakeShipments{cancelErr: errors.New("carrier is down")}
	// Arm a single commit failure once the shipment exists: the next unit to
	// commit is finalize, and the release compensation commits fine after it.
	shipments.onCreate = func() {
		gw.FailCommits(errors.New("disk full"))
	}
	f := newFulfillment(gw, payments, shipments)

	result := f.Run(context.Background(), fulfillmentReq)
	require.False(t, result.Saga.Success())
	assert.Equal(t, StepFinalizeOrder, result.Saga.FailedStep)
	assert.Equal(t, SagaStatusCompensationFailed, result.Saga.Status)

	require.Len(t, result.Saga.CompensationFailures, 1)
	assert.Equal(t, StepCreateShipment, result.Saga.CompensationFailures[0].Step)

	// Payment and inventory were still unwound.
	require.Len(t, payments.refunded, 1)
	widget, _ := gw.ItemByID("widget")
	assert.Equal(t, int64(10), widget.Quantity)
}

func TestOrderFulfillmentPersistsSagaState(t *testing.T) {
	gw := NewMemoryGateway()
	seedFulfillment(gw)
	store := NewMemorySagaStore()
	f := newFulfillment(gw, &fakePayments{}, &fakeShipments{createErr: errors.New("no trucks")}).WithStore(store)

	result := f.Run(context.Background(), fulfillmentReq)
	require.Equal(t, SagaStatusCompensated, result.Saga.Status)

	// The run is inspectable after the fact by saga ID.
	state, err := store.Load(context.Background(), result.SagaID)
	require.NoError(t, err)
	assert.Equal(t, "order_fulfillment", state.Name)
	assert.Equal(t, SagaStatusCompensated, state.Status)
	assert.Equal(t, []string{StepReserveInventory, StepProcessPayment}, state.CompletedSteps)
	assert.Equal(t, StepCreateShipment, state.FailedStep)
}
