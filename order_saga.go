package coordinate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Step names of the order-fulfillment saga.
const (
	StepReserveInventory = "reserve_inventory"
	StepProcessPayment   = "process_payment"
	StepCreateShipment   = "create_shipment"
	StepFinalizeOrder    = "finalize_order"
)

// PaymentService is the payment subsystem. It commits independently of the
// document store, which is why fulfillment runs as a saga rather than one
// native transaction.
type PaymentService interface {
	Charge(ctx context.Context, customerID string, amount decimal.Decimal) (paymentID string, err error)
	Refund(ctx context.Context, paymentID string) error
}

// ShipmentService is the shipping subsystem.
type ShipmentService interface {
	Create(ctx context.Context, customerID string, items []OrderItem) (shipmentID string, err error)
	Cancel(ctx context.Context, shipmentID string) error
}

// Reservation is the output of the reserve-inventory step: the priced order
// lines and their total at reservation-time prices.
type Reservation struct {
	Lines []OrderItem
	Total decimal.Decimal
}

// FulfillmentRequest describes one order to fulfill.
type FulfillmentRequest struct {
	CustomerID string
	Items      []RequestedItem
}

// FulfillmentResult is the outcome of one fulfillment run. SagaID keys the
// persisted state when a store is configured.
type FulfillmentResult struct {
	SagaID  string
	Saga    SagaResult
	OrderID string
}

// OrderFulfillment wires the concrete order saga:
//
//	reserve inventory → process payment → create shipment → finalize order
//
// The first three steps have compensations (release, refund, cancel);
// finalize is last and has nothing to roll forward from, only the prior
// three to unwind. Inventory and the order document go through the gateway
// in their own independently-committing units; payment and shipping are
// external subsystems.
type OrderFulfillment struct {
	gw        Gateway
	payments  PaymentService
	shipments ShipmentService
	retry     RetryPolicy
	logger    *zap.Logger
	store     SagaStore
}

// NewOrderFulfillment creates the fulfillment orchestrator. A nil logger
// disables logging.
func NewOrderFulfillment(gw Gateway, payments PaymentService, shipments ShipmentService, logger *zap.Logger) *OrderFulfillment {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := DefaultRetryPolicy
	retry.Logger = logger
	return &OrderFulfillment{
		gw:        gw,
		payments:  payments,
		shipments: shipments,
		retry:     retry,
		logger:    logger,
	}
}

// WithStore configures persistence of saga status transitions.
func (f *OrderFulfillment) WithStore(store SagaStore) *OrderFulfillment {
	f.store = store
	return f
}

// Run executes one fulfillment saga.
func (f *OrderFulfillment) Run(ctx context.Context, req FulfillmentRequest) FulfillmentResult {
	saga := NewSaga("order_fulfillment", f.logger)
	if f.store != nil {
		saga.WithStore(f.store)
	}

	steps := []Step{
		{
			Name:       StepReserveInventory,
			Forward:    f.reserveInventory(req),
			Compensate: f.releaseInventory,
		},
		{
			Name:       StepProcessPayment,
			Forward:    f.processPayment(req),
			Compensate: f.refundPayment,
		},
		{
			Name:       StepCreateShipment,
			Forward:    f.createShipment(req),
			Compensate: f.cancelShipment,
		},
		{
			Name:    StepFinalizeOrder,
			Forward: f.finalizeOrder(req),
		},
	}
	for _, step := range steps {
		if err := saga.Append(step); err != nil {
			// Unreachable with the fixed step set, but surfaced rather than dropped.
			return FulfillmentResult{SagaID: saga.ID(), Saga: SagaResult{Err: err}}
		}
	}

	result := saga.Execute(ctx)

	var orderID string
	if result.Success() {
		orderID, _ = LookupOutput[string](result.Outputs, StepFinalizeOrder)
	}
	return FulfillmentResult{SagaID: saga.ID(), Saga: result, OrderID: orderID}
}

func (f *OrderFulfillment) reserveInventory(req FulfillmentRequest) ForwardFunc {
	return func(ctx context.Context, _ *StepOutputs) (any, error) {
		return WithRetry(ctx, f.retry, func(ctx context.Context) (any, error) {
			var res Reservation
			err := f.gw.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
				res = Reservation{Total: decimal.Zero}
				for _, line := range req.Items {
					item, ok, err := tx.Inventory().Reserve(ctx, line.ItemID, line.Quantity)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%w: %s", ErrInsufficientInventory, line.ItemID)
					}
					res.Total = res.Total.Add(item.Price.Mul(decimal.NewFromInt(line.Quantity)))
					res.Lines = append(res.Lines, OrderItem{
						ItemID:   line.ItemID,
						Quantity: line.Quantity,
						Price:    item.Price,
					})
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return res, nil
		})
	}
}

func (f *OrderFulfillment) releaseInventory(ctx context.Context, output any) error {
	res, ok := output.(Reservation)
	if !ok {
		return fmt.Errorf("unexpected reservation output %T", output)
	}
	_, err := WithRetry(ctx, f.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, f.gw.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
			for _, line := range res.Lines {
				if _, err := tx.Inventory().Release(ctx, line.ItemID, line.Quantity); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return err
}

func (f *OrderFulfillment) processPayment(req FulfillmentRequest) ForwardFunc {
	return func(ctx context.Context, prior *StepOutputs) (any, error) {
		res, ok := LookupOutput[Reservation](prior, StepReserveInventory)
		if !ok {
			return nil, fmt.Errorf("no reservation output for %s", StepProcessPayment)
		}
		return f.payments.Charge(ctx, req.CustomerID, res.Total)
	}
}

func (f *OrderFulfillment) refundPayment(ctx context.Context, output any) error {
	paymentID, ok := output.(string)
	if !ok {
		return fmt.Errorf("unexpected payment output %T", output)
	}
	return f.payments.Refund(ctx, paymentID)
}

func (f *OrderFulfillment) createShipment(req FulfillmentRequest) ForwardFunc {
	return func(ctx context.Context, prior *StepOutputs) (any, error) {
		res, ok := LookupOutput[Reservation](prior, StepReserveInventory)
		if !ok {
			return nil, fmt.Errorf("no reservation output for %s", StepCreateShipment)
		}
		return f.shipments.Create(ctx, req.CustomerID, res.Lines)
	}
}

func (f *OrderFulfillment) cancelShipment(ctx context.Context, output any) error {
	shipmentID, ok := output.(string)
	if !ok {
		return fmt.Errorf("unexpected shipment output %T", output)
	}
	return f.shipments.Cancel(ctx, shipmentID)
}

func (f *OrderFulfillment) finalizeOrder(req FulfillmentRequest) ForwardFunc {
	return func(ctx context.Context, prior *StepOutputs) (any, error) {
		res, ok := LookupOutput[Reservation](prior, StepReserveInventory)
		if !ok {
			return nil, fmt.Errorf("no reservation output for %s", StepFinalizeOrder)
		}
		return WithRetry(ctx, f.retry, func(ctx context.Context) (any, error) {
			order := &Order{
				ID:          uuid.NewString(),
				CustomerID:  req.CustomerID,
				Items:       res.Lines,
				TotalAmount: res.Total,
				Status:      OrderStatusConfirmed,
				CreatedAt:   time.Now(),
			}
			err := f.gw.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
				return tx.Orders().InsertOne(ctx, order)
			})
			if err != nil {
				return nil, err
			}
			return order.ID, nil
		})
	}
}
