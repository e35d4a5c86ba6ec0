package coordinate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransferResult is the outcome of TransferFunds. Business-rule failures are
// recovered into Err so batch callers can continue past individual failures.
type TransferResult struct {
	Success bool
	LogID   string
	Err     error
}

// OrderResult is the outcome of ProcessOrder.
type OrderResult struct {
	Success bool
	OrderID string
	Err     error
}

// RequestedItem is one line of an order request.
type RequestedItem struct {
	ItemID   string
	Quantity int64
}

// AccountStatement is an account together with its transaction history,
// newest first, read in one consistent unit.
type AccountStatement struct {
	Account Account
	Entries []LogEntry
}

// Coordinator executes named business operations as all-or-nothing units
// against the store gateway. Each commit attempt is wrapped by the retry
// policy; business-rule errors are never retried.
type Coordinator struct {
	gw     Gateway
	retry  RetryPolicy
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator creates a Coordinator with the default retry policy. A nil
// logger disables logging.
func NewCoordinator(gw Gateway, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := DefaultRetryPolicy
	retry.Logger = logger
	return &Coordinator{
		gw:     gw,
		retry:  retry,
		logger: logger,
		now:    time.Now,
	}
}

// businessFailure reports whether err is an expected business-rule outcome
// rather than an infrastructure problem.
func businessFailure(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientInventory) ||
		errors.Is(err, ErrInvalidAmount)
}

// TransferFunds moves amount from one account to another and appends a
// completed transaction-log entry, all inside one atomic unit. On any
// failure the whole unit is discarded; no partial writes survive.
//
// A transfer to self nets out to an unchanged balance but still passes the
// amount and balance checks and still writes its log entry.
func (c *Coordinator) TransferFunds(ctx context.Context, fromID, toID string, amount decimal.Decimal) TransferResult {
	if !amount.IsPositive() {
		return TransferResult{Err: ErrInvalidAmount}
	}

	logID, err := WithRetry(ctx, c.retry, func(ctx context.Context) (string, error) {
		var id string
		err := c.gw.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
			from, err := tx.Accounts().FindOne(ctx, fromID)
			if errors.Is(err, ErrNoDocument) {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, fromID)
			} else if err != nil {
				return err
			}
			if from.Balance.LessThan(amount) {
				return ErrInsufficientFunds
			}

			if _, err := tx.Accounts().FindOne(ctx, toID); errors.Is(err, ErrNoDocument) {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, toID)
			} else if err != nil {
				return err
			}

			if _, err := tx.Accounts().AdjustBalance(ctx, fromID, amount.Neg()); err != nil {
				return err
			}
			if _, err := tx.Accounts().AdjustBalance(ctx, toID, amount); err != nil {
				return err
			}

			entry := &LogEntry{
				ID:        uuid.NewString(),
				From:      fromID,
				To:        toID,
				Amount:    amount,
				Kind:      LogKindTransfer,
				Status:    LogStatusCompleted,
				Timestamp: c.now(),
			}
			if err := tx.Log().InsertOne(ctx, entry); err != nil {
				return err
			}
			id = entry.ID
			return nil
		})
		return id, err
	})
	if err != nil {
		if !businessFailure(err) {
			c.logger.Warn("transfer aborted",
				zap.String("from", fromID),
				zap.String("to", toID),
				zap.Error(err))
		}
		return TransferResult{Err: err}
	}
	return TransferResult{Success: true, LogID: logID}
}

// ProcessOrder reserves stock for every requested item, debits the customer
// for the total at reservation-time prices, and inserts a confirmed order,
// all inside one atomic unit. If any item is short, every reservation made
// earlier in the same unit is discarded with it.
func (c *Coordinator) ProcessOrder(ctx context.Context, customerID string, items []RequestedItem) OrderResult {
	orderID, err := WithRetry(ctx, c.retry, func(ctx context.Context) (string, error) {
		var id string
		err := c.gw.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
			total := decimal.Zero
			lines := make([]OrderItem, 0, len(items))

			for _, req := range items {
				if req.Quantity <= 0 {
					return fmt.Errorf("%w: quantity for %s", ErrInvalidAmount, req.ItemID)
				}
				item, ok, err := tx.Inventory().Reserve(ctx, req.ItemID, req.Quantity)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: %s", ErrInsufficientInventory, req.ItemID)
				}
				total = total.Add(item.Price.Mul(decimal.NewFromInt(req.Quantity)))
				lines = append(lines, OrderItem{
					ItemID:   req.ItemID,
					Quantity: req.Quantity,
					Price:    item.Price,
				})
			}

			customer, err := tx.Accounts().FindOne(ctx, customerID)
			if errors.Is(err, ErrNoDocument) {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, customerID)
			} else if err != nil {
				return err
			}
			if customer.Balance.LessThan(total) {
				return ErrInsufficientFunds
			}
			if _, err := tx.Accounts().AdjustBalance(ctx, customerID, total.Neg()); err != nil {
				return err
			}

			order := &Order{
				ID:          uuid.NewString(),
				CustomerID:  customerID,
				Items:       lines,
				TotalAmount: total,
				Status:      OrderStatusConfirmed,
				CreatedAt:   c.now(),
			}
			if err := tx.Orders().InsertOne(ctx, order); err != nil {
				return err
			}

			entry := &LogEntry{
				ID:        uuid.NewString(),
				From:      customerID,
				To:        order.ID,
				Amount:    total,
				Kind:      LogKindOrder,
				Status:    LogStatusCompleted,
				Timestamp: c.now(),
			}
			if err := tx.Log().InsertOne(ctx, entry); err != nil {
				return err
			}
			id = order.ID
			return nil
		})
		return id, err
	})
	if err != nil {
		if !businessFailure(err) {
			c.logger.Warn("order aborted",
				zap.String("customer", customerID),
				zap.Error(err))
		}
		return OrderResult{Err: err}
	}
	return OrderResult{Success: true, OrderID: orderID}
}

// CancelOrder unwinds a confirmed order: reserved stock goes back to
// quantity, the customer is credited the order total, and the order moves to
// cancelled, all in one atomic unit. Cancelling an already-cancelled or
// unknown order reports false without touching anything.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return WithRetry(ctx, c.retry, func(ctx context.Context) (bool, error) {
		var cancelled bool
		err := c.gw.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
			order, err := tx.Orders().FindOne(ctx, orderID)
			if errors.Is(err, ErrNoDocument) {
				return nil
			} else if err != nil {
				return err
			}
			if order.Status == OrderStatusCancelled {
				return nil
			}

			for _, line := range order.Items {
				if _, err := tx.Inventory().Release(ctx, line.ItemID, line.Quantity); err != nil {
					return err
				}
			}
			if _, err := tx.Accounts().AdjustBalance(ctx, order.CustomerID, order.TotalAmount); err != nil {
				return err
			}
			if _, err := tx.Orders().UpdateStatus(ctx, orderID, OrderStatusCancelled); err != nil {
				return err
			}
			cancelled = true
			return nil
		})
		return cancelled, err
	})
}

// AccountStatement reads an account and its transaction history in one unit,
// so the entries are consistent with the balance.
func (c *Coordinator) AccountStatement(ctx context.Context, accountID string) (*AccountStatement, error) {
	return WithRetry(ctx, c.retry, func(ctx context.Context) (*AccountStatement, error) {
		var stmt AccountStatement
		err := c.gw.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
			account, err := tx.Accounts().FindOne(ctx, accountID)
			if errors.Is(err, ErrNoDocument) {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
			} else if err != nil {
				return err
			}
			entries, err := tx.Log().FindByAccount(ctx, accountID)
			if err != nil {
				return err
			}
			stmt = AccountStatement{Account: *account, Entries: entries}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &stmt, nil
	})
}
