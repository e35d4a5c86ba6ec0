package coordinate

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a customer balance record. Balances are only mutated inside an
// atomic unit run by the Coordinator; a committed transfer never leaves a
// balance negative.
type Account struct {
	ID      string          `json:"id" bson:"_id"`
	Name    string          `json:"name" bson:"name"`
	Balance decimal.Decimal `json:"balance" bson:"balance"`
}

// InventoryItem tracks sellable stock. Within one reservation Quantity only
// decreases and Reserved only increases, by the same amount.
type InventoryItem struct {
	ID       string          `json:"id" bson:"_id"`
	Quantity int64           `json:"quantity" bson:"quantity"`
	Reserved int64           `json:"reserved" bson:"reserved"`
	Price    decimal.Decimal `json:"price" bson:"price"`
}

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderItem is one line of an order. Price is the unit price read at
// reservation time; it does not move with later price changes.
type OrderItem struct {
	ItemID   string          `json:"item_id" bson:"item_id"`
	Quantity int64           `json:"quantity" bson:"quantity"`
	Price    decimal.Decimal `json:"price" bson:"price"`
}

// Order is created once by ProcessOrder or the order-fulfillment saga and is
// immutable afterwards except for the status transition on compensation.
type Order struct {
	ID          string          `json:"id" bson:"_id"`
	CustomerID  string          `json:"customer_id" bson:"customer_id"`
	Items       []OrderItem     `json:"items" bson:"items"`
	TotalAmount decimal.Decimal `json:"total_amount" bson:"total_amount"`
	Status      OrderStatus     `json:"status" bson:"status"`
	CreatedAt   time.Time       `json:"created_at" bson:"created_at"`
}

// LogKind distinguishes the business operation a log entry records.
type LogKind string

const (
	LogKindTransfer LogKind = "transfer"
	LogKindOrder    LogKind = "order"
)

// LogStatus is the outcome recorded in a transaction-log entry.
type LogStatus string

const (
	LogStatusCompleted LogStatus = "completed"
	LogStatusFailed    LogStatus = "failed"
)

// LogEntry is one row of the append-only transaction log. Exactly one entry is
// written per committed business operation, inside the same atomic unit.
type LogEntry struct {
	ID        string          `json:"id" bson:"_id"`
	From      string          `json:"from" bson:"from"`
	To        string          `json:"to" bson:"to"`
	Amount    decimal.Decimal `json:"amount" bson:"amount"`
	Kind      LogKind         `json:"kind" bson:"kind"`
	Status    LogStatus       `json:"status" bson:"status"`
	Timestamp time.Time       `json:"timestamp" bson:"timestamp"`
}

// Lock is a time-bounded exclusive lease on a named resource. At most one
// non-expired lock exists per ResourceID.
type Lock struct {
	ID         string    `json:"id" bson:"_id"`
	ResourceID string    `json:"resource_id" bson:"resource_id"`
	OwnerID    string    `json:"owner_id" bson:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at" bson:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at" bson:"expires_at"`
}

// Expired reports whether the lease has lapsed as of now.
func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
