package coordinate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is the narrow transactional contract the coordinator consumes from
// the backing document store. RunAtomic executes fn with a transaction-scoped
// handle: all writes commit together or not at all. The store resolves write
// conflicts with its own concurrency control and surfaces retryable failures
// wrapped with the transient marker (see IsTransient); errors returned by fn
// itself abort the unit and are passed through unchanged.
type Gateway interface {
	RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the store's collections to code running inside one atomic unit.
// No caller may read-modify-write these entities outside of RunAtomic.
type Tx interface {
	Accounts() Accounts
	Inventory() Inventory
	Orders() Orders
	Log() TransactionLog
	Locks() Locks
}

// Accounts is the account collection.
type Accounts interface {
	// FindOne returns the account with the given ID, or ErrNoDocument.
	FindOne(ctx context.Context, id string) (*Account, error)

	// AdjustBalance atomically adds delta (which may be negative) to the
	// account's balance. Returns false when the account does not exist.
	AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (bool, error)
}

// Inventory is the inventory collection.
type Inventory interface {
	// FindOne returns the item with the given ID, or ErrNoDocument.
	FindOne(ctx context.Context, id string) (*InventoryItem, error)

	// Reserve conditionally moves qty units from Quantity to Reserved in one
	// step, guarded by Quantity >= qty. It returns the post-update item and
	// true on success, or nil and false when stock is insufficient or the
	// item is unknown.
	Reserve(ctx context.Context, id string, qty int64) (*InventoryItem, bool, error)

	// Release returns qty units from Reserved back to Quantity, guarded by
	// Reserved >= qty. Returns false when the item does not exist or holds
	// fewer reserved units than requested.
	Release(ctx context.Context, id string, qty int64) (bool, error)
}

// Orders is the order collection.
type Orders interface {
	// FindOne returns the order with the given ID, or ErrNoDocument.
	FindOne(ctx context.Context, id string) (*Order, error)

	InsertOne(ctx context.Context, order *Order) error

	// UpdateStatus transitions an order's status. Returns false when the
	// order does not exist.
	UpdateStatus(ctx context.Context, id string, status OrderStatus) (bool, error)
}

// TransactionLog is the append-only audit trail.
type TransactionLog interface {
	InsertOne(ctx context.Context, entry *LogEntry) error

	// FindByAccount returns all entries where the account appears as sender
	// or receiver, newest first.
	FindByAccount(ctx context.Context, accountID string) ([]LogEntry, error)
}

// Locks is the lease collection used by the LockManager.
type Locks interface {
	// FindCurrent returns the non-expired lock on the resource as of now,
	// or ErrNoDocument when the resource is free or its lock has lapsed.
	FindCurrent(ctx context.Context, resourceID string, now time.Time) (*Lock, error)

	// DeleteExpired garbage-collects a lapsed lock on the resource. Returns
	// whether a row was deleted.
	DeleteExpired(ctx context.Context, resourceID string, now time.Time) (bool, error)

	InsertOne(ctx context.Context, lock *Lock) error

	// DeleteOne deletes the lock matching both resource and owner. Returns
	// whether a row was deleted.
	DeleteOne(ctx context.Context, resourceID, ownerID string) (bool, error)
}
