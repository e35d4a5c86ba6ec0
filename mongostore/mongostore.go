// Package mongostore implements the coordinate.Gateway contract on MongoDB.
//
// Atomic units map to multi-document transactions on a session with majority
// write concern and snapshot read concern. The driver retries write conflicts
// under its own policy; whatever still fails with a retryable label
// (TransientTransactionError, UnknownTransactionCommitResult) is surfaced
// wrapped with the transient marker so the coordinator's retry policy can act
// on it. Errors returned by the unit's function pass through unchanged.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/coordinate"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const (
	collAccounts  = "accounts"
	collInventory = "inventory"
	collOrders    = "orders"
	collLog       = "transaction_log"
	collLocks     = "locks"
)

// Store is a MongoDB-backed coordinate.Gateway.
type Store struct {
	db *mongo.Database
}

// New wraps an existing database handle. The deployment must support
// multi-document transactions (replica set or sharded cluster).
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// EnsureIndexes creates the indexes the gateway relies on: one lock row per
// resource, and timestamp-ordered log reads per account.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collLocks).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "resource_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create locks index: %w", err)
	}

	_, err = s.db.Collection(collLog).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "from", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "to", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create log indexes: %w", err)
	}
	return nil
}

// RunAtomic implements coordinate.Gateway.
func (s *Store) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx coordinate.Tx) error) error {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return classify(fmt.Errorf("start session: %w", err))
	}
	defer session.EndSession(ctx)

	txnOpts := options.Transaction().
		SetWriteConcern(writeconcern.Majority()).
		SetReadConcern(readconcern.Snapshot())

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &tx{s: s})
	}, txnOpts)
	return classify(err)
}

// classify tags retryable driver errors with the transient marker and leaves
// everything else alone.
func classify(err error) error {
	if err == nil {
		return nil
	}

	type labeled interface {
		HasErrorLabel(string) bool
	}
	var le labeled
	if errors.As(err, &le) {
		if le.HasErrorLabel("TransientTransactionError") || le.HasErrorLabel("UnknownTransactionCommitResult") {
			return coordinate.Transient(err)
		}
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return coordinate.Transient(err)
	}
	return err
}

// tx exposes the collections scoped to one session context.
type tx struct {
	s *Store
}

func (t *tx) Accounts() coordinate.Accounts   { return (*accounts)(t) }
func (t *tx) Inventory() coordinate.Inventory { return (*inventory)(t) }
func (t *tx) Orders() coordinate.Orders       { return (*orders)(t) }
func (t *tx) Log() coordinate.TransactionLog  { return (*txnLog)(t) }
func (t *tx) Locks() coordinate.Locks         { return (*locks)(t) }

// Document shapes. Money travels as Decimal128 so $inc works server-side.

type accountDoc struct {
	ID      string               `bson:"_id"`
	Name    string               `bson:"name"`
	Balance primitive.Decimal128 `bson:"balance"`
}

type itemDoc struct {
	ID       string               `bson:"_id"`
	Quantity int64                `bson:"quantity"`
	Reserved int64                `bson:"reserved"`
	Price    primitive.Decimal128 `bson:"price"`
}

type orderLineDoc struct {
	ItemID   string               `bson:"item_id"`
	Quantity int64                `bson:"quantity"`
	Price    primitive.Decimal128 `bson:"price"`
}

type orderDoc struct {
	ID          string               `bson:"_id"`
	CustomerID  string               `bson:"customer_id"`
	Items       []orderLineDoc       `bson:"items"`
	TotalAmount primitive.Decimal128 `bson:"total_amount"`
	Status      string               `bson:"status"`
	CreatedAt   time.Time            `bson:"created_at"`
}

type logDoc struct {
	ID        string               `bson:"_id"`
	From      string               `bson:"from"`
	To        string               `bson:"to"`
	Amount    primitive.Decimal128 `bson:"amount"`
	Kind      string               `bson:"kind"`
	Status    string               `bson:"status"`
	Timestamp time.Time            `bson:"timestamp"`
}

type lockDoc struct {
	ID         string    `bson:"_id"`
	ResourceID string    `bson:"resource_id"`
	OwnerID    string    `bson:"owner_id"`
	AcquiredAt time.Time `bson:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

func toDec128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(d.String())
}

func fromDec128(v primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(v.String())
}

type accounts tx

func (c *accounts) FindOne(ctx context.Context, id string) (*coordinate.Account, error) {
	var doc accountDoc
	err := c.s.db.Collection(collAccounts).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, coordinate.ErrNoDocument
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	balance, err := fromDec128(doc.Balance)
	if err != nil {
		return nil, fmt.Errorf("decode balance for %s: %w", id, err)
	}
	return &coordinate.Account{ID: doc.ID, Name: doc.Name, Balance: balance}, nil
}

func (c *accounts) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (bool, error) {
	d128, err := toDec128(delta)
	if err != nil {
		return false, fmt.Errorf("encode delta: %w", err)
	}
	res, err := c.s.db.Collection(collAccounts).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"balance": d128}},
	)
	if err != nil {
		return false, fmt.Errorf("adjust balance: %w", err)
	}
	return res.MatchedCount > 0, nil
}

type inventory tx

func (c *inventory) FindOne(ctx context.Context, id string) (*coordinate.InventoryItem, error) {
	var doc itemDoc
	err := c.s.db.Collection(collInventory).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, coordinate.ErrNoDocument
	}
	if err != nil {
		return nil, fmt.Errorf("find item: %w", err)
	}
	return decodeItem(doc)
}

func decodeItem(doc itemDoc) (*coordinate.InventoryItem, error) {
	price, err := fromDec128(doc.Price)
	if err != nil {
		return nil, fmt.Errorf("decode price for %s: %w", doc.ID, err)
	}
	return &coordinate.InventoryItem{
		ID:       doc.ID,
		Quantity: doc.Quantity,
		Reserved: doc.Reserved,
		Price:    price,
	}, nil
}

func (c *inventory) Reserve(ctx context.Context, id string, qty int64) (*coordinate.InventoryItem, bool, error) {
	var doc itemDoc
	err := c.s.db.Collection(collInventory).FindOneAndUpdate(ctx,
		bson.M{"_id": id, "quantity": bson.M{"$gte": qty}},
		bson.M{"$inc": bson.M{"quantity": -qty, "reserved": qty}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Unknown item or not enough stock; the caller cannot tell the
		// difference and does not need to.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reserve: %w", err)
	}
	item, err := decodeItem(doc)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

func (c *inventory) Release(ctx context.Context, id string, qty int64) (bool, error) {
	res, err := c.s.db.Collection(collInventory).UpdateOne(ctx,
		bson.M{"_id": id, "reserved": bson.M{"$gte": qty}},
		bson.M{"$inc": bson.M{"quantity": qty, "reserved": -qty}},
	)
	if err != nil {
		return false, fmt.Errorf("release: %w", err)
	}
	return res.MatchedCount > 0, nil
}

type orders tx

func (c *orders) FindOne(ctx context.Context, id string) (*coordinate.Order, error) {
	var doc orderDoc
	err := c.s.db.Collection(collOrders).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, coordinate.ErrNoDocument
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	return decodeOrder(doc)
}

func decodeOrder(doc orderDoc) (*coordinate.Order, error) {
	total, err := fromDec128(doc.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("decode total for %s: %w", doc.ID, err)
	}
	order := &coordinate.Order{
		ID:          doc.ID,
		CustomerID:  doc.CustomerID,
		TotalAmount: total,
		Status:      coordinate.OrderStatus(doc.Status),
		CreatedAt:   doc.CreatedAt,
	}
	for _, line := range doc.Items {
		price, err := fromDec128(line.Price)
		if err != nil {
			return nil, fmt.Errorf("decode line price for %s: %w", doc.ID, err)
		}
		order.Items = append(order.Items, coordinate.OrderItem{
			ItemID:   line.ItemID,
			Quantity: line.Quantity,
			Price:    price,
		})
	}
	return order, nil
}

func (c *orders) InsertOne(ctx context.Context, order *coordinate.Order) error {
	total, err := toDec128(order.TotalAmount)
	if err != nil {
		return fmt.Errorf("encode total: %w", err)
	}
	doc := orderDoc{
		ID:          order.ID,
		CustomerID:  order.CustomerID,
		TotalAmount: total,
		Status:      string(order.Status),
		CreatedAt:   order.CreatedAt,
	}
	for _, line := range order.Items {
		price, err := toDec128(line.Price)
		if err != nil {
			return fmt.Errorf("encode line price: %w", err)
		}
		doc.Items = append(doc.Items, orderLineDoc{
			ItemID:   line.ItemID,
			Quantity: line.Quantity,
			Price:    price,
		})
	}
	if _, err := c.s.db.Collection(collOrders).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (c *orders) UpdateStatus(ctx context.Context, id string, status coordinate.OrderStatus) (bool, error) {
	res, err := c.s.db.Collection(collOrders).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": string(status)}},
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return res.MatchedCount > 0, nil
}

type txnLog tx

func (c *txnLog) InsertOne(ctx context.Context, entry *coordinate.LogEntry) error {
	amount, err := toDec128(entry.Amount)
	if err != nil {
		return fmt.Errorf("encode amount: %w", err)
	}
	doc := logDoc{
		ID:        entry.ID,
		From:      entry.From,
		To:        entry.To,
		Amount:    amount,
		Kind:      string(entry.Kind),
		Status:    string(entry.Status),
		Timestamp: entry.Timestamp,
	}
	if _, err := c.s.db.Collection(collLog).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

func (c *txnLog) FindByAccount(ctx context.Context, accountID string) ([]coordinate.LogEntry, error) {
	cursor, err := c.s.db.Collection(collLog).Find(ctx,
		bson.M{"$or": bson.A{bson.M{"from": accountID}, bson.M{"to": accountID}}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find log entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []coordinate.LogEntry
	for cursor.Next(ctx) {
		var doc logDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode log entry: %w", err)
		}
		amount, err := fromDec128(doc.Amount)
		if err != nil {
			return nil, fmt.Errorf("decode amount for %s: %w", doc.ID, err)
		}
		entries = append(entries, coordinate.LogEntry{
			ID:        doc.ID,
			From:      doc.From,
			To:        doc.To,
			Amount:    amount,
			Kind:      coordinate.LogKind(doc.Kind),
			Status:    coordinate.LogStatus(doc.Status),
			Timestamp: doc.Timestamp,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}

type locks tx

func (c *locks) FindCurrent(ctx context.Context, resourceID string, now time.Time) (*coordinate.Lock, error) {
	var doc lockDoc
	err := c.s.db.Collection(collLocks).FindOne(ctx,
		bson.M{"resource_id": resourceID, "expires_at": bson.M{"$gt": now}},
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, coordinate.ErrNoDocument
	}
	if err != nil {
		return nil, fmt.Errorf("find lock: %w", err)
	}
	return &coordinate.Lock{
		ID:         doc.ID,
		ResourceID: doc.ResourceID,
		OwnerID:    doc.OwnerID,
		AcquiredAt: doc.AcquiredAt,
		ExpiresAt:  doc.ExpiresAt,
	}, nil
}

func (c *locks) DeleteExpired(ctx context.Context, resourceID string, now time.Time) (bool, error) {
	res, err := c.s.db.Collection(collLocks).DeleteOne(ctx,
		bson.M{"resource_id": resourceID, "expires_at": bson.M{"$lte": now}},
	)
	if err != nil {
		return false, fmt.Errorf("delete expired lock: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (c *locks) InsertOne(ctx context.Context, lock *coordinate.Lock) error {
	doc := lockDoc{
		ID:         lock.ID,
		ResourceID: lock.ResourceID,
		OwnerID:    lock.OwnerID,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt,
	}
	if _, err := c.s.db.Collection(collLocks).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

func (c *locks) DeleteOne(ctx context.Context, resourceID, ownerID string) (bool, error) {
	res, err := c.s.db.Collection(collLocks).DeleteOne(ctx,
		bson.M{"resource_id": resourceID, "owner_id": ownerID},
	)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	return res.DeletedCount > 0, nil
}
