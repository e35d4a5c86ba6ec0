package coordinate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// MemoryGateway is an in-memory Gateway for tests and single-process use.
//
// Atomic units are serialized behind one mutex; writes are buffered in the
// transaction handle and applied to the committed collections only when fn
// returns nil, so a failed unit leaves no partial state behind. Committed
// collections are xsync maps and may be read concurrently through the
// accessor helpers without blocking in-flight units.
type MemoryGateway struct {
	mu sync.Mutex

	accounts  *xsync.MapOf[string, Account]
	inventory *xsync.MapOf[string, InventoryItem]
	orders    *xsync.MapOf[string, Order]
	locks     *xsync.MapOf[string, Lock] // keyed by resource ID
	log       *btree.Map[uint64, LogEntry]
	logSeq    uint64

	commitErrs []error
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		accounts:  xsync.NewMapOf[string, Account](),
		inventory: xsync.NewMapOf[string, InventoryItem](),
		orders:    xsync.NewMapOf[string, Order](),
		locks:     xsync.NewMapOf[string, Lock](),
		log:       btree.NewMap[uint64, LogEntry](8),
	}
}

// FailCommits queues errors to be returned by upcoming RunAtomic calls in
// place of their commit, one per call, discarding the unit's writes. Wrap
// with Transient to simulate retryable write conflicts.
func (g *MemoryGateway) FailCommits(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commitErrs = append(g.commitErrs, errs...)
}

// RunAtomic implements Gateway.
func (g *MemoryGateway) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tx := &memTx{
		g:           g,
		accountPuts: make(map[string]Account),
		itemPuts:    make(map[string]InventoryItem),
		orderPuts:   make(map[string]Order),
		lockPuts:    make(map[string]Lock),
		lockDeletes: make(map[string]bool),
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if len(g.commitErrs) > 0 {
		err := g.commitErrs[0]
		g.commitErrs = g.commitErrs[1:]
		return err
	}

	tx.apply()
	return nil
}

// Seed helpers and committed-state accessors, usable outside atomic units.

func (g *MemoryGateway) PutAccount(a Account) { g.accounts.Store(a.ID, a) }

func (g *MemoryGateway) PutItem(i InventoryItem) { g.inventory.Store(i.ID, i) }

func (g *MemoryGateway) AccountByID(id string) (Account, bool) { return g.accounts.Load(id) }

func (g *MemoryGateway) ItemByID(id string) (InventoryItem, bool) { return g.inventory.Load(id) }

func (g *MemoryGateway) OrderByID(id string) (Order, bool) { return g.orders.Load(id) }

func (g *MemoryGateway) LockByResource(resourceID string) (Lock, bool) {
	return g.locks.Load(resourceID)
}

// LogEntries returns the committed transaction log in append order.
func (g *MemoryGateway) LogEntries() []LogEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries := make([]LogEntry, 0, g.log.Len())
	g.log.Scan(func(_ uint64, e LogEntry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

// memTx buffers one atomic unit's writes against the committed collections.
type memTx struct {
	g *MemoryGateway

	accountPuts map[string]Account
	itemPuts    map[string]InventoryItem
	orderPuts   map[string]Order
	lockPuts    map[string]Lock
	lockDeletes map[string]bool
	logAppends  []LogEntry
}

func (t *memTx) apply() {
	for id, a := range t.accountPuts {
		t.g.accounts.Store(id, a)
	}
	for id, i := range t.itemPuts {
		t.g.inventory.Store(id, i)
	}
	for id, o := range t.orderPuts {
		t.g.orders.Store(id, o)
	}
	for res := range t.lockDeletes {
		t.g.locks.Delete(res)
	}
	for res, l := range t.lockPuts {
		t.g.locks.Store(res, l)
	}
	for _, e := range t.logAppends {
		t.g.logSeq++
		t.g.log.Set(t.g.logSeq, e)
	}
}

func (t *memTx) Accounts() Accounts   { return (*memAccounts)(t) }
func (t *memTx) Inventory() Inventory { return (*memInventory)(t) }
func (t *memTx) Orders() Orders       { return (*memOrders)(t) }
func (t *memTx) Log() TransactionLog  { return (*memLog)(t) }
func (t *memTx) Locks() Locks         { return (*memLocks)(t) }

type memAccounts memTx

func (c *memAccounts) FindOne(_ context.Context, id string) (*Account, error) {
	if a, ok := c.accountPuts[id]; ok {
		return &a, nil
	}
	if a, ok := c.g.accounts.Load(id); ok {
		return &a, nil
	}
	return nil, ErrNoDocument
}

func (c *memAccounts) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (bool, error) {
	a, err := c.FindOne(ctx, id)
	if err != nil {
		return false, nil
	}
	a.Balance = a.Balance.Add(delta)
	c.accountPuts[id] = *a
	return true, nil
}

type memInventory memTx

func (c *memInventory) FindOne(_ context.Context, id string) (*InventoryItem, error) {
	if i, ok := c.itemPuts[id]; ok {
		return &i, nil
	}
	if i, ok := c.g.inventory.Load(id); ok {
		return &i, nil
	}
	return nil, ErrNoDocument
}

func (c *memInventory) Reserve(ctx context.Context, id string, qty int64) (*InventoryItem, bool, error) {
	item, err := c.FindOne(ctx, id)
	if err != nil {
		return nil, false, nil
	}
	if item.Quantity < qty {
		return nil, false, nil
	}
	item.Quantity -= qty
	item.Reserved += qty
	c.itemPuts[id] = *item
	return item, true, nil
}

func (c *memInventory) Release(ctx context.Context, id string, qty int64) (bool, error) {
	item, err := c.FindOne(ctx, id)
	if err != nil {
		return false, nil
	}
	if item.Reserved < qty {
		return false, nil
	}
	item.Quantity += qty
	item.Reserved -= qty
	c.itemPuts[id] = *item
	return true, nil
}

type memOrders memTx

func (c *memOrders) FindOne(_ context.Context, id string) (*Order, error) {
	if o, ok := c.orderPuts[id]; ok {
		return &o, nil
	}
	if o, ok := c.g.orders.Load(id); ok {
		return &o, nil
	}
	return nil, ErrNoDocument
}

func (c *memOrders) InsertOne(_ context.Context, order *Order) error {
	if _, ok := c.orderPuts[order.ID]; ok {
		return fmt.Errorf("order %q already exists", order.ID)
	}
	if _, ok := c.g.orders.Load(order.ID); ok {
		return fmt.Errorf("order %q already exists", order.ID)
	}
	c.orderPuts[order.ID] = *order
	return nil
}

func (c *memOrders) UpdateStatus(_ context.Context, id string, status OrderStatus) (bool, error) {
	o, ok := c.orderPuts[id]
	if !ok {
		o, ok = c.g.orders.Load(id)
	}
	if !ok {
		return false, nil
	}
	o.Status = status
	c.orderPuts[id] = o
	return true, nil
}

type memLog memTx

func (c *memLog) InsertOne(_ context.Context, entry *LogEntry) error {
	c.logAppends = append(c.logAppends, *entry)
	return nil
}

func (c *memLog) FindByAccount(_ context.Context, accountID string) ([]LogEntry, error) {
	var entries []LogEntry
	// Uncommitted appends are newer than anything committed.
	for i := len(c.logAppends) - 1; i >= 0; i-- {
		if e := c.logAppends[i]; e.From == accountID || e.To == accountID {
			entries = append(entries, e)
		}
	}
	// Reverse scan yields newest-first without a sort pass.
	c.g.log.Reverse(func(_ uint64, e LogEntry) bool {
		if e.From == accountID || e.To == accountID {
			entries = append(entries, e)
		}
		return true
	})
	return entries, nil
}

type memLocks memTx

func (c *memLocks) current(resourceID string) (Lock, bool) {
	if c.lockDeletes[resourceID] {
		if l, ok := c.lockPuts[resourceID]; ok {
			return l, true
		}
		return Lock{}, false
	}
	if l, ok := c.lockPuts[resourceID]; ok {
		return l, true
	}
	return c.g.locks.Load(resourceID)
}

func (c *memLocks) FindCurrent(_ context.Context, resourceID string, now time.Time) (*Lock, error) {
	l, ok := c.current(resourceID)
	if !ok || l.Expired(now) {
		return nil, ErrNoDocument
	}
	return &l, nil
}

func (c *memLocks) DeleteExpired(_ context.Context, resourceID string, now time.Time) (bool, error) {
	l, ok := c.current(resourceID)
	if !ok || !l.Expired(now) {
		return false, nil
	}
	delete(c.lockPuts, resourceID)
	c.lockDeletes[resourceID] = true
	return true, nil
}

func (c *memLocks) InsertOne(_ context.Context, lock *Lock) error {
	c.lockPuts[lock.ResourceID] = *lock
	return nil
}

func (c *memLocks) DeleteOne(_ context.Context, resourceID, ownerID string) (bool, error) {
	l, ok := c.current(resourceID)
	if !ok || l.OwnerID != ownerID {
		return false, nil
	}
	delete(c.lockPuts, resourceID)
	c.lockDeletes[resourceID] = true
	return true, nil
}
