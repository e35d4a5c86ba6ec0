package coordinate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockResult reports the outcome of an Acquire call. Business failures
// (ErrAlreadyLocked) are recovered into the result rather than raised, so
// contending callers can poll or back off without error plumbing.
type LockResult struct {
	Success bool
	LockID  string
	Err     error
}

// LockManager hands out time-bounded exclusive leases on named resources. A
// lease self-heals: if the owner crashes without releasing, the lock becomes
// reacquirable once its TTL lapses, with no external recovery step.
//
// There is no renewal mechanism; a critical section is only as safe as its
// TTL estimate. Callers needing longer sections must re-acquire before
// expiry.
type LockManager struct {
	gw     Gateway
	retry  RetryPolicy
	logger *zap.Logger
	now    func() time.Time
}

// NewLockManager creates a LockManager over the given gateway. A nil logger
// disables logging.
func NewLockManager(gw Gateway, logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		gw:     gw,
		retry:  DefaultRetryPolicy,
		logger: logger,
		now:    time.Now,
	}
}

// Acquire takes the lease on resourceID for ownerID, valid for ttl. The
// check for a live lock, garbage collection of a stale one, and the insert
// of the new lease happen in one atomic unit, so two concurrent acquirers
// cannot both pass the check.
func (m *LockManager) Acquire(ctx context.Context, resourceID, ownerID string, ttl time.Duration) LockResult {
	lockID, err := WithRetry(ctx, m.retry, func(ctx context.Context) (string, error) {
		var id string
		err := m.gw.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
			now := m.now()

			_, err := tx.Locks().FindCurrent(ctx, resourceID, now)
			switch {
			case err == nil:
				return ErrAlreadyLocked
			case !errors.Is(err, ErrNoDocument):
				return err
			}

			if _, err := tx.Locks().DeleteExpired(ctx, resourceID, now); err != nil {
				return err
			}

			lock := &Lock{
				ID:         uuid.NewString(),
				ResourceID: resourceID,
				OwnerID:    ownerID,
				AcquiredAt: now,
				ExpiresAt:  now.Add(ttl),
			}
			if err := tx.Locks().InsertOne(ctx, lock); err != nil {
				return err
			}
			id = lock.ID
			return nil
		})
		return id, err
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadyLocked) {
			m.logger.Warn("lock acquire failed",
				zap.String("resource_id", resourceID),
				zap.String("owner_id", ownerID),
				zap.Error(err))
		}
		return LockResult{Success: false, Err: err}
	}

	m.logger.Debug("lock acquired",
		zap.String("resource_id", resourceID),
		zap.String("owner_id", ownerID),
		zap.Duration("ttl", ttl))
	return LockResult{Success: true, LockID: lockID}
}

// Release deletes the lock matching both resource and owner and reports
// whether a row was actually deleted. Releasing a lock you do not own, or
// one that already lapsed and was collected, is a no-op, not an error.
func (m *LockManager) Release(ctx context.Context, resourceID, ownerID string) (bool, error) {
	return WithRetry(ctx, m.retry, func(ctx context.Context) (bool, error) {
		var deleted bool
		err := m.gw.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			deleted, err = tx.Locks().DeleteOne(ctx, resourceID, ownerID)
			return err
		})
		return deleted, err
	})
}
