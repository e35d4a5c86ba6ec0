// Package coordinate orchestrates multi-document business operations against
// a transactional document store: all-or-nothing coordinator operations,
// lease-based locks, and compensating-transaction sagas for work spanning
// subsystems that cannot share one native transaction.
//
// Overview
//
//  1. Pick a Gateway:
//     - Use NewMemoryGateway for tests or single-process use, or the
//       mongostore package for MongoDB.
//  2. Run atomic units through a Coordinator:
//     - TransferFunds and ProcessOrder commit all of their writes together
//       or none; business-rule failures come back in the result, with no
//       partial state left behind.
//  3. Serialize cross-unit work with a LockManager:
//     - Acquire hands out a TTL-bounded lease; a crashed owner's lock
//       self-heals once the lease lapses.
//  4. Span independent subsystems with a Saga:
//     - Append steps pairing a forward action with its compensation; on a
//       step failure, completed compensations run in reverse order.
//       OrderFulfillment wires the concrete order saga.
//
// Retries are driven by error classification alone: store adapters mark
// retryable failures with the transient marker (see IsTransient), and
// WithRetry backs off exponentially up to the policy's attempt budget.
package coordinate
