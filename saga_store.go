package coordinate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SagaStore persists saga status transitions. It exists for the operator: a
// run that ends in CompensationFailed leaves real side effects behind, and
// the stored record is what identifies which steps need manual attention.
type SagaStore interface {
	// Save persists the state of one saga execution.
	Save(ctx context.Context, sagaID string, state SagaState) error

	// Load retrieves a saga execution by ID.
	Load(ctx context.Context, sagaID string) (*SagaState, error)

	// Delete removes a saga execution record.
	Delete(ctx context.Context, sagaID string) error
}

// SagaState is the persisted view of one saga execution.
type SagaState struct {
	SagaID             string               `json:"saga_id"`
	Name               string               `json:"saga_name"`
	Status             SagaStatus           `json:"status"`
	CompletedSteps     []string             `json:"completed_steps,omitempty"`
	FailedStep         string               `json:"failed_step,omitempty"`
	Error              string               `json:"error,omitempty"`
	CompensationErrors []CompensationRecord `json:"compensation_errors,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// CompensationRecord is a persisted compensation failure.
type CompensationRecord struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// MemorySagaStore provides an in-memory SagaStore for testing or scenarios
// where persistence is not required.
type MemorySagaStore struct {
	states map[string]*SagaState
	mu     sync.RWMutex
}

// NewMemorySagaStore creates a new in-memory store.
func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{
		states: make(map[string]*SagaState),
	}
}

// Save stores the saga state in memory.
func (m *MemorySagaStore) Save(ctx context.Context, sagaID string, state SagaState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stateCopy := state
	stateCopy.UpdatedAt = time.Now()
	m.states[sagaID] = &stateCopy
	return nil
}

// Load retrieves the saga state from memory.
func (m *MemorySagaStore) Load(ctx context.Context, sagaID string) (*SagaState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[sagaID]
	if !exists {
		return nil, fmt.Errorf("saga %s not found", sagaID)
	}

	stateCopy := *state
	return &stateCopy, nil
}

// Delete removes the saga state from memory.
func (m *MemorySagaStore) Delete(ctx context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, sagaID)
	return nil
}
