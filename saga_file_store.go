package coordinate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSagaStore persists saga state as JSON files on disk, one file per
// execution, so a CompensationFailed run survives a process restart.
type FileSagaStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

// NewFileSagaStore creates a file-based store that saves saga state to the
// specified directory.
func NewFileSagaStore(basePath string) (*FileSagaStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileSagaStore{
		basePath: basePath,
	}, nil
}

// Save persists the saga state to a JSON file.
func (f *FileSagaStore) Save(ctx context.Context, sagaID string, state SagaState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	filename := f.filename(sagaID)
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// Load retrieves the saga state from a JSON file.
func (f *FileSagaStore) Load(ctx context.Context, sagaID string) (*SagaState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(sagaID)
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("saga %s not found", sagaID)
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state SagaState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return &state, nil
}

// Delete removes the saga state file.
func (f *FileSagaStore) Delete(ctx context.Context, sagaID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(sagaID)
	if err := os.Remove(filename); err != nil {
		if os.IsNotExist(err) {
			// Already deleted, not an error
			return nil
		}
		return fmt.Errorf("failed to delete state file: %w", err)
	}

	return nil
}

// filename returns the full path for a saga's state file.
func (f *FileSagaStore) filename(sagaID string) string {
	return filepath.Join(f.basePath, sagaID+".json")
}
