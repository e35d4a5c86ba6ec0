package coordinate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSaga builds an n-step saga whose forward and compensating actions
// append to trace, failing where directed.
func recordingSaga(t *testing.T, n int, failAt int, failUndoOf map[int]bool, trace *[]string) *Saga {
	t.Helper()
	saga := NewSaga("trace", nil)
	for i := 1; i <= n; i++ {
		i := i
		err := saga.Append(Step{
			Name: fmt.Sprintf("step%d", i),
			Forward: func(ctx context.Context, _ *StepOutputs) (any, error) {
				if i == failAt {
					return nil, fmt.Errorf("step%d exploded", i)
				}
				*trace = append(*trace, fmt.Sprintf("do%d", i))
				return i, nil
			},
			Compensate: func(ctx context.Context, _ any) error {
				if failUndoOf[i] {
					return fmt.Errorf("undo%d exploded", i)
				}
				*trace = append(*trace, fmt.Sprintf("undo%d", i))
				return nil
			},
		})
		require.NoError(t, err)
	}
	return saga
}

func TestSagaCompletesAllSteps(t *testing.T) {
	var trace []string
	saga := recordingSaga(t, 4, 0, nil, &trace)

	result := saga.Execute(context.Background())
	require.True(t, result.Success())
	assert.Equal(t, SagaStatusCompleted, result.Status)
	assert.Equal(t, []string{"do1", "do2", "do3", "do4"}, trace)
	assert.Empty(t, result.CompensationFailures)

	out, ok := LookupOutput[int](result.Outputs, "step3")
	require.True(t, ok)
	assert.Equal(t, 3, out)
}

// If step k fails, exactly the compensations for steps 1..k-1 run, in strict
// reverse order, and no later forward action executes.
func TestSagaCompensatesInReverseOrder(t *testing.T) {
	var trace []string
	saga := recordingSaga(t, 5, 3, nil, &trace)

	result := saga.Execute(context.Background())
	require.False(t, result.Success())
	assert.Equal(t, SagaStatusCompensated, result.Status)
	assert.Equal(t, "step3", result.FailedStep)
	assert.EqualError(t, result.Err, "step3 exploded")
	assert.Equal(t, []string{"do1", "do2", "undo2", "undo1"}, trace)
}

func TestSagaFirstStepFailureCompensatesNothing(t *testing.T) {
	var trace []string
	saga := recordingSaga(t, 3, 1, nil, &trace)

	result := saga.Execute(context.Background())
	assert.Equal(t, SagaStatusCompensated, result.Status)
	assert.Empty(t, trace, "nothing completed, nothing to undo")
}

// A failing compensation is recorded but the remaining compensations still
// run: skipping one failed undo dangles fewer side effects than skipping all.
func TestSagaContinuesPastCompensationFailure(t *testing.T) {
	var trace []string
	saga := recordingSaga(t, 4, 4, map[int]bool{2: true}, &trace)

	result := saga.Execute(context.Background())
	assert.Equal(t, SagaStatusCompensationFailed, result.Status)
	assert.Equal(t, []string{"do1", "do2", "do3", "undo3", "undo1"}, trace)

	require.Len(t, result.CompensationFailures, 1)
	assert.Equal(t, "step2", result.CompensationFailures[0].Step)
	assert.EqualError(t, result.CompensationFailures[0].Err, "undo2 exploded")
}

func TestSagaStepWithoutCompensationIsSkippedDuringUndo(t *testing.T) {
	var trace []string
	saga := NewSaga("mixed", nil)
	require.NoError(t, saga.Append(Step{
		Name: "tracked",
		Forward: func(ctx context.Context, _ *StepOutputs) (any, error) {
			trace = append(trace, "do")
			return nil, nil
		},
		Compensate: func(ctx context.Context, _ any) error {
			trace = append(trace, "undo")
			return nil
		},
	}))
	require.NoError(t, saga.Append(Step{
		Name: "fire-and-forget",
		Forward: func(ctx context.Context, _ *StepOutputs) (any, error) {
			return nil, nil
		},
	}))
	require.NoError(t, saga.Append(Step{
		Name: "boom",
		Forward: func(ctx context.Context, _ *StepOutputs) (any, error) {
			return nil, errors.New("boom")
		},
	}))

	result := saga.Execute(context.Background())
	assert.Equal(t, SagaStatusCompensated, result.Status)
	assert.Equal(t, []string{"do", "undo"}, trace)
}

func TestSagaStepsSeeEarlierOutputs(t *testing.T) {
	saga := NewSaga("pipeline", nil)
	require.NoError(t, saga.Append(Step{
		Name: "produce",
		Forward: func(ctx context.Context, _ *StepOutputs) (any, error) {
			return "payload", nil
		},
	}))
	require.NoError(t, saga.Append(Step{
		Name: "consume",
		Forward: func(ctx context.Context, prior *StepOutputs) (any, error) {
			v, ok := LookupOutput[string](prior, "produce")
			if !ok {
				return nil, errors.New("missing upstream output")
			}
			return v + "-consumed", nil
		},
	}))

	result := saga.Execute(context.Background())
	require.True(t, result.Success())
	out, _ := LookupOutput[string](result.Outputs, "consume")
	assert.Equal(t, "payload-consumed", out)
}

func TestSagaAppendValidation(t *testing.T) {
	saga := NewSaga("validate", nil)
	forward := func(ctx context.Context, _ *StepOutputs) (any, error) { return nil, nil }

	assert.Error(t, saga.Append(Step{Name: "", Forward: forward}))
	assert.Error(t, saga.Append(Step{Name: "no-forward"}))
	require.NoError(t, saga.Append(Step{Name: "a", Forward: forward}))
	assert.Error(t, saga.Append(Step{Name: "a", Forward: forward}), "duplicate names rejected")
}

func TestSagaPersistsStateTransitions(t *testing.T) {
	store := NewMemorySagaStore()
	var trace []string
	saga := recordingSaga(t, 3, 3, map[int]bool{1: true}, &trace).WithStore(store)

	result := saga.Execute(context.Background())
	require.Equal(t, SagaStatusCompensationFailed, result.Status)

	state, err := store.Load(context.Background(), saga.ID())
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompensationFailed, state.Status)
	assert.Equal(t, []string{"step1", "step2"}, state.CompletedSteps)
	assert.Equal(t, "step3", state.FailedStep)
	assert.Equal(t, "step3 exploded", state.Error)
	require.Len(t, state.CompensationErrors, 1)
	assert.Equal(t, "step1", state.CompensationErrors[0].Step)
}

func TestSagaPersistsCompletion(t *testing.T) {
	store := NewMemorySagaStore()
	var trace []string
	saga := recordingSaga(t, 2, 0, nil, &trace).WithStore(store)

	result := saga.Execute(context.Background())
	require.True(t, result.Success())

	state, err := store.Load(context.Background(), saga.ID())
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompleted, state.Status)
	assert.Equal(t, []string{"step1", "step2"}, state.CompletedSteps)
	assert.Empty(t, state.Error)
}

func TestFileSagaStoreRoundTrip(t *testing.T) {
	store, err := NewFileSagaStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	state := SagaState{
		SagaID:         "saga-1",
		Name:           "order_fulfillment",
		Status:         SagaStatusCompensated,
		CompletedSteps: []string{"reserve_inventory", "process_payment"},
		FailedStep:     "create_shipment",
		Error:          "carrier unavailable",
	}
	require.NoError(t, store.Save(ctx, "saga-1", state))

	loaded, err := store.Load(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, state.Status, loaded.Status)
	assert.Equal(t, state.CompletedSteps, loaded.CompletedSteps)
	assert.Equal(t, state.FailedStep, loaded.FailedStep)

	require.NoError(t, store.Delete(ctx, "saga-1"))
	_, err = store.Load(ctx, "saga-1")
	assert.Error(t, err)

	// Deleting twice is fine.
	assert.NoError(t, store.Delete(ctx, "saga-1"))
}
