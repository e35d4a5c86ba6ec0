package coordinate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

// SagaStatus is the state machine of one saga execution.
//
//	Running → Completed                            all steps succeeded
//	Running → Compensating → Compensated           a step failed, undone cleanly
//	Running → Compensating → CompensationFailed    an undo itself failed
type SagaStatus string

const (
	SagaStatusRunning            SagaStatus = "running"
	SagaStatusCompleted          SagaStatus = "completed"
	SagaStatusCompensating       SagaStatus = "compensating"
	SagaStatusCompensated        SagaStatus = "compensated"
	SagaStatusCompensationFailed SagaStatus = "compensation_failed"
)

// ForwardFunc is a step's forward action. It receives the outputs of every
// previously completed step and returns its own output for later steps and
// for its compensation.
type ForwardFunc func(ctx context.Context, prior *StepOutputs) (any, error)

// CompensateFunc undoes a completed step, given that step's forward output.
type CompensateFunc func(ctx context.Context, output any) error

// Step pairs a forward action with its compensating action. A nil Compensate
// means the step has nothing to unwind (typically the final step).
type Step struct {
	Name       string
	Forward    ForwardFunc
	Compensate CompensateFunc
}

// StepOutputs holds the outputs of completed steps, keyed by step name.
type StepOutputs struct {
	tree *btree.Map[string, any]
}

func newStepOutputs() *StepOutputs {
	return &StepOutputs{tree: btree.NewMap[string, any](8)}
}

// Lookup returns the output of a completed step by name.
func (o *StepOutputs) Lookup(step string) (any, bool) {
	if o == nil || o.tree == nil {
		return nil, false
	}
	return o.tree.Get(step)
}

// LookupOutput retrieves a completed step's output with a type assertion.
func LookupOutput[T any](o *StepOutputs, step string) (T, bool) {
	var zero T
	v, ok := o.Lookup(step)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// CompensationFailure records a compensating action that itself failed.
type CompensationFailure struct {
	Step string
	Err  error
}

// SagaResult is the final outcome of one execution.
type SagaResult struct {
	Status  SagaStatus
	Outputs *StepOutputs

	// FailedStep and Err identify the forward action that stopped the saga.
	FailedStep string
	Err        error

	// CompensationFailures lists undo actions that failed. Non-empty means
	// the system is in a genuine partial-completion state requiring
	// operator attention.
	CompensationFailures []CompensationFailure
}

// Success reports whether every step completed.
func (r SagaResult) Success() bool { return r.Status == SagaStatusCompleted }

// Saga runs an ordered sequence of steps spanning independently-committing
// subsystems. When a forward action fails, the compensations of every
// completed step run in reverse (LIFO) order, so the most recently created
// state is undone first. A compensation failure is logged and recorded but
// does not stop the remaining compensations: skipping one failed undo leaves
// fewer side effects dangling than abandoning all of them.
type Saga struct {
	id     string
	name   string
	steps  []Step
	logger *zap.Logger
	store  SagaStore
}

// NewSaga creates an empty saga. A nil logger disables logging.
func NewSaga(name string, logger *zap.Logger) *Saga {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saga{
		id:     uuid.NewString(),
		name:   name,
		logger: logger,
	}
}

// ID returns the execution ID assigned at construction.
func (s *Saga) ID() string { return s.id }

// WithStore configures persistence of status transitions, so an operator can
// inspect a run that ended in CompensationFailed.
func (s *Saga) WithStore(store SagaStore) *Saga {
	s.store = store
	return s
}

// Append adds a step. Step names must be unique and non-empty; the forward
// action is required.
func (s *Saga) Append(step Step) error {
	if step.Name == "" {
		return fmt.Errorf("saga %s: step name must not be empty", s.name)
	}
	if step.Forward == nil {
		return fmt.Errorf("saga %s: step %q has no forward action", s.name, step.Name)
	}
	for _, existing := range s.steps {
		if existing.Name == step.Name {
			return fmt.Errorf("saga %s: step %q already appended", s.name, step.Name)
		}
	}
	s.steps = append(s.steps, step)
	return nil
}

// executedStep is a completed step awaiting possible compensation.
type executedStep struct {
	step   Step
	output any
}

// Execute runs the saga to completion or through compensation. It does not
// impose a timeout; each action is expected to embed its own.
func (s *Saga) Execute(ctx context.Context) SagaResult {
	outputs := newStepOutputs()
	var completed []executedStep
	startedAt := time.Now()

	s.persist(ctx, SagaStatusRunning, completed, SagaResult{}, startedAt)

	for _, step := range s.steps {
		out, err := step.Forward(ctx, outputs)
		if err != nil {
			s.logger.Info("saga step failed, compensating",
				zap.String("saga", s.name),
				zap.String("saga_id", s.id),
				zap.String("step", step.Name),
				zap.Error(err))
			result := s.compensate(ctx, completed, step.Name, err, startedAt)
			result.Outputs = outputs
			return result
		}

		outputs.tree.Set(step.Name, out)
		completed = append(completed, executedStep{step: step, output: out})
		s.persist(ctx, SagaStatusRunning, completed, SagaResult{}, startedAt)
	}

	result := SagaResult{Status: SagaStatusCompleted, Outputs: outputs}
	s.persist(ctx, SagaStatusCompleted, completed, result, startedAt)
	return result
}

// compensate undoes completed steps in reverse order, attempting every
// remaining compensation even when one fails.
func (s *Saga) compensate(ctx context.Context, completed []executedStep, failedStep string, cause error, startedAt time.Time) SagaResult {
	result := SagaResult{
		Status:     SagaStatusCompensating,
		FailedStep: failedStep,
		Err:        cause,
	}
	s.persist(ctx, SagaStatusCompensating, completed, result, startedAt)

	for i := len(completed) - 1; i >= 0; i-- {
		ex := completed[i]
		if ex.step.Compensate == nil {
			continue
		}
		if err := ex.step.Compensate(ctx, ex.output); err != nil {
			s.logger.Error("compensation failed",
				zap.String("saga", s.name),
				zap.String("saga_id", s.id),
				zap.String("step", ex.step.Name),
				zap.Error(err))
			result.CompensationFailures = append(result.CompensationFailures, CompensationFailure{
				Step: ex.step.Name,
				Err:  err,
			})
		}
	}

	if len(result.CompensationFailures) > 0 {
		result.Status = SagaStatusCompensationFailed
	} else {
		result.Status = SagaStatusCompensated
	}
	s.persist(ctx, result.Status, completed, result, startedAt)
	return result
}

// persist records a status transition when a store is configured. A store
// failure is logged and does not interfere with execution.
func (s *Saga) persist(ctx context.Context, status SagaStatus, completed []executedStep, result SagaResult, startedAt time.Time) {
	if s.store == nil {
		return
	}

	state := SagaState{
		SagaID:     s.id,
		Name:       s.name,
		Status:     status,
		FailedStep: result.FailedStep,
		CreatedAt:  startedAt,
		UpdatedAt:  time.Now(),
	}
	for _, ex := range completed {
		state.CompletedSteps = append(state.CompletedSteps, ex.step.Name)
	}
	if result.Err != nil {
		state.Error = result.Err.Error()
	}
	for _, cf := range result.CompensationFailures {
		state.CompensationErrors = append(state.CompensationErrors, CompensationRecord{
			Step:  cf.Step,
			Error: cf.Err.Error(),
		})
	}

	if err := s.store.Save(ctx, s.id, state); err != nil {
		s.logger.Warn("failed to persist saga state",
			zap.String("saga_id", s.id),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
