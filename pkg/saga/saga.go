package saga

import (
	"context"
	"errors"
	"fmt"
)

// Step is one forward action with an optional compensating action.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga runs steps in order and compensates completed ones on failure.
type Saga struct {
	name  string
	steps []Step
}

// Error describes a failed saga run. Unwrap yields the step's own error.
type Error struct {
	Saga            string
	Step            string
	Index           int
	Compensated     []string
	Err             error
	CompensationErr error
}

func (e *Error) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("saga %s: step %q failed (%v), compensation also failed: %v", e.Saga, e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("saga %s: step %q failed: %v", e.Saga, e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new saga with the given name.
func New(name string) *Saga {
	return &Saga{name: name}
}

// AddStep adds a step to the saga.
func (s *Saga) AddStep(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Len returns the number of steps.
func (s *Saga) Len() int {
	return len(s.steps)
}

// Execute runs all steps sequentially. On the first failure every completed
// step with a Compensate func is compensated in reverse order, and an *Error
// is returned.
func (s *Saga) Execute(ctx context.Context) error {
	completed := make([]int, 0, len(s.steps))

	for i, step := range s.steps {
		if err := step.Execute(ctx); err != nil {
			compensated, compErr := s.compensate(ctx, completed)
			return &Error{
				Saga:            s.name,
				Step:            step.Name,
				Index:           i,
				Compensated:     compensated,
				Err:             err,
				CompensationErr: compErr,
			}
		}
		completed = append(completed, i)
	}

	return nil
}

func (s *Saga) compensate(ctx context.Context, completed []int) ([]string, error) {
	var (
		names []string
		errs  []error
	)
	for i := len(completed) - 1; i >= 0; i-- {
		step := s.steps[completed[i]]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensate step %q: %w", step.Name, err))
			continue
		}
		names = append(names, step.Name)
	}
	return names, errors.Join(errs...)
}
