package saga_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cassiomorais/memorytx/pkg/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaga_AllStepsSucceed(t *testing.T) {
	var executed []string

	s := saga.New("commit").
		AddStep(saga.Step{
			Name:    "episodic",
			Execute: func(ctx context.Context) error { executed = append(executed, "exec1"); return nil },
		}).
		AddStep(saga.Step{
			Name:    "vectors",
			Execute: func(ctx context.Context) error { executed = append(executed, "exec2"); return nil },
		})

	require.NoError(t, s.Execute(context.Background()))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"exec1", "exec2"}, executed)
}

func TestSaga_StepFails_CompensatesCompletedOnly(t *testing.T) {
	var executed []string
	stepErr := errors.New("vectors unavailable")

	s := saga.New("commit").
		AddStep(saga.Step{
			Name:       "episodic",
			Execute:    func(ctx context.Context) error { executed = append(executed, "exec1"); return nil },
			Compensate: func(ctx context.Context) error { executed = append(executed, "comp1"); return nil },
		}).
		AddStep(saga.Step{
			Name:       "vectors",
			Execute:    func(ctx context.Context) error { return stepErr },
			Compensate: func(ctx context.Context) error { executed = append(executed, "comp2"); return nil },
		}).
		AddStep(saga.Step{
			Name:    "outbox",
			Execute: func(ctx context.Context) error { executed = append(executed, "exec3"); return nil },
		})

	err := s.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, stepErr)

	var sagaErr *saga.Error
	require.True(t, errors.As(err, &sagaErr))
	assert.Equal(t, 1, sagaErr.Index)
	assert.Equal(t, "vectors", sagaErr.Step)
	assert.Equal(t, []string{"episodic"}, sagaErr.Compensated)
	assert.NoError(t, sagaErr.CompensationErr)
	assert.Equal(t, []string{"exec1", "comp1"}, executed)
}

func TestSaga_CompensatesInReverse(t *testing.T) {
	var compensated []string

	s := saga.New("commit").
		AddStep(saga.Step{
			Name:       "a",
			Execute:    func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { compensated = append(compensated, "a"); return nil },
		}).
		AddStep(saga.Step{
			Name:       "b",
			Execute:    func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { compensated = append(compensated, "b"); return nil },
		}).
		AddStep(saga.Step{
			Name:    "c",
			Execute: func(ctx context.Context) error { return errors.New("c failed") },
		})

	err := s.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"b", "a"}, compensated)
	assert.Contains(t, err.Error(), `step "c" failed`)
}

func TestSaga_CompensationFailureIsReported(t *testing.T) {
	s := saga.New("commit").
		AddStep(saga.Step{
			Name:       "a",
			Execute:    func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { return errors.New("undo failed") },
		}).
		AddStep(saga.Step{
			Name:    "b",
			Execute: func(ctx context.Context) error { return errors.New("b failed") },
		})

	err := s.Execute(context.Background())
	require.Error(t, err)

	var sagaErr *saga.Error
	require.True(t, errors.As(err, &sagaErr))
	assert.Error(t, sagaErr.CompensationErr)
	assert.Empty(t, sagaErr.Compensated)
	assert.Contains(t, err.Error(), "compensation also failed")
}

func TestSaga_NilCompensateSkipped(t *testing.T) {
	s := saga.New("commit").
		AddStep(saga.Step{
			Name:    "a",
			Execute: func(ctx context.Context) error { return nil },
		}).
		AddStep(saga.Step{
			Name:    "b",
			Execute: func(ctx context.Context) error { return errors.New("fail") },
		})

	err := s.Execute(context.Background())
	assert.Error(t, err)
}
