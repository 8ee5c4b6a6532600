package docs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Step is one action of a Saga with an optional compensating action that undoes it.
type Step struct {
	Name       string
	Do         func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// StepError reports which step of a Saga failed.
type StepError struct {
	Step string
	Err  error
	// Compensation holds errors from undoing earlier steps, if any were attempted.
	Compensation error
}

func (e *StepError) Error() string {
	if e.Compensation != nil {
		return fmt.Sprintf("%s: %v (rollback: %v)", e.Step, e.Err, e.Compensation)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Saga runs dependent steps against independent systems in order. When a step fails
// and compensation is enabled, completed steps are undone in reverse order.
type Saga struct {
	steps      []Step
	compensate bool
	log        zerolog.Logger
}

// NewSaga builds a Saga over steps.
func NewSaga(compensate bool, logger zerolog.Logger, steps ...Step) *Saga {
	return &Saga{steps: steps, compensate: compensate, log: logger}
}

// Run executes the steps in order and stops at the first failure.
func (s *Saga) Run(ctx context.Context) error {
	for i, step := range s.steps {
		if err := step.Do(ctx); err != nil {
			serr := &StepError{Step: step.Name, Err: err}
			if s.compensate {
				serr.Compensation = s.rollback(ctx, s.steps[:i])
			}
			return serr
		}
	}
	return nil
}

func (s *Saga) rollback(ctx context.Context, done []Step) error {
	// compensation runs even when the caller's context is already cancelled
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			s.log.Error().Err(err).Str("step", step.Name).Msg("compensation failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		s.log.Info().Str("step", step.Name).Msg("compensated")
	}
	return errors.Join(errs...)
}
