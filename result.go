package saga

import (
	apperrors "github.com/goliatone/go-errors"
)

// Result is the outcome of running or resuming a saga.
type Result[T any] struct {
	SagaID string
	Status Status
	// Data is the data produced by the last successful step.
	Data  T
	Error *apperrors.Error
	// StepsExecuted counts the steps whose success was persisted.
	StepsExecuted int
	Compensations []CompensationRecord
	Uncompensated []int
	TimedOut      bool
}

// IsSuccess reports whether every step completed.
func (r *Result[T]) IsSuccess() bool {
	return r != nil && r.Status == StatusCompleted
}

// Err returns Error as a plain error, nil when there is none.
func (r *Result[T]) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

func newResult[T any](state *SagaState, data T) *Result[T] {
	res := &Result[T]{Data: data}
	if state != nil {
		res.SagaID = state.SagaID
		res.Status = state.Status
		res.StepsExecuted = state.CurrentStep + 1
		res.TimedOut = state.Metadata[metaTimedOut] == "true"
	}
	return res
}
