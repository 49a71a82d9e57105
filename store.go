package saga

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store persists saga state. Update is a conditional write: it must fail
// with a concurrency conflict when the stored status differs from expected,
// which is what lets the orchestrator and the sweeper race safely.
type Store interface {
	Create(ctx context.Context, state *SagaState) error
	Get(ctx context.Context, sagaID string) (*SagaState, error)
	Update(ctx context.Context, sagaID string, expected Status, mutate func(*SagaState)) error
	GetExpired(ctx context.Context, asOf time.Time, batchSize int) ([]*SagaState, error)
}

// ValidateNew checks a state before it is created.
func ValidateNew(state *SagaState) error {
	if state == nil {
		return cloneSagaError(ErrConfigurationInvalid, "saga state is nil", nil, nil)
	}
	if strings.TrimSpace(state.SagaID) == "" {
		return cloneSagaError(ErrConfigurationInvalid, "saga id required", nil, nil)
	}
	if strings.TrimSpace(state.SagaType) == "" {
		return cloneSagaError(ErrConfigurationInvalid, "saga type required", nil,
			map[string]any{"saga_id": state.SagaID})
	}
	if !state.Status.Valid() {
		return cloneSagaError(ErrConfigurationInvalid,
			fmt.Sprintf("unknown saga status %q", state.Status), nil,
			map[string]any{"saga_id": state.SagaID})
	}
	return nil
}

// PrepareUpdate applies mutate to a copy of current when its status matches
// expected. The id, type and start time are kept and the version is bumped.
// Store implementations call it inside their atomic section.
func PrepareUpdate(current *SagaState, expected Status, mutate func(*SagaState)) (*SagaState, error) {
	if current == nil {
		return nil, cloneSagaError(ErrNotFound, "saga not found", nil, nil)
	}
	if current.Status != expected {
		return nil, NewConcurrencyConflict(current.SagaID, expected, current.Status)
	}
	next := current.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.SagaID = current.SagaID
	next.SagaType = current.SagaType
	next.StartedAtUTC = current.StartedAtUTC
	next.Version = current.Version + 1
	if !next.Status.Valid() {
		return nil, cloneSagaError(ErrInvalidTransition,
			fmt.Sprintf("unknown saga status %q", next.Status), nil,
			map[string]any{"saga_id": current.SagaID})
	}
	return next, nil
}
