package saga

import (
	"context"
)

const (
	metaTimedOut      = "timed_out"
	metaUncompensated = "uncompensated_steps"
	metaFailedStep    = "failed_step"
)

// lifecycleWriter moves persisted sagas along the status DAG. Every write is
// conditional on the status the caller last observed.
type lifecycleWriter struct {
	store Store
	clock Clock
}

// advance fires t from state's status and persists the new status. state is
// updated in place only when the write succeeds.
func (w lifecycleWriter) advance(ctx context.Context, state *SagaState, t trigger, mutate func(*SagaState)) error {
	next, err := nextStatus(state.Status, t)
	if err != nil {
		return err
	}
	now := w.clock.Now()
	apply := func(s *SagaState) {
		s.Status = next
		s.UpdatedAtUTC = now
		if next.IsTerminal() {
			s.CompletedAtUTC = &now
		}
		if mutate != nil {
			mutate(s)
		}
	}

	if err := w.store.Update(ctx, state.SagaID, state.Status, apply); err != nil {
		return NewPersistenceError("update", state.SagaID, err)
	}
	apply(state)
	state.Version++
	return nil
}

// timeOut moves a Running saga to TimedOut.
func (w lifecycleWriter) timeOut(ctx context.Context, state *SagaState, reason string) error {
	return w.advance(ctx, state, triggerTimeout, func(s *SagaState) {
		s.setError(reason)
		s.setMetadata(metaTimedOut, "true")
	})
}

// unwind compensates the steps before failedAt and records the final
// status. A timed out saga with no completed step is left as is.
func (w lifecycleWriter) unwind(
	ctx context.Context,
	coord *CompensationCoordinator,
	def Descriptor,
	state *SagaState,
	failedAt int,
	mutate func(*SagaState),
) (CompensationReport, error) {
	var report CompensationReport
	if state.Status == StatusTimedOut && failedAt <= 0 {
		return report, nil
	}

	if err := w.advance(ctx, state, triggerCompensate, mutate); err != nil {
		return report, err
	}

	report = coord.Compensate(ctx, def, state, failedAt)

	final := triggerCompensated
	if !report.Succeeded() {
		final = triggerCompensationFailed
	}
	err := w.advance(ctx, state, final, func(s *SagaState) {
		if len(report.Uncompensated) > 0 {
			s.setMetadata(metaUncompensated, joinInts(report.Uncompensated))
		}
	})
	return report, err
}
