package saga

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// CompensationOutcome records what happened to one step during unwinding.
type CompensationOutcome string

const (
	CompensationCompensated  CompensationOutcome = "compensated"
	CompensationSkipped      CompensationOutcome = "skipped"
	CompensationFailed       CompensationOutcome = "failed"
	CompensationNotAttempted CompensationOutcome = "not_attempted"
)

type CompensationRecord struct {
	StepIndex int
	StepName  string
	Outcome   CompensationOutcome
	Error     error
}

// CompensationReport lists records in the order steps were visited, which
// is reverse step order.
type CompensationReport struct {
	Records []CompensationRecord
	// Uncompensated holds the indices of steps that needed undoing but were
	// not undone, either because compensation failed or was never attempted.
	Uncompensated []int
}

// Succeeded reports whether every compensable step was undone.
func (r CompensationReport) Succeeded() bool { return len(r.Uncompensated) == 0 }

// Err returns a SAGA_COMPENSATION_FAILED error when something was left
// uncompensated.
func (r CompensationReport) Err() error {
	if r.Succeeded() {
		return nil
	}
	var sources []error
	for _, rec := range r.Records {
		if rec.Error != nil {
			sources = append(sources, rec.Error)
		}
	}
	return cloneSagaError(ErrCompensationFailed,
		fmt.Sprintf("steps %s were not compensated", joinInts(r.Uncompensated)),
		apperrors.Join(sources...),
		map[string]any{"uncompensated_steps": append([]int(nil), r.Uncompensated...)})
}

// CompensationCoordinator undoes completed steps in reverse order.
type CompensationCoordinator struct {
	continueOnFailure bool
	logger            Logger
}

// NewCompensationCoordinator builds a coordinator. With continueOnFailure a
// failing compensation is recorded and the walk goes on; without it the walk
// halts and the remaining steps are reported as not attempted.
func NewCompensationCoordinator(continueOnFailure bool, logger Logger) *CompensationCoordinator {
	return &CompensationCoordinator{
		continueOnFailure: continueOnFailure,
		logger:            normalizeLogger(logger),
	}
}

// Compensate visits steps failedAt-1 down to 0 using the snapshot each step
// produced. It runs detached from ctx cancellation.
func (c *CompensationCoordinator) Compensate(ctx context.Context, def Descriptor, state *SagaState, failedAt int) CompensationReport {
	var report CompensationReport
	if def == nil || state == nil {
		return report
	}
	if failedAt > def.StepCount() {
		failedAt = def.StepCount()
	}

	ctx = context.WithoutCancel(ctx)
	logger := withLoggerFields(c.logger.WithContext(ctx), map[string]any{
		"saga_id":   state.SagaID,
		"saga_type": state.SagaType,
	})

	halted := false
	for i := failedAt - 1; i >= 0; i-- {
		rec := CompensationRecord{StepIndex: i, StepName: def.StepName(i)}

		switch {
		case !def.CanCompensate(i):
			rec.Outcome = CompensationSkipped
		case halted:
			rec.Outcome = CompensationNotAttempted
			report.Uncompensated = append(report.Uncompensated, i)
		default:
			if err := c.compensateStep(ctx, def, i, state.Snapshot(i)); err != nil {
				rec.Outcome = CompensationFailed
				rec.Error = err
				report.Uncompensated = append(report.Uncompensated, i)
				logger.Error("compensation failed for step %d (%s): %v", i, rec.StepName, err)
				if !c.continueOnFailure {
					halted = true
				}
			} else {
				rec.Outcome = CompensationCompensated
				logger.Debug("compensated step %d (%s)", i, rec.StepName)
			}
		}
		report.Records = append(report.Records, rec)
	}
	return report
}

func (c *CompensationCoordinator) compensateStep(ctx context.Context, def Descriptor, i int, snapshot []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError("compensation of "+def.StepName(i), r, map[string]any{"step_index": i})
		}
	}()
	return def.CompensateStep(ctx, i, snapshot)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
