package saga

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

// Status is the persisted lifecycle state of a saga instance.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
)

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further step will execute for the saga.
// A timed out saga may still be unwound by the writer that timed it out.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompensating, StatusCompensated, StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

type trigger string

const (
	triggerComplete           trigger = "complete"
	triggerCompensate         trigger = "compensate"
	triggerTimeout            trigger = "timeout"
	triggerCompensated        trigger = "compensated"
	triggerCompensationFailed trigger = "compensation_failed"
)

func newLifecycle(from Status) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)

	sm.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerCompensate, StatusCompensating).
		Permit(triggerTimeout, StatusTimedOut)

	sm.Configure(StatusTimedOut).
		Permit(triggerCompensate, StatusCompensating)

	sm.Configure(StatusCompensating).
		Permit(triggerCompensated, StatusCompensated).
		Permit(triggerCompensationFailed, StatusFailed)

	sm.Configure(StatusCompleted)
	sm.Configure(StatusCompensated)
	sm.Configure(StatusFailed)

	return sm
}

// nextStatus resolves the status reached by firing t from the given status.
func nextStatus(from Status, t trigger) (Status, error) {
	sm := newLifecycle(from)
	if err := sm.Fire(t); err != nil {
		return from, cloneSagaError(ErrInvalidTransition,
			fmt.Sprintf("cannot %s saga in status %s", t, from), err, map[string]any{
				"from":    string(from),
				"trigger": string(t),
			})
	}
	next, ok := sm.MustState().(Status)
	if !ok {
		return from, cloneSagaError(ErrInvalidTransition, "lifecycle produced unknown state", nil, nil)
	}
	return next, nil
}
