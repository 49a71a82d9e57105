package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epochForTests = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		from    Status
		trigger trigger
		want    Status
		wantErr bool
	}{
		{StatusRunning, triggerComplete, StatusCompleted, false},
		{StatusRunning, triggerCompensate, StatusCompensating, false},
		{StatusRunning, triggerTimeout, StatusTimedOut, false},
		{StatusTimedOut, triggerCompensate, StatusCompensating, false},
		{StatusCompensating, triggerCompensated, StatusCompensated, false},
		{StatusCompensating, triggerCompensationFailed, StatusFailed, false},

		{StatusRunning, triggerCompensated, StatusRunning, true},
		{StatusTimedOut, triggerComplete, StatusTimedOut, true},
		{StatusCompleted, triggerCompensate, StatusCompleted, true},
		{StatusCompensated, triggerTimeout, StatusCompensated, true},
		{StatusFailed, triggerCompensate, StatusFailed, true},
		{StatusCompensating, triggerTimeout, StatusCompensating, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			got, err := nextStatus(tt.from, tt.trigger)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ErrCodeInvalidTransition, ErrorCode(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusCompensating.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCompensated.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusTimedOut.IsTerminal())

	assert.True(t, StatusTimedOut.Valid())
	assert.False(t, Status("paused").Valid())
}

func TestLifecycleUnwindTimedOutWithoutSteps(t *testing.T) {
	store := NewMemoryStore()
	clock := NewFakeClock(epochForTests)
	w := lifecycleWriter{store: store, clock: clock}

	state := &SagaState{SagaID: "s", SagaType: "t", Status: StatusRunning, CurrentStep: -1, StartedAtUTC: epochForTests, Version: 1}
	require.NoError(t, store.Create(context.Background(), state))
	require.NoError(t, w.timeOut(context.Background(), state, "late"))

	report, err := w.unwind(context.Background(), NewCompensationCoordinator(true, NopLogger()), nil, state, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Records)
	assert.Equal(t, StatusTimedOut, state.Status)

	stored, err := store.Get(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, stored.Status)
	assert.Equal(t, "true", stored.Metadata[metaTimedOut])
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "late", *stored.ErrorMessage)
	assert.NotNil(t, stored.CompletedAtUTC)
	assert.Equal(t, 2, stored.Version)
}

func TestLifecycleAdvanceRejectsStaleStatus(t *testing.T) {
	store := NewMemoryStore()
	w := lifecycleWriter{store: store, clock: NewFakeClock(epochForTests)}

	state := &SagaState{SagaID: "s", SagaType: "t", Status: StatusRunning, CurrentStep: -1, StartedAtUTC: epochForTests, Version: 1}
	require.NoError(t, store.Create(context.Background(), state))

	stale := state.Clone()
	require.NoError(t, w.advance(context.Background(), state, triggerComplete, nil))

	err := w.timeOut(context.Background(), stale, "late")
	require.Error(t, err)
	assert.True(t, IsConcurrencyConflict(err))
	assert.Equal(t, StatusRunning, stale.Status, "local state must not change on a failed write")
}
