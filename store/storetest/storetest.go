// Package storetest holds the behavioural suite every saga.Store
// implementation is expected to pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saga "github.com/goliatone/go-saga"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) saga.Store

var base = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// NewState returns a Running saga with the given id.
func NewState(id string, timeout *time.Time) *saga.SagaState {
	return &saga.SagaState{
		SagaID:       id,
		SagaType:     "order",
		Status:       saga.StatusRunning,
		CurrentStep:  -1,
		Data:         []byte(`{"n":1}`),
		StartedAtUTC: base,
		UpdatedAtUTC: base,
		TimeoutAtUTC: timeout,
		Version:      1,
		Metadata:     map[string]string{"tenant": "acme"},
	}
}

func at(d time.Duration) *time.Time {
	t := base.Add(d)
	return &t
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Create(ctx, NewState("s-1", at(time.Minute))))

		got, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "order", got.SagaType)
		assert.Equal(t, saga.StatusRunning, got.Status)
		assert.Equal(t, -1, got.CurrentStep)
		assert.JSONEq(t, `{"n":1}`, string(got.Data))
		assert.True(t, got.StartedAtUTC.Equal(base))
		require.NotNil(t, got.TimeoutAtUTC)
		assert.True(t, got.TimeoutAtUTC.Equal(base.Add(time.Minute)))
		assert.Equal(t, "acme", got.Metadata["tenant"])
	})

	t.Run("create rejects duplicates", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Create(ctx, NewState("dup", nil)))
		err := store.Create(ctx, NewState("dup", nil))
		require.Error(t, err)
		assert.True(t, saga.IsDuplicate(err), "expected duplicate error, got %v", err)
	})

	t.Run("get missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), "nope")
		require.Error(t, err)
		assert.True(t, saga.IsNotFound(err))
	})

	t.Run("update applies mutation and bumps version", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewState("s-2", nil)))

		err := store.Update(ctx, "s-2", saga.StatusRunning, func(s *saga.SagaState) {
			s.CurrentStep = 0
			s.Data = []byte(`{"n":2}`)
			s.Snapshots = append(s.Snapshots, saga.StepSnapshot{StepIndex: 0, StepName: "reserve", Data: []byte(`{"n":2}`)})
			s.SagaID = "hijacked"
		})
		require.NoError(t, err)

		got, err := store.Get(ctx, "s-2")
		require.NoError(t, err)
		assert.Equal(t, 0, got.CurrentStep)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, "s-2", got.SagaID)
		require.Len(t, got.Snapshots, 1)
		assert.Equal(t, "reserve", got.Snapshots[0].StepName)
		assert.JSONEq(t, `{"n":2}`, string(got.Snapshots[0].Data))
	})

	t.Run("update with stale status conflicts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewState("s-3", nil)))

		require.NoError(t, store.Update(ctx, "s-3", saga.StatusRunning, func(s *saga.SagaState) {
			s.Status = saga.StatusTimedOut
		}))

		called := false
		err := store.Update(ctx, "s-3", saga.StatusRunning, func(s *saga.SagaState) {
			called = true
			s.Status = saga.StatusCompleted
		})
		require.Error(t, err)
		assert.True(t, saga.IsConcurrencyConflict(err), "expected conflict, got %v", err)
		assert.False(t, called, "mutator must not run on conflict")

		got, err := store.Get(ctx, "s-3")
		require.NoError(t, err)
		assert.Equal(t, saga.StatusTimedOut, got.Status)
	})

	t.Run("update missing", func(t *testing.T) {
		store := newStore(t)
		err := store.Update(context.Background(), "ghost", saga.StatusRunning, func(*saga.SagaState) {})
		require.Error(t, err)
		assert.True(t, saga.IsNotFound(err))
	})

	t.Run("ids are exact keys", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewState(" padded ", nil)))

		_, err := store.Get(ctx, "padded")
		assert.True(t, saga.IsNotFound(err), "expected not found, got %v", err)
		err = store.Update(ctx, "padded", saga.StatusRunning, func(*saga.SagaState) {})
		assert.True(t, saga.IsNotFound(err), "expected not found, got %v", err)

		require.NoError(t, store.Update(ctx, " padded ", saga.StatusRunning, func(s *saga.SagaState) {
			s.CurrentStep = 0
		}))
		got, err := store.Get(ctx, " padded ")
		require.NoError(t, err)
		assert.Equal(t, 0, got.CurrentStep)
	})

	t.Run("get returns copies", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewState("s-4", nil)))

		got, err := store.Get(ctx, "s-4")
		require.NoError(t, err)
		got.Status = saga.StatusFailed
		got.Metadata["tenant"] = "other"

		again, err := store.Get(ctx, "s-4")
		require.NoError(t, err)
		assert.Equal(t, saga.StatusRunning, again.Status)
		assert.Equal(t, "acme", again.Metadata["tenant"])
	})

	t.Run("get expired", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Create(ctx, NewState("late-2", at(2*time.Second))))
		require.NoError(t, store.Create(ctx, NewState("late-1", at(time.Second))))
		require.NoError(t, store.Create(ctx, NewState("future", at(time.Hour))))
		require.NoError(t, store.Create(ctx, NewState("no-deadline", nil)))
		require.NoError(t, store.Create(ctx, NewState("done", at(time.Second))))
		require.NoError(t, store.Update(ctx, "done", saga.StatusRunning, func(s *saga.SagaState) {
			s.Status = saga.StatusCompleted
		}))

		expired, err := store.GetExpired(ctx, base.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, "late-1", expired[0].SagaID)
		assert.Equal(t, "late-2", expired[1].SagaID)

		limited, err := store.GetExpired(ctx, base.Add(time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "late-1", limited[0].SagaID)

		none, err := store.GetExpired(ctx, base, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("get expired within one microsecond", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		asOf := base.Add(time.Minute + 800*time.Nanosecond)

		require.NoError(t, store.Create(ctx, NewState("just-late", at(time.Minute+300*time.Nanosecond))))
		require.NoError(t, store.Create(ctx, NewState("just-early", at(time.Minute+900*time.Nanosecond))))

		expired, err := store.GetExpired(ctx, asOf, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "just-late", expired[0].SagaID)
	})

	t.Run("concurrent conditional writes have one winner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, NewState("race", at(time.Second))))

		const writers = 8
		var (
			wg        sync.WaitGroup
			wins      atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.Update(ctx, "race", saga.StatusRunning, func(s *saga.SagaState) {
					s.Status = saga.StatusTimedOut
					s.Metadata["winner"] = fmt.Sprint(i)
				})
				switch {
				case err == nil:
					wins.Add(1)
				case saga.IsConcurrencyConflict(err):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())

		got, err := store.Get(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, saga.StatusTimedOut, got.Status)
		assert.Equal(t, 2, got.Version)
	})
}
