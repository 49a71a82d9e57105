package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saga "github.com/goliatone/go-saga"
	"github.com/goliatone/go-saga/store/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) saga.Store {
		return saga.NewMemoryStore()
	})
}

func TestMemoryStoreDropsStaleDeadlines(t *testing.T) {
	store := saga.NewMemoryStore()
	ctx := context.Background()
	deadline := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, storetest.NewState("a", &deadline)))
	require.NoError(t, store.Update(ctx, "a", saga.StatusRunning, func(s *saga.SagaState) {
		s.Status = saga.StatusCompleted
	}))

	expired, err := store.GetExpired(ctx, deadline.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Equal(t, 1, store.Len())
	assert.Len(t, store.List(), 1)
}

func TestMemoryStoreHonorsContext(t *testing.T) {
	store := saga.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Create(ctx, storetest.NewState("a", nil))
	assert.ErrorIs(t, err, context.Canceled)
}
