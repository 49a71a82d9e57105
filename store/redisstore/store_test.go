package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saga "github.com/goliatone/go-saga"
	"github.com/goliatone/go-saga/store/redisstore"
	"github.com/goliatone/go-saga/store/storetest"
)

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client, redisstore.WithKeyPrefix("test:")), mr
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) saga.Store {
		store, _ := newStore(t)
		return store
	})
}

func TestStoreIndexFollowsStatus(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	deadline := time.Date(2025, 1, 2, 3, 5, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, storetest.NewState("idx", &deadline)))
	assert.True(t, mr.Exists("test:state:idx"))
	members, err := mr.ZMembers("test:expiry")
	require.NoError(t, err)
	assert.Equal(t, []string{"idx"}, members)

	require.NoError(t, store.Update(ctx, "idx", saga.StatusRunning, func(s *saga.SagaState) {
		s.Status = saga.StatusCompleted
	}))
	members, _ = mr.ZMembers("test:expiry")
	assert.Empty(t, members)
}

func TestGetExpiredDropsStaleIndexEntries(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	deadline := time.Date(2025, 1, 2, 3, 5, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, storetest.NewState("gone", &deadline)))
	mr.Del("test:state:gone")

	expired, err := store.GetExpired(ctx, deadline.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	members, _ := mr.ZMembers("test:expiry")
	assert.Empty(t, members)
}

func TestNewClientPings(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redisstore.NewClient(context.Background(), &redisstore.ClientConfig{
		Addrs:       []string{mr.Addr()},
		DialTimeout: time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	addr := mr.Addr()
	mr.Close()
	_, err = redisstore.NewClient(context.Background(), &redisstore.ClientConfig{
		Addrs:       []string{addr},
		DialTimeout: 100 * time.Millisecond,
	})
	assert.Error(t, err)
}
