package saga_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	saga "github.com/goliatone/go-saga"
)

func TestFakeClockFiresDueTimers(t *testing.T) {
	clock := saga.NewFakeClock(epoch)

	short := clock.After(time.Second)
	long := clock.After(time.Minute)
	assert.Equal(t, 2, clock.Waiters())

	clock.Advance(30 * time.Second)
	select {
	case fired := <-short:
		assert.Equal(t, epoch.Add(30*time.Second), fired)
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	assert.Equal(t, 1, clock.Waiters())

	clock.Set(epoch.Add(time.Hour))
	select {
	case <-long:
	default:
		t.Fatal("long timer did not fire after Set")
	}
	assert.Equal(t, 0, clock.Waiters())
}

func TestFakeClockNonPositiveDurationFiresImmediately(t *testing.T) {
	clock := saga.NewFakeClock(epoch)
	select {
	case <-clock.After(0):
	default:
		t.Fatal("zero duration timer should fire immediately")
	}
	assert.Equal(t, 0, clock.Waiters())
}

func TestFakeClockBlockUntil(t *testing.T) {
	clock := saga.NewFakeClock(epoch)
	assert.False(t, clock.BlockUntil(1, 10*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		clock.After(time.Second)
	}()
	assert.True(t, clock.BlockUntil(1, time.Second))
}

func TestSystemClockIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, saga.SystemClock{}.Now().Location())
}
