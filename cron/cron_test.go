package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	saga "github.com/goliatone/go-saga"
	"github.com/goliatone/go-saga/store/storetest"
)

func TestScheduleAfterCompletesAndReportsStatus(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAfter(50*time.Millisecond, saga.HandlerConfig{}, func() {
		count.Add(1)
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}

	if got := count.Load(); got != 1 {
		t.Fatalf("expected one execution, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
}

func TestScheduleAfterRetriesThroughRunner(t *testing.T) {
	scheduler := NewScheduler(WithErrorHandler(func(error) {}))
	var calls atomic.Int32

	handle, err := scheduler.ScheduleAfter(0, saga.HandlerConfig{MaxRetries: 2}, func() error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle completion")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected three attempts, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCompleted {
		t.Fatalf("expected completed status, got %s (%v)", status, handle.Err())
	}

	stats := handle.Stats()
	if stats.Runs != 1 || stats.Attempts != 3 || stats.Failures != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.LastRun.IsZero() || stats.LastErr != nil {
		t.Fatalf("expected a clean last run, got %+v", stats)
	}
}

func TestScheduleAfterReportsFailure(t *testing.T) {
	var reported atomic.Int32
	scheduler := NewScheduler(WithErrorHandler(func(error) { reported.Add(1) }))
	boom := errors.New("boom")

	handle, err := scheduler.ScheduleAfter(0, saga.HandlerConfig{}, func(context.Context) error {
		return boom
	})
	if err != nil {
		t.Fatalf("schedule after: %v", err)
	}

	<-handle.Done()
	if status := handle.Status(); status != ScheduleStatusFailed {
		t.Fatalf("expected failed status, got %s", status)
	}
	if !errors.Is(handle.Err(), boom) {
		t.Fatalf("expected boom, got %v", handle.Err())
	}
	if reported.Load() == 0 {
		t.Fatal("expected error handler to be called")
	}
	if stats := handle.Stats(); stats.Runs != 1 || stats.Failures != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestScheduleCronFailureKeepsSchedule(t *testing.T) {
	scheduler := NewScheduler(WithErrorHandler(func(error) {}))
	var calls atomic.Int32

	handle, err := scheduler.ScheduleCron(saga.HandlerConfig{
		Expression: "@every 1s",
	}, func() error {
		calls.Add(1)
		return errors.New("flaky")
	})
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	deadline := time.After(2500 * time.Millisecond)
	for handle.Stats().Failures == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a failed cron run")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	if status := handle.Status(); status.Terminal() {
		t.Fatalf("expected schedule to stay live, got %s", status)
	}
	if handle.Err() == nil {
		t.Fatal("expected last error to be kept")
	}
	if len(scheduler.Entries()) != 1 {
		t.Fatal("expected the entry to remain scheduled")
	}
}

func TestNilHandle(t *testing.T) {
	var h *jobHandle
	h.Cancel()
	if h.Status() != ScheduleStatusStopped || h.ID() != 0 {
		t.Fatal("unexpected nil handle state")
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("expected closed done channel")
	}
}

func TestScheduleAtCancelPreventsExecution(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleAt(time.Now().Add(250*time.Millisecond), saga.HandlerConfig{}, func() {
		count.Add(1)
	})
	if err != nil {
		t.Fatalf("schedule at: %v", err)
	}

	handle.Cancel()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected canceled handle to close done channel")
	}

	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Fatalf("expected zero executions after cancel, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestScheduleCronCancelableHandle(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleCron(saga.HandlerConfig{
		Expression: "@every 1s",
	}, func() {
		count.Add(1)
	})
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	deadline := time.After(2500 * time.Millisecond)
	for count.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one cron run")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected cancel to close handle done channel")
	}

	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestScheduleCronMaxRunsCompletes(t *testing.T) {
	scheduler := NewScheduler()
	var count atomic.Int32

	handle, err := scheduler.ScheduleCron(saga.HandlerConfig{
		Expression: "@every 1s",
		MaxRuns:    1,
	}, func() {
		count.Add(1)
	})
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	select {
	case <-handle.Done():
	case <-time.After(4 * time.Second):
		t.Fatal("expected handle to complete after its last run")
	}
	if got := count.Load(); got != 1 {
		t.Fatalf("expected one execution, got %d", got)
	}
	if status := handle.Status(); status != ScheduleStatusCompleted {
		t.Fatalf("expected completed status, got %s", status)
	}
}

func TestSchedulerStopMarksHandleStopped(t *testing.T) {
	scheduler := NewScheduler()
	handle, err := scheduler.ScheduleCron(saga.HandlerConfig{
		Expression: "@every 5s",
	}, func() {})
	if err != nil {
		t.Fatalf("schedule cron: %v", err)
	}
	if len(scheduler.Entries()) != 1 {
		t.Fatal("expected one scheduled entry")
	}

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}

	if err := scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("scheduler stop: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle done on stop")
	}

	if status := handle.Status(); status != ScheduleStatusStopped {
		t.Fatalf("expected stopped status, got %s", status)
	}
}

func TestScheduleCronValidation(t *testing.T) {
	scheduler := NewScheduler()

	if _, err := scheduler.ScheduleCron(saga.HandlerConfig{}, func() {}); err == nil {
		t.Fatal("expected empty expression error")
	}

	if _, err := scheduler.ScheduleCron(saga.HandlerConfig{Expression: "@every 1s"}, struct{}{}); err == nil {
		t.Fatal("expected unsupported handler error")
	}

	if _, err := scheduler.ScheduleCron(saga.HandlerConfig{Expression: "not a cron expression"}, func() {}); err == nil {
		t.Fatal("expected parse error")
	}

	if _, err := scheduler.ScheduleCommand(nil); err == nil {
		t.Fatal("expected nil command error")
	}
}

func TestScheduleCommandRunsSweeper(t *testing.T) {
	store := saga.NewMemoryStore()
	past := time.Now().UTC().Add(-time.Minute)
	if err := store.Create(context.Background(), storetest.NewState("stuck", &past)); err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper := saga.NewTimeoutSweeper(store, saga.NewRegistry(),
		saga.WithSweeperLogger(saga.NopLogger()),
		saga.WithSweepInterval(time.Second),
	)

	scheduler := NewScheduler(WithLogger(saga.NopLogger()))
	handle, err := scheduler.ScheduleCommand(sweeper)
	if err != nil {
		t.Fatalf("schedule command: %v", err)
	}
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Stop(context.Background())

	deadline := time.After(3 * time.Second)
	for {
		state, err := store.Get(context.Background(), "stuck")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if state.Status == saga.StatusTimedOut {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper never ran, handle status %s", handle.Status())
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestWithPairs(t *testing.T) {
	if got := withPairs("run", []interface{}{"entry", 3, "next"}); got != "run entry=3 next" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := withPairs("plain", nil); got != "plain" {
		t.Fatalf("unexpected format %q", got)
	}
}
