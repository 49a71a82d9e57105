package cron

import (
	"sync"
	"time"

	"github.com/goliatone/go-saga/runner"
)

// ScheduleStatus reports where a scheduled job is in its lifecycle.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Terminal reports whether the job will never run again.
func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

// RunStats accumulates the executions of one job.
type RunStats struct {
	Runs     int
	Failures int
	// Attempts includes retries made by the runner.
	Attempts int
	LastRun  time.Time
	LastErr  error
}

// Handle controls a scheduled job.
type Handle interface {
	ID() int64
	Cancel()
	Status() ScheduleStatus
	// Err is the error of the latest run, nil after a successful one.
	Err() error
	Stats() RunStats
	Done() <-chan struct{}
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	done      chan struct{}
	cancel    sync.Once

	mu     sync.RWMutex
	status ScheduleStatus
	stats  RunStats
}

func (h *jobHandle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *jobHandle) Cancel() {
	if h == nil {
		return
	}
	h.cancel.Do(func() {
		if h.scheduler != nil {
			h.scheduler.drop(h.id)
		}
		h.finish(ScheduleStatusCanceled, nil)
	})
}

func (h *jobHandle) Status() ScheduleStatus {
	if h == nil {
		return ScheduleStatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats.LastErr
}

func (h *jobHandle) Stats() RunStats {
	if h == nil {
		return RunStats{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func (h *jobHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

// begin marks the job running unless it already ended.
func (h *jobHandle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	h.status = ScheduleStatusRunning
	return true
}

// record folds a finished run into the stats. Skipped runs are not counted.
func (h *jobHandle) record(out runner.Outcome, at time.Time) {
	if out.Skipped {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.Runs++
	h.stats.Attempts += out.Attempts
	h.stats.LastRun = at
	h.stats.LastErr = out.Err
	if out.Err != nil {
		h.stats.Failures++
	}
}

// settle returns a recurring job to idle between runs.
func (h *jobHandle) settle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.Terminal() {
		h.status = ScheduleStatusIdle
	}
}

// finish moves the job to a terminal status once and closes Done.
func (h *jobHandle) finish(status ScheduleStatus, err error) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = status
	if err != nil {
		h.stats.LastErr = err
	}
	h.mu.Unlock()
	close(h.done)
}
