package cron

import (
	"sync"
	"time"
)

// ScheduleStatus is the state of a scheduled job. A job keeps firing after a
// failed run.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Terminal reports whether no further run will happen.
func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleStatusCanceled, ScheduleStatusStopped:
		return true
	}
	return false
}

// Stats summarizes the runs of a job.
type Stats struct {
	Runs     int
	Failures int
	LastRun  time.Time
	LastErr  error
}

// Handle controls and observes one scheduled job.
type Handle interface {
	ID() int64
	Name() string
	Cancel()
	Status() ScheduleStatus
	Err() error
	Stats() Stats
	Done() <-chan struct{}
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   int
	done      chan struct{}
	cancel    sync.Once

	mu     sync.RWMutex
	status ScheduleStatus
	stats  Stats
}

func (h *jobHandle) ID() int64    { return h.id }
func (h *jobHandle) Name() string { return h.name }

// Cancel removes the job. A run in progress is not interrupted.
func (h *jobHandle) Cancel() {
	h.cancel.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.end(ScheduleStatusCanceled)
	})
}

func (h *jobHandle) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Err returns the error of the last run, nil after a successful one.
func (h *jobHandle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats.LastErr
}

func (h *jobHandle) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func (h *jobHandle) Done() <-chan struct{} { return h.done }

// begin marks a run as started. It returns false when the job already
// ended.
func (h *jobHandle) begin(at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	h.status = ScheduleStatusRunning
	h.stats.LastRun = at
	return true
}

// finish records a run result.
func (h *jobHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.Runs++
	h.stats.LastErr = err
	if err != nil {
		h.stats.Failures++
	}
	if h.status.Terminal() {
		return
	}
	if err != nil {
		h.status = ScheduleStatusFailed
		return
	}
	h.status = ScheduleStatusIdle
}

// end moves the job to a terminal status unless it has one already.
func (h *jobHandle) end(status ScheduleStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return
	}
	h.status = status
	h.closeDone()
}

func (h *jobHandle) closeDone() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
