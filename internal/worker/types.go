package worker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrQueueFull = errors.New("worker pool queue full")
	// ErrStale is passed to Task.Drop when a task waited longer than MaxQueueDelay.
	ErrStale = errors.New("worker pool: task queued too long")
)

// Config controls the pool size and its queue.
type Config struct {
	Workers   int
	QueueSize int

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is one unit of work, normally one attempt of a claimed job.
//
// Drop is called instead of Run when the task is never started (stale,
// or still queued at shutdown). It may be nil.
type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
	Drop func(reason error)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus when a task is dropped.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	QueueDelay time.Duration `json:"queue_delay"`
	Error      string        `json:"error"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`
	Free     int  `json:"free"`

	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	DroppedStopped   uint64 `json:"dropped_stopped"`

	History []HistoryItem `json:"history,omitempty"`
}
