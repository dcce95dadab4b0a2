package api

import (
	"context"
	"time"

	"payrelay/internal/jobs"
	"payrelay/internal/merchant"
	rtsup "payrelay/internal/runtime/supervisor"
	"payrelay/internal/sink"
)

// Backend is the application surface the HTTP handlers drive.
type Backend interface {
	Enqueue(ctx context.Context, j *jobs.Job) (*jobs.Job, bool, error)
	GetJob(ctx context.Context, key string) (*jobs.Job, []jobs.Attempt, error)
	Cancel(ctx context.Context, key string) (*jobs.Job, error)
	Requeue(ctx context.Context, key string, dueAt time.Time) (*jobs.Job, error)
	Callback(ctx context.Context, key string, cb sink.Callback) (*jobs.Job, bool, error)

	Merchants() []merchant.Merchant
	Suspend(id string) (merchant.Merchant, error)
	Resume(id string) (merchant.Merchant, error)

	Status(ctx context.Context) (Status, error)
}

// Status is the health snapshot served on /v1/health.
type Status struct {
	OK        bool              `json:"ok"`
	StartedAt time.Time         `json:"started_at"`
	Uptime    string            `json:"uptime"`
	Jobs      map[string]int    `json:"jobs"`
	Workers   WorkerStatus      `json:"workers"`
	Scheduler SchedulerStatus   `json:"scheduler"`
	Merchants int               `json:"merchants"`
	Suspended []string          `json:"suspended,omitempty"`
	Breakers  map[string]string `json:"breakers,omitempty"`

	Tasks []rtsup.TaskStatus `json:"tasks,omitempty"`
}

type WorkerStatus struct {
	Workers   int   `json:"workers"`
	InFlight  int   `json:"in_flight"`
	QueueLen  int   `json:"queue_len"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type SchedulerStatus struct {
	Running   bool      `json:"running"`
	LastTick  time.Time `json:"last_tick,omitempty"`
	Recurring int       `json:"recurring"`
}
