package scheduler

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"payrelay/internal/jobs"
	"payrelay/internal/merchant"
	rtsup "payrelay/internal/runtime/supervisor"
	"payrelay/internal/worker"
)

// Config controls polling and recovery.
type Config struct {
	PollInterval time.Duration // default 1s
	// ScanLimit bounds how many due jobs one tick looks at. It is larger than
	// the number of jobs a tick can claim so that rate-limited merchants do
	// not hide other merchants' work.
	ScanLimit    int           // default 1000
	RecoverEvery time.Duration // default 1m
	// StaleAfter is how long a job may stay in_flight before it is assumed
	// abandoned. It must exceed the attempt timeout.
	StaleAfter time.Duration // default 10m
	Timezone   string        // IANA TZ for recurring schedules
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 1000
	}
	if c.RecoverEvery <= 0 {
		c.RecoverEvery = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	return c
}

// Recurring describes a schedule that enqueues one job per fire time.
type Recurring struct {
	Name       string
	Schedule   string // cron ("*/5 * * * *", "@hourly") or interval ("55m", "02:30")
	MerchantID string
	Kind       jobs.Kind
	Payload    json.RawMessage
}

// Jobs is the part of the job store the scheduler uses.
type Jobs interface {
	Enqueue(ctx context.Context, j *jobs.Job) (*jobs.Job, bool, error)
	FetchDue(ctx context.Context, now time.Time, limit int) iter.Seq2[*jobs.Job, error]
	MarkInFlight(ctx context.Context, jobID string, at time.Time) (bool, error)
	RecoverStale(ctx context.Context, staleBefore, at time.Time) (int, error)
}

type Merchants interface {
	Get(id string) (merchant.Merchant, error)
	IsSuspended(id string) bool
}

// Admission is the per-merchant gate (the rate limiter).
type Admission interface {
	TryAdmit(merchantID string) bool
	Release(merchantID string)
}

// Executor runs one attempt of a claimed job (the dispatcher).
type Executor interface {
	Dispatch(ctx context.Context, job *jobs.Job) (*jobs.Job, error)
	Park(ctx context.Context, job *jobs.Job) (*jobs.Job, error)
	Abort(ctx context.Context, job *jobs.Job, cause error) (*jobs.Job, error)
}

type Pool interface {
	Free() int
	Submit(t worker.Task) error
}

type Deps struct {
	Jobs      Jobs
	Merchants Merchants
	Admission Admission
	Executor  Executor
	Pool      Pool
}

// TickReport summarises one scheduling pass.
type TickReport struct {
	Scanned     int `json:"scanned"`
	Claimed     int `json:"claimed"`
	Suspended   int `json:"suspended"`
	RateLimited int `json:"rate_limited"`
	LostClaims  int `json:"lost_claims"`
	Rejected    int `json:"rejected"`
}

type ScheduleInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Merchant string    `json:"merchant"`
	Kind     jobs.Kind `json:"kind"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
}

type Snapshot struct {
	Running    bool           `json:"running"`
	Timezone   string         `json:"timezone"`
	Ticks      uint64         `json:"ticks"`
	LastTick   time.Time      `json:"last_tick,omitempty"`
	LastReport TickReport     `json:"last_report"`
	Recovered  uint64         `json:"recovered"`
	Schedules  []ScheduleInfo `json:"schedules,omitempty"`

	Tasks []rtsup.TaskStatus `json:"tasks,omitempty"`
}
