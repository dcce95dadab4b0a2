package supervisor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type TaskState string

const (
	TaskRunning TaskState = "running"
	TaskBackoff TaskState = "backoff"
	TaskStopped TaskState = "stopped"
	TaskFailed  TaskState = "failed"
)

// TaskStatus is a point-in-time view of one supervised task.
type TaskStatus struct {
	Name      string    `json:"name"`
	State     TaskState `json:"state"`
	Restart   bool      `json:"restart,omitempty"`
	Restarts  int       `json:"restarts,omitempty"`
	StartedAt time.Time `json:"started_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Counters are aggregate operational signals, not synchronization.
type Counters struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Panics   uint64 `json:"panics"`
	Restarts uint64 `json:"restarts"`
}

type task struct {
	mu sync.Mutex
	st TaskStatus
}

func (t *task) set(state TaskState) {
	t.mu.Lock()
	t.st.State = state
	t.mu.Unlock()
}

func (t *task) restarted(err error) {
	t.mu.Lock()
	t.st.State = TaskBackoff
	t.st.Restarts++
	t.st.LastError = err.Error()
	t.mu.Unlock()
}

func (t *task) finish(state TaskState, err error) {
	t.mu.Lock()
	t.st.State = state
	if err != nil {
		t.st.LastError = err.Error()
	}
	t.mu.Unlock()
}

func (t *task) snapshot() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

type taskTable struct {
	mu       sync.Mutex
	list     []*task
	started  atomic.Uint64
	panics   atomic.Uint64
	restarts atomic.Uint64
}

func (tt *taskTable) add(name string, restart bool) *task {
	t := &task{st: TaskStatus{Name: name, State: TaskRunning, Restart: restart, StartedAt: time.Now()}}
	tt.started.Add(1)
	tt.mu.Lock()
	tt.list = append(tt.list, t)
	tt.mu.Unlock()
	return t
}

// Tasks lists every task started on s, ordered by name.
func (s *Supervisor) Tasks() []TaskStatus {
	if s == nil {
		return nil
	}
	s.tasks.mu.Lock()
	list := append([]*task(nil), s.tasks.list...)
	s.tasks.mu.Unlock()

	out := make([]TaskStatus, 0, len(list))
	for _, t := range list {
		out = append(out, t.snapshot())
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	var active int64
	for _, t := range s.Tasks() {
		if t.State == TaskRunning || t.State == TaskBackoff {
			active++
		}
	}
	return Counters{
		Active:   active,
		Started:  s.tasks.started.Load(),
		Panics:   s.tasks.panics.Load(),
		Restarts: s.tasks.restarts.Load(),
	}
}
