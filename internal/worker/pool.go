// Package worker runs claimed jobs on a fixed set of supervised goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"payrelay/internal/eventbus"
	rtsup "payrelay/internal/runtime/supervisor"
	logx "payrelay/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	inFlight atomic.Int32
	idSeq    atomic.Uint64

	completed        atomic.Uint64
	failed           atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	droppedStopped   atomic.Uint64

	lastQueueFullWarnAt atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg: cfg.withDefaults(),
		log: log.Named("worker"),
		bus: bus,
	}
}

// Start launches the workers. Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	cfg := p.cfg
	p.q = make(chan queuedTask, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopping = false
	// Attempts must be able to finish after the caller's context ends; Stop
	// cancels the supervisor explicitly once its drain deadline passes.
	p.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	stopCh, queue, sup := p.stopCh, p.q, p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		// Auto-restart workers if they exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			p.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("worker pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops accepting work, waits for running tasks until ctx is done,
// then cancels whatever is still running. Tasks still queued are dropped
// with ErrStopped.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	close(p.stopCh)
	sup, queue := p.sup, p.q
	p.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		p.log.Warn("worker pool drain timed out; cancelling running tasks", logx.Int("in_flight", int(p.inFlight.Load())))
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}

	// Workers are gone; nothing else reads the queue.
	for {
		select {
		case qt := <-queue:
			p.droppedStopped.Add(1)
			p.drop(qt, ErrStopped, 0)
			continue
		default:
		}
		break
	}

	p.mu.Lock()
	p.q = nil
	p.stopCh = nil
	p.sup = nil
	p.stopping = false
	p.mu.Unlock()
	p.log.Info("worker pool stopped")
}

// Submit queues t without blocking.
func (p *Pool) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("wrk-%x-%x", now.UnixNano(), p.idSeq.Add(1))
	}

	// The send is non-blocking, so holding mu keeps Stop's drain from
	// racing a late submit.
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.q
	if q == nil || p.stopping {
		return ErrStopped
	}

	select {
	case q <- queuedTask{task: t, enqueuedAt: now}:
		return nil
	default:
		p.droppedQueueFull.Add(1)
		if p.shouldWarn(&p.lastQueueFullWarnAt, now) {
			p.log.Warn("task rejected: queue full",
				logx.String("task", t.Name),
				logx.Int("queue_len", len(q)),
				logx.Int("queue_cap", cap(q)),
				logx.Uint64("dropped_queue_full", p.droppedQueueFull.Load()),
			)
		}
		return ErrQueueFull
	}
}

// Free reports how many more tasks can be accepted without any of them
// waiting for a worker.
func (p *Pool) Free() int {
	p.mu.Lock()
	q, workers, stopping := p.q, p.cfg.Workers, p.stopping
	p.mu.Unlock()
	if q == nil || stopping {
		return 0
	}
	return max(workers-int(p.inFlight.Load())-len(q), 0)
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg, q, running := p.cfg, p.q, p.stopCh != nil && !p.stopping
	p.mu.Unlock()

	s := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(p.inFlight.Load()),
		Free:             p.Free(),
		Completed:        p.completed.Load(),
		Failed:           p.failed.Load(),
		DroppedQueueFull: p.droppedQueueFull.Load(),
		DroppedStale:     p.droppedStale.Load(),
		DroppedStopped:   p.droppedStopped.Load(),
	}
	if q != nil {
		s.QueueLen, s.QueueCap = len(q), cap(q)
	}
	p.hmu.Lock()
	s.History = append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return s
}

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			p.inFlight.Add(1)
			p.execOne(ctx, qt)
			p.inFlight.Add(-1)
		}
	}
}

func (p *Pool) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	p.mu.Lock()
	maxDelay := p.cfg.MaxQueueDelay
	p.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		p.droppedStale.Add(1)
		p.log.Warn("task dropped: stale queue", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
		p.drop(qt, ErrStale, queueDelay)
		return
	}

	var err error
	func() {
		// A panicking task must not kill the worker.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("task panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = qt.task.Run(ctx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		p.failed.Add(1)
		item.Error = err.Error()
		p.log.Warn("task failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
	} else {
		p.completed.Add(1)
		p.log.Trace("task completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	p.remember(item)
}

func (p *Pool) drop(qt queuedTask, reason error, queueDelay time.Duration) {
	p.remember(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: time.Now(), QueueDelay: queueDelay, Error: reason.Error()})
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: "task.dropped", Time: time.Now(), Data: TaskEvent{
			ID: qt.task.ID, Name: qt.task.Name, QueueDelay: queueDelay, Error: reason.Error(),
		}})
	}
	if qt.task.Drop != nil {
		qt.task.Drop(reason)
	}
}

func (p *Pool) remember(item HistoryItem) {
	p.mu.Lock()
	size := p.cfg.HistorySize
	p.mu.Unlock()
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > size {
		p.history = p.history[len(p.history)-size:]
	}
	p.hmu.Unlock()
}

func (p *Pool) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}
