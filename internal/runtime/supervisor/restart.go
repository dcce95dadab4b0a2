package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "payrelay/pkg/logx"
)

// healthyRun is how long a loop must run before a failure resets backoff.
const healthyRun = 30 * time.Second

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int // <=0 means unlimited
	critical    bool
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

// WithRestartBackoff bounds the exponential wait between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not a restart.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error
// even though the loop keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.critical = enabled }
}

func (p restartPolicy) jittered(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

// GoRestart runs fn until ctx is cancelled, restarting it with
// exponential backoff after an error or panic. A nil return ends the task.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&pol)
	}
	if pol.max < pol.min {
		pol.max = pol.min
	}

	t := s.tasks.add(name, true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		backoff := pol.min
		for n := 0; ; {
			t.set(TaskRunning)
			began := time.Now()
			err := s.runGuarded(name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				t.finish(TaskStopped, nil)
				return
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			if pol.critical {
				s.setErr(wrapped)
			}
			n++
			s.tasks.restarts.Add(1)
			if pol.maxRestarts > 0 && n > pol.maxRestarts {
				t.finish(TaskFailed, err)
				s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", n), logx.Err(err))
				s.fail(wrapped)
				return
			}
			t.restarted(err)

			if time.Since(began) >= healthyRun {
				backoff = pol.min
			}
			wait := pol.jittered(backoff)
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				t.finish(TaskStopped, nil)
				return
			case <-timer.C:
			}
			backoff = min(backoff*2, pol.max)
		}
	}()
}
