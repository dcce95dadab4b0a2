package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	rtsup "payrelay/internal/runtime/supervisor"
	logx "payrelay/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	now func() time.Time

	deps Deps

	sup  *rtsup.Supervisor
	wake chan struct{}

	parser    cron.Parser
	loc       *time.Location
	c         *cron.Cron
	recurring []recurringDef

	ticks     atomic.Uint64
	recovered atomic.Uint64
	lastMu    sync.Mutex
	lastTick  time.Time
	lastRep   TickReport

	// Serialises ticks: the poll loop, Tick from tests and wake-ups never overlap.
	tickMu sync.Mutex
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, deps Deps, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:  cfg.withDefaults(),
		log:  log.Named("scheduler"),
		now:  time.Now,
		deps: deps,
		wake: make(chan struct{}, 1),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps polling settings. A timezone change re-registers recurring
// schedules.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartCronLocked()
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the poll and recovery loops and the recurring schedules.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.recurring {
		s.addCronLocked(&s.recurring[i])
	}
	s.c.Start()
	schedules := len(s.recurring)
	tz := s.loc.String()
	s.mu.Unlock()

	sup.GoRestart("scheduler.poll", s.pollLoop, rtsup.WithPublishFirstError(true))
	sup.GoRestart("scheduler.recover", s.recoverLoop, rtsup.WithPublishFirstError(true))
	s.log.Info("scheduler started", logx.String("tz", tz), logx.Int("schedules", schedules))
}

// Stop stops claiming new work. Jobs already handed to the pool are the
// pool's to drain.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup, c := s.sup, s.c
	s.sup, s.c = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Notify asks for an early tick, e.g. after an enqueue or a finished attempt.
func (s *Service) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) pollLoop(ctx context.Context) error {
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("tick failed", logx.Err(err))
		}
		t := time.NewTimer(s.config().PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (s *Service) recoverLoop(ctx context.Context) error {
	for {
		s.RecoverStale(ctx)
		t := time.NewTimer(s.config().RecoverEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// RecoverStale returns jobs abandoned in_flight (by a crashed process) to
// retry_scheduled.
func (s *Service) RecoverStale(ctx context.Context) int {
	now := s.now()
	n, err := s.deps.Jobs.RecoverStale(ctx, now.Add(-s.config().StaleAfter), now)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("stale recovery failed", logx.Err(err))
		}
		return 0
	}
	if n > 0 {
		s.recovered.Add(uint64(n))
		s.log.Warn("recovered stale in-flight jobs", logx.Int("count", n))
		s.Notify()
	}
	return n
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.sup != nil
	tasks := s.sup.Tasks()
	tz := "Local"
	if s.loc != nil {
		tz = s.loc.String()
	}
	schedules := s.scheduleInfoLocked()
	s.mu.Unlock()

	s.lastMu.Lock()
	last, rep := s.lastTick, s.lastRep
	s.lastMu.Unlock()

	return Snapshot{
		Running:    running,
		Timezone:   tz,
		Ticks:      s.ticks.Load(),
		LastTick:   last,
		LastReport: rep,
		Recovered:  s.recovered.Load(),
		Schedules:  schedules,
		Tasks:      tasks,
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
