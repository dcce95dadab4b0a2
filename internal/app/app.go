// Package app wires the job store, limiter, dispatcher, worker pool,
// scheduler and HTTP API into one process and keeps them in step with
// config reloads.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"payrelay/internal/api"
	"payrelay/internal/capability"
	"payrelay/internal/capability/httpapi"
	"payrelay/internal/capability/telegram"
	"payrelay/internal/config"
	"payrelay/internal/dedup"
	"payrelay/internal/dispatch"
	"payrelay/internal/eventbus"
	"payrelay/internal/jobs"
	"payrelay/internal/merchant"
	"payrelay/internal/ratelimit"
	rtsup "payrelay/internal/runtime/supervisor"
	"payrelay/internal/scheduler"
	"payrelay/internal/sink"
	"payrelay/internal/storage"
	"payrelay/internal/worker"
	logx "payrelay/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	dedup dedup.Store

	merchants *merchant.Registry
	creds     *merchant.Resolver
	limiter   *ratelimit.Limiter
	caps      *capability.Registry
	tg        *telegram.Client
	sink      *sink.Sink
	disp      *dispatch.Dispatcher
	pool      *worker.Pool
	sched     *scheduler.Service
	api       *api.Server

	now       func() time.Time
	startedAt time.Time
}

// New loads the configuration from cfgm and builds every component. Nothing
// runs until Start.
func New(ctx context.Context, cfgm *config.Manager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	tg := telegram.New(tgCfg, bootLog)

	// Set the alert target before enabling telegram logging so Apply does
	// not warn about a missing chat.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, log := logx.New(bootCfg, tg)
	logSvc.SetAlertTarget(cfg.Telegram.AlertChatID, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log = log.Named("app")

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		tg:   tg,
		now:  time.Now,
	}
	if err := a.build(ctx, cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) (err error) {
	log := a.log
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	sc, _ := mapStorageConfig(cfg)
	if a.store, err = storage.Open(sc, log.Named("storage")); err != nil {
		return err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	dc, sinkCfg, _ := mapDedupConfig(cfg)
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	a.dedup, err = dedup.Open(dctx, dc, log.Named("dedup"))
	cancel()
	if err != nil {
		return err
	}

	rl, _ := mapRateLimitConfig(cfg)
	a.limiter = ratelimit.New(rl, ratelimit.WithLogger(log.Named("ratelimit")))
	a.merchants = merchant.NewRegistry(log.Named("merchants"))
	a.merchants.OnChange(func(m merchant.Merchant, removed bool) {
		if removed {
			a.limiter.Remove(m.ID)
			return
		}
		a.limiter.Configure(m)
	})
	ms, _ := mapMerchants(cfg)
	if err = a.merchants.Apply(ms); err != nil {
		return err
	}
	a.creds = merchant.NewResolver(cfg.Credentials)

	a.caps = capability.NewRegistry()
	if err = a.caps.Register(jobs.KindNotify, a.tg); err != nil {
		return err
	}
	pc, enabled, _ := mapProviderConfig(cfg)
	if enabled {
		hc, herr := httpapi.New(pc, log)
		if herr != nil {
			return herr
		}
		for kind := range httpapi.Paths {
			if err = a.caps.Register(kind, hc); err != nil {
				return err
			}
		}
	} else {
		log.Warn("payment_provider.base_url not set; payment kinds are disabled")
	}

	a.sink = sink.New(sinkCfg, a.store, a.dedup, a.bus, log.Named("sink"))

	policy, _ := mapDispatchPolicy(cfg)
	a.disp = dispatch.New(policy, dispatch.Deps{
		Merchants:    a.merchants,
		Credentials:  a.creds,
		Capabilities: a.caps,
		Outcomes:     a.sink,
		Health:       a.limiter,
	}, log.Named("dispatch"))

	wc, _ := mapWorkerConfig(cfg)
	a.pool = worker.New(wc, log.Named("workers"), a.bus)

	schedCfg, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schedCfg, scheduler.Deps{
		Jobs:      a.store,
		Merchants: a.merchants,
		Admission: a.limiter,
		Executor:  a.disp,
		Pool:      a.pool,
	}, log.Named("scheduler"))
	rec, _ := mapRecurring(cfg)
	if err = a.sched.SetRecurring(rec); err != nil {
		return err
	}

	if cfg.API.Enabled {
		ac, _ := mapAPIConfig(cfg)
		a.api = api.New(ac, a, log)
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = a.now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validateConfig(cfg); err != nil {
			return err
		}
		rec, _ := mapRecurring(cfg)
		return a.sched.ValidateRecurring(rec)
	})

	runCtx := a.sup.Context()
	a.pool.Start(runCtx)
	a.sched.Start(runCtx)
	if a.api != nil {
		if err := a.api.Start(runCtx); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128, "job", "task")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startupNotice(runCtx)
	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the live components. Sections
// that cannot change at runtime are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range config.RestartRequired(oldCfg, newCfg) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	a.logs.SetAlertTarget(newCfg.Telegram.AlertChatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(newCfg))

	a.creds.Set(newCfg.Credentials)

	if rl, err := mapRateLimitConfig(newCfg); err != nil {
		a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
	} else {
		a.limiter.SetConfig(rl)
	}
	if ms, err := mapMerchants(newCfg); err != nil {
		a.log.Warn("invalid merchants config; keeping previous", logx.Err(err))
	} else if err := a.merchants.Apply(ms); err != nil {
		a.log.Warn("merchants rejected; keeping previous", logx.Err(err))
	}
	if p, err := mapDispatchPolicy(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.SetPolicy(p)
	}
	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if rec, err := mapRecurring(newCfg); err != nil {
		a.log.Warn("invalid recurring schedules; keeping previous", logx.Err(err))
	} else if err := a.sched.SetRecurring(rec); err != nil {
		a.log.Warn("recurring schedules rejected; keeping previous", logx.Err(err))
	}
	a.sched.Notify()

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// startupNotice enqueues one notify job to the alert chat per boot.
func (a *App) startupNotice(ctx context.Context) {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Telegram.StartupNotice || cfg.Telegram.AlertChatID == 0 {
		return
	}
	mid := strings.TrimSpace(cfg.Telegram.StartupMerchant)
	if mid == "" {
		a.log.Warn("telegram.startup_notice set without startup_merchant; skipping")
		return
	}
	payload, err := json.Marshal(telegram.Payload{
		ChatID:   cfg.Telegram.AlertChatID,
		ThreadID: cfg.Telegram.ThreadID,
		Text:     fmt.Sprintf("payrelay started at %s", a.startedAt.Format(time.RFC3339)),
	})
	if err != nil {
		return
	}
	_, _, err = a.Enqueue(ctx, &jobs.Job{
		Key:        fmt.Sprintf("startup:%d", a.startedAt.Unix()),
		MerchantID: mid,
		Kind:       jobs.KindNotify,
		Payload:    payload,
	})
	if err != nil {
		a.log.Warn("startup notice not enqueued", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Intake first, then the producer of work, then the consumers, then the
	// stores they write to.
	a.step(ctx, "api", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "workers", 10*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.closeStores() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}

func (a *App) closeStores() error {
	var firstErr error
	if a.dedup != nil {
		if err := a.dedup.Close(); err != nil {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case sink.JobEvent:
		attrs := []logx.Field{logx.String("event", e.Type), logx.Merchant(d.MerchantID), logx.JobKey(d.Key), logx.Kind(string(d.Kind)), logx.Attempt(d.Attempts)}
		if d.Error != "" {
			attrs = append(attrs, logx.String("last_error", d.Error))
		}
		if e.Type == sink.EventFailed {
			a.log.Warn("job failed permanently", attrs...)
			return
		}
		a.log.Debug("job event", attrs...)
	case worker.TaskEvent:
		a.log.Warn("worker task dropped", logx.String("task", d.Name), logx.Duration("queue_delay", d.QueueDelay), logx.String("reason", d.Error))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}
