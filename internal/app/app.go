package app

import (
	"context"
	"fmt"
	"time"

	"taskmill/internal/config"
	"taskmill/internal/eventbus"
	"taskmill/internal/metrics"
	"taskmill/internal/notify"
	"taskmill/internal/recur"
	"taskmill/internal/runtime/supervisor"
	"taskmill/internal/scheduler"
	"taskmill/internal/store"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// App wires the configuration manager, store, handler registry, scheduler
// and the optional sidecars (recurring producers, AMQP notifier, metrics
// endpoint) into one lifecycle.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store

	reg   *task.Registry
	sched *scheduler.Service
	rec   *recur.Service
	notif *notify.Service

	mset *metrics.Set
	msrv *metrics.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver))

	var mset *metrics.Set
	var msrv *metrics.Server
	if addr := metricsAddr(cfg); addr != "" {
		mset = metrics.NewSet(nil)
		msrv = metrics.NewServer(addr, log.With(logx.String("comp", "metrics")))
	}

	opts, err := mapSchedulerOptions(cfg)
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}

	reg := task.NewRegistry()
	sched := scheduler.New(opts, st, reg, log, bus, mset)

	recSvc := recur.New(st, log)
	defs, err := mapRecurDefs(cfg)
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}
	recSvc.Apply(defs)

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}
	var notif *notify.Service
	if ncfg.Enabled {
		notif, err = notify.New(ncfg, log.With(logx.String("comp", "notify")), bus)
		if err != nil {
			st.Close()
			logSvc.Close()
			return nil, err
		}
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		reg:     reg,
		sched:   sched,
		rec:     recSvc,
		notif:   notif,
		mset:    mset,
		msrv:    msrv,
	}, nil
}

// Handlers exposes the registry so the binary can install its handler set
// before Start.
func (a *App) Handlers() *task.Registry { return a.reg }

// Scheduler exposes the dispatch service for diagnostics.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Store exposes the task store for external producers.
func (a *App) Store() store.Store { return a.store }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	// Transactional config reload: bad edits are rejected before commit.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapSchedulerOptions(cfg); err != nil {
			return err
		}
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRecurDefs(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.sched.Start(a.sup.Context())
	a.rec.Start(a.sup.Context())

	if a.notif != nil {
		a.sup.Go("notify", a.notif.Run)
	}
	if a.msrv != nil {
		a.sup.Go("metrics", a.msrv.Run)
	}

	// Hot reload fan-out. Storage changes need a restart; everything else
	// applies live.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: only the latest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(old, cur *config.Config) {
	if cur == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cur.Logging.Level,
		Console: cur.Logging.Console,
		File: logx.FileConfig{
			Enabled: cur.Logging.File.Enabled,
			Path:    cur.Logging.File.Path,
		},
	})

	if old != nil && old.Storage != cur.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	// The validator already vetted these, so a mapping error here means the
	// config raced past validation; keep the previous settings.
	if opts, err := mapSchedulerOptions(cur); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(opts)
	}

	if defs, err := mapRecurDefs(cur); err != nil {
		a.log.Warn("invalid recurring config; keeping previous", logx.Err(err))
	} else {
		a.rec.Apply(defs)
	}

	if old != nil && a.notifyChanged(old, cur) {
		a.log.Warn("notify config changed; restart required for changes to take effect")
	}
	if old != nil && a.metricsChanged(old, cur) {
		a.log.Warn("metrics config changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded")
}

func (a *App) notifyChanged(old, cur *config.Config) bool {
	oc, _ := mapNotifyConfig(old)
	nc, _ := mapNotifyConfig(cur)
	return oc != nc
}

func (a *App) metricsChanged(old, cur *config.Config) bool {
	return metricsAddr(old) != metricsAddr(cur)
}

// Stop shuts the app down in reverse order: producers first so no new work
// appears, then the scheduler (which drains in-flight tasks), then the
// supervised loops and finally the store.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := runStep(stepCtx, fn); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("recurring", 2*time.Second, func(c context.Context) error { a.rec.Stop(c); return nil })
	step("scheduler", 0, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 5*time.Second, a.sup.Stop)
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func runStep(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in stop step: %v", r)
		}
	}()
	return fn(ctx)
}
