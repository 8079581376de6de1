// Package app wires the reminder service: config, logging, storage,
// scheduler, dispatcher and the orchestrator, plus config hot reload
// and systemd integration.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskping/internal/config"
	"taskping/internal/eventbus"
	"taskping/internal/runtime/supervisor"
	"taskping/internal/services/dispatch"
	"taskping/internal/services/manager"
	"taskping/internal/services/scheduler"
	"taskping/internal/storage"
	logx "taskping/pkg/logx"
	"taskping/pkg/systemd"
)

const (
	defaultSweepAt   = "03:30"
	defaultSummaryAt = "08:00"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	sched *scheduler.Service
	disp  *dispatch.Service
	mgr   *manager.Service

	summarySrc manager.SummarySource
}

type Option func(*App)

// WithSummarySource attaches the external task-count source used by
// the daily summary. Without it summaries are registered but skipped.
func WithSummarySource(src manager.SummarySource) Option {
	return func(a *App) { a.summarySrc = src }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgPath: cfgPath}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a.logs, a.log = logx.New(mapLogConfig(cfg))
	a.log = a.log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	// Provider credentials are required; a reminder service that cannot
	// deliver anything has no reason to come up.
	provider, err := dispatch.NewFCM(context.Background(), cfg.Push.CredentialsFile,
		a.log.With(logx.String("comp", "fcm")))
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("push provider: %w", err)
	}

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.disp = dispatch.New(provider, dc, a.log.With(logx.String("comp", "dispatch")), a.bus)

	scCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.sched = scheduler.New(scCfg, a.log.With(logx.String("comp", "scheduler")), a.bus)

	mgrOpts := []manager.Option{
		manager.WithBus(a.bus),
		manager.WithRetention(mapRetention(cfg)),
	}
	if a.summarySrc != nil {
		mgrOpts = append(mgrOpts, manager.WithSummarySource(a.summarySrc))
	}
	a.mgr = manager.New(a.store, a.sched, a.disp,
		a.log.With(logx.String("comp", "manager")), mgrOpts...)

	return a, nil
}

// Manager exposes the orchestrator for callers embedding the app (the
// task collaborator invokes its lifecycle hooks directly).
func (a *App) Manager() *manager.Service { return a.mgr }

// Done is closed when the run context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.sched.Start(a.sup.Context())

	// Restore persisted timers before new work arrives.
	restored, missed := a.mgr.Reconcile(ctx)
	if restored+missed > 0 {
		a.log.Info("startup reconcile", logx.Int("restored", restored), logx.Int("missed", missed))
	}

	cfg := a.cfgm.Get()
	sweepAt, summaryEnabled, summaryAt := maintenanceSchedule(cfg)
	if err := a.mgr.RegisterMaintenance(a.sched, sweepAt, summaryEnabled, summaryAt); err != nil {
		return fmt.Errorf("register maintenance: %w", err)
	}

	// Debug visibility into bus traffic; components subscribe themselves
	// for anything load-bearing.
	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c)
	})

	systemd.NotifyReady()
	a.log.Info("service started")
	return nil
}

// startConfigReload applies hot-reloadable sections (logging, push
// rate/timeout) and warns when a restart-only section changed.
func (a *App) startConfigReload() {
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
				// Coalesce bursts: keep only the latest config.
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
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				credsChanged := lastApplied != nil &&
					lastApplied.Push.CredentialsFile != newCfg.Push.CredentialsFile
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				for _, s := range sections {
					switch s {
					case "storage", "scheduler", "retention", "summary":
						a.log.Warn("section changed; restart required to take effect", logx.String("section", s))
					}
				}
				if credsChanged {
					a.log.Warn("push.credentials_file changed; restart required to take effect")
				}

				a.logs.Apply(mapLogConfig(newCfg))
				if dc, err := mapDispatchConfig(newCfg); err != nil {
					a.log.Warn("invalid push config; keeping previous", logx.Err(err))
				} else {
					a.disp.Apply(dc)
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	systemd.NotifyStopping()
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound every shutdown step so one component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
