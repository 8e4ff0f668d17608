package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/alerts"
	"dispatchd/internal/api"
	"dispatchd/internal/config"
	"dispatchd/internal/directory"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/provider"
	"dispatchd/internal/provider/cloudapi"
	"dispatchd/internal/provider/session"
	"dispatchd/internal/receipts"
	"dispatchd/internal/recovery"
	"dispatchd/internal/runtime/tasks"
	"dispatchd/internal/schedule"
	"dispatchd/internal/storage"
	"dispatchd/internal/telemetry"
	logx "dispatchd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	set  settings

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus
	dir  *directory.Static
	tpl  *directory.TemplateStore

	store    storage.Store
	tel      *telemetry.Provider
	rcache   *receipts.RedisCache
	registry *session.Registry
	sessions *session.Adapter
	router   *provider.Router
	pool     *tasks.Pool
	mgr      *dispatch.Manager
	sweeper  *recovery.Sweeper
	sched    *schedule.Service
	alerts   *alerts.Service
	http     *api.Server

	ctx     context.Context
	cancel  context.CancelFunc
	stopped sync.Once
}

// New loads and validates the config. It performs no network I/O; that
// happens in Start.
func New(ctx context.Context, cfgm *config.Manager) (*App, error) {
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	set, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(set.Logging)
	return &App{
		cfgm: cfgm,
		set:  set,
		logs: logs,
		log:  log.With(logx.String("comp", "app")),
		bus:  eventbus.New(),
		dir:  directory.NewStatic(set.Directory),
		tpl:  directory.NewTemplates(set.Templates),
	}, nil
}

// Manager exposes the delivery queue for embedding callers.
func (a *App) Manager() *dispatch.Manager { return a.mgr }

// Scheduler exposes scheduled sends.
func (a *App) Scheduler() *schedule.Service { return a.sched }

// Router exposes provider selection and statuses.
func (a *App) Router() *provider.Router { return a.router }

// HTTPAddr is the bound API address, or "" when disabled.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Done is closed once Stop begins or the parent context of Start ends.
func (a *App) Done() <-chan struct{} {
	if a.ctx == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.ctx.Done()
}

// Start brings components up in dependency order. On error everything
// already started is torn down.
func (a *App) Start(ctx context.Context) (err error) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			_ = a.Stop(sctx, StopStartFailed)
			cancel()
		}
	}()
	s := a.set

	st, err := storage.Open(s.Storage, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	if a.tel, err = telemetry.New(a.ctx, s.Telemetry); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	var cache receipts.Cache = receipts.Nop{}
	if s.Receipts.Enabled {
		rctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
		a.rcache, err = receipts.Open(rctx, s.Receipts)
		cancel()
		if err != nil {
			return fmt.Errorf("receipts: %w", err)
		}
		cache = a.rcache
	}

	cloud := cloudapi.New(s.CloudAPI, a.log)
	a.registry = session.NewRegistry()
	if a.sessions, err = session.NewAdapter(s.Session, a.registry, a.bus, a.log); err != nil {
		return fmt.Errorf("session adapter: %w", err)
	}
	a.router = provider.NewRouter(s.Routing, a.log, cloud, a.sessions)

	a.pool = tasks.New(a.ctx, a.log.With(logx.String("comp", "tasks")))
	a.mgr = dispatch.New(dispatch.Deps{
		Store:     a.store,
		Router:    a.router,
		Pool:      a.pool,
		Bus:       a.bus,
		Receipts:  cache,
		Telemetry: a.tel,
		Log:       a.log,
	}, s.Dispatch)

	el := newEventLog(a.bus, a.store, a.log.With(logx.String("comp", "eventlog")))
	if _, err = a.pool.Go("eventlog", "", el.run); err != nil {
		return err
	}
	if err = a.startSessions(); err != nil {
		return err
	}

	a.sweeper = recovery.New(a.store, a.mgr, a.bus, a.log, s.Recovery)
	if !s.SweepOff {
		rep, err := a.sweeper.Sweep(a.ctx)
		if err != nil {
			return fmt.Errorf("recovery sweep: %w", err)
		}
		a.log.Info("recovery sweep done",
			logx.Int("scanned", rep.Scanned),
			logx.Int("resumed", rep.Resumed),
			logx.Int("concluded", rep.Concluded),
			logx.Int("items_back", rep.ItemsBack))
		if s.SweepEvery > 0 {
			if _, err := a.pool.Loop("recovery.sweep", a.sweepLoop(s.SweepEvery), time.Second, time.Minute); err != nil {
				return err
			}
		}
	}

	a.sched = schedule.New(schedule.Deps{
		Store:     a.store,
		Enqueuer:  a.mgr,
		Directory: a.dir,
		Templates: a.tpl,
		Bus:       a.bus,
		Log:       a.log,
	}, s.Scheduler)
	if err = a.sched.Start(a.ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	a.startAlerts()

	a.http = api.NewServer(s.HTTP, &api.Handler{
		Messages:  a.mgr,
		Schedules: a.sched,
		Providers: a.router,
		Tasks:     a.pool,
		Events:    a.store,
		Started:   time.Now(),
	}, a.log)
	if err = a.http.Start(a.ctx); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	if _, err = a.pool.Go("config.reload", "", a.reloadLoop); err != nil {
		return err
	}
	if _, err = a.pool.Loop("config.watch", a.cfgm.Watch, time.Second, 30*time.Second); err != nil {
		return err
	}

	a.log.Info("app started",
		logx.Bool("cloudapi", cloud.Available()),
		logx.Bool("session", a.sessions.Available()),
		logx.Bool("scheduler", s.Scheduler.Enabled),
		logx.String("http", a.HTTPAddr()))
	return nil
}

func (a *App) startSessions() error {
	if _, err := a.pool.Loop("session.adapter", a.sessions.Run, time.Second, 30*time.Second); err != nil {
		return err
	}
	every := a.sessions.PollInterval()
	for _, s := range a.sessions.Sessions() {
		s := s
		name := "session.monitor:" + s.Identity()
		if _, err := a.pool.Loop(name, func(ctx context.Context) error { return s.Monitor(ctx, every) }, time.Second, time.Minute); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) sweepLoop(every time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			rep, err := a.sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			if rep.Resumed+rep.Concluded > 0 {
				a.log.Info("recovery sweep reconciled", logx.Int("resumed", rep.Resumed), logx.Int("concluded", rep.Concluded))
			}
		}
	}
}

// startAlerts is best effort: a bad token is logged, not fatal.
func (a *App) startAlerts() {
	if !a.set.Alerts.Enabled {
		return
	}
	tg, err := alerts.NewTelegram(a.set.Alerts, false)
	if err != nil {
		a.log.Warn("telegram alerts disabled", logx.Err(err))
		return
	}
	a.alerts = alerts.New(a.set.Alerts, tg, a.bus, a.log)
	if _, err := a.pool.Loop("alerts", a.alerts.Run, time.Second, time.Minute); err != nil {
		a.log.Warn("alerts not started", logx.Err(err))
	}
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return nil
		case next = <-sub:
		}
		// Coalesce a burst of writes into the newest config.
	drain:
		for {
			select {
			case newer := <-sub:
				next = newer
			default:
				break drain
			}
		}
		a.apply(last, next)
		last = next
	}
}

// apply pushes the live sections of next into running components.
func (a *App) apply(prev, next *config.Config) {
	if next == nil {
		return
	}
	s, err := resolve(next)
	if err != nil {
		a.log.Warn("config reload rejected; keeping previous", logx.Err(err))
		return
	}
	changed, attrs := config.Summarize(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload had no effective changes")
		return
	}
	a.logs.Apply(s.Logging)
	a.mgr.Apply(s.Dispatch)
	a.router.Apply(s.Routing)
	a.dir.Apply(s.Directory)
	a.tpl.Apply(s.Templates)
	a.set.Logging, a.set.Dispatch, a.set.Routing = s.Logging, s.Dispatch, s.Routing
	a.set.Directory, a.set.Templates = s.Directory, s.Templates

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config applied", fields...)
	if rr := config.RestartRequired(changed); len(rr) > 0 {
		a.log.Warn("config changed; restart required", logx.Strings("sections", rr))
	}
}

// Stop tears down in reverse dependency order. Each step is bounded by
// what remains of ctx and by its own cap.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var errs []error
	a.stopped.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))
		step := func(name string, max time.Duration, fn func(context.Context) error) {
			if err := a.runStep(ctx, name, max, fn); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		if a.http != nil {
			step("http", 5*time.Second, a.http.Stop)
		}
		if a.sched != nil {
			step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
		}
		if a.cancel != nil {
			a.cancel()
		}
		if a.pool != nil {
			step("tasks", 15*time.Second, a.pool.Shutdown)
		}
		if a.registry != nil {
			step("sessions", 5*time.Second, a.registry.ShutdownAll)
		}
		if a.tel != nil {
			step("telemetry", 5*time.Second, a.tel.Shutdown)
		}
		if a.rcache != nil {
			step("receipts", time.Second, func(context.Context) error { return a.rcache.Close() })
		}
		if a.store != nil {
			step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
		}
		a.log.Info("stopped")
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return errors.Join(errs...)
}

func (a *App) runStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return context.DeadlineExceeded
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()
	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return sctx.Err()
	}
}
