// Package app wires configuration, storage, the Telegram transport, the
// scheduler and its dispatch loop into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindbot/internal/clock"
	"remindbot/internal/commands"
	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/ops"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/timezone"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

// Transport is a chat connection that can deliver text and reports when it
// is ready to do so.
type Transport interface {
	notifier.Sender
	Ready() <-chan struct{}
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TransportFactory builds the transport around the command handler.
type TransportFactory func(cfg *config.Config, h telegram.Handler, log logx.Logger) (Transport, error)

func telegramTransport(cfg *config.Config, h telegram.Handler, log logx.Logger) (Transport, error) {
	pt, err := cfg.Telegram.PollTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pt}, h, log)
}

type Options struct {
	Clock     clock.Clock
	Transport TransportFactory
}

type App struct {
	cfgm *config.Manager
	clk  clock.Clock

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	events *eventbus.Recorder
	sup    *supervisor.Supervisor

	store     storage.ReminderStore
	transport Transport
	notif     *notifier.Service
	sched     *scheduler.Scheduler
	driver    *dispatch.Driver
	handler   *commands.Handler
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Transport == nil {
		opts.Transport = telegramTransport
	}

	logs, log := logx.New(logConfig(cfg))
	alog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:   cfgm,
		clk:    opts.Clock,
		log:    alog,
		logs:   logs,
		bus:    eventbus.New(),
		events: eventbus.NewRecorder(100),
	}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}

	sc, err := StorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	alog.Info("storage opened", logx.String("driver", sc.Driver))

	resolver := timezone.NewStoreResolver(a.store, cfg.Scheduler.DefaultTimezone, log)
	a.handler = commands.New(a.store, resolver, a.clk, log)

	a.transport, err = opts.Transport(cfg, a.handler, log)
	if err != nil {
		return fail(err)
	}

	ncfg, err := notifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.notif = notifier.New(ncfg, a.transport, log.With(logx.String("comp", "notifier")), a.bus)

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.sched = scheduler.New(a.store, a.notif, schedCfg, log, a.bus)
	return a, nil
}

func (a *App) Store() storage.ReminderStore { return a.store }

func (a *App) Handler() *commands.Handler { return a.handler }

// Done is closed when the app context ends, on Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error, such as the transport never becoming ready.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := schedulerConfig(c); err != nil {
			return err
		}
		if _, err := dispatchConfig(c); err != nil {
			return err
		}
		_, err := notifierConfig(c)
		return err
	})

	dcfg, err := dispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.driver, err = dispatch.New(dcfg, dispatch.Deps{
		Poller:     a.sched,
		Clock:      a.clk,
		Ready:      a.transport.Ready(),
		Log:        a.log,
		Bus:        a.bus,
		Supervisor: a.sup,
	})
	if err != nil {
		return err
	}

	a.watchEvents()

	if err := a.transport.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := a.driver.Start(a.sup.Context()); err != nil {
		return err
	}

	if addr := strings.TrimSpace(cfg.Ops.Addr); addr != "" {
		h := ops.Handler(a.health, a.status)
		if cfg.Ops.Pprof {
			h = ops.WithPprof(h, cfg.Ops.PprofToken)
		}
		srv, err := ops.Listen(addr, h, a.log)
		if err != nil {
			return fmt.Errorf("ops listen: %w", err)
		}
		a.sup.Go("ops.http", srv.Serve)
	}

	a.watchConfig()
	a.sup.GoRestart("config.watch", supervisor.RestartPolicy{MaxBackoff: time.Minute}, a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("policy", string(a.sched.Config().Policy)),
		logx.String("trigger", a.driver.Stats().Trigger),
	)
	return nil
}

// watchEvents records bus events for /status, logs them at debug level and
// reports readiness to systemd once the dispatch loop runs.
func (a *App) watchEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.watch", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.events.Add(e)
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				if e.Type == eventbus.DispatchState && e.Data == dispatch.Running.String() {
					if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
						a.log.Warn("sd_notify ready failed", logx.Err(err))
					} else if sent {
						a.log.Debug("notified systemd ready")
					}
				}
			}
		}
	})
}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	changed, fields := config.Summarize(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(logConfig(next))

	if sc, err := schedulerConfig(next); err == nil {
		a.sched.Apply(sc)
	} else {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	}
	if nc, err := notifierConfig(next); err == nil {
		a.notif.Apply(nc)
	}
	if dc, err := dispatchConfig(next); err == nil {
		if dc.Cron != strings.TrimSpace(prev.Dispatch.Cron) {
			a.log.Warn("dispatch.cron changed; restart required")
		}
		a.driver.SetInterval(dc.Interval)
	}
	if r := config.RequiresRestart(changed); len(r) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", r))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
}

func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if st := a.driver.State(); st != dispatch.Running {
		return fmt.Errorf("dispatch %s", st)
	}
	return nil
}

// Status is the /status payload.
type Status struct {
	Dispatch   dispatch.Stats         `json:"dispatch"`
	Scheduler  scheduler.Stats        `json:"scheduler"`
	Notifier   notifier.Stats         `json:"notifier"`
	Deliveries []notifier.HistoryItem `json:"deliveries"`
	Supervisor supervisor.Snapshot    `json:"supervisor"`
	Events     []eventbus.Event       `json:"events"`
}

func (a *App) status() any {
	return Status{
		Dispatch:   a.driver.Stats(),
		Scheduler:  a.sched.Snapshot(),
		Notifier:   a.notif.Stats(),
		Deliveries: a.notif.History(),
		Supervisor: a.sup.Snapshot(),
		Events:     a.events.Recent(),
	}
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// The driver goes first so an in-flight poll can still deliver and write.
	step("dispatch", 5*time.Second, a.driver.Stop)
	a.sup.Cancel()
	step("transport", 3*time.Second, a.transport.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
