// Command remindctl inspects and edits the reminder store directly, runs a
// single scheduler tick, or serves the store as MCP tools over stdio.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"remindbot/internal/app"
	"remindbot/internal/clock"
	"remindbot/internal/config"
	"remindbot/internal/mcptools"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/timezone"
	logx "remindbot/pkg/logx"
)

type env struct {
	cfg      *config.Config
	store    storage.ReminderStore
	resolver *timezone.StoreResolver
	log      logx.Logger
}

func main() {
	global := flag.NewFlagSet("remindctl", flag.ExitOnError)
	cfgPath := global.String("config", "./config.json", "path to config (json or yaml)")
	envPath := global.String("env", ".env", "optional dotenv file")
	global.Usage = func() { fmt.Fprint(os.Stderr, renderHelp()) }
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 || args[0] == "help" {
		fmt.Print(renderHelp())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *cfgPath, *envPath, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, envPath, cmd string, args []string) error {
	if err := config.LoadDotEnv(envPath); err != nil {
		return err
	}
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout stays clean for output and MCP framing.
	log := logx.NewConsole(cfg.Logging.Level)
	if cmd == "mcp" {
		log = logx.Nop()
	}
	sc, err := app.StorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return err
	}
	defer store.Close()

	e := &env{
		cfg:      cfg,
		store:    store,
		resolver: timezone.NewStoreResolver(store, cfg.Scheduler.DefaultTimezone, log),
		log:      log,
	}
	switch cmd {
	case "list":
		return e.list(ctx, args)
	case "add":
		return e.add(ctx, args)
	case "forget":
		return e.forget(ctx, args)
	case "tz":
		return e.tz(ctx, args)
	case "poll":
		return e.poll(ctx, args)
	case "mcp":
		return mcptools.NewServer(store, e.resolver, clock.System{}).ServeStdio()
	default:
		return fmt.Errorf("unknown command %q (try remindctl help)", cmd)
	}
}

func (e *env) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	owner := fs.String("owner", "", "only this owner")
	_ = fs.Parse(args)

	var (
		rs  []reminder.Reminder
		err error
	)
	if *owner != "" {
		rs, err = e.store.List(ctx, *owner)
	} else {
		rs, err = e.store.FetchAll(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Println(renderReminders(rs, time.Now()))
	return nil
}

func (e *env) add(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	owner := fs.String("owner", "", "owner id (telegram chat id)")
	freq := fs.String("freq", "once", "once or daily")
	at := fs.String("at", "", "HH:MM or \"YYYY-MM-DD HH:MM\" in the owner's timezone")
	_ = fs.Parse(args)

	rec, err := reminder.ParseRecurrence(*freq)
	if err != nil {
		return err
	}
	tz := e.resolver.Resolve(ctx, *owner)
	r, err := reminder.New(reminder.Request{
		OwnerID:    *owner,
		Label:      strings.Join(fs.Args(), " "),
		Recurrence: rec,
		When:       *at,
	}, timezone.Load(tz), time.Now())
	if err != nil {
		return err
	}
	if err := e.store.Upsert(ctx, r); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("saved ") + r.Describe(r.Location()))
	return nil
}

func (e *env) forget(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("forget", flag.ExitOnError)
	owner := fs.String("owner", "", "owner id")
	_ = fs.Parse(args)
	label := strings.Join(fs.Args(), " ")
	if *owner == "" || label == "" {
		return fmt.Errorf("usage: remindctl forget -owner ID <task>")
	}
	if err := e.store.Delete(ctx, *owner, label); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("deleted ") + label)
	return nil
}

func (e *env) tz(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tz", flag.ExitOnError)
	owner := fs.String("owner", "", "owner id")
	_ = fs.Parse(args)
	if *owner == "" {
		return fmt.Errorf("usage: remindctl tz -owner ID [Area/City]")
	}
	if fs.NArg() == 0 {
		fmt.Println(e.resolver.Resolve(ctx, *owner))
		return nil
	}
	name := fs.Arg(0)
	if !e.resolver.Validate(name) {
		return fmt.Errorf("unknown timezone %q", name)
	}
	if err := e.store.SetTimezone(ctx, *owner, name); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("timezone ") + name)
	return nil
}

func (e *env) poll(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("poll", flag.ExitOnError)
	at := fs.String("at", "", "evaluate at this RFC3339 instant instead of now")
	apply := fs.Bool("apply", false, "persist transitions (retire and reschedule)")
	_ = fs.Parse(args)

	now := time.Now().UTC()
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("-at: %w", err)
		}
		now = t
	}
	schedCfg := scheduler.Config{DeliveryTimeout: 5 * time.Second}
	if p, err := scheduler.ParsePolicy(e.cfg.Scheduler.DailyPolicy); err == nil {
		schedCfg.Policy = p
	}
	if w, err := e.cfg.Scheduler.CatchUpWindowDuration(); err == nil {
		schedCfg.CatchUpWindow = w
	}

	var st scheduler.Store = e.store
	if !*apply {
		st = dryRun{e.store}
	}
	s := scheduler.New(st, &notifier.Writer{W: os.Stdout}, schedCfg, e.log, nil)
	res, err := s.PollOnce(ctx, now)
	if err != nil {
		return err
	}
	fmt.Println(renderResult(res, *apply))
	return nil
}

// dryRun reads from a store but discards transitions.
type dryRun struct {
	storage.ReminderStore
}

func (dryRun) Delete(context.Context, string, string) error { return nil }

func (dryRun) Reschedule(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return true, nil
}
