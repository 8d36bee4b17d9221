package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"procman/internal/config"
	"procman/internal/control"
	"procman/internal/eventbus"
	"procman/internal/notify"
	"procman/internal/scheduler"
	"procman/internal/store"
	"procman/pkg/logx"
)

const defaultListen = "127.0.0.1:7530"

func main() {
	var (
		cfgPath string
		listen  string
	)
	flag.StringVar(&cfgPath, "config", "./schedule.yaml", "path to schedule file (yaml or json)")
	flag.StringVar(&listen, "listen", "", "control api address (overrides settings.listen)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, listen); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, listenOverride string) error {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	loaded, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load %s: %w", cfgPath, err)
	}
	set := loaded.Settings

	log, closeLog, err := logx.New(logx.Config{
		Level:   set.LogLevel,
		Console: true,
		File:    logx.FileConfig{Enabled: set.LogFile != "", Path: set.LogFile},
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if closeLog != nil {
		defer closeLog()
	}

	opt, err := loopOptions(set)
	if err != nil {
		return err
	}

	st, err := store.Open(storeConfig(set), log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	book := scheduler.NewBook(st, log)
	if err := book.Load(ctx); err != nil {
		return fmt.Errorf("load statuses: %w", err)
	}

	bus := eventbus.New()
	notifier := notify.NewService(log, bus, notify.NewLogSink(log, 30))
	go notifier.Run(ctx)

	sched := scheduler.New(log, book, bus, mgr, opt)
	sched.Apply(ctx, loaded)

	// File watch feeds validated reloads into the scheduler; a broken edit
	// is logged by the watcher and the running schedule stays in force.
	reloads := mgr.Subscribe()
	go func() {
		if err := mgr.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Error("schedule watch stopped", logx.Err(err))
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case l := <-reloads:
				sched.Apply(ctx, l)
			}
		}
	}()

	addr := listenOverride
	if addr == "" {
		addr = set.Listen
	}
	if addr == "" {
		addr = defaultListen
	}
	api := control.NewServer(log, sched, addr)
	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Run(ctx) }()

	if sent, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		log.Debug("sd_notify ready sent")
	}

	log.Info("procman started",
		logx.String("config", cfgPath),
		logx.String("listen", addr),
		logx.Int("jobs", len(sched.List())))

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	select {
	case err := <-apiErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("control api: %w", err)
		}
	case <-ctx.Done():
	}
	<-done
	log.Info("procman stopped")
	return nil
}

func loopOptions(set config.Settings) (scheduler.Options, error) {
	var opt scheduler.Options
	var err error
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"settings.tick", set.Tick, &opt.Tick},
		{"settings.stop_grace", set.StopGrace, &opt.StopGrace},
		{"settings.probe_timeout", set.ProbeTimeout, &opt.ProbeTimeout},
		{"settings.task_timeout", set.TaskTimeout, &opt.TaskTimeout},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.name, f.raw); err != nil {
			return opt, err
		}
	}
	opt.LogDir = set.LogDir
	if opt.LogDir == "" {
		opt.LogDir = "./logs"
	}
	return opt, nil
}

func storeConfig(set config.Settings) store.Config {
	cfg := store.Config{
		Driver: set.Storage.Driver,
		Path:   set.Storage.Path,
	}
	if cfg.Driver == "" {
		cfg.Driver = "file"
	}
	if cfg.Path == "" {
		cfg.Path = "./status"
	}
	return cfg
}
