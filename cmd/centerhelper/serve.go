package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cronlib "github.com/robfig/cron/v3"
	"github.com/sevlyar/go-daemon"

	"github.com/roelfdiedericks/centerhelper/internal/bridge"
	"github.com/roelfdiedericks/centerhelper/internal/browser"
	"github.com/roelfdiedericks/centerhelper/internal/bus"
	"github.com/roelfdiedericks/centerhelper/internal/config"
	"github.com/roelfdiedericks/centerhelper/internal/coordinator"
	"github.com/roelfdiedericks/centerhelper/internal/journal"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
	"github.com/roelfdiedericks/centerhelper/internal/paths"
)

type ServeCmd struct {
	Listen  string   `help:"Relay listen address." placeholder:"HOST:PORT"`
	Origin  []string `help:"Allowed page origin (repeatable, replaces the configured list)."`
	Webhook string   `help:"Payment webhook URL."`
	Headed  bool     `help:"Show the browser window."`
	Daemon  bool     `help:"Detach and run in the background."`
	NoWatch bool     `help:"Do not reload the config file when it changes." name:"no-watch"`
}

// tabOpener adapts the browser manager to the coordinator.
type tabOpener struct{ m *browser.Manager }

func (o tabOpener) Open(ctx context.Context, url string) (coordinator.Tab, error) {
	tab, err := o.m.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	return tab, nil
}

func (c *ServeCmd) overrides() config.Config {
	return config.Config{
		Relay:   config.RelayConfig{Listen: c.Listen, AllowedOrigins: c.Origin},
		Webhook: config.WebhookConfig{URL: c.Webhook},
	}
}

func (c *ServeCmd) Run(g *Globals) error {
	if c.Daemon {
		child, done, err := daemonize()
		if err != nil {
			return err
		}
		if !child {
			return nil
		}
		defer done()
	}

	cfg, cfgPath, err := g.load()
	if err != nil {
		return err
	}
	if err := cfg.Apply(c.overrides()); err != nil {
		return err
	}
	if c.Headed {
		cfg.Browser.Headless = false
	}

	ctx, stop := signalContext()
	defer stop()

	jpath, err := cfg.JournalPath()
	if err != nil {
		return err
	}
	j, err := journal.Open(jpath)
	if err != nil {
		return err
	}
	defer j.Close()

	sched := cronlib.New()
	if retention := cfg.JournalRetention(); retention > 0 {
		if _, err := sched.AddFunc(cfg.Journal.PruneSchedule, func() { prune(ctx, j, retention) }); err != nil {
			return fmt.Errorf("journal.pruneSchedule: %w", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	bm := browser.NewManager(cfg.Browser, home)
	defer bm.Close()
	if err := bm.EnsureReady(); err != nil {
		return err
	}

	copts, err := cfg.CoordinatorOptions()
	if err != nil {
		return err
	}
	opts := []coordinator.Option{coordinator.WithLedger(j)}
	if wh := cfg.WebhookReporter(); wh != nil {
		opts = append(opts, coordinator.WithReporter(wh))
	}
	coord := coordinator.New(tabOpener{m: bm}, copts, opts...)
	coord.Register()
	defer coord.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := bridge.NewMetrics(reg)

	relay, err := bridge.NewRelay(cfg.RelayOptions(), bridge.BusDispatcher{Component: coordinator.Component}, metrics)
	if err != nil {
		return err
	}

	if cfgPath != "" && !c.NoWatch {
		w, err := config.Watch(cfgPath, 0, nil)
		if err != nil {
			L_warn("serve: config watch disabled", "error", err)
		} else {
			defer w.Stop()
		}
	}
	sub := bus.SubscribeEvent(bus.TopicConfigReload, func(e bus.Event) {
		next, ok := e.Data.(*config.Config)
		if !ok {
			return
		}
		if err := relay.SetAllowedOrigins(next.Relay.AllowedOrigins); err != nil {
			L_warn("serve: origins not reloaded", "error", err)
			return
		}
		L_info("serve: relay origins reloaded", "origins", next.Relay.AllowedOrigins)
	})
	defer bus.UnsubscribeEvent(sub)

	var gatherer prometheus.Gatherer
	if cfg.Relay.Metrics {
		gatherer = reg
	}
	srv := bridge.NewServer(relay, gatherer)

	L_info("serve: ready", "listen", cfg.Relay.Listen, "origins", cfg.Relay.AllowedOrigins, "journal", jpath)
	err = srv.ListenAndServe(ctx, cfg.Relay.Listen)
	SetShuttingDown()
	return err
}

func prune(ctx context.Context, j *journal.Journal, retention time.Duration) {
	n, err := j.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		L_warn("journal: prune failed", "error", err)
		return
	}
	if n > 0 {
		L_info("journal: pruned runs", "count", n)
	}
}

// daemonize re-executes the process detached. child is false in the parent,
// which should exit; done releases the pid file in the child.
func daemonize() (child bool, done func(), err error) {
	pidFile, err := paths.PIDFile()
	if err != nil {
		return false, nil, err
	}
	logFile, err := paths.LogFile()
	if err != nil {
		return false, nil, err
	}
	if err := paths.EnsureParentDir(pidFile); err != nil {
		return false, nil, err
	}

	dctx := &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		LogFileName: logFile,
		LogFilePerm: 0640,
		WorkDir:     "./",
		Umask:       027,
		Args:        os.Args,
	}
	d, err := dctx.Reborn()
	if err != nil {
		return false, nil, fmt.Errorf("daemonize: %w", err)
	}
	if d != nil {
		fmt.Printf("centerhelper started, pid %d, log %s\n", d.Pid, logFile)
		return false, nil, nil
	}
	return true, func() { _ = dctx.Release() }, nil
}
