package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/centerhelper/internal/config"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
	"github.com/roelfdiedericks/centerhelper/internal/ui"
)

const version = "0.3.0"

// Globals are flags shared by every command.
type Globals struct {
	Config   string `help:"Config file (default: ./centerhelper.json, then ~/.centerhelper/)." short:"c" type:"path"`
	LogLevel string `help:"Log level: trace, debug, info, warn, error." name:"log-level"`
	JSON     bool   `help:"Force JSON output."`
}

// load reads the config and initializes logging from it.
func (g *Globals) load() (*config.Config, string, error) {
	cfg, path, err := config.Load(g.Config)
	if err != nil {
		return nil, "", err
	}
	if g.LogLevel != "" {
		if err := cfg.Apply(config.Config{Logging: config.LoggingConfig{Level: g.LogLevel}}); err != nil {
			return nil, "", err
		}
	}
	Init(cfg.LoggingOptions())
	if path != "" {
		L_debug("config loaded", "path", path)
	}
	return cfg, path, nil
}

// pretty reports whether output should be rendered for a human.
func (g *Globals) pretty() bool {
	return !g.JSON && ui.IsTerminal(os.Stdout)
}

type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Run the relay, coordinator and browser."`
	Watch   WatchCmd   `cmd:"" help:"Open a visible browser with the page agent attached."`
	Run     RunCmd     `cmd:"" help:"Send rows to a running relay."`
	Resume  ResumeCmd  `cmd:"" help:"Resume a run paused before submission."`
	Inspect InspectCmd `cmd:"" help:"Analyse a saved booking page."`
	Catalog CatalogCmd `cmd:"" help:"List fallback medical centers."`
	History HistoryCmd `cmd:"" help:"Show journaled runs."`
	Init    InitCmd    `cmd:"" help:"Write a config file with the defaults."`
	Backups ConfigCmd  `cmd:"" name:"config" help:"Manage config backups."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("centerhelper %s\n", version)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("centerhelper"),
		kong.Description("Medical center selection and booking automation."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}
