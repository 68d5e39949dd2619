package main

import (
	"fmt"
	"os"

	"github.com/roelfdiedericks/centerhelper/internal/agent"
	"github.com/roelfdiedericks/centerhelper/internal/browser"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

type WatchCmd struct {
	URL  string `arg:"" optional:"" help:"Page to open (default: coordinator.defaultUrl)."`
	Pick string `help:"Medical center code to choose once the control appears."`
}

func (c *WatchCmd) Run(g *Globals) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	copts, err := cfg.CoordinatorOptions()
	if err != nil {
		return err
	}
	url := c.URL
	if url == "" {
		url = copts.DefaultURL
	}
	if err := browser.CheckOpen(url, cfg.Browser); err != nil {
		return err
	}
	if !copts.Agent.Supported(url) {
		L_warn("watch: agent does not run on this page", "url", url)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	bm := browser.NewManager(cfg.Browser, home)
	b, page, err := bm.LaunchHeaded(url)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := signalContext()
	defer stop()

	tab := browser.NewTab(page, url)
	defer tab.Close()
	if err := tab.WaitLoad(ctx); err != nil {
		return fmt.Errorf("wait for load: %w", err)
	}

	ag := agent.New(tab.Document(), copts.Agent)
	if err := ag.Start(ctx); err != nil {
		return err
	}
	defer ag.Stop()

	if c.Pick != "" {
		if err := ag.Pick(c.Pick); err != nil {
			L_warn("watch: pick failed", "value", c.Pick, "error", err)
		}
	}

	L_info("watch: agent attached, close with Ctrl-C", "url", url, "records", len(ag.Records()))
	<-ctx.Done()
	return nil
}
