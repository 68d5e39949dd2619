package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/roelfdiedericks/centerhelper/internal/config"
	"github.com/roelfdiedericks/centerhelper/internal/inspect"
	"github.com/roelfdiedericks/centerhelper/internal/journal"
	"github.com/roelfdiedericks/centerhelper/internal/records"
	"github.com/roelfdiedericks/centerhelper/internal/ui"
)

type InspectCmd struct {
	Files []string `arg:"" help:"Saved booking pages." type:"existingfile"`
}

func (c *InspectCmd) Run(g *Globals) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	source, err := catalogSource(cfg)
	if err != nil {
		return err
	}
	for _, f := range c.Files {
		r, err := inspect.File(f, cfg.Agent.Policy, source)
		if err != nil {
			return err
		}
		if err := r.Render(os.Stdout, g.pretty()); err != nil {
			return err
		}
	}
	return nil
}

func catalogSource(cfg *config.Config) (records.Source, error) {
	if cfg.Agent.CatalogFile == "" {
		return records.Source{}, nil
	}
	groups, err := config.LoadCatalog(cfg.Agent.CatalogFile)
	if err != nil {
		return records.Source{}, err
	}
	return records.Source{Fallback: groups}, nil
}

type CatalogCmd struct {
	Filter string `arg:"" optional:"" help:"Only show centers whose code or name contains this."`
}

func (c *CatalogCmd) Run(g *Globals) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	groups := records.Catalog()
	if cfg.Agent.CatalogFile != "" {
		if groups, err = config.LoadCatalog(cfg.Agent.CatalogFile); err != nil {
			return err
		}
	}
	groups = records.Filter(groups, c.Filter)

	if !g.pretty() {
		return ui.JSON(os.Stdout, groups)
	}
	var rows [][]string
	for _, grp := range groups {
		for _, r := range grp.Records {
			rows = append(rows, []string{grp.Label, r.Value, r.Name})
		}
	}
	fmt.Println(ui.Table([]string{"region", "code", "name"}, rows))
	return nil
}

type HistoryCmd struct {
	Limit int    `help:"Number of runs to show (0 = all)." default:"20" short:"n"`
	ID    string `arg:"" optional:"" help:"Show a single run."`
}

func (c *HistoryCmd) Run(g *Globals) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	path, err := cfg.JournalPath()
	if err != nil {
		return err
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := context.Background()
	var runs []journal.Run
	if c.ID != "" {
		r, err := j.Get(ctx, c.ID)
		if err != nil {
			return err
		}
		runs = []journal.Run{r}
	} else if runs, err = j.List(ctx, c.Limit); err != nil {
		return err
	}

	if !g.pretty() {
		return ui.JSON(os.Stdout, runs)
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		status := ui.DimStyle.Render("running")
		switch {
		case r.Paused:
			status = ui.WarnStyle.Render("paused")
		case r.Done():
			status = ui.Status(r.OK, "ok", "failed")
		}
		took := ""
		if !r.Finished.IsZero() {
			took = r.Finished.Sub(r.Started).Round(time.Second).String()
		}
		payment := r.Payment
		if payment == "" {
			payment = r.PaymentError
		}
		rows = append(rows, []string{
			r.Started.Local().Format("2006-01-02 15:04:05"), r.RequestID, status, took, r.Error, payment,
		})
	}
	fmt.Println(ui.Table([]string{"started", "request", "status", "took", "error", "payment"}, rows))
	fmt.Println(ui.DimStyle.Render(strconv.Itoa(len(runs)) + " run(s) from " + path))
	return nil
}
