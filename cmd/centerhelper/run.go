package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/roelfdiedericks/centerhelper/internal/bridge"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
	"github.com/roelfdiedericks/centerhelper/internal/rows"
	"github.com/roelfdiedericks/centerhelper/internal/ui"
)

// BridgeFlags locate a running relay.
type BridgeFlags struct {
	URL    string `help:"Relay websocket URL (default: derived from relay.listen)." name:"url"`
	Origin string `help:"Origin to present (default: first allowed origin)."`
}

func (b BridgeFlags) dial(ctx context.Context, g *Globals) (*bridge.Originator, error) {
	cfg, _, err := g.load()
	if err != nil {
		return nil, err
	}
	url, origin := b.URL, b.Origin
	if url == "" {
		url = "ws://" + cfg.Relay.Listen + "/bridge"
	}
	if origin == "" {
		origin = cfg.Relay.AllowedOrigins[0]
	}
	o, err := bridge.Dial(ctx, url, origin)
	if err != nil {
		return nil, err
	}
	select {
	case <-o.Ready():
		return o, nil
	case <-time.After(5 * time.Second):
		o.Close()
		return nil, fmt.Errorf("relay did not greet origin %s", origin)
	case <-ctx.Done():
		o.Close()
		return nil, ctx.Err()
	}
}

type RunCmd struct {
	BridgeFlags `embed:""`

	File      string        `arg:"" help:"JSON file with one row or an array of rows ('-' for stdin)."`
	Query     string        `help:"jq expression producing rows from the file." short:"q"`
	Receiver  string        `help:"Page to open for each row (default: coordinator.defaultUrl)."`
	Pause     bool          `help:"Stop before submission so a captcha can be solved by hand."`
	Await     bool          `help:"Wait for each run's outcome instead of the injection result."`
	Timeout   time.Duration `help:"Per-row relay timeout." default:"0s"`
	AutoClose time.Duration `help:"Close each tab this long after injection." name:"auto-close" default:"0s"`
	Parallel  int           `help:"Rows in flight at once." default:"1"`
}

func (c *RunCmd) Run(g *Globals) error {
	data, err := readInput(c.File)
	if err != nil {
		return err
	}
	list, err := rows.Parse(data, c.Query)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return fmt.Errorf("no rows in %s", c.File)
	}

	ctx, stop := signalContext()
	defer stop()
	o, err := c.dial(ctx, g)
	if err != nil {
		return err
	}
	defer o.Close()

	parallel := c.Parallel
	if parallel < 1 {
		parallel = 1
	}
	results := make([]bridge.Response, len(list))
	errs := make([]error, len(list))
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	for i, row := range list {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer func() { <-sem; wg.Done() }()
			index := i
			req := bridge.Request{
				Index:          &index,
				Row:            row,
				Options:        &bridge.RunOptions{PauseForCaptcha: c.Pause, AwaitOutcome: c.Await},
				ReceiverTabURL: c.Receiver,
			}
			if c.Timeout > 0 {
				ms := c.Timeout.Milliseconds()
				req.TimeoutMs = &ms
			}
			if c.AutoClose > 0 {
				ms := c.AutoClose.Milliseconds()
				req.AutoCloseMs = &ms
			}
			results[i], errs[i] = o.RunRow(ctx, req)
			if errs[i] != nil {
				L_warn("run: row failed", "index", i, "error", errs[i])
			}
		}(i)
	}
	wg.Wait()

	return renderResults(os.Stdout, g.pretty(), results, errs)
}

func renderResults(w io.Writer, pretty bool, results []bridge.Response, errs []error) error {
	failed := 0
	for i := range results {
		if errs[i] != nil {
			results[i] = bridge.Failed(results[i].RequestID, "cli", errs[i])
		}
		if !results[i].OK {
			failed++
		}
	}
	if !pretty {
		if err := ui.JSON(w, results); err != nil {
			return err
		}
	} else {
		table := make([][]string, 0, len(results))
		for i, r := range results {
			status := ui.Status(r.OK, "ok", "failed")
			if r.Paused {
				status = ui.WarnStyle.Render("paused")
			}
			table = append(table, []string{fmt.Sprint(i), r.RequestID, status, r.Error, r.Payment, r.Via})
		}
		fmt.Fprintln(w, ui.Table([]string{"#", "request", "status", "error", "payment", "via"}, table))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d rows failed", failed, len(results))
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

type ResumeCmd struct {
	BridgeFlags `embed:""`

	RequestID string `arg:"" help:"Request id of the paused run."`
}

func (c *ResumeCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()
	o, err := c.dial(ctx, g)
	if err != nil {
		return err
	}
	defer o.Close()
	if err := o.Resume(c.RequestID); err != nil {
		return err
	}
	fmt.Printf("resume sent for %s\n", c.RequestID)
	return nil
}
