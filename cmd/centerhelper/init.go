package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/roelfdiedericks/centerhelper/internal/config"
	"github.com/roelfdiedericks/centerhelper/internal/paths"
	"github.com/roelfdiedericks/centerhelper/internal/ui"
)

type InitCmd struct {
	Path  string `arg:"" optional:"" help:"Where to write (default ~/.centerhelper/centerhelper.json). A .toml extension writes TOML."`
	Force bool   `help:"Overwrite an existing file (a backup is kept)."`
}

func (c *InitCmd) Run(g *Globals) error {
	path := c.Path
	if path == "" {
		var err error
		if path, err = paths.DataPath(paths.ConfigNames[0]); err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s exists, use --force to overwrite", path)
	}
	if err := config.Save(path, config.Default(), config.KeepBackups); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

// ConfigCmd manages the previous versions Save keeps next to the config file.
type ConfigCmd struct {
	Backups BackupsCmd `cmd:"" help:"List config backups, newest first."`
	Restore RestoreCmd `cmd:"" help:"Put a config backup back in place."`
}

// configFile resolves the file the backup commands work on. It does not
// load it, so a broken config can still be restored.
func (g *Globals) configFile() (string, error) {
	if g.Config != "" {
		return g.Config, nil
	}
	path, err := paths.ConfigPath()
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("no config file found, run init first")
	}
	return path, nil
}

type BackupsCmd struct{}

func (c *BackupsCmd) Run(g *Globals) error {
	path, err := g.configFile()
	if err != nil {
		return err
	}
	backups := config.Backups(path)
	if !g.pretty() {
		return ui.JSON(os.Stdout, backups)
	}
	if len(backups) == 0 {
		fmt.Println(ui.DimStyle.Render("no backups of " + path))
		return nil
	}
	rows := make([][]string, 0, len(backups))
	for _, b := range backups {
		rows = append(rows, []string{
			strconv.Itoa(b.Generation),
			b.ModTime.Format("2006-01-02 15:04:05"),
			strconv.FormatInt(b.Size, 10),
			b.Path,
		})
	}
	fmt.Println(ui.Table([]string{"gen", "saved", "bytes", "file"}, rows))
	return nil
}

type RestoreCmd struct {
	Generation int `arg:"" optional:"" default:"0" help:"Backup generation to restore (0 = newest)."`
}

func (c *RestoreCmd) Run(g *Globals) error {
	path, err := g.configFile()
	if err != nil {
		return err
	}
	if err := config.Restore(path, c.Generation, config.KeepBackups); err != nil {
		return err
	}
	fmt.Println(ui.Status(true, "restored "+path, ""))
	return nil
}
