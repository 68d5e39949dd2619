package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/roelfdiedericks/centerhelper/internal/logging"
)

// KeepBackups is how many previous versions Save keeps by default.
const KeepBackups = 5

// Backup is one previous version of a config file. Generation 0 is the most
// recent.
type Backup struct {
	Path       string
	Generation int
	ModTime    time.Time
	Size       int64
}

func backupPath(path string, gen int) string {
	if gen == 0 {
		return path + ".bak"
	}
	return fmt.Sprintf("%s.bak.%d", path, gen)
}

// Encode renders cfg as TOML or indented JSON, chosen by path's extension.
func Encode(path string, cfg *Config) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("encode TOML: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path, keeping up to keep previous versions.
func Save(path string, cfg *Config, keep int) error {
	data, err := Encode(path, cfg)
	if err != nil {
		return err
	}
	if err := replace(path, data, keep); err != nil {
		return err
	}
	logging.L_debug("config: saved", "path", path)
	return nil
}

// Backups lists the previous versions of path, most recent first.
func Backups(path string) []Backup {
	var out []Backup
	for gen := 0; ; gen++ {
		p := backupPath(path, gen)
		info, err := os.Stat(p)
		if err != nil {
			return out
		}
		out = append(out, Backup{Path: p, Generation: gen, ModTime: info.ModTime(), Size: info.Size()})
	}
}

// Restore puts backup generation gen back in place. The backup must load
// and validate; the version it replaces becomes the newest backup.
func Restore(path string, gen, keep int) error {
	src := backupPath(path, gen)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("backup %d: %w", gen, err)
	}
	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return fmt.Errorf("backup %d is not a valid config: %w", gen, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("backup %d: %w", gen, err)
	}
	if err := replace(path, data, keep); err != nil {
		return err
	}
	logging.L_info("config: restored backup", "from", src, "to", path)
	return nil
}

// replace shifts the backups of path down one generation, moves the current
// file into generation 0 and writes data in its place.
func replace(path string, data []byte, keep int) error {
	if keep <= 0 {
		keep = KeepBackups
	}
	current, err := os.ReadFile(path)
	switch {
	case err == nil:
		shift(path, keep)
		if err := atomicWrite(backupPath(path, 0), current); err != nil {
			logging.L_warn("config: backup failed, saving anyway", "path", path, "error", err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("read current config: %w", err)
	}
	return atomicWrite(path, data)
}

// shift renames generation i to i+1, dropping the generation at keep-1.
func shift(path string, keep int) {
	last := keep - 1
	if err := os.Remove(backupPath(path, last)); err != nil && !os.IsNotExist(err) {
		logging.L_trace("config: drop oldest backup", "error", err)
	}
	for gen := last - 1; gen >= 0; gen-- {
		if err := os.Rename(backupPath(path, gen), backupPath(path, gen+1)); err != nil && !os.IsNotExist(err) {
			logging.L_trace("config: shift backup", "generation", gen, "error", err)
		}
	}
}

// atomicWrite replaces path through a temp file in the same directory so a
// reader or the watcher never sees a partial config.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".centerhelper-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
