// Package janitor sweeps orphaned scratch directories. Normal executions
// destroy their scratch directory synchronously; the janitor exists for
// crash recovery, since a host restart mid-execution leaves directories
// behind that nothing else will ever reclaim.
package janitor

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// scratchPrefix matches directories created by the context builder.
const scratchPrefix = "exec-"

// Config configures the sweeper.
type Config struct {
	ScratchRoot string
	Schedule    string        // Cron expression. Default: "@every 10m".
	MaxAge      time.Duration // Directories older than this are removed. Default: 1h.
}

// Janitor periodically removes stale scratch directories.
type Janitor struct {
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a janitor.
func New(cfg Config, logger *slog.Logger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	return &Janitor{cfg: cfg, logger: logger}
}

// Start runs one immediate sweep (crash recovery) and schedules the rest.
func (j *Janitor) Start() error {
	j.Sweep()

	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.cfg.Schedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule. A sweep in progress finishes.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// Sweep removes scratch directories older than the cutoff. Directories
// younger than the cutoff may belong to live executions and are left
// alone; the age guard is what makes the sweep safe to run while the
// engine is busy.
func (j *Janitor) Sweep() {
	entries, err := os.ReadDir(j.cfg.ScratchRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn("janitor: reading scratch root",
				slog.String("root", j.cfg.ScratchRoot),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	cutoff := time.Now().Add(-j.cfg.MaxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), scratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(j.cfg.ScratchRoot, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			j.logger.Warn("janitor: removing stale scratch dir",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("janitor: swept stale scratch dirs",
			slog.Int("removed", removed),
			slog.String("root", j.cfg.ScratchRoot),
		)
	}
}
