// Package supervisor runs the periodic maintenance tasks from spec.md §4.8:
// geospatial-store GC and AOF shrink, a healthz ping, relational partition
// rollover, and the GraphHopper admin GC. Each runs on its own ticker at a
// config-supplied frequency, matching original_source/src/tasks/mod.rs's
// one-goroutine-per-task layout (tokio::spawn per periodic job there).
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/eugenever/locator/internal/relstore"
	"github.com/eugenever/locator/internal/t38cmd"
)

// Config carries the tick frequencies (seconds), each optional: a nil or
// zero frequency disables that task, matching the *int toml fields in
// internal/config that make these tasks opt-in.
type Config struct {
	GCFrequencySeconds         int
	AOFShrinkFrequencySeconds  int
	HealthzFrequencySeconds    int
	PartitionFrequencySeconds  int
	ReportKeepDays             int
	GraphHopperGCFrequencySeconds int
}

type Supervisor struct {
	cfg      Config
	t38      *t38cmd.Executor
	store    *relstore.Store
	ghGC     func(ctx context.Context) error
	log      zerolog.Logger
}

func New(cfg Config, t38 *t38cmd.Executor, store *relstore.Store, ghGC func(ctx context.Context) error, log zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, t38: t38, store: store, ghGC: ghGC, log: log}
}

// Run starts every configured periodic task and blocks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	var wg []func()
	if s.cfg.GCFrequencySeconds > 0 {
		wg = append(wg, func() { s.runTicker(ctx, "t38_gc", s.cfg.GCFrequencySeconds, s.gcTile38) })
	}
	if s.cfg.AOFShrinkFrequencySeconds > 0 {
		wg = append(wg, func() { s.runTicker(ctx, "t38_aofshrink", s.cfg.AOFShrinkFrequencySeconds, s.aofShrink) })
	}
	if s.cfg.HealthzFrequencySeconds > 0 {
		wg = append(wg, func() { s.runTicker(ctx, "t38_healthz", s.cfg.HealthzFrequencySeconds, s.healthz) })
	}
	if s.cfg.PartitionFrequencySeconds > 0 && s.store != nil {
		wg = append(wg, func() { s.runTicker(ctx, "report_partitions", s.cfg.PartitionFrequencySeconds, s.partitionMaintenance) })
	}
	if s.cfg.GraphHopperGCFrequencySeconds > 0 && s.ghGC != nil {
		wg = append(wg, func() { s.runTicker(ctx, "graphhopper_gc", s.cfg.GraphHopperGCFrequencySeconds, s.ghGC) })
	}

	for _, task := range wg {
		go task()
	}
	<-ctx.Done()
}

func (s *Supervisor) runTicker(ctx context.Context, name string, seconds int, fn func(context.Context) error) {
	ticker := time.NewTicker(time.Duration(seconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				s.log.Warn().Err(err).Str("task", name).Msg("periodic task failed")
			}
		}
	}
}

func (s *Supervisor) gcTile38(ctx context.Context) error {
	return s.t38.Exec(ctx, "GC")
}

func (s *Supervisor) aofShrink(ctx context.Context) error {
	return s.t38.Exec(ctx, "AOFSHRINK")
}

func (s *Supervisor) healthz(ctx context.Context) error {
	_, err := s.t38.Query(ctx, "HEALTHZ")
	return err
}

func (s *Supervisor) partitionMaintenance(ctx context.Context) error {
	if err := s.store.EnsureReportPartition(ctx, time.Now()); err != nil {
		return err
	}
	if err := s.store.EnsureReportPartition(ctx, time.Now().AddDate(0, 1, 0)); err != nil {
		return err
	}
	if s.cfg.ReportKeepDays > 0 {
		return s.store.DropOldReportPartitions(ctx, s.cfg.ReportKeepDays)
	}
	return nil
}
