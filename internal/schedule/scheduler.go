// Package schedule drives the nightly consolidation job (C11) on a cron
// spec. On Start it runs one catch-up consolidation when the runner reports
// one is due; the configured misfire grace window is logged with that run
// but does not limit it.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/brainkeep/externalbrain/internal/config"
	"github.com/brainkeep/externalbrain/internal/consolidate"
)

// ConsolidationRunner is the subset of *consolidate.Consolidator the
// scheduler depends on, kept narrow so tests can substitute a fake.
type ConsolidationRunner interface {
	Run(ctx context.Context) (consolidate.Report, error)
	NeedsCatchUp(ctx context.Context, now time.Time) (bool, error)
}

// Scheduler wraps a robfig/cron instance to run consolidation on cfg.Schedule.
type Scheduler struct {
	cron      *cron.Cron
	runner    ConsolidationRunner
	graceWindow time.Duration
	logger    *slog.Logger
	entryID   cron.EntryID
}

// New builds a Scheduler. logger may be nil, in which case slog.Default() is used.
func New(runner ConsolidationRunner, cfg config.ConsolidationConfig, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	s := &Scheduler{
		cron:        c,
		runner:      runner,
		graceWindow: time.Duration(cfg.MisfireGraceSeconds) * time.Second,
		logger:      logger,
	}
	id, err := c.AddFunc(cfg.Schedule, s.runOnce)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron spec %q: %w", cfg.Schedule, err)
	}
	s.entryID = id
	return s, nil
}

// Start begins the cron loop and, if a consolidation run is overdue per
// NeedsCatchUp, runs one immediately before the next scheduled tick. The
// grace window is not checked: the catch-up run happens however long ago
// the missed run was due.
func (s *Scheduler) Start(ctx context.Context) error {
	needsCatchUp, err := s.runner.NeedsCatchUp(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("schedule: checking catch-up state: %w", err)
	}
	if needsCatchUp {
		s.logger.Info("consolidation catch-up run starting", "grace_window", s.graceWindow)
		s.runOnce()
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop, waiting for any in-flight run to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRun reports when the job will next fire.
func (s *Scheduler) NextRun() time.Time {
	entry := s.cron.Entry(s.entryID)
	return entry.Next
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	start := time.Now()
	report, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("consolidation run failed", "error", err, "elapsed", time.Since(start))
		return
	}
	s.logger.Info("consolidation run completed",
		"elapsed", time.Since(start),
		"clusters_found", report.ClustersFound,
		"merged", report.Merged,
		"compressed", report.Compressed,
		"promoted", report.Promoted,
		"forgotten", report.Forgotten,
	)
}
