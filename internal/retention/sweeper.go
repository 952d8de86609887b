// Package retention runs the background housekeeping sweep: idle sessions
// get archived and stale worktrees get detected and cleaned on a cron
// schedule.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/gobby-dev/gobby/internal/config"
	"github.com/gobby-dev/gobby/internal/store"
)

const defaultCron = "0 * * * *"

// SessionArchiver archives sessions with no recent activity.
type SessionArchiver interface {
	ArchiveIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// WorktreeSweeper marks and removes stale worktrees.
type WorktreeSweeper interface {
	DetectStale(ctx context.Context, projectID string) ([]store.WorktreeData, error)
	CleanupStale(ctx context.Context, projectID string) (int, error)
}

// Sweeper ticks once a minute and fires the sweep when the cron expression
// is due.
type Sweeper struct {
	cfg       config.RetentionConfig
	gron      *gronx.Gronx
	sessions  SessionArchiver
	worktrees WorktreeSweeper
	logger    *slog.Logger
}

func New(cfg config.RetentionConfig, sessions SessionArchiver, worktrees WorktreeSweeper, logger *slog.Logger) *Sweeper {
	if cfg.Cron == "" {
		cfg.Cron = defaultCron
	}
	return &Sweeper{
		cfg:       cfg,
		gron:      gronx.New(),
		sessions:  sessions,
		worktrees: worktrees,
		logger:    logger,
	}
}

// Run blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	if !s.gron.IsValid(s.cfg.Cron) {
		s.logger.Error("invalid retention cron, sweeper disabled", "cron", s.cfg.Cron)
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.cfg.Cron, now)
			if err != nil {
				s.logger.Warn("cron evaluation failed", "cron", s.cfg.Cron, "error", err)
				continue
			}
			if due {
				s.Sweep(ctx, now)
			}
		}
	}
}

// Sweep runs one housekeeping pass.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	idleDays := s.cfg.SessionIdleDays
	if idleDays <= 0 {
		idleDays = 7
	}
	cutoff := now.Add(-time.Duration(idleDays) * 24 * time.Hour)

	if n, err := s.sessions.ArchiveIdle(ctx, cutoff); err != nil {
		s.logger.Warn("session archival failed", "error", err)
	} else if n > 0 {
		s.logger.Info("archived idle sessions", "count", n)
	}

	if s.worktrees == nil {
		return
	}
	stale, err := s.worktrees.DetectStale(ctx, "")
	if err != nil {
		s.logger.Warn("stale worktree detection failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	if n, err := s.worktrees.CleanupStale(ctx, ""); err != nil {
		s.logger.Warn("stale worktree cleanup failed", "error", err)
	} else {
		s.logger.Info("cleaned stale worktrees", "count", n)
	}
}
