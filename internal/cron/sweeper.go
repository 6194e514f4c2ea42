// Package cron runs the retention sweep: on a cron schedule it prunes
// terminal tasks and old conversation messages from the store.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentflow/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the sweeper dependencies and retention windows. A zero
// window disables pruning for that table; both zero disables the
// sweeper entirely.
type Config struct {
	Store            *persistence.Store
	Logger           *slog.Logger
	Schedule         string // default "0 3 * * *"
	TaskRetention    time.Duration
	MessageRetention time.Duration
}

// Sweeper prunes old rows whenever its schedule fires.
type Sweeper struct {
	store            *persistence.Store
	logger           *slog.Logger
	schedule         cronlib.Schedule
	taskRetention    time.Duration
	messageRetention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper validates the schedule and builds the sweeper. It returns
// (nil, nil) when both retention windows are zero.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.TaskRetention <= 0 && cfg.MessageRetention <= 0 {
		return nil, nil
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:            cfg.Store,
		logger:           logger,
		schedule:         sched,
		taskRetention:    cfg.TaskRetention,
		messageRetention: cfg.MessageRetention,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		"task_retention", s.taskRetention,
		"message_retention", s.messageRetention,
		"next_run", s.schedule.Next(time.Now()),
	)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep prunes once. Exported so the daemon can force a sweep on demand.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.taskRetention > 0 {
		n, err := s.store.PruneTasks(ctx, s.taskRetention)
		if err != nil {
			s.logger.Error("retention: prune tasks failed", "error", err)
		} else if n > 0 {
			s.logger.Info("retention: pruned tasks", "count", n)
		}
	}
	if s.messageRetention > 0 {
		n, err := s.store.PruneMessages(ctx, s.messageRetention)
		if err != nil {
			s.logger.Error("retention: prune messages failed", "error", err)
		} else if n > 0 {
			s.logger.Info("retention: pruned messages", "count", n)
		}
	}
}
