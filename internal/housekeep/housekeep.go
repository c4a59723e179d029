// Package housekeep runs the periodic maintenance sweep (§7 supplemented
// feature): prune merged/removed worktrees with no live session, probe the
// sandbox provider's health, and reconcile tasks orphaned by a crash while
// their agent was mid-run. Grounded on internal/cron/scheduler.go's
// Start(ctx)/Stop() lifecycle shape, generalized from "fire due cron
// schedules" to "run a fixed set of maintenance sweeps on an interval" —
// scheduled with the same github.com/robfig/cron/v3 engine the teacher uses,
// via its "@every" interval-spec form rather than a cron expression.
package housekeep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentdevsl/claudorc/internal/agentsvc"
	"github.com/agentdevsl/claudorc/internal/sandbox"
	"github.com/agentdevsl/claudorc/internal/worktree"
)

// Config holds the Sweeper's dependencies.
type Config struct {
	Worktrees *worktree.Service
	Sandboxes sandbox.Provider
	Agents    *agentsvc.Service
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 5 minutes if zero
}

// Sweeper periodically runs the maintenance sweeps against its
// dependencies until stopped.
type Sweeper struct {
	worktrees *worktree.Service
	sandboxes sandbox.Provider
	agents    *agentsvc.Service
	logger    *slog.Logger
	interval  time.Duration

	engine *cron.Cron
	cancel context.CancelFunc
}

// New builds a Sweeper from cfg.
func New(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		worktrees: cfg.Worktrees,
		sandboxes: cfg.Sandboxes,
		agents:    cfg.Agents,
		logger:    logger,
		interval:  interval,
	}
}

// Start schedules the sweep on a cron.Cron running the "@every <interval>"
// spec, runs one tick immediately, and ties the engine's lifetime to ctx.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	sw.engine = cron.New()
	_, err := sw.engine.AddFunc(fmt.Sprintf("@every %s", sw.interval), func() { sw.tick(ctx) })
	if err != nil {
		sw.logger.Error("housekeep: schedule sweep failed", "error", err)
		return
	}
	sw.engine.Start()
	go sw.tick(ctx)

	sw.logger.Info("housekeeping sweeper started", "interval", sw.interval)
}

// Stop cancels the scheduled sweep and waits for the cron engine to drain
// its in-flight job.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	if sw.engine != nil {
		<-sw.engine.Stop().Done()
	}
	sw.logger.Info("housekeeping sweeper stopped")
}

// tick runs each sweep once. A failure in one sweep does not block the
// others.
func (sw *Sweeper) tick(ctx context.Context) {
	sw.pruneWorktrees(ctx)
	sw.checkSandboxHealth(ctx)
	sw.reconcileOrphans(ctx)
}

func (sw *Sweeper) pruneWorktrees(ctx context.Context) {
	if sw.worktrees == nil {
		return
	}
	ids, err := sw.worktrees.Prune(ctx)
	if err != nil {
		sw.logger.Error("housekeep: list prunable worktrees failed", "error", err)
		return
	}
	var removed int
	for _, id := range ids {
		if err := sw.worktrees.Remove(ctx, id); err != nil {
			sw.logger.Error("housekeep: remove worktree failed", "worktreeId", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		sw.logger.Info("housekeep: pruned worktrees", "count", removed)
	}
}

func (sw *Sweeper) checkSandboxHealth(ctx context.Context) {
	if sw.sandboxes == nil {
		return
	}
	if err := sw.sandboxes.HealthCheck(ctx); err != nil {
		sw.logger.Error("housekeep: sandbox health check failed", "error", err)
	}
}

func (sw *Sweeper) reconcileOrphans(ctx context.Context) {
	if sw.agents == nil {
		return
	}
	n, err := sw.agents.ReconcileOrphans(ctx)
	if err != nil {
		sw.logger.Error("housekeep: reconcile orphans failed", "error", err)
		return
	}
	if n > 0 {
		sw.logger.Warn("housekeep: reconciled orphaned tasks", "count", n)
	}
}
