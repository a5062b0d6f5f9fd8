package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// WorkflowSweeper is the subset of the workflow engine needed by the expiry
// job. Defined here to avoid a dependency cycle with the workflow package.
type WorkflowSweeper interface {
	ExpireStale(ctx context.Context) int
}

// WorkflowExpiryJob expires approval workflows whose current step deadline
// has passed. Timers handle the common case; the sweep catches steps whose
// timers were lost across a restart.
type WorkflowExpiryJob struct {
	Engine       WorkflowSweeper
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "* * * * *"
}

// Compile-time interface check.
var _ Job = (*WorkflowExpiryJob)(nil)

// Name implements Job.
func (j *WorkflowExpiryJob) Name() string { return "workflow_expiry" }

// Schedule implements Job.
func (j *WorkflowExpiryJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "* * * * *"
}

// Run expires every overdue workflow.
func (j *WorkflowExpiryJob) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cron: workflow expiry cancelled: %w", ctx.Err())
	}
	if expired := j.Engine.ExpireStale(ctx); expired > 0 {
		j.Logger.Info("cron: expired stale workflows", "count", expired)
	}
	return nil
}

// RetentionPruner removes terminal records older than a retention window
// and reports how many were dropped.
type RetentionPruner interface {
	CleanupExpired(olderThan time.Duration) int
}

type retentionFunc func(olderThan time.Duration) int

func (f retentionFunc) CleanupExpired(olderThan time.Duration) int { return f(olderThan) }

// PrunerFunc wraps a cleanup function as a RetentionPruner.
func PrunerFunc(f func(olderThan time.Duration) int) RetentionPruner { return retentionFunc(f) }

// RetentionJob prunes resolved executions and approval records older than
// the retention window.
type RetentionJob struct {
	Pruners      []RetentionPruner
	Retention    time.Duration
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "0 * * * *"
}

// Compile-time interface check.
var _ Job = (*RetentionJob)(nil)

// Name implements Job.
func (j *RetentionJob) Name() string { return "retention" }

// Schedule implements Job.
func (j *RetentionJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 * * * *"
}

// Run prunes each registered source.
func (j *RetentionJob) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cron: retention cancelled: %w", ctx.Err())
	}
	total := 0
	for _, p := range j.Pruners {
		total += p.CleanupExpired(j.Retention)
	}
	if total > 0 {
		j.Logger.Info("cron: pruned resolved records", "count", total, "retention", j.Retention)
	}
	return nil
}
