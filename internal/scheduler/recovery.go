package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	obscontext "github.com/smallbiznis/songforge/internal/observability/context"
	obsmetrics "github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/scheduler/guard"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/zap"
)

const dispatchInterruptedMessage = "generation dispatch was interrupted before the task was recorded"

type staleDispatch struct {
	ID                  int64
	UserID              int64
	GenerationStarted   bool
	GenerationStartedAt *time.Time
	TaskID              *int64
	RefundedAsCredit    bool
}

// DispatchRecoveryJob refunds requests whose dispatch started but never
// recorded a task. A crashed dispatch is never re-run because the external
// submission may already have happened.
func (s *Scheduler) DispatchRecoveryJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now().UTC()
	threshold := s.pipeline.Get().RecoveryThreshold
	cutoff := now.Add(-threshold)

	var jobErr error
	seen := map[int64]bool{}
	for {
		start := time.Now()
		var rows []staleDispatch
		if err := s.store.DB(ctx).Raw(
			`SELECT id, user_id, generation_started, generation_started_at, task_id, refunded_as_credit
			 FROM generation_requests
			 WHERE generation_started = ? AND task_id IS NULL AND refunded_as_credit = ? AND generation_started_at < ?
			 ORDER BY generation_started_at ASC
			 LIMIT ?`,
			true, false, cutoff, s.cfg.BatchSize,
		).Scan(&rows).Error; err != nil {
			return errors.Join(jobErr, fmt.Errorf("fetch stale dispatches: %w", err))
		}
		s.metrics.ObserveDBLockWait(obsmetrics.LockResourceStaleDispatch, time.Since(start))

		fresh := 0
		for _, row := range rows {
			if seen[row.ID] {
				continue
			}
			seen[row.ID] = true
			fresh++

			if err := guard.EnsureDispatchInterrupted(row.GenerationStarted, row.GenerationStartedAt, row.TaskID != nil, row.RefundedAsCredit, now, threshold); err != nil {
				continue
			}
			if err := s.refunds.HandleFailure(ctx, row.UserID, row.ID, dispatchInterruptedMessage); err != nil {
				if errors.Is(err, store.ErrOwnershipMismatch) || errors.Is(err, store.ErrNotFound) {
					s.logRequestError(ctx, "dispatch recovery skipped request", row.ID, err)
					continue
				}
				s.logRequestError(ctx, "dispatch recovery refund failed", row.ID, err)
				jobErr = errors.Join(jobErr, err)
				continue
			}
			run.AddProcessed(1)
			s.logger(obscontext.WithGeneration(ctx, row.ID)).Warn("interrupted dispatch refunded",
				zap.Int64("user_id", row.UserID),
				zap.Bool("operator_alert", true),
			)
		}

		if fresh == 0 || len(rows) < s.cfg.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
	}

	s.metrics.AddBatchProcessed(JobDispatchRecovery, obsmetrics.LockResourceStaleDispatch, run.Processed())
	return jobErr
}
