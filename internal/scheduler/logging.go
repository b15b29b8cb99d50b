package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/songforge/internal/observability/context"
	obslogger "github.com/smallbiznis/songforge/internal/observability/logger"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/zap"
)

// jobRun tallies one execution of a maintenance job for the summary log line.
type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
	processed int
	failures  int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(n int) {
	if r != nil && n > 0 {
		r.processed += n
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.failures++
	}
}

func (r *jobRun) Processed() int {
	if r == nil {
		return 0
	}
	return r.processed
}

func (s *Scheduler) startJobRun(ctx context.Context, job string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler."+job)
	return ctx, run
}

func jobRunFromContext(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	log := obslogger.WithContext(ctx, s.log)
	if run := jobRunFromContext(ctx); run != nil {
		log = log.With(zap.String("job", run.job), zap.String("run_id", run.runID))
	}
	return log
}

// finishJobRun writes the summary line. Idle runs stay silent so a quiet
// pipeline does not flood the log every tick.
func (s *Scheduler) finishJobRun(ctx context.Context, run *jobRun, err error) {
	if err != nil && run.failures == 0 {
		run.IncError()
	}
	if run.processed == 0 && run.failures == 0 {
		return
	}
	fields := []zap.Field{
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.failures),
	}
	if run.failures > 0 {
		s.logger(ctx).Warn("scheduler job finished with errors", fields...)
		return
	}
	s.logger(ctx).Info("scheduler job finished", fields...)
}

// logRequestError records a per-request failure inside a job without failing the run.
func (s *Scheduler) logRequestError(ctx context.Context, msg string, requestID int64, err error) {
	jobRunFromContext(ctx).IncError()
	s.logger(obscontext.WithGeneration(ctx, requestID)).Error(msg,
		zap.String("error_kind", store.Classify(err)),
		zap.Bool("retryable", store.IsRetriable(err)),
		zap.Error(err),
	)
}
