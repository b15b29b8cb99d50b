package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/songforge/internal/clock"
	"github.com/smallbiznis/songforge/internal/config"
	obsmetrics "github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/refund"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobChangeRelay      = "change_relay"
	JobQueueReclaim     = "queue_reclaim"
	JobDispatchRecovery = "dispatch_recovery"

	leaderKey = "scheduler:leader"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Params struct {
	fx.In

	Store    *store.Store
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Relay    *store.Relay
	Queue    *queue.Queue
	Refunds  *refund.Handler
	Pipeline *config.PipelineConfigHolder
	Locker   *redislock.Client         `optional:"true"`
	Metrics  *obsmetrics.WorkerMetrics `optional:"true"`
	Config   Config                    `optional:"true"`
}

type Scheduler struct {
	store    *store.Store
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	relay    *store.Relay
	queue    *queue.Queue
	refunds  *refund.Handler
	pipeline *config.PipelineConfigHolder
	locker   *redislock.Client
	metrics  *obsmetrics.WorkerMetrics

	lease *redislock.Lock
}

func New(p Params) (*Scheduler, error) {
	if p.Store == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Relay == nil || p.Queue == nil || p.Refunds == nil || p.Pipeline == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		store:    p.Store,
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		relay:    p.Relay,
		queue:    p.Queue,
		refunds:  p.Refunds,
		pipeline: p.Pipeline,
		locker:   p.Locker,
		metrics:  p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	s.finishJobRun(ctx, run, err)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	// deadline is a soft timeout; the next tick picks up the rest
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once when this replica holds the leader lease.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if !s.acquireLeadership(parent) {
		return nil
	}

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{JobChangeRelay, 30 * time.Second, s.ChangeRelayJob},
		{JobQueueReclaim, 30 * time.Second, s.QueueReclaimJob},
		{JobDispatchRecovery, time.Minute, s.DispatchRecoveryJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Timeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	defer s.releaseLeadership()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// acquireLeadership obtains or refreshes the redis lease. Without redis every
// replica runs the jobs; they are safe to run concurrently, only wasteful.
func (s *Scheduler) acquireLeadership(ctx context.Context) bool {
	if s.locker == nil {
		return true
	}
	if s.lease != nil {
		if err := s.lease.Refresh(ctx, s.cfg.LeaseTTL, nil); err == nil {
			return true
		}
		s.log.Warn("scheduler leader lease lost")
		s.lease = nil
	}

	lock, err := s.locker.Obtain(ctx, leaderKey, s.cfg.LeaseTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		s.metrics.IncBatchDeferred("scheduler", obsmetrics.BatchDeferredReasonNotLeader)
		return false
	}
	if err != nil {
		s.log.Warn("scheduler leader lease unavailable", zap.Error(err))
		return false
	}
	s.lease = lock
	s.log.Info("scheduler leader lease acquired")
	return true
}

func (s *Scheduler) releaseLeadership() {
	if s.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.lease.Release(ctx)
	s.lease = nil
}

// ChangeRelayJob delivers pending change events to their subscribers.
func (s *Scheduler) ChangeRelayJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	var jobErr error
	for i := 0; i < s.cfg.RelayRounds; i++ {
		delivered, err := s.relay.RunOnce(ctx)
		run.AddProcessed(delivered)
		if err != nil {
			// failed events are rescheduled by the relay itself
			jobErr = errors.Join(jobErr, err)
			break
		}
		if delivered == 0 {
			break
		}
	}
	s.metrics.AddBatchProcessed(JobChangeRelay, obsmetrics.LockResourceChangeEvents, run.Processed())
	return jobErr
}

// QueueReclaimJob returns tasks with expired leases to the queue.
func (s *Scheduler) QueueReclaimJob(ctx context.Context) error {
	reclaimed, err := s.queue.ReclaimExpired(ctx)
	if err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(int(reclaimed))
	s.metrics.AddBatchProcessed(JobQueueReclaim, obsmetrics.LockResourceQueueTasks, int(reclaimed))
	return nil
}
