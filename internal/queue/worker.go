package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/songforge/internal/observability/context"
	"github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/ratelimit"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// Handler processes one task type.
type Handler struct {
	Run func(ctx context.Context, task *Task) error
	// OnExhausted runs when a retriable task spends its attempt budget. A
	// failing hook leaves the task pending so the hook runs again.
	OnExhausted func(ctx context.Context, task *Task, lastErr error) error
}

type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// LeaseGrace is added to the dispatch deadline when leasing a task.
	LeaseGrace time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    20,
		PollInterval: time.Second,
		LeaseGrace:   30 * time.Second,
	}
}

type WorkerParams struct {
	fx.In

	Store   *store.Store
	Log     *zap.Logger
	Limiter *ratelimit.Limiter     `optional:"true"`
	Metrics *metrics.WorkerMetrics `optional:"true"`
}

type typeGate struct {
	size int64
	sem  *semaphore.Weighted
}

// Worker claims due tasks and runs them through registered handlers.
type Worker struct {
	store   *store.Store
	log     *zap.Logger
	limiter *ratelimit.Limiter
	metrics *metrics.WorkerMetrics
	cfg     WorkerConfig
	id      string

	mu       sync.RWMutex
	handlers map[string]Handler
	gates    map[string]*typeGate
}

func NewWorker(p WorkerParams) *Worker {
	return NewWorkerWithConfig(p, DefaultWorkerConfig())
}

func NewWorkerWithConfig(p WorkerParams, cfg WorkerConfig) *Worker {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	limiter := p.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(nil, log)
	}
	defaults := DefaultWorkerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.LeaseGrace < 0 {
		cfg.LeaseGrace = 0
	}
	return &Worker{
		store:    p.Store,
		log:      log.Named("queue.worker"),
		limiter:  limiter,
		metrics:  p.Metrics,
		cfg:      cfg,
		id:       uuid.NewString(),
		handlers: map[string]Handler{},
		gates:    map[string]*typeGate{},
	}
}

// Register binds h to taskType. Only registered types are claimed.
func (w *Worker) Register(taskType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = h
}

func (w *Worker) handler(taskType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[taskType]
	return h, ok
}

func (w *Worker) taskTypes() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}

// Run polls for due tasks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("queue worker cycle failed", zap.Error(err))
		}
		if processed > 0 && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due tasks and runs it to completion. It returns
// the number of tasks that were executed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	types := w.taskTypes()
	if len(types) == 0 {
		return 0, nil
	}
	claimed, err := w.claim(ctx, types)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		w.metrics.IncBatchDeferred("queue_worker", metrics.BatchDeferredReasonSkipLockedEmpty)
		return 0, nil
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		errs      []error
		processed int
	)
	for i := range claimed {
		task := &claimed[i]
		release, ok, wait := w.admit(ctx, task)
		if !ok {
			if err := w.release(ctx, task, wait); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			err := w.execute(ctx, task)
			mu.Lock()
			defer mu.Unlock()
			processed++
			if err != nil {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()
	return processed, errors.Join(errs...)
}

func (w *Worker) claim(ctx context.Context, types []string) ([]Task, error) {
	now := w.store.Now()
	var tasks []Task
	err := w.store.Tx(ctx, func(tx *gorm.DB) error {
		start := time.Now()
		if err := tx.Raw(
			`SELECT * FROM queue_tasks
			 WHERE status = ? AND run_at <= ? AND task_type IN ?
			 ORDER BY run_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			StatusPending, now, types, w.cfg.BatchSize,
		).Scan(&tasks).Error; err != nil {
			return err
		}
		w.metrics.ObserveDBLockWait(metrics.LockResourceQueueTasks, time.Since(start))

		for i := range tasks {
			lease := now.Add(tasks[i].DispatchDeadline() + w.cfg.LeaseGrace)
			if err := tx.Exec(
				`UPDATE queue_tasks
				 SET status = ?, attempts = attempts + 1, lease_until = ?, locked_by = ?, updated_at = ?
				 WHERE id = ?`,
				StatusRunning, lease, w.id, now, tasks[i].ID,
			).Error; err != nil {
				return err
			}
			tasks[i].Status = StatusRunning
			tasks[i].Attempts++
			tasks[i].LeaseUntil = &lease
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim queue tasks: %w", err)
	}
	return tasks, nil
}

// admit applies the per task type concurrency and rate limits.
func (w *Worker) admit(ctx context.Context, task *Task) (func(), bool, time.Duration) {
	release := func() {}
	if task.MaxConcurrent > 0 {
		gate := w.gate(task.TaskType, int64(task.MaxConcurrent))
		if !gate.sem.TryAcquire(1) {
			return release, false, time.Second
		}
		release = func() { gate.sem.Release(1) }
	}
	if task.MaxPerSecond > 0 {
		ok, wait := w.limiter.Allow(ctx, fmt.Sprintf(ratelimit.KeyTaskTypeRate, task.TaskType), task.MaxPerSecond)
		if !ok {
			release()
			if wait <= 0 {
				wait = time.Second
			}
			return func() {}, false, wait
		}
	}
	return release, true, 0
}

func (w *Worker) gate(taskType string, size int64) *typeGate {
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.gates[taskType]
	if !ok || g.size != size {
		g = &typeGate{size: size, sem: semaphore.NewWeighted(size)}
		w.gates[taskType] = g
	}
	return g
}

// release hands a throttled task back without spending an attempt.
func (w *Worker) release(ctx context.Context, task *Task, wait time.Duration) error {
	now := w.store.Now()
	w.metrics.IncQueueTask(task.TaskType, metrics.TaskOutcomeThrottled)
	return w.store.DB(ctx).Exec(
		`UPDATE queue_tasks
		 SET status = ?, attempts = attempts - 1, run_at = ?, lease_until = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ? AND locked_by = ?`,
		StatusPending, now.Add(wait), now, task.ID, w.id,
	).Error
}

func (w *Worker) execute(ctx context.Context, task *Task) error {
	h, ok := w.handler(task.TaskType)
	if !ok {
		return w.markDead(ctx, task, fmt.Errorf("no handler for task type %q", task.TaskType), false)
	}

	start := time.Now()
	runCtx := ctx
	cancel := func() {}
	if d := task.DispatchDeadline(); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
	}
	runCtx = obscontext.WithQueueTask(runCtx, obscontext.QueueTask{ID: task.ID, Type: task.TaskType, Attempt: task.Attempts})
	runCtx = obscontext.WithActor(runCtx, "system", "queue."+task.TaskType)
	err := invoke(runCtx, h.Run, task)
	cancel()
	w.metrics.ObserveQueueTask(task.TaskType, time.Since(start))

	return w.complete(ctx, task, h, err)
}

func invoke(ctx context.Context, fn func(context.Context, *Task) error, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, task)
}

func (w *Worker) complete(ctx context.Context, task *Task, h Handler, err error) error {
	log := w.log.With(
		zap.Int64("task_id", task.ID),
		zap.String("task_type", task.TaskType),
		zap.String("dedupe_key", task.DedupeKey),
		zap.Int("attempt", task.Attempts),
		zap.Int("max_attempts", task.MaxAttempts),
	)

	if err == nil || errors.Is(err, store.ErrAlreadyProcessed) {
		w.metrics.IncQueueTask(task.TaskType, metrics.TaskOutcomeDone)
		return w.markDone(ctx, task)
	}

	retriable := errors.Is(err, ErrRetry) || store.IsRetriable(err)
	if !retriable {
		log.Error("queue task failed permanently",
			zap.String("error_kind", store.Classify(err)),
			zap.Error(err),
		)
		w.metrics.IncQueueTask(task.TaskType, metrics.TaskOutcomeDead)
		return w.markDead(ctx, task, err, false)
	}

	minBackoff, maxBackoff := task.backoff()
	next := store.Backoff(task.Attempts, minBackoff, maxBackoff)
	if task.Attempts < task.MaxAttempts {
		if errors.Is(err, ErrRetry) {
			log.Debug("queue task rescheduled", zap.Duration("backoff", next))
		} else {
			log.Warn("queue task failed, retrying",
				zap.Duration("backoff", next),
				zap.String("error_kind", store.Classify(err)),
				zap.Error(err),
			)
		}
		w.metrics.IncQueueTask(task.TaskType, metrics.TaskOutcomeRetry)
		return w.markRetry(ctx, task, err, next)
	}

	if h.OnExhausted != nil {
		if hookErr := h.OnExhausted(ctx, task, err); hookErr != nil {
			log.Error("queue exhaustion hook failed", zap.Error(hookErr))
			return w.markRetry(ctx, task, hookErr, next)
		}
	}
	log.Error("queue task exhausted its attempts", zap.Error(err))
	w.metrics.IncQueueTask(task.TaskType, metrics.TaskOutcomeExhausted)
	return w.markDead(ctx, task, err, true)
}

func (w *Worker) markDone(ctx context.Context, task *Task) error {
	now := w.store.Now()
	return w.store.DB(ctx).Exec(
		`UPDATE queue_tasks
		 SET status = ?, lease_until = NULL, locked_by = NULL, last_error = NULL, finished_at = ?, updated_at = ?
		 WHERE id = ? AND locked_by = ?`,
		StatusDone, now, now, task.ID, w.id,
	).Error
}

func (w *Worker) markRetry(ctx context.Context, task *Task, cause error, backoff time.Duration) error {
	now := w.store.Now()
	return w.store.DB(ctx).Exec(
		`UPDATE queue_tasks
		 SET status = ?, run_at = ?, lease_until = NULL, locked_by = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND locked_by = ?`,
		StatusPending, now.Add(backoff), cause.Error(), now, task.ID, w.id,
	).Error
}

func (w *Worker) markDead(ctx context.Context, task *Task, cause error, exhausted bool) error {
	now := w.store.Now()
	return w.store.DB(ctx).Exec(
		`UPDATE queue_tasks
		 SET status = ?, exhausted = ?, lease_until = NULL, locked_by = NULL, last_error = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND locked_by = ?`,
		StatusDead, exhausted, cause.Error(), now, now, task.ID, w.id,
	).Error
}
