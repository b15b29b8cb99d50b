package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Store *store.Store
	Log   *zap.Logger
	GenID *snowflake.Node
}

// Queue is a durable, at-least-once task queue stored next to the pipeline
// state so tasks can be enqueued in the same transaction as the work that
// produced them.
type Queue struct {
	store *store.Store
	log   *zap.Logger
	genID *snowflake.Node
}

func New(p Params) *Queue {
	return &Queue{
		store: p.Store,
		log:   p.Log.Named("queue"),
		genID: p.GenID,
	}
}

// Enqueue inserts a task. It reports false when a task with the same dedupe key exists.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any, opts Options) (bool, error) {
	var inserted bool
	err := q.store.Tx(ctx, func(tx *gorm.DB) error {
		var err error
		inserted, err = q.EnqueueTx(ctx, tx, taskType, payload, opts)
		return err
	})
	return inserted, err
}

// EnqueueTx inserts a task inside tx.
func (q *Queue) EnqueueTx(ctx context.Context, tx *gorm.DB, taskType string, payload any, opts Options) (bool, error) {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return false, fmt.Errorf("%w: task type is required", store.ErrInvalidInput)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode %s payload: %w", taskType, err)
	}

	opts = opts.withDefaults()
	dedupeKey := strings.TrimSpace(opts.DedupeKey)
	if dedupeKey == "" {
		dedupeKey = taskType + ":" + uuid.NewString()
	}

	now := q.store.Now()
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO queue_tasks (
			id, task_type, payload, dedupe_key, status, attempts, max_attempts,
			min_backoff_ms, max_backoff_ms, dispatch_deadline_ms, max_concurrent, max_per_second,
			run_at, exhausted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		q.genID.Generate().Int64(),
		taskType,
		string(body),
		dedupeKey,
		StatusPending,
		opts.Retry.MaxAttempts,
		opts.Retry.MinBackoff.Milliseconds(),
		opts.Retry.MaxBackoff.Milliseconds(),
		opts.DispatchDeadline.Milliseconds(),
		opts.RateLimit.MaxConcurrent,
		opts.RateLimit.MaxPerSecond,
		now.Add(opts.Delay),
		false,
		now,
		now,
	)
	if res.Error != nil {
		return false, fmt.Errorf("enqueue %s: %w", taskType, res.Error)
	}
	if res.RowsAffected == 0 {
		q.log.Debug("duplicate enqueue ignored",
			zap.String("task_type", taskType),
			zap.String("dedupe_key", dedupeKey),
		)
		return false, nil
	}
	return true, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*Task, error) {
	var task Task
	res := q.store.DB(ctx).Raw(`SELECT * FROM queue_tasks WHERE id = ?`, id).Scan(&task)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

// GetByDedupeKey returns the task enqueued under key.
func (q *Queue) GetByDedupeKey(ctx context.Context, key string) (*Task, error) {
	var task Task
	res := q.store.DB(ctx).Raw(`SELECT * FROM queue_tasks WHERE dedupe_key = ?`, key).Scan(&task)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

// ListDead returns dead tasks, newest first.
func (q *Queue) ListDead(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var tasks []Task
	err := q.store.DB(ctx).Raw(
		`SELECT * FROM queue_tasks WHERE status = ? ORDER BY updated_at DESC, id DESC LIMIT ?`,
		StatusDead, limit,
	).Scan(&tasks).Error
	return tasks, err
}

// Retry moves a dead task back to pending with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	now := q.store.Now()
	res := q.store.DB(ctx).Exec(
		`UPDATE queue_tasks
		 SET status = ?, attempts = 0, exhausted = ?, run_at = ?, lease_until = NULL,
		     locked_by = NULL, finished_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusPending, false, now, now, id, StatusDead,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		q.log.Info("dead task requeued", zap.Int64("task_id", id))
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return ErrTaskNotDead
}

// ReclaimExpired returns running tasks whose lease has expired to pending.
// Handlers are idempotent, so a task whose worker died is simply run again.
func (q *Queue) ReclaimExpired(ctx context.Context) (int64, error) {
	now := q.store.Now()
	res := q.store.DB(ctx).Exec(
		`UPDATE queue_tasks
		 SET status = ?, lease_until = NULL, locked_by = NULL, run_at = ?, updated_at = ?
		 WHERE status = ? AND lease_until < ?`,
		StatusPending, now, now, StatusRunning, now,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		q.log.Warn("reclaimed expired task leases", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
