package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/songforge/internal/config"
	obscontext "github.com/smallbiznis/songforge/internal/observability/context"
	obslogger "github.com/smallbiznis/songforge/internal/observability/logger"
	"github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/providers/music"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/refund"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const TaskType = "generation.poll"

type Payload struct {
	TaskID int64 `json:"task_id,string"`
}

// Options builds the queue options of the poll task for taskID. Polling uses
// a fixed interval and a bounded number of attempts.
func Options(cfg config.PollConfig, taskID int64) queue.Options {
	return queue.Options{
		DedupeKey:        "poll:" + strconv.FormatInt(taskID, 10),
		DispatchDeadline: cfg.DispatchDeadline,
		Retry: queue.RetryConfig{
			MaxAttempts: cfg.MaxAttempts,
			MinBackoff:  cfg.Interval,
			MaxBackoff:  cfg.Interval,
		},
		RateLimit: queue.RateLimits{
			MaxConcurrent: cfg.MaxConcurrent,
			MaxPerSecond:  cfg.MaxPerSecond,
		},
	}
}

// ScheduleTx enqueues the first poll of taskID inside tx.
func ScheduleTx(ctx context.Context, q *queue.Queue, tx *gorm.DB, cfg config.PollConfig, taskID int64) error {
	_, err := q.EnqueueTx(ctx, tx, TaskType, Payload{TaskID: taskID}, Options(cfg, taskID))
	return err
}

type Params struct {
	fx.In

	Store   *store.Store
	Log     *zap.Logger
	GenID   *snowflake.Node
	Music   music.Provider
	Refunds *refund.Handler
	Metrics *metrics.WorkerMetrics `optional:"true"`
}

// Poller advances a task from provider status reports. Recorded provider
// status never moves backwards.
type Poller struct {
	store   *store.Store
	log     *zap.Logger
	genID   *snowflake.Node
	music   music.Provider
	refunds *refund.Handler
	metrics *metrics.WorkerMetrics
}

func New(p Params) *Poller {
	return &Poller{
		store:   p.Store,
		log:     p.Log.Named("poller"),
		genID:   p.GenID,
		music:   p.Music,
		refunds: p.Refunds,
		metrics: p.Metrics,
	}
}

// Poll queries the provider once for taskID and records any progress. It
// reports whether another poll is needed.
func (p *Poller) Poll(ctx context.Context, taskID int64) (bool, error) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("load task %d: %w", taskID, err)
	}
	log := obslogger.WithContext(obscontext.WithGeneration(ctx, task.RequestID), p.log).With(zap.Int64("task_id", task.ID))

	settled, err := p.settled(ctx, task)
	if err != nil {
		return false, err
	}
	if settled {
		log.Info("generation already failed or refunded, polling stopped")
		return false, nil
	}

	if task.ExternalStatus.IsTerminal() {
		if task.ExternalStatus.IsFailure() {
			// The refund may not have landed on the poll that recorded the failure.
			return false, p.refunds.HandleFailure(ctx, task.UserID, task.RequestID, failureMessage(task.ExternalStatus, "", ""))
		}
		return false, nil
	}

	res, err := p.music.GetStatus(ctx, task.ExternalID)
	if err != nil {
		if store.IsRetriable(err) {
			log.Warn("status query failed, will retry", zap.Error(err))
			return true, err
		}
		log.Error("status query rejected", zap.Error(err), zap.String("error_kind", store.Classify(err)))
		return false, p.fail(ctx, task, store.ProviderStatus(""), err.Error())
	}

	next := res.Status
	if !store.HasAdvanced(task.ExternalStatus, next) {
		if store.HasRegressed(task.ExternalStatus, next) {
			log.Debug("ignoring stale provider report",
				zap.String("recorded", string(task.ExternalStatus)),
				zap.String("reported", string(next)),
			)
		}
		return true, nil
	}

	switch {
	case next.IsFailure():
		return false, p.fail(ctx, task, next, failureMessage(next, res.ErrorCode, res.ErrorMessage))
	case next.IsSuccessFamily() && len(res.Songs) > 0:
		if err := p.recordSongs(ctx, task, next, res.Songs); err != nil {
			if errors.Is(err, errSettled) {
				log.Warn("songs arrived after the generation failed; not recorded", zap.String("status", string(next)))
				return false, nil
			}
			if errors.Is(err, store.ErrAlreadyProcessed) {
				return next != store.ProviderSuccess, nil
			}
			return false, err
		}
		log.Info("task advanced", zap.String("status", string(next)), zap.Int("songs", len(res.Songs)))
		return next != store.ProviderSuccess, nil
	case next == store.ProviderSuccess:
		// Final status without artifacts; wait for a report that carries them.
		log.Warn("success reported without songs")
		return true, nil
	default:
		if err := p.advance(ctx, task, next); err != nil && !errors.Is(err, store.ErrAlreadyProcessed) {
			return false, err
		}
		return true, nil
	}
}

// settled reports whether the generation already ended in failure. A refund
// that did not land with the failure is completed here.
func (p *Poller) settled(ctx context.Context, task *store.Task) (bool, error) {
	req, err := p.store.GetRequest(ctx, task.RequestID)
	if err != nil {
		return false, fmt.Errorf("load request %d: %w", task.RequestID, err)
	}
	status, err := p.store.GetTaskStatus(ctx, task.ID)
	if err != nil {
		return false, fmt.Errorf("load task status %d: %w", task.ID, err)
	}
	if req.RefundedAsCredit {
		return true, nil
	}
	if status.Status != store.GenerationFailed {
		return false, nil
	}
	message := "generation failed"
	if status.Error != nil && *status.Error != "" {
		message = *status.Error
	}
	return true, p.refunds.HandleFailure(ctx, task.UserID, task.RequestID, message)
}

func (p *Poller) advance(ctx context.Context, task *store.Task, next store.ProviderStatus) error {
	return p.store.Tx(ctx, func(tx *gorm.DB) error {
		return p.advanceTask(tx, task.ID, next, nil)
	})
}

// advanceTask moves the recorded status forward. A concurrent poll that
// already recorded next or later makes this a no-op.
func (p *Poller) advanceTask(tx *gorm.DB, taskID int64, next store.ProviderStatus, songID *int64) error {
	res := tx.Exec(
		`UPDATE tasks
		 SET external_status = ?, external_status_rank = ?, song_id = COALESCE(song_id, ?),
		     poll_count = poll_count + 1, updated_at = ?
		 WHERE id = ? AND external_status_rank < ?`,
		next, next.Rank(), songID, p.store.Now(), taskID, next.Rank(),
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrAlreadyProcessed
	}
	return nil
}

func (p *Poller) fail(ctx context.Context, task *store.Task, status store.ProviderStatus, message string) error {
	err := p.store.Tx(ctx, func(tx *gorm.DB) error {
		if status != "" {
			if err := p.advanceTask(tx, task.ID, status, nil); err != nil && !errors.Is(err, store.ErrAlreadyProcessed) {
				return err
			}
		}
		res := tx.Exec(
			`UPDATE task_statuses SET status = ?, error = ?, updated_at = ?
			 WHERE task_id = ? AND status <> ? AND status <> ?`,
			store.GenerationFailed, message, p.store.Now(), task.ID, store.GenerationFailed, store.GenerationCompleted,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return p.store.Publish(tx, store.Change{
			Entity:    store.EntityTaskStatus,
			EntityID:  task.ID,
			RequestID: task.RequestID,
			Op:        store.OpUpdate,
			Changed:   []string{"status", "error"},
		})
	})
	if err != nil {
		return fmt.Errorf("record failure of task %d: %w", task.ID, err)
	}
	p.log.Warn("generation failed",
		zap.Int64("task_id", task.ID),
		zap.Int64("request_id", task.RequestID),
		zap.String("status", string(status)),
		zap.String("reason", message),
	)
	return p.refunds.HandleFailure(ctx, task.UserID, task.RequestID, message)
}

// errSettled aborts a song write for a generation that already failed.
var errSettled = fmt.Errorf("%w: generation already failed", store.ErrAlreadyProcessed)

type existingSong struct {
	ID       int64
	AudioURL *string
}

func (p *Poller) recordSongs(ctx context.Context, task *store.Task, next store.ProviderStatus, songs []store.SongAPIData) error {
	return p.store.Tx(ctx, func(tx *gorm.DB) error {
		now := p.store.Now()
		ids := make([]string, 0, len(songs))
		changes := make([]store.Change, 0, len(songs)+1)

		for _, song := range songs {
			prev, err := lookupSong(tx, song.ID)
			if err != nil {
				return err
			}
			candidate := prev.ID
			if candidate == 0 {
				candidate = p.genID.Generate().Int64()
			}
			change, err := upsertSong(tx, task, song, prev, candidate, now)
			if err != nil {
				return err
			}
			changes = append(changes, change)
			ids = append(ids, strconv.FormatInt(change.EntityID, 10))
		}

		first, _ := strconv.ParseInt(ids[0], 10, 64)
		if err := p.advanceTask(tx, task.ID, next, &first); err != nil {
			return err
		}

		current, err := store.LoadTaskStatus(tx, task.ID, true)
		if err != nil {
			return err
		}
		if current.Status == store.GenerationFailed {
			return errSettled
		}
		status := store.GenerationPartial
		if next == store.ProviderSuccess || current.Status == store.GenerationCompleted {
			status = store.GenerationCompleted
		}
		merged := mergeIDs(current.SongIDs, ids)
		res := tx.Exec(
			`UPDATE task_statuses SET status = ?, song_ids = ?, updated_at = ? WHERE task_id = ? AND status <> ?`,
			status, datatypes.JSONSlice[string](merged), now, task.ID, store.GenerationFailed,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errSettled
		}
		changes = append(changes, store.Change{
			Entity:    store.EntityTaskStatus,
			EntityID:  task.ID,
			RequestID: task.RequestID,
			Op:        store.OpUpdate,
			Changed:   []string{"status", "song_ids"},
		})
		return p.store.Publish(tx, changes...)
	})
}

func lookupSong(tx *gorm.DB, externalID string) (existingSong, error) {
	var prev existingSong
	err := tx.Raw(`SELECT id, audio_url FROM songs WHERE external_id = ? FOR UPDATE`, externalID).Scan(&prev).Error
	return prev, err
}

// upsertSong writes one provider artifact keyed by its external id. The row id
// comes back from the upsert itself: when a concurrent poll inserted the same
// artifact after prev was read, its id wins over candidate.
func upsertSong(tx *gorm.DB, task *store.Task, song store.SongAPIData, prev existingSong, candidate int64, now time.Time) (store.Change, error) {
	var audioURL *string
	if song.AudioURL != "" {
		audioURL = &song.AudioURL
	}

	var id int64
	if err := tx.Raw(
		`INSERT INTO songs (id, external_id, task_id, request_id, user_id, api_data, audio_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_id) DO UPDATE
		 SET api_data = excluded.api_data,
		     audio_url = COALESCE(excluded.audio_url, songs.audio_url),
		     updated_at = excluded.updated_at
		 RETURNING id`,
		candidate, song.ID, task.ID, task.RequestID, task.UserID,
		datatypes.NewJSONType(song), audioURL, now, now,
	).Scan(&id).Error; err != nil {
		return store.Change{}, fmt.Errorf("upsert song %s: %w", song.ID, err)
	}
	if id == 0 {
		return store.Change{}, fmt.Errorf("upsert song %s: no id returned", song.ID)
	}

	change := store.Change{
		Entity:    store.EntitySong,
		EntityID:  id,
		RequestID: task.RequestID,
		Op:        store.OpUpdate,
		Changed:   []string{"api_data"},
	}
	switch {
	case prev.ID == 0 && id == candidate:
		change.Op = store.OpCreate
	case audioURL == nil:
	case prev.ID == 0:
		// Inserted by a concurrent poll; its audio url is unknown here.
		change.Changed = append(change.Changed, "audio_url")
	case prev.AudioURL == nil || *prev.AudioURL != *audioURL:
		change.Changed = append(change.Changed, "audio_url")
	}
	return change, nil
}

// OnExhausted turns a poll task that ran out of attempts into a refunded failure.
func (p *Poller) OnExhausted(ctx context.Context, t *queue.Task, lastErr error) error {
	var payload Payload
	if err := t.Decode(&payload); err != nil {
		return nil
	}
	task, err := p.store.GetTask(ctx, payload.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	message := fmt.Sprintf("generation timed out after %d status checks", t.Attempts)
	if err := p.refunds.HandleFailure(ctx, task.UserID, task.RequestID, message); err != nil {
		return err
	}

	p.metrics.IncPollTimeout()
	fields := []zap.Field{
		zap.Bool("operator_alert", true),
		zap.String("error_kind", store.Classify(store.ErrTimeout)),
		zap.Int64("task_id", task.ID),
		zap.Int64("request_id", task.RequestID),
		zap.String("external_id", task.ExternalID),
		zap.String("last_status", string(task.ExternalStatus)),
		zap.Int("attempts", t.Attempts),
	}
	if lastErr != nil && !errors.Is(lastErr, queue.ErrRetry) {
		fields = append(fields, zap.Error(lastErr))
	}
	p.log.Error("status polling exhausted", fields...)
	return nil
}

// Handler adapts the poller to the queue worker.
func (p *Poller) Handler() queue.Handler {
	return queue.Handler{
		Run: func(ctx context.Context, t *queue.Task) error {
			var payload Payload
			if err := t.Decode(&payload); err != nil {
				return fmt.Errorf("%w: decode poll payload: %v", store.ErrInvalidInput, err)
			}
			retry, err := p.Poll(ctx, payload.TaskID)
			if retry {
				if err != nil {
					return fmt.Errorf("%w: %v", queue.ErrRetry, err)
				}
				return queue.ErrRetry
			}
			return err
		},
		OnExhausted: p.OnExhausted,
	}
}

func failureMessage(status store.ProviderStatus, code, msg string) string {
	parts := []string{"music provider reported " + string(status)}
	if code != "" {
		parts = append(parts, "code "+code)
	}
	if msg = strings.TrimSpace(msg); msg != "" {
		parts = append(parts, msg)
	}
	return strings.Join(parts, ": ")
}

func mergeIDs(existing, added []string) []string {
	out := make([]string, 0, len(existing)+len(added))
	seen := make(map[string]struct{}, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
