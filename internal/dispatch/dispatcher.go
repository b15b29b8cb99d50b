package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/songforge/internal/config"
	obscontext "github.com/smallbiznis/songforge/internal/observability/context"
	obslogger "github.com/smallbiznis/songforge/internal/observability/logger"
	"github.com/smallbiznis/songforge/internal/poller"
	"github.com/smallbiznis/songforge/internal/providers/lyrics"
	"github.com/smallbiznis/songforge/internal/providers/music"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/refund"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const TaskType = "generation.dispatch"

type Payload struct {
	RequestID int64                 `json:"request_id,string"`
	UserID    int64                 `json:"user_id,string"`
	Input     store.GenerationInput `json:"input"`
}

type Params struct {
	fx.In

	Store    *store.Store
	Log      *zap.Logger
	GenID    *snowflake.Node
	Queue    *queue.Queue
	Lyrics   lyrics.Generator
	Music    music.Provider
	Refunds  *refund.Handler
	Pipeline *config.PipelineConfigHolder
}

// Dispatcher starts the external generation for a paid request.
type Dispatcher struct {
	store    *store.Store
	log      *zap.Logger
	genID    *snowflake.Node
	queue    *queue.Queue
	lyrics   lyrics.Generator
	music    music.Provider
	refunds  *refund.Handler
	pipeline *config.PipelineConfigHolder
}

func New(p Params) *Dispatcher {
	return &Dispatcher{
		store:    p.Store,
		log:      p.Log.Named("dispatch"),
		genID:    p.GenID,
		queue:    p.Queue,
		lyrics:   p.Lyrics,
		music:    p.Music,
		refunds:  p.Refunds,
		pipeline: p.Pipeline,
	}
}

// Options builds the queue options of the dispatch task. Dispatch is never
// retried by the queue because a second run would submit duplicate external work.
func Options(cfg config.DispatchConfig, requestID int64) queue.Options {
	return queue.Options{
		DedupeKey:        "dispatch:" + strconv.FormatInt(requestID, 10),
		DispatchDeadline: cfg.DispatchDeadline,
		Retry:            queue.RetryConfig{MaxAttempts: 1},
		RateLimit: queue.RateLimits{
			MaxConcurrent: cfg.MaxConcurrent,
			MaxPerSecond:  cfg.MaxPerSecond,
		},
	}
}

// OnRequestChanged enqueues a dispatch task once a request becomes startable.
func (d *Dispatcher) OnRequestChanged(ctx context.Context, ev store.ChangeEvent) error {
	if !ev.Touches("payment_status") {
		return nil
	}
	req, err := d.store.GetRequest(ctx, ev.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if req.PaymentStatus != store.PaymentStatusSuccess || req.GenerationStarted || req.RefundedAsCredit {
		return nil
	}

	payload := Payload{RequestID: req.ID, UserID: req.UserID, Input: req.Input.Data()}
	inserted, err := d.queue.Enqueue(ctx, TaskType, payload, Options(d.pipeline.Get().Dispatch, req.ID))
	if err != nil {
		return fmt.Errorf("enqueue dispatch for request %d: %w", req.ID, err)
	}
	if inserted {
		d.log.Info("dispatch scheduled", zap.Int64("request_id", req.ID))
	}
	return nil
}

// StartGeneration runs the dispatch steps for one request. It returns nil
// when the request was already started or is not startable, and routes every
// failure after the start lock to the refund handler.
func (d *Dispatcher) StartGeneration(ctx context.Context, userID int64, input store.GenerationInput, requestID int64) error {
	log := obslogger.WithContext(obscontext.WithGeneration(ctx, requestID), d.log).With(zap.Int64("user_id", userID))

	locked, err := d.lock(ctx, userID, requestID)
	if err != nil {
		return fmt.Errorf("lock request %d: %w", requestID, err)
	}
	if !locked {
		if err := d.checkOwner(ctx, userID, requestID); err != nil {
			log.Error("dispatch payload does not own the request",
				zap.Bool("security", true),
				zap.String("error_kind", store.Classify(err)),
				zap.Error(err),
			)
			return err
		}
		log.Debug("dispatch skipped, request already started or not startable")
		return nil
	}

	taskID, err := d.run(ctx, userID, input, requestID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			log.Warn("request already has a task or was refunded; external task abandoned")
			return nil
		}
		log.Error("dispatch failed", zap.Error(err), zap.String("error_kind", store.Classify(err)))
		if rerr := d.refunds.HandleFailure(ctx, userID, requestID, err.Error()); rerr != nil {
			return fmt.Errorf("refund after dispatch failure: %w", rerr)
		}
		return nil
	}

	log.Info("generation started", zap.Int64("task_id", taskID))
	return nil
}

// lock flips generation_started exactly once.
func (d *Dispatcher) lock(ctx context.Context, userID, requestID int64) (bool, error) {
	locked := false
	err := d.store.Tx(ctx, func(tx *gorm.DB) error {
		now := d.store.Now()
		res := tx.Exec(
			`UPDATE generation_requests
			 SET generation_started = ?, generation_started_at = ?, updated_at = ?
			 WHERE id = ? AND user_id = ? AND generation_started = ? AND payment_status = ? AND refunded_as_credit = ?`,
			true, now, now, requestID, userID, false, store.PaymentStatusSuccess, false,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		locked = true
		return d.store.Publish(tx, store.Change{
			Entity:    store.EntityGenerationRequest,
			EntityID:  requestID,
			RequestID: requestID,
			Op:        store.OpUpdate,
			Changed:   []string{"generation_started"},
		})
	})
	return locked, err
}

// checkOwner explains a lock miss caused by a payload naming the wrong user.
func (d *Dispatcher) checkOwner(ctx context.Context, userID, requestID int64) error {
	req, err := d.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reload request %d: %w", requestID, err)
	}
	if req.UserID != userID {
		return fmt.Errorf("%w: request %d belongs to user %d, payload names %d",
			store.ErrOwnershipMismatch, requestID, req.UserID, userID)
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, userID int64, input store.GenerationInput, requestID int64) (int64, error) {
	if _, err := d.store.GetUser(ctx, userID); err != nil {
		return 0, fmt.Errorf("load user: %w", err)
	}

	cfg := d.pipeline.Get()
	text, err := d.lyrics.Generate(ctx, lyrics.Request{
		Style:         input.Style,
		Title:         input.Title,
		LyricsDetails: input.LyricsDetails,
		Dedication:    input.Dedication,
		Donation:      input.Donation,
	})
	if err != nil {
		return 0, fmt.Errorf("generate lyrics: %w", err)
	}
	text = withWatermark(text, cfg.Watermark)

	stylePrompt := input.StylePrompt
	if stylePrompt == "" {
		stylePrompt = input.Style
	}
	externalID, err := d.music.Submit(ctx, music.SubmitRequest{
		Lyrics:      text,
		Title:       input.Title,
		StylePrompt: stylePrompt,
	})
	if err != nil {
		return 0, fmt.Errorf("submit music task: %w", err)
	}
	if strings.TrimSpace(externalID) == "" {
		return 0, fmt.Errorf("submit music task: %w: empty task id", store.ErrProviderTerminal)
	}

	taskID := d.genID.Generate().Int64()
	err = d.store.Tx(ctx, func(tx *gorm.DB) error {
		now := d.store.Now()
		task := store.Task{
			ID:             taskID,
			UserID:         userID,
			RequestID:      requestID,
			ExternalID:     externalID,
			ExternalStatus: store.ProviderPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&task).Error; err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		status := store.TaskStatus{
			TaskID:    taskID,
			RequestID: requestID,
			UserID:    userID,
			Status:    store.GenerationProcessing,
			Lyrics:    text,
			Input:     datatypes.NewJSONType(input),
			SongIDs:   datatypes.JSONSlice[string]{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&status).Error; err != nil {
			return fmt.Errorf("insert task status: %w", err)
		}

		res := tx.Exec(
			`UPDATE generation_requests SET task_id = ?, updated_at = ? WHERE id = ? AND task_id IS NULL AND refunded_as_credit = ?`,
			taskID, now, requestID, false,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrAlreadyProcessed
		}

		if err := d.store.Publish(tx,
			store.Change{Entity: store.EntityGenerationRequest, EntityID: requestID, RequestID: requestID, Op: store.OpUpdate, Changed: []string{"task_id"}},
			store.Change{Entity: store.EntityTaskStatus, EntityID: taskID, RequestID: requestID, Op: store.OpCreate},
		); err != nil {
			return err
		}
		return poller.ScheduleTx(ctx, d.queue, tx, cfg.Poll, taskID)
	})
	if err != nil {
		return 0, err
	}
	return taskID, nil
}

// Handler adapts the dispatcher to the queue worker.
func (d *Dispatcher) Handler() queue.Handler {
	return queue.Handler{
		Run: func(ctx context.Context, t *queue.Task) error {
			var payload Payload
			if err := t.Decode(&payload); err != nil {
				return fmt.Errorf("%w: decode dispatch payload: %v", store.ErrInvalidInput, err)
			}
			return d.StartGeneration(ctx, payload.UserID, payload.Input, payload.RequestID)
		},
	}
}

func withWatermark(text, watermark string) string {
	text = strings.TrimRight(text, "\n ")
	watermark = strings.TrimSpace(watermark)
	if watermark == "" {
		return text
	}
	return text + "\n\n" + watermark
}
