// Package view folds requests, task statuses and songs into the generation read model.
package view

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/smallbiznis/songforge/internal/cache"
	"github.com/smallbiznis/songforge/internal/config"
	obsmetrics "github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Store    *store.Store
	Log      *zap.Logger
	Cache    cache.Cache
	Pipeline *config.PipelineConfigHolder
	Metrics  *obsmetrics.WorkerMetrics `optional:"true"`
}

// Aggregator projects source rows into generation_views and
// generation_view_songs. Each source owns a disjoint set of columns.
type Aggregator struct {
	store    *store.Store
	log      *zap.Logger
	cache    cache.Cache
	pipeline *config.PipelineConfigHolder
	metrics  *obsmetrics.WorkerMetrics
}

func New(p Params) *Aggregator {
	c := p.Cache
	if c == nil {
		c = cache.NewMemory()
	}
	return &Aggregator{
		store:    p.Store,
		log:      p.Log.Named("view"),
		cache:    c,
		pipeline: p.Pipeline,
		metrics:  p.Metrics,
	}
}

func (a *Aggregator) OnRequestChanged(ctx context.Context, ev store.ChangeEvent) error {
	return a.ignoreMissing(a.ProjectRequest(ctx, ev.EntityID))
}

func (a *Aggregator) OnTaskStatusChanged(ctx context.Context, ev store.ChangeEvent) error {
	return a.ignoreMissing(a.ProjectTaskStatus(ctx, ev.EntityID))
}

func (a *Aggregator) OnSongChanged(ctx context.Context, ev store.ChangeEvent) error {
	return a.ignoreMissing(a.ProjectSong(ctx, ev.EntityID))
}

func (a *Aggregator) ignoreMissing(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// ProjectRequest writes the request owned columns of the view.
func (a *Aggregator) ProjectRequest(ctx context.Context, requestID int64) error {
	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	res := a.store.DB(ctx).Exec(
		`INSERT INTO generation_views (
			request_id, user_id, payment_type, payment_status, generation_started,
			refunded_as_credit, error, title, request_updated_at, status, lyrics, song_ids, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			user_id = excluded.user_id,
			payment_type = excluded.payment_type,
			payment_status = excluded.payment_status,
			generation_started = excluded.generation_started,
			refunded_as_credit = excluded.refunded_as_credit,
			error = excluded.error,
			title = excluded.title,
			request_updated_at = excluded.request_updated_at,
			created_at = excluded.created_at
		WHERE generation_views.request_updated_at IS NULL
			OR generation_views.request_updated_at <= excluded.request_updated_at`,
		req.ID, req.UserID, req.PaymentType, req.PaymentStatus, req.GenerationStarted,
		req.RefundedAsCredit, req.Error, req.Input.Data().Title, req.UpdatedAt,
		datatypes.JSONSlice[string]{}, req.CreatedAt,
	)
	if res.Error != nil {
		return fmt.Errorf("project request %d: %w", requestID, res.Error)
	}
	a.invalidate(ctx, req.ID, req.UserID)
	return nil
}

// ProjectTaskStatus writes the status owned columns of the view.
func (a *Aggregator) ProjectTaskStatus(ctx context.Context, taskID int64) error {
	status, err := a.store.GetTaskStatus(ctx, taskID)
	if err != nil {
		return err
	}
	songIDs := status.SongIDs
	if songIDs == nil {
		songIDs = datatypes.JSONSlice[string]{}
	}

	res := a.store.DB(ctx).Exec(
		`INSERT INTO generation_views (
			request_id, user_id, task_id, status, lyrics, song_ids, status_updated_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			task_id = excluded.task_id,
			status = excluded.status,
			lyrics = excluded.lyrics,
			song_ids = excluded.song_ids,
			status_updated_at = excluded.status_updated_at
		WHERE generation_views.status_updated_at IS NULL
			OR generation_views.status_updated_at <= excluded.status_updated_at`,
		status.RequestID, status.UserID, status.TaskID, status.Status, status.Lyrics,
		songIDs, status.UpdatedAt, status.CreatedAt,
	)
	if res.Error != nil {
		return fmt.Errorf("project task status %d: %w", taskID, res.Error)
	}
	a.invalidate(ctx, status.RequestID, status.UserID)
	return nil
}

// ProjectSong writes one row of generation_view_songs.
func (a *Aggregator) ProjectSong(ctx context.Context, songID int64) error {
	song, err := a.store.GetSong(ctx, songID)
	if err != nil {
		return err
	}
	data := song.APIData.Data()
	audioURL := data.AudioURL
	if song.HasAudio() {
		audioURL = *song.AudioURL
	}
	storageURL := ""
	if song.StorageURL != nil {
		storageURL = *song.StorageURL
	}

	res := a.store.DB(ctx).Exec(
		`INSERT INTO generation_view_songs (
			song_id, request_id, title, audio_url, stream_audio_url, image_url, duration, storage_url, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (song_id) DO UPDATE SET
			request_id = excluded.request_id,
			title = excluded.title,
			audio_url = excluded.audio_url,
			stream_audio_url = excluded.stream_audio_url,
			image_url = excluded.image_url,
			duration = excluded.duration,
			storage_url = excluded.storage_url,
			updated_at = excluded.updated_at
		WHERE generation_view_songs.updated_at <= excluded.updated_at`,
		song.ID, song.RequestID, data.Title, audioURL, data.StreamAudioURL, data.ImageURL,
		data.Duration, storageURL, song.UpdatedAt,
	)
	if res.Error != nil {
		return fmt.Errorf("project song %d: %w", songID, res.Error)
	}
	a.invalidate(ctx, song.RequestID, song.UserID)
	return nil
}

func (a *Aggregator) invalidate(ctx context.Context, requestID, userID int64) {
	if err := a.cache.Delete(ctx, viewKey(requestID), listKey(userID)); err != nil {
		a.log.Warn("view cache invalidation failed", zap.Int64("request_id", requestID), zap.Error(err))
	}
}

func viewKey(requestID int64) string {
	return cache.Key("view", strconv.FormatInt(requestID, 10))
}

func listKey(userID int64) string {
	return cache.Key("view", "list", strconv.FormatInt(userID, 10))
}

// rebuild projects every source of a request. Used when a read finds no view row yet.
func (a *Aggregator) rebuild(ctx context.Context, requestID int64) error {
	if err := a.ProjectRequest(ctx, requestID); err != nil {
		return err
	}
	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.TaskID == nil {
		return nil
	}
	if err := a.ignoreMissing(a.ProjectTaskStatus(ctx, *req.TaskID)); err != nil {
		return err
	}
	songs, err := store.ListSongsForTask(a.store.DB(ctx), *req.TaskID)
	if err != nil {
		return err
	}
	for _, song := range songs {
		if err := a.ProjectSong(ctx, song.ID); err != nil {
			return err
		}
	}
	return nil
}
