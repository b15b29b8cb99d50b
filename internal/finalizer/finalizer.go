package finalizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/smallbiznis/songforge/internal/config"
	obscontext "github.com/smallbiznis/songforge/internal/observability/context"
	obslogger "github.com/smallbiznis/songforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/storage"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	TaskType = "artifact.finalize"

	defaultContentType = "audio/mpeg"
	lockTTL            = 10 * time.Minute
)

type Payload struct {
	SongID int64 `json:"song_id,string"`
}

type Params struct {
	fx.In

	Store    *store.Store
	Log      *zap.Logger
	Queue    *queue.Queue
	Objects  storage.ObjectStore
	Pipeline *config.PipelineConfigHolder
	Locker   *redislock.Client   `optional:"true"`
	HTTP     *http.Client        `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Finalizer copies provider audio into durable object storage.
type Finalizer struct {
	store    *store.Store
	log      *zap.Logger
	queue    *queue.Queue
	objects  storage.ObjectStore
	pipeline *config.PipelineConfigHolder
	locker   *redislock.Client
	http     *http.Client
	metrics  *obsmetrics.Metrics
}

func New(p Params) *Finalizer {
	client := p.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Finalizer{
		store:    p.Store,
		log:      p.Log.Named("finalizer"),
		queue:    p.Queue,
		objects:  p.Objects,
		pipeline: p.Pipeline,
		locker:   p.Locker,
		http:     client,
		metrics:  p.Metrics,
	}
}

func Options(cfg config.FinalizeConfig, songID int64) queue.Options {
	return queue.Options{
		DedupeKey:        "finalize:" + strconv.FormatInt(songID, 10),
		DispatchDeadline: cfg.DispatchDeadline,
		Retry: queue.RetryConfig{
			MaxAttempts: cfg.MaxAttempts,
			MinBackoff:  cfg.MinBackoff,
			MaxBackoff:  cfg.MaxBackoff,
		},
		RateLimit: queue.RateLimits{MaxConcurrent: cfg.MaxConcurrent},
	}
}

// OnSongChanged schedules finalization when a song gains an audio url.
func (f *Finalizer) OnSongChanged(ctx context.Context, ev store.ChangeEvent) error {
	if !ev.Touches("audio_url") {
		return nil
	}
	song, err := f.store.GetSong(ctx, ev.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !song.HasAudio() || song.HasStorage() {
		return nil
	}

	inserted, err := f.queue.Enqueue(ctx, TaskType, Payload{SongID: song.ID}, Options(f.pipeline.Get().Finalize, song.ID))
	if err != nil {
		return fmt.Errorf("enqueue finalize for song %d: %w", song.ID, err)
	}
	if inserted {
		f.log.Debug("finalize scheduled", zap.Int64("song_id", song.ID))
	}
	return nil
}

// Finalize stores the audio of one song. It is a no-op once storage is recorded.
func (f *Finalizer) Finalize(ctx context.Context, songID int64) error {
	song, err := f.store.GetSong(ctx, songID)
	if err != nil {
		return err
	}
	if song.HasStorage() {
		return nil
	}
	if !song.HasAudio() {
		return fmt.Errorf("%w: song %d has no audio url", store.ErrInvalidInput, songID)
	}

	log := obslogger.WithContext(obscontext.WithGeneration(ctx, song.RequestID), f.log).With(zap.Int64("song_id", songID))

	if f.locker != nil {
		lock, err := f.locker.Obtain(ctx, "finalize:"+strconv.FormatInt(songID, 10), lockTTL, nil)
		switch {
		case errors.Is(err, redislock.ErrNotObtained):
			log.Debug("finalize lock held elsewhere")
			return queue.ErrRetry
		case err != nil:
			log.Warn("finalize lock unavailable; proceeding without lock", zap.Error(err))
		default:
			defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
		}
	}

	obj, err := f.upload(ctx, song)
	if err != nil {
		f.metrics.RecordSongFinalized(ctx, "error")
		return err
	}

	stored := false
	err = f.store.Tx(ctx, func(tx *gorm.DB) error {
		now := f.store.Now()
		res := tx.Exec(
			`UPDATE songs
			 SET storage_bucket = ?, storage_path = ?, storage_url = ?, storage_size = ?,
			     storage_content_type = ?, stored_at = ?, updated_at = ?
			 WHERE id = ? AND storage_path IS NULL`,
			obj.Bucket, obj.Path, obj.URL, obj.Size, obj.ContentType, now, now, songID,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		stored = true
		return f.store.Publish(tx, store.Change{
			Entity:    store.EntitySong,
			EntityID:  songID,
			RequestID: song.RequestID,
			Op:        store.OpUpdate,
			Changed:   []string{"storage_url"},
		})
	})
	if err != nil {
		return fmt.Errorf("record storage for song %d: %w", songID, err)
	}
	if !stored {
		log.Debug("song already finalized")
		return nil
	}

	f.metrics.RecordSongFinalized(ctx, "stored")
	log.Info("song stored", zap.String("path", obj.Path), zap.Int64("size", obj.Size))
	return nil
}

func (f *Finalizer) upload(ctx context.Context, song *store.Song) (storage.Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *song.AudioURL, nil)
	if err != nil {
		return storage.Object{}, fmt.Errorf("%w: audio url: %v", store.ErrInvalidInput, err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return storage.Object{}, fmt.Errorf("%w: download audio: %v", store.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return storage.Object{}, fmt.Errorf("%w: download audio: status %d", store.ErrProviderTransient, resp.StatusCode)
	default:
		return storage.Object{}, fmt.Errorf("%w: download audio: status %d", store.ErrProviderTerminal, resp.StatusCode)
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = defaultContentType
	}

	key := storage.SongKey(song.UserID, song.ID, song.APIData.Data().Title)
	obj, err := f.objects.Put(ctx, key, resp.Body, contentType)
	if err != nil {
		return storage.Object{}, fmt.Errorf("%w: put %s: %v", store.ErrProviderTransient, key, err)
	}
	return obj, nil
}

// Handler adapts the finalizer to the queue worker.
func (f *Finalizer) Handler() queue.Handler {
	return queue.Handler{
		Run: func(ctx context.Context, t *queue.Task) error {
			var payload Payload
			if err := t.Decode(&payload); err != nil {
				return fmt.Errorf("%w: decode finalize payload: %v", store.ErrInvalidInput, err)
			}
			return f.Finalize(ctx, payload.SongID)
		},
		OnExhausted: func(ctx context.Context, t *queue.Task, lastErr error) error {
			f.metrics.RecordSongFinalized(ctx, "exhausted")
			f.log.Error("song finalization exhausted; audio stays on provider url",
				zap.String("dedupe_key", t.DedupeKey),
				zap.Bool("operator_alert", true),
				zap.Error(lastErr),
			)
			return nil
		},
	}
}
