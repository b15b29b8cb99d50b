package finalizer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/songforge/internal/config"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/storage"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type fixture struct {
	store     *store.Store
	queue     *queue.Queue
	finalizer *Finalizer
	dir       string
	hits      atomic.Int32
	status    atomic.Int32
	server    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	s := store.New(db, nil)

	f := &fixture{store: s, dir: t.TempDir()}
	f.status.Store(http.StatusOK)
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if code := int(f.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio-bytes"))
	}))
	t.Cleanup(f.server.Close)

	f.queue = queue.New(queue.Params{Store: s, Log: zap.NewNop(), GenID: node})
	f.finalizer = New(Params{
		Store:    s,
		Log:      zap.NewNop(),
		Queue:    f.queue,
		Objects:  storage.NewFileStore(f.dir, "https://cdn.example.com"),
		Pipeline: config.NewStaticPipelineConfig(config.DefaultPipelineConfig()),
		HTTP:     f.server.Client(),
	})
	return f
}

func (f *fixture) seedSong(t *testing.T, id int64, audioURL string) {
	t.Helper()
	song := &store.Song{
		ID:         id,
		ExternalID: "ext-song",
		TaskID:     10,
		RequestID:  20,
		UserID:     30,
		APIData:    datatypes.NewJSONType(store.SongAPIData{ID: "ext-song", Title: "Night Drive", AudioURL: audioURL}),
	}
	if audioURL != "" {
		song.AudioURL = &audioURL
	}
	storetest.Insert(t, f.store.DB(context.Background()), song)
}

func TestFinalizeStoresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSong(t, 1, f.server.URL+"/a.mp3")

	require.NoError(t, f.finalizer.Finalize(ctx, 1))
	require.NoError(t, f.finalizer.Finalize(ctx, 1))
	assert.EqualValues(t, 1, f.hits.Load())

	song, err := f.store.GetSong(ctx, 1)
	require.NoError(t, err)
	require.True(t, song.HasStorage())
	assert.Equal(t, "songs/30/1-night-drive.mp3", *song.StoragePath)
	assert.Equal(t, "https://cdn.example.com/songs/30/1-night-drive.mp3", *song.StorageURL)
	assert.EqualValues(t, len("ID3-audio-bytes"), *song.StorageSize)
	assert.Equal(t, "audio/mpeg", *song.StorageContentType)
	assert.NotNil(t, song.StoredAt)

	data, err := os.ReadFile(filepath.Join(f.dir, "songs", "30", "1-night-drive.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "ID3-audio-bytes", string(data))

	var events []store.ChangeEvent
	require.NoError(t, f.store.DB(ctx).Where("entity = ? AND entity_id = ?", store.EntitySong, 1).Find(&events).Error)
	require.Len(t, events, 1)
	assert.True(t, events[0].Touches("storage_url"))
}

func TestFinalizeDownloadErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSong(t, 2, f.server.URL+"/b.mp3")

	f.status.Store(http.StatusServiceUnavailable)
	err := f.finalizer.Finalize(ctx, 2)
	require.Error(t, err)
	assert.True(t, store.IsRetriable(err))

	f.status.Store(http.StatusNotFound)
	err = f.finalizer.Finalize(ctx, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrProviderTerminal))

	song, err := f.store.GetSong(ctx, 2)
	require.NoError(t, err)
	assert.False(t, song.HasStorage())
}

func TestFinalizeWithoutAudioIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.seedSong(t, 3, "")

	err := f.finalizer.Finalize(context.Background(), 3)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	assert.Zero(t, f.hits.Load())
}

func TestOnSongChangedEnqueuesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSong(t, 4, f.server.URL+"/d.mp3")

	ev := store.ChangeEvent{Entity: store.EntitySong, EntityID: 4, Op: store.OpUpdate, Changed: []string{"api_data", "audio_url"}}
	require.NoError(t, f.finalizer.OnSongChanged(ctx, ev))
	require.NoError(t, f.finalizer.OnSongChanged(ctx, ev))

	task, err := f.queue.GetByDedupeKey(ctx, "finalize:4")
	require.NoError(t, err)
	assert.Equal(t, TaskType, task.TaskType)
	assert.Equal(t, config.DefaultPipelineConfig().Finalize.MaxAttempts, task.MaxAttempts)
	assert.EqualValues(t, 1, storetest.Count(t, f.store.DB(ctx), "queue_tasks", ""))

	other := store.ChangeEvent{Entity: store.EntitySong, EntityID: 4, Op: store.OpUpdate, Changed: []string{"api_data"}}
	require.NoError(t, f.finalizer.OnSongChanged(ctx, other))
	assert.EqualValues(t, 1, storetest.Count(t, f.store.DB(ctx), "queue_tasks", ""))
}

func TestOnSongChangedSkipsStoredSong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSong(t, 5, f.server.URL+"/e.mp3")
	require.NoError(t, f.finalizer.Finalize(ctx, 5))

	ev := store.ChangeEvent{Entity: store.EntitySong, EntityID: 5, Op: store.OpCreate}
	require.NoError(t, f.finalizer.OnSongChanged(ctx, ev))
	assert.Zero(t, storetest.Count(t, f.store.DB(ctx), "queue_tasks", ""))
}

func TestHandlerRunsFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSong(t, 6, f.server.URL+"/f.mp3")

	w := queue.NewWorker(queue.WorkerParams{Store: f.store, Log: zap.NewNop()})
	w.Register(TaskType, f.finalizer.Handler())
	_, err := f.queue.Enqueue(ctx, TaskType, Payload{SongID: 6}, Options(config.DefaultPipelineConfig().Finalize, 6))
	require.NoError(t, err)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	song, err := f.store.GetSong(ctx, 6)
	require.NoError(t, err)
	assert.True(t, song.HasStorage())
	task, err := f.queue.GetByDedupeKey(ctx, "finalize:6")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, task.Status)
}
