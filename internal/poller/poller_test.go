package poller

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerservice "github.com/smallbiznis/songforge/internal/ledger/service"
	"github.com/smallbiznis/songforge/internal/providers/music/musictest"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/refund"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	testUser    int64 = 1
	testRequest int64 = 10
	testTask    int64 = 20
)

type fixture struct {
	store  *store.Store
	music  *musictest.Provider
	poller *Poller
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := storetest.Open(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	s := store.New(db, nil)
	ledger := ledgerservice.NewService(ledgerservice.Params{Store: s, Log: zap.NewNop(), GenID: node})
	refunds := refund.New(refund.Params{Store: s, Log: zap.NewNop(), Ledger: ledger})
	provider := musictest.New()

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	taskID := testTask
	storetest.SeedUser(t, db, testUser, 0, "none")
	storetest.Insert(t, db,
		&store.GenerationRequest{
			ID:                  testRequest,
			UserID:              testUser,
			PaymentType:         store.PaymentTypeCredits,
			PaymentStatus:       store.PaymentStatusSuccess,
			GenerationStarted:   true,
			GenerationStartedAt: &now,
			TaskID:              &taskID,
		},
		&store.Task{
			ID:             testTask,
			UserID:         testUser,
			RequestID:      testRequest,
			ExternalID:     "ext-task-1",
			ExternalStatus: store.ProviderPending,
		},
		&store.TaskStatus{
			TaskID:    testTask,
			RequestID: testRequest,
			UserID:    testUser,
			Status:    store.GenerationProcessing,
			Lyrics:    "la la",
		},
	)

	return fixture{
		store:  s,
		music:  provider,
		poller: New(Params{Store: s, Log: zap.NewNop(), GenID: node, Music: provider, Refunds: refunds}),
	}
}

func (f fixture) task(t *testing.T) *store.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), testTask)
	require.NoError(t, err)
	return task
}

func (f fixture) status(t *testing.T) *store.TaskStatus {
	t.Helper()
	status, err := f.store.GetTaskStatus(context.Background(), testTask)
	require.NoError(t, err)
	return status
}

func TestPollHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.music.Script(
		musictest.Status(store.ProviderTextSuccess, musictest.StreamOnly("a"), musictest.StreamOnly("b")),
		musictest.Status(store.ProviderSuccess, musictest.Song("a"), musictest.Song("b")),
	)

	retry, err := f.poller.Poll(ctx, testTask)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, store.ProviderTextSuccess, f.task(t).ExternalStatus)
	assert.Equal(t, store.GenerationPartial, f.status(t).Status)

	retry, err = f.poller.Poll(ctx, testTask)
	require.NoError(t, err)
	assert.False(t, retry)

	task := f.task(t)
	assert.Equal(t, store.ProviderSuccess, task.ExternalStatus)
	assert.Equal(t, 3, task.ExternalStatusRank)
	require.NotNil(t, task.SongID)

	status := f.status(t)
	assert.Equal(t, store.GenerationCompleted, status.Status)
	assert.Len(t, status.SongIDs, 2)

	db := f.store.DB(ctx)
	assert.Equal(t, int64(2), storetest.Count(t, db, "songs", "task_id = ?", testTask))
	assert.Equal(t, int64(2), storetest.Count(t, db, "songs", "audio_url IS NOT NULL"))

	var events []store.ChangeEvent
	require.NoError(t, db.Where("entity = ?", store.EntitySong).Find(&events).Error)
	audioUpdates := 0
	for _, ev := range events {
		if ev.Op == store.OpUpdate && slices.Contains(ev.Changed, "audio_url") {
			audioUpdates++
		}
	}
	assert.Equal(t, 2, audioUpdates)

	retry, err = f.poller.Poll(ctx, testTask)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, 2, f.music.PollCount())
	assert.Equal(t, 0, storetest.Balance(t, db, testUser))
}

func TestPollIgnoresOutOfOrderReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.music.Script(
		musictest.Status(store.ProviderFirstSuccess, musictest.Song("a")),
		musictest.Status(store.ProviderTextSuccess, musictest.StreamOnly("a")),
		musictest.Status(store.ProviderPending),
	)

	for i := 0; i < 3; i++ {
		retry, err := f.poller.Poll(ctx, testTask)
		require.NoError(t, err)
		assert.True(t, retry)
		assert.Equal(t, store.ProviderFirstSuccess, f.task(t).ExternalStatus)
		assert.Equal(t, store.GenerationPartial, f.status(t).Status)
	}

	song := struct{ AudioURL *string }{}
	require.NoError(t, f.store.DB(ctx).Raw(`SELECT audio_url FROM songs WHERE external_id = ?`, "a").Scan(&song).Error)
	require.NotNil(t, song.AudioURL)
	assert.Equal(t, "https://cdn.example.com/a.mp3", *song.AudioURL)
}

func TestPollFailureRefundsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failed := musictest.Status(store.ProviderCreateTaskFailed)
	failed.Result.ErrorCode = "413"
	failed.Result.ErrorMessage = "prompt too long"
	f.music.Script(failed)

	retry, err := f.poller.Poll(ctx, testTask)
	require.NoError(t, err)
	assert.False(t, retry)

	retry, err = f.poller.Poll(ctx, testTask)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, 1, f.music.PollCount())

	db := f.store.DB(ctx)
	assert.Equal(t, 1, storetest.Balance(t, db, testUser))
	assert.Equal(t, store.ProviderCreateTaskFailed, f.task(t).ExternalStatus)

	status := f.status(t)
	assert.Equal(t, store.GenerationFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Contains(t, *status.Error, "prompt too long")

	req, err := f.store.GetRequest(ctx, testRequest)
	require.NoError(t, err)
	assert.True(t, req.RefundedAsCredit)
}

func TestPollTransientErrorRetriesWithoutWrites(t *testing.T) {
	f := newFixture(t)
	f.music.Script(musictest.Report{Err: fmt.Errorf("%w: rate limited", store.ErrProviderTransient)})

	retry, err := f.poller.Poll(context.Background(), testTask)
	assert.True(t, retry)
	assert.ErrorIs(t, err, store.ErrProviderTransient)
	assert.Equal(t, store.ProviderPending, f.task(t).ExternalStatus)
	assert.Zero(t, storetest.Count(t, f.store.DB(context.Background()), "change_events", ""))
}

func TestPollTerminalErrorRefunds(t *testing.T) {
	f := newFixture(t)
	f.music.Script(musictest.Report{Err: fmt.Errorf("%w: task not found", store.ErrProviderTerminal)})

	retry, err := f.poller.Poll(context.Background(), testTask)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, 1, storetest.Balance(t, f.store.DB(context.Background()), testUser))
	assert.Equal(t, store.GenerationFailed, f.status(t).Status)
}

func TestPollSuccessWithoutSongsKeepsPolling(t *testing.T) {
	f := newFixture(t)
	f.music.Script(musictest.Status(store.ProviderSuccess))

	retry, err := f.poller.Poll(context.Background(), testTask)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, store.ProviderPending, f.task(t).ExternalStatus)
}

func TestPollTextSuccessWithoutSongsAdvancesOnly(t *testing.T) {
	f := newFixture(t)
	f.music.Script(musictest.Status(store.ProviderTextSuccess))

	retry, err := f.poller.Poll(context.Background(), testTask)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, store.ProviderTextSuccess, f.task(t).ExternalStatus)
	assert.Equal(t, store.GenerationProcessing, f.status(t).Status)
}

func TestHandlerMapsRetry(t *testing.T) {
	f := newFixture(t)
	f.music.Script(musictest.Status(store.ProviderPending))

	h := f.poller.Handler()
	err := h.Run(context.Background(), &queue.Task{Payload: datatypes.JSON(`{"task_id":"20"}`)})
	assert.ErrorIs(t, err, queue.ErrRetry)

	err = h.Run(context.Background(), &queue.Task{Payload: datatypes.JSON(`not json`)})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestOnExhaustedRefundsAsTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	qt := &queue.Task{Payload: datatypes.JSON(`{"task_id":"20"}`), Attempts: 40}
	require.NoError(t, f.poller.OnExhausted(ctx, qt, queue.ErrRetry))
	require.NoError(t, f.poller.OnExhausted(ctx, qt, queue.ErrRetry))

	assert.Equal(t, 1, storetest.Balance(t, f.store.DB(ctx), testUser))
	status := f.status(t)
	assert.Equal(t, store.GenerationFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Contains(t, *status.Error, "timed out")
}

func TestPollStopsAfterTimeoutRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	qt := &queue.Task{Payload: datatypes.JSON(`{"task_id":"20"}`), Attempts: 40}
	require.NoError(t, f.poller.OnExhausted(ctx, qt, queue.ErrRetry))
	f.music.Script(musictest.Status(store.ProviderSuccess, musictest.Song("a")))

	retry, err := f.poller.Poll(ctx, testTask)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Zero(t, f.music.PollCount())

	db := f.store.DB(ctx)
	assert.Equal(t, 1, storetest.Balance(t, db, testUser))
	assert.Equal(t, store.GenerationFailed, f.status(t).Status)
	assert.Equal(t, store.ProviderPending, f.task(t).ExternalStatus)
	assert.Zero(t, storetest.Count(t, db, "songs", ""))
}

func TestPollFinishesRefundOfFailedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	db := f.store.DB(ctx)
	require.NoError(t, db.Exec(
		`UPDATE task_statuses SET status = ?, error = ? WHERE task_id = ?`,
		store.GenerationFailed, "provider rejected the prompt", testTask,
	).Error)
	f.music.Script(musictest.Status(store.ProviderSuccess, musictest.Song("a")))

	retry, err := f.poller.Poll(ctx, testTask)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Zero(t, f.music.PollCount())
	assert.Equal(t, 1, storetest.Balance(t, db, testUser))

	req, err := f.store.GetRequest(ctx, testRequest)
	require.NoError(t, err)
	assert.True(t, req.RefundedAsCredit)
	require.NotNil(t, req.Error)
	assert.Equal(t, "provider rejected the prompt", *req.Error)
}

func TestRecordSongsNeverOverwritesFailedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	db := f.store.DB(ctx)
	require.NoError(t, db.Exec(`UPDATE task_statuses SET status = ? WHERE task_id = ?`, store.GenerationFailed, testTask).Error)

	err := f.poller.recordSongs(ctx, f.task(t), store.ProviderSuccess, []store.SongAPIData{musictest.Song("a")})
	require.ErrorIs(t, err, store.ErrAlreadyProcessed)

	assert.Equal(t, store.GenerationFailed, f.status(t).Status)
	assert.Equal(t, store.ProviderPending, f.task(t).ExternalStatus)
	assert.Zero(t, storetest.Count(t, db, "songs", ""))
	assert.Zero(t, storetest.Count(t, db, "change_events", ""))
}

func TestUpsertSongKeepsIDOfConcurrentInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t)
	now := time.Now().UTC()

	var first store.Change
	require.NoError(t, f.store.Tx(ctx, func(tx *gorm.DB) error {
		var err error
		first, err = upsertSong(tx, task, musictest.StreamOnly("a"), existingSong{}, 501, now)
		return err
	}))
	assert.Equal(t, int64(501), first.EntityID)
	assert.Equal(t, store.OpCreate, first.Op)

	// The second writer missed the row on lookup and proposes its own id.
	var second store.Change
	require.NoError(t, f.store.Tx(ctx, func(tx *gorm.DB) error {
		var err error
		second, err = upsertSong(tx, task, musictest.Song("a"), existingSong{}, 502, now)
		return err
	}))
	assert.Equal(t, int64(501), second.EntityID)
	assert.Equal(t, store.OpUpdate, second.Op)
	assert.Contains(t, second.Changed, "audio_url")

	db := f.store.DB(ctx)
	assert.Equal(t, int64(1), storetest.Count(t, db, "songs", "external_id = ?", "a"))
	assert.Zero(t, storetest.Count(t, db, "songs", "id = ?", 502))
}

func TestMergeIDs(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, mergeIDs([]string{"1", "2"}, []string{"2", "3"}))
	assert.Equal(t, []string{"4"}, mergeIDs(nil, []string{"4"}))
}
