package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/songforge/internal/config"
	ledgerservice "github.com/smallbiznis/songforge/internal/ledger/service"
	"github.com/smallbiznis/songforge/internal/poller"
	"github.com/smallbiznis/songforge/internal/providers/lyrics"
	"github.com/smallbiznis/songforge/internal/providers/music/musictest"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/internal/refund"
	"github.com/smallbiznis/songforge/internal/request"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/datatypes"
)

type fakeLyrics struct {
	mu    sync.Mutex
	err   error
	calls []lyrics.Request
}

func (f *fakeLyrics) Generate(_ context.Context, req lyrics.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return "verse about " + req.Title + "\n", nil
}

type fixture struct {
	store      *store.Store
	node       *snowflake.Node
	queue      *queue.Queue
	lyrics     *fakeLyrics
	music      *musictest.Provider
	refunds    *refund.Handler
	dispatcher *Dispatcher
	pipeline   config.PipelineConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	s := store.New(db, nil)
	ledger := ledgerservice.NewService(ledgerservice.Params{Store: s, Log: zap.NewNop(), GenID: node})
	refunds := refund.New(refund.Params{Store: s, Log: zap.NewNop(), Ledger: ledger})
	q := queue.New(queue.Params{Store: s, Log: zap.NewNop(), GenID: node})

	cfg := config.DefaultPipelineConfig()
	cfg.Watermark = "Made with Songforge"
	f := &fixture{
		store:    s,
		node:     node,
		queue:    q,
		lyrics:   &fakeLyrics{},
		music:    musictest.New(),
		refunds:  refunds,
		pipeline: cfg,
	}
	f.dispatcher = New(Params{
		Store:    s,
		Log:      zap.NewNop(),
		GenID:    node,
		Queue:    q,
		Lyrics:   f.lyrics,
		Music:    f.music,
		Refunds:  refunds,
		Pipeline: config.NewStaticPipelineConfig(cfg),
	})
	return f
}

func (f *fixture) seedPaid(t *testing.T, userID, requestID int64) store.GenerationInput {
	t.Helper()
	input := store.GenerationInput{Style: "indie folk", Title: "Northern Road"}
	db := f.store.DB(context.Background())
	storetest.SeedUser(t, db, userID, 0, "none")
	storetest.Insert(t, db, &store.GenerationRequest{
		ID:            requestID,
		UserID:        userID,
		PaymentType:   store.PaymentTypeCredits,
		PaymentStatus: store.PaymentStatusSuccess,
		Input:         datatypes.NewJSONType(input),
	})
	return input
}

func TestStartGenerationCreatesTaskOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := f.seedPaid(t, 1, 100)

	require.NoError(t, f.dispatcher.StartGeneration(ctx, 1, input, 100))
	require.NoError(t, f.dispatcher.StartGeneration(ctx, 1, input, 100))

	assert.Equal(t, 1, f.music.SubmitCount())
	assert.Len(t, f.lyrics.calls, 1)
	assert.Equal(t, "indie folk", f.music.Submits[0].StylePrompt)
	assert.True(t, strings.HasSuffix(f.music.Submits[0].Lyrics, "\n\nMade with Songforge"))

	req, err := f.store.GetRequest(ctx, 100)
	require.NoError(t, err)
	assert.True(t, req.GenerationStarted)
	require.NotNil(t, req.GenerationStartedAt)
	require.NotNil(t, req.TaskID)

	task, err := f.store.GetTask(ctx, *req.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "ext-task-1", task.ExternalID)
	assert.Equal(t, store.ProviderPending, task.ExternalStatus)

	status, err := f.store.GetTaskStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.GenerationProcessing, status.Status)
	assert.Equal(t, "Northern Road", status.Input.Data().Title)
	assert.Contains(t, status.Lyrics, "Made with Songforge")

	poll, err := f.queue.GetByDedupeKey(ctx, fmt.Sprintf("poll:%d", task.ID))
	require.NoError(t, err)
	assert.Equal(t, poller.TaskType, poll.TaskType)
	assert.Equal(t, f.pipeline.Poll.MaxAttempts, poll.MaxAttempts)
	assert.Equal(t, poll.MinBackoffMs, poll.MaxBackoffMs)
}

func TestConcurrentStartGenerationSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := f.seedPaid(t, 1, 100)

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.dispatcher.StartGeneration(ctx, 1, input, 100)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.music.SubmitCount())
	assert.Len(t, f.lyrics.calls, 1)
	assert.Equal(t, int64(1), storetest.Count(t, f.store.DB(ctx), "tasks", "request_id = ?", 100))
	assert.Equal(t, 0, storetest.Balance(t, f.store.DB(ctx), 1))
}

func TestStartGenerationRejectsForeignUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := f.seedPaid(t, 1, 100)
	storetest.SeedUser(t, f.store.DB(ctx), 2, 0, "none")

	core, logs := observer.New(zapcore.DebugLevel)
	f.dispatcher.log = zap.New(core)

	err := f.dispatcher.StartGeneration(ctx, 2, input, 100)
	require.ErrorIs(t, err, store.ErrOwnershipMismatch)
	assert.Zero(t, f.music.SubmitCount())

	req, err := f.store.GetRequest(ctx, 100)
	require.NoError(t, err)
	assert.False(t, req.GenerationStarted)

	entries := logs.FilterField(zap.Bool("security", true)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestStartGenerationSkipsUnpaidRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := f.seedPaid(t, 2, 200)
	require.NoError(t, f.store.DB(ctx).Exec(`UPDATE generation_requests SET payment_status = ? WHERE id = ?`, store.PaymentStatusPending, 200).Error)

	require.NoError(t, f.dispatcher.StartGeneration(ctx, 2, input, 200))
	assert.Empty(t, f.lyrics.calls)
	assert.Zero(t, f.music.SubmitCount())
}

func TestStartGenerationRefundsOnLyricsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := f.seedPaid(t, 3, 300)
	f.lyrics.err = fmt.Errorf("%w: invalid envelope", store.ErrProviderTerminal)

	require.NoError(t, f.dispatcher.StartGeneration(ctx, 3, input, 300))

	assert.Zero(t, f.music.SubmitCount())
	assert.Equal(t, 1, storetest.Balance(t, f.store.DB(ctx), 3))
	req, err := f.store.GetRequest(ctx, 300)
	require.NoError(t, err)
	assert.True(t, req.RefundedAsCredit)
	assert.Nil(t, req.TaskID)
	require.NotNil(t, req.Error)
	assert.Contains(t, *req.Error, "invalid envelope")
}

func TestStartGenerationRefundsOnSubmitFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := f.seedPaid(t, 4, 400)
	f.music.SubmitErr = fmt.Errorf("%w: code 413", store.ErrProviderTerminal)

	require.NoError(t, f.dispatcher.StartGeneration(ctx, 4, input, 400))
	require.NoError(t, f.dispatcher.StartGeneration(ctx, 4, input, 400))

	assert.Equal(t, 1, f.music.SubmitCount())
	assert.Equal(t, 1, storetest.Balance(t, f.store.DB(ctx), 4))
	assert.Zero(t, storetest.Count(t, f.store.DB(ctx), "tasks", ""))
}

func TestOnRequestChangedEnqueuesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPaid(t, 5, 500)

	ev := store.ChangeEvent{Entity: store.EntityGenerationRequest, EntityID: 500, Op: store.OpUpdate, Changed: []string{"payment_status"}}
	require.NoError(t, f.dispatcher.OnRequestChanged(ctx, ev))
	require.NoError(t, f.dispatcher.OnRequestChanged(ctx, ev))

	task, err := f.queue.GetByDedupeKey(ctx, "dispatch:500")
	require.NoError(t, err)
	assert.Equal(t, 1, task.MaxAttempts)
	assert.Equal(t, f.pipeline.Dispatch.MaxConcurrent, task.MaxConcurrent)
	assert.Equal(t, int64(1), storetest.Count(t, f.store.DB(ctx), "queue_tasks", "task_type = ?", TaskType))

	other := store.ChangeEvent{Entity: store.EntityGenerationRequest, EntityID: 500, Op: store.OpUpdate, Changed: []string{"error"}}
	require.NoError(t, f.dispatcher.OnRequestChanged(ctx, other))
	missing := store.ChangeEvent{Entity: store.EntityGenerationRequest, EntityID: 999, Op: store.OpCreate}
	require.NoError(t, f.dispatcher.OnRequestChanged(ctx, missing))
	assert.Equal(t, int64(1), storetest.Count(t, f.store.DB(ctx), "queue_tasks", ""))
}

func TestPipelineFromCreditRequestToCompletedSong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	db := f.store.DB(ctx)
	storetest.SeedUser(t, db, 6, 1, "none")

	ledger := ledgerservice.NewService(ledgerservice.Params{Store: f.store, Log: zap.NewNop(), GenID: f.node})
	requests := request.NewService(request.Params{Store: f.store, Log: zap.NewNop(), GenID: f.node, Ledger: ledger})
	relay := store.NewRelay(store.RelayParams{Store: f.store, Log: zap.NewNop()})
	worker := queue.NewWorker(queue.WorkerParams{Store: f.store, Log: zap.NewNop()})
	p := poller.New(poller.Params{Store: f.store, Log: zap.NewNop(), GenID: f.node, Music: f.music, Refunds: f.refunds})
	Register(worker, relay, f.dispatcher)
	poller.Register(worker, p)

	f.music.Script(
		musictest.Status(store.ProviderTextSuccess, musictest.StreamOnly("s1")),
		musictest.Status(store.ProviderSuccess, musictest.Song("s1")),
	)

	created, err := requests.CreateRequest(ctx, 6, store.GenerationInput{Style: "pop", Title: "Late Bloom"})
	require.NoError(t, err)
	require.Equal(t, store.PaymentStatusSuccess, created.PaymentStatus)

	require.NoError(t, relay.Drain(ctx, 5))
	n, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req, err := f.store.GetRequest(ctx, created.RequestID)
	require.NoError(t, err)
	require.NotNil(t, req.TaskID)

	for i := 0; i < 2; i++ {
		_, err := worker.RunOnce(ctx)
		require.NoError(t, err)
		require.NoError(t, db.Exec(`UPDATE queue_tasks SET run_at = ? WHERE status = ?`, f.store.Now().Add(-time.Second), queue.StatusPending).Error)
	}

	status, err := f.store.GetTaskStatus(ctx, *req.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.GenerationCompleted, status.Status)
	assert.Equal(t, 0, storetest.Balance(t, db, 6))
	assert.Equal(t, int64(1), storetest.Count(t, db, "songs", "external_id = ?", "s1"))
	assert.Equal(t, int64(1), storetest.Count(t, db, "queue_tasks", "task_type = ? AND status = ?", poller.TaskType, queue.StatusDone))
}
