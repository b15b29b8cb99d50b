package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/songforge/internal/clock"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newRelayFixture(t *testing.T, cfg store.RelayConfig) (*store.Store, *store.Relay, *clock.FakeClock) {
	t.Helper()
	db := storetest.Open(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := store.New(db, clk)
	relay := store.NewRelayWithConfig(store.RelayParams{Store: s, Log: zap.NewNop()}, cfg)
	return s, relay, clk
}

func publish(t *testing.T, s *store.Store, changes ...store.Change) {
	t.Helper()
	require.NoError(t, s.Tx(context.Background(), func(tx *gorm.DB) error {
		return s.Publish(tx, changes...)
	}))
}

func TestRelayDeliversInOrder(t *testing.T) {
	s, relay, _ := newRelayFixture(t, store.DefaultRelayConfig())

	var seen []int64
	relay.Subscribe(store.EntityGenerationRequest, "test", func(_ context.Context, ev store.ChangeEvent) error {
		seen = append(seen, ev.EntityID)
		return nil
	})

	publish(t, s,
		store.Change{Entity: store.EntityGenerationRequest, EntityID: 1, RequestID: 1, Op: store.OpCreate},
		store.Change{Entity: store.EntityGenerationRequest, EntityID: 2, RequestID: 2, Op: store.OpUpdate, Changed: []string{"payment_status"}},
		store.Change{Entity: store.EntitySong, EntityID: 9, RequestID: 2, Op: store.OpCreate},
	)

	require.NoError(t, relay.Drain(context.Background(), 5))
	assert.Equal(t, []int64{1, 2}, seen)
	assert.Equal(t, int64(3), storetest.Count(t, s.DB(context.Background()), "change_events", "status = ?", store.ChangeDelivered))
}

func TestRelayRetriesWithBackoffThenDead(t *testing.T) {
	cfg := store.DefaultRelayConfig()
	cfg.MaxAttempts = 2
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second
	s, relay, clk := newRelayFixture(t, cfg)

	calls := 0
	relay.Subscribe(store.EntityTaskStatus, "broken", func(context.Context, store.ChangeEvent) error {
		calls++
		return errors.New("boom")
	})
	publish(t, s, store.Change{Entity: store.EntityTaskStatus, EntityID: 7, RequestID: 3, Op: store.OpCreate})

	ctx := context.Background()
	delivered, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, 1, calls)

	// not due until the backoff elapses
	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	clk.Advance(2 * time.Second)
	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	var ev store.ChangeEvent
	require.NoError(t, s.DB(ctx).Raw(`SELECT * FROM change_events`).Scan(&ev).Error)
	assert.Equal(t, store.ChangeDead, ev.Status)
	assert.Equal(t, 2, ev.Attempts)
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "boom")
}

type recordingMirror struct {
	events []store.ChangeEvent
}

func (m *recordingMirror) Publish(_ context.Context, ev store.ChangeEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func TestRelayForwardsToMirror(t *testing.T) {
	db := storetest.Open(t)
	s := store.New(db, clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	mirror := &recordingMirror{}
	relay := store.NewRelayWithConfig(store.RelayParams{Store: s, Log: zap.NewNop(), Mirror: mirror}, store.DefaultRelayConfig())

	publish(t, s, store.Change{Entity: store.EntitySong, EntityID: 4, RequestID: 2, Op: store.OpUpdate, Changed: []string{"audio_url"}})
	require.NoError(t, relay.Drain(context.Background(), 3))

	require.Len(t, mirror.events, 1)
	assert.True(t, mirror.events[0].Touches("audio_url"))
	assert.False(t, mirror.events[0].Touches("storage_path"))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), store.Backoff(3, 0, time.Second))
	assert.Equal(t, time.Second, store.Backoff(1, time.Second, time.Minute))
	assert.Equal(t, 4*time.Second, store.Backoff(3, time.Second, time.Minute))
	assert.Equal(t, time.Minute, store.Backoff(10, time.Second, time.Minute))
	assert.Equal(t, 30*time.Second, store.Backoff(5, 30*time.Second, 30*time.Second))
}

func TestLoadMissingRowIsNotFound(t *testing.T) {
	db := storetest.Open(t)
	s := store.New(db, nil)

	_, err := s.GetRequest(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, store.KindNotFound, store.Classify(err))
}
