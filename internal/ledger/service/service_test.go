package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/songforge/internal/ledger/domain"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*store.Store, ledgerdomain.Service) {
	t.Helper()
	db := storetest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s := store.New(db, nil)
	return s, NewService(Params{Store: s, Log: zap.NewNop(), GenID: node})
}

func post(t *testing.T, s *store.Store, svc ledgerdomain.Service, p ledgerdomain.Posting) (bool, error) {
	t.Helper()
	var posted bool
	err := s.Tx(context.Background(), func(tx *gorm.DB) error {
		var err error
		posted, err = svc.PostTx(context.Background(), tx, p)
		return err
	})
	return posted, err
}

func TestPostTxAppliesOnce(t *testing.T) {
	s, svc := newTestService(t)
	storetest.SeedUser(t, s.DB(context.Background()), 10, 0, "none")

	refund := ledgerdomain.Posting{UserID: 10, RequestID: 5, SourceType: ledgerdomain.SourceTypeCreditRefund, SourceID: "5", Amount: 1}

	posted, err := post(t, s, svc, refund)
	require.NoError(t, err)
	assert.True(t, posted)

	posted, err = post(t, s, svc, refund)
	require.NoError(t, err)
	assert.False(t, posted)

	db := s.DB(context.Background())
	assert.Equal(t, 1, storetest.Balance(t, db, 10))
	assert.Equal(t, int64(1), storetest.Count(t, db, "change_events", "entity = ?", store.EntityUser))

	entries, err := svc.ListByUser(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].BalanceAfter)
}

func TestPostTxRejectsOverdraw(t *testing.T) {
	s, svc := newTestService(t)
	storetest.SeedUser(t, s.DB(context.Background()), 11, 0, "none")

	_, err := post(t, s, svc, ledgerdomain.Posting{UserID: 11, RequestID: 6, SourceType: ledgerdomain.SourceTypeCreditUse, SourceID: "6", Amount: -1})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
	assert.Equal(t, 0, storetest.Balance(t, s.DB(context.Background()), 11))
	assert.Zero(t, storetest.Count(t, s.DB(context.Background()), "credit_ledger_entries", ""))
}

func TestPostTxValidation(t *testing.T) {
	s, svc := newTestService(t)

	cases := []struct {
		name string
		p    ledgerdomain.Posting
		want error
	}{
		{"missing user", ledgerdomain.Posting{SourceType: ledgerdomain.SourceTypeCreditUse, SourceID: "1", Amount: -1}, ledgerdomain.ErrInvalidUser},
		{"bad source type", ledgerdomain.Posting{UserID: 1, SourceType: "grant", SourceID: "1", Amount: 1}, ledgerdomain.ErrInvalidSourceType},
		{"blank source id", ledgerdomain.Posting{UserID: 1, SourceType: ledgerdomain.SourceTypeCreditUse, SourceID: "  ", Amount: -1}, ledgerdomain.ErrInvalidSourceID},
		{"zero amount", ledgerdomain.Posting{UserID: 1, SourceType: ledgerdomain.SourceTypeCreditUse, SourceID: "1"}, ledgerdomain.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := post(t, s, svc, tc.p)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
