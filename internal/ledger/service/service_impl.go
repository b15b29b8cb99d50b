package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/songforge/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Store      *store.Store
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	store      *store.Store
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		store:      p.Store,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) PostTx(ctx context.Context, tx *gorm.DB, p ledgerdomain.Posting) (bool, error) {
	if p.UserID == 0 {
		return false, ledgerdomain.ErrInvalidUser
	}
	sourceType, err := normalizeSourceType(p.SourceType)
	if err != nil {
		return false, err
	}
	sourceID := strings.TrimSpace(p.SourceID)
	if sourceID == "" {
		return false, ledgerdomain.ErrInvalidSourceID
	}
	if p.Amount == 0 {
		return false, ledgerdomain.ErrInvalidAmount
	}

	user, err := store.LoadUser(tx, p.UserID, true)
	if err != nil {
		return false, err
	}
	balance := user.CreditsBalance + p.Amount
	if balance < 0 {
		return false, ledgerdomain.ErrInsufficientCredits
	}

	now := s.store.Now()
	result := tx.Exec(
		`INSERT INTO credit_ledger_entries (
			id, user_id, request_id, source_type, source_id, amount, balance_after, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, source_type, source_id) DO NOTHING`,
		s.genID.Generate().Int64(),
		p.UserID,
		p.RequestID,
		string(sourceType),
		sourceID,
		p.Amount,
		balance,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Debug("credit posting already applied",
			zap.Int64("user_id", p.UserID),
			zap.String("source_type", string(sourceType)),
			zap.String("source_id", sourceID),
		)
		return false, nil
	}

	moved := tx.Exec(
		`UPDATE users SET credits_balance = credits_balance + ?, updated_at = ?
		 WHERE id = ? AND credits_balance + ? >= 0`,
		p.Amount, now, p.UserID, p.Amount,
	)
	if moved.Error != nil {
		return false, moved.Error
	}
	if moved.RowsAffected != 1 {
		return false, ledgerdomain.ErrInsufficientCredits
	}

	if err := s.store.Publish(tx, store.Change{
		Entity:    store.EntityUser,
		EntityID:  p.UserID,
		RequestID: p.RequestID,
		Op:        store.OpUpdate,
		Changed:   []string{"credits_balance"},
	}); err != nil {
		return false, fmt.Errorf("publish credit move: %w", err)
	}

	s.obsMetrics.RecordCreditMove(ctx, string(sourceType))
	return true, nil
}

func (s *Service) ListByUser(ctx context.Context, userID int64) ([]ledgerdomain.Entry, error) {
	var entries []ledgerdomain.Entry
	err := s.store.DB(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

func normalizeSourceType(sourceType ledgerdomain.SourceType) (ledgerdomain.SourceType, error) {
	normalized := strings.ToLower(strings.TrimSpace(string(sourceType)))
	switch normalized {
	case string(ledgerdomain.SourceTypeCreditUse):
		return ledgerdomain.SourceTypeCreditUse, nil
	case string(ledgerdomain.SourceTypeCreditRefund):
		return ledgerdomain.SourceTypeCreditRefund, nil
	default:
		return "", ledgerdomain.ErrInvalidSourceType
	}
}
